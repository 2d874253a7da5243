package contracts

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"arandu-chain-sync/internal/blockchain"
	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/pkg/errors"
	"arandu-chain-sync/pkg/logger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type TxStatus string

const (
	StatusConfirmed   TxStatus = "confirmed"
	StatusUnconfirmed TxStatus = "unconfirmed"
	StatusReverted    TxStatus = "reverted"
	StatusNotFound    TxStatus = "not_found"
)

// Receipt is the gateway's view of a write. BlockNumber and
// Confirmations are zero until the transaction is mined.
type Receipt struct {
	TxHash        common.Hash
	BlockNumber   uint64
	Confirmations uint64
	GasUsed       uint64
	Status        TxStatus
}

type StudentStats struct {
	Tokens       *big.Int
	Badges       uint64
	Certificates uint64
	Streak       uint64
}

// Submitter is the serialized write path, implemented by *blockchain.Signer.
type Submitter interface {
	Submit(ctx context.Context, req blockchain.TxRequest) (*blockchain.Submission, error)
}

type Addresses struct {
	Token        common.Address
	Rewards      common.Address
	Badges       common.Address
	Certificates common.Address
	Resources    common.Address
	DataAnchor   common.Address
}

func AddressesFromConfig(cfg config.ContractsConfig) Addresses {
	return Addresses{
		Token:        common.HexToAddress(cfg.Token.Address),
		Rewards:      common.HexToAddress(cfg.Rewards.Address),
		Badges:       common.HexToAddress(cfg.Badges.Address),
		Certificates: common.HexToAddress(cfg.Certificates.Address),
		Resources:    common.HexToAddress(cfg.Resources.Address),
		DataAnchor:   common.HexToAddress(cfg.DataAnchor.Address),
	}
}

// Gateway is the typed façade over the deployed contracts. Reads go
// straight to the client; writes queue on the signer.
type Gateway struct {
	client         *blockchain.Client
	signer         Submitter
	addrs          Addresses
	confirmTimeout time.Duration
	pollPeriod     time.Duration
}

func NewGateway(client *blockchain.Client, signer Submitter, addrs Addresses, cfg config.SignerConfig) *Gateway {
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 60 * time.Second
	}
	pollPeriod := cfg.ReceiptPollPeriod
	if pollPeriod <= 0 {
		pollPeriod = 2 * time.Second
	}
	return &Gateway{
		client:         client,
		signer:         signer,
		addrs:          addrs,
		confirmTimeout: confirmTimeout,
		pollPeriod:     pollPeriod,
	}
}

func (g *Gateway) Addresses() Addresses {
	return g.addrs
}

// requiredConfirmations counts the inclusion block itself.
func (g *Gateway) requiredConfirmations() uint64 {
	if c := g.client.Confirmations(); c > 1 {
		return uint64(c)
	}
	return 1
}

func (g *Gateway) GetStudentStats(ctx context.Context, wallet common.Address) (*StudentStats, error) {
	values, err := g.call(ctx, g.addrs.Rewards, RewardsABI, "getStudentStats", wallet)
	if err != nil {
		return nil, err
	}
	if len(values) != 4 {
		return nil, errors.New(errors.ErrEventParse,
			fmt.Sprintf("getStudentStats returned %d values", len(values)), nil)
	}
	return &StudentStats{
		Tokens:       values[0].(*big.Int),
		Badges:       values[1].(*big.Int).Uint64(),
		Certificates: values[2].(*big.Int).Uint64(),
		Streak:       values[3].(*big.Int).Uint64(),
	}, nil
}

func (g *Gateway) IsTeacher(ctx context.Context, wallet common.Address) (bool, error) {
	values, err := g.call(ctx, g.addrs.Resources, ResourcesABI, "isTeacher", wallet)
	if err != nil {
		return false, err
	}
	isTeacher, ok := values[0].(bool)
	if !ok {
		return false, errors.New(errors.ErrEventParse, "isTeacher returned a non-bool", nil)
	}
	return isTeacher, nil
}

func (g *Gateway) TokenBalance(ctx context.Context, wallet common.Address) (*big.Int, error) {
	values, err := g.call(ctx, g.addrs.Token, TokenABI, "balanceOf", wallet)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

func (g *Gateway) MintReward(ctx context.Context, wallet common.Address, amount *big.Int) (*Receipt, error) {
	return g.write(ctx, g.addrs.Rewards, RewardsABI, "mintReward", wallet, amount)
}

func (g *Gateway) IssueBadge(ctx context.Context, wallet common.Address, badgeType *big.Int) (*Receipt, error) {
	return g.write(ctx, g.addrs.Badges, BadgesABI, "issueBadge", wallet, badgeType)
}

func (g *Gateway) IssueCertificate(ctx context.Context, wallet common.Address, courseID *big.Int, uri string) (*Receipt, error) {
	return g.write(ctx, g.addrs.Certificates, CertificatesABI, "issueCertificate", wallet, courseID, uri)
}

func (g *Gateway) AnchorData(ctx context.Context, dataHash common.Hash) (*Receipt, error) {
	return g.write(ctx, g.addrs.DataAnchor, DataAnchorABI, "anchorData", [32]byte(dataHash))
}

// CheckTransaction looks the receipt up once and reports where the
// transaction stands.
func (g *Gateway) CheckTransaction(ctx context.Context, hash common.Hash) (*Receipt, error) {
	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return &Receipt{TxHash: hash, Status: StatusNotFound}, nil
	}

	r := &Receipt{
		TxHash:      hash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}
	if receipt.Status == types.ReceiptStatusFailed {
		r.Status = StatusReverted
		return r, nil
	}

	head, err := g.client.GetLatestBlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	if uint64(head) >= r.BlockNumber {
		r.Confirmations = uint64(head) - r.BlockNumber + 1
	}
	if r.Confirmations >= g.requiredConfirmations() {
		r.Status = StatusConfirmed
	} else {
		r.Status = StatusUnconfirmed
	}
	return r, nil
}

func (g *Gateway) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, errors.New(errors.ErrValidation, "failed to encode "+method, err)
	}
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return nil, err
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, errors.New(errors.ErrEventParse, "failed to decode "+method+" result", err)
	}
	return values, nil
}

// write submits through the signer and waits for confirmations. A wait
// that runs out returns an unconfirmed receipt and no error. When the
// signer gives up after a broadcast, the receipt carries the hash next
// to the error.
func (g *Gateway) write(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) (*Receipt, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, errors.New(errors.ErrValidation, "failed to encode "+method, err)
	}

	sub, err := g.signer.Submit(ctx, blockchain.TxRequest{To: to, Data: data, Label: method})
	if err != nil {
		if sub != nil {
			return &Receipt{TxHash: sub.Hash, Status: StatusUnconfirmed}, err
		}
		return nil, err
	}
	return g.awaitConfirmations(ctx, method, sub.Hash)
}

func (g *Gateway) awaitConfirmations(ctx context.Context, method string, hash common.Hash) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollPeriod)
	defer ticker.Stop()

	last := &Receipt{TxHash: hash, Status: StatusUnconfirmed}
	for {
		r, err := g.CheckTransaction(waitCtx, hash)
		switch {
		case err != nil:
			logger.For("gateway").WithFields(map[string]interface{}{
				"method":  method,
				"tx_hash": hash.Hex(),
			}).WithError(err).Debug("Receipt lookup failed, still waiting")
		case r.Status == StatusConfirmed:
			return r, nil
		case r.Status == StatusReverted:
			return r, errors.New(errors.ErrReverted,
				fmt.Sprintf("%s reverted in block %d", method, r.BlockNumber), nil)
		case r.Status == StatusUnconfirmed:
			last = r
		}

		select {
		case <-waitCtx.Done():
			logger.For("gateway").WithFields(map[string]interface{}{
				"method":        method,
				"tx_hash":       hash.Hex(),
				"confirmations": last.Confirmations,
			}).Warn("Confirmation wait timed out, transaction left unconfirmed")
			last.Status = StatusUnconfirmed
			return last, nil
		case <-ticker.C:
		}
	}
}
