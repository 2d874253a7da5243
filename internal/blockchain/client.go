package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/internal/metrics"
	"arandu-chain-sync/pkg/errors"
	"arandu-chain-sync/pkg/logger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Backend is the part of *ethclient.Client the engine uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

var _ Backend = (*ethclient.Client)(nil)

// Client is the read path to the chain. Every call waits on the rate
// limiter and runs under the configured RPC timeout.
type Client struct {
	backend       Backend
	limiter       *rate.Limiter
	timeout       time.Duration
	confirmations int64
}

// Dial connects to cfg.RPCURL and checks the node serves cfg.ChainID.
func Dial(ctx context.Context, cfg config.ChainConfig) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.New(errors.ErrRPConnect, "failed to dial rpc endpoint", err)
	}

	client := NewClient(ec, cfg)
	chainID, err := client.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, errors.New(errors.ErrRPConnect, "failed to read chain id", err)
	}
	if cfg.ChainID > 0 && chainID.Int64() != cfg.ChainID {
		ec.Close()
		return nil, errors.New(errors.ErrConfigInvalid,
			fmt.Sprintf("rpc endpoint serves chain %s, expected %d", chainID, cfg.ChainID), nil)
	}

	logger.WithFields(map[string]interface{}{
		"chain_id":      chainID.String(),
		"confirmations": cfg.ConfirmationBlocks,
	}).Info("Connected to chain")

	return client, nil
}

func NewClient(backend Backend, cfg config.ChainConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		backend:       backend,
		limiter:       rate.NewLimiter(limit, burst),
		timeout:       timeout,
		confirmations: cfg.ConfirmationBlocks,
	}
}

func (c *Client) Backend() Backend {
	return c.backend
}

func (c *Client) Confirmations() int64 {
	return c.confirmations
}

func (c *Client) Timeout() time.Duration {
	return c.timeout
}

func (c *Client) Close() {
	c.backend.Close()
}

// call waits for a limiter token and runs fn under the RPC timeout.
func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		metrics.RPCCallsTotal.WithLabelValues(method, "rate_limited").Inc()
		return errors.New(errors.ErrTransient, method+": rate limiter wait aborted", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(callCtx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCCallsTotal.WithLabelValues(method, status).Inc()
	return err
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, "eth_chainId", func(ctx context.Context) error {
		var err error
		id, err = c.backend.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *Client) GetLatestBlockNumber(ctx context.Context) (int64, error) {
	var header *types.Header
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		header, err = c.backend.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return 0, errors.New(errors.ErrBlockFetch, "failed to fetch latest block", err)
	}
	return header.Number.Int64(), nil
}

// GetConfirmedHead returns the latest block minus the confirmation depth,
// floored at zero.
func (c *Client) GetConfirmedHead(ctx context.Context) (int64, error) {
	latest, err := c.GetLatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	confirmed := latest - c.confirmations
	if confirmed < 0 {
		confirmed = 0
	}
	return confirmed, nil
}

// FilterLogs returns every log emitted by address in [from, to].
func (c *Client) FilterLogs(ctx context.Context, address common.Address, from, to int64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(to),
		Addresses: []common.Address{address},
	}

	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = c.backend.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, errors.New(errors.ErrBlockFetch,
			fmt.Sprintf("failed to filter logs %d-%d for %s", from, to, address.Hex()), err)
	}
	return logs, nil
}

// CallContract runs a read-only call against the latest state.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.call(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = c.backend.CallContract(ctx, msg, nil)
		return err
	})
	if err != nil {
		return nil, classify("eth_call", err)
	}
	return out, nil
}

// TransactionReceipt returns (nil, nil) while the transaction is unknown
// or not yet mined.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = c.backend.TransactionReceipt(ctx, hash)
		return err
	})
	if err != nil {
		if err == ethereum.NotFound {
			return nil, nil
		}
		return nil, classify("eth_getTransactionReceipt", err)
	}
	return receipt, nil
}
