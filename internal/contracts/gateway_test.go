package contracts

import (
	"context"
	"math/big"
	"testing"
	"time"

	"arandu-chain-sync/internal/blockchain"
	"arandu-chain-sync/internal/blockchain/chaintest"
	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/pkg/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testAddrs = Addresses{
		Token:        common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Rewards:      common.HexToAddress("0x1000000000000000000000000000000000000002"),
		Badges:       common.HexToAddress("0x1000000000000000000000000000000000000003"),
		Certificates: common.HexToAddress("0x1000000000000000000000000000000000000004"),
		Resources:    common.HexToAddress("0x1000000000000000000000000000000000000005"),
		DataAnchor:   common.HexToAddress("0x1000000000000000000000000000000000000006"),
	}
	student = common.HexToAddress("0x00000000000000000000000000000000000000ab")
)

func newTestGateway(t *testing.T, backend *chaintest.Backend, confirmations int64) *Gateway {
	t.Helper()
	client := blockchain.NewClient(backend, config.ChainConfig{
		ConfirmationBlocks: confirmations,
		RPCTimeout:         time.Second,
	})
	signerCfg := config.SignerConfig{
		PrivateKey:        testKey,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxAttempts:  2,
		ConfirmTimeout:    50 * time.Millisecond,
		ReceiptPollPeriod: 5 * time.Millisecond,
	}
	signer, err := blockchain.NewSigner(backend, signerCfg, big.NewInt(31337), time.Second)
	require.NoError(t, err)
	t.Cleanup(signer.Close)

	backend.SetBalance(signer.Address(), new(big.Int).Mul(big.NewInt(1e18), big.NewInt(10)))
	return NewGateway(client, signer, testAddrs, signerCfg)
}

func TestMintRewardConfirmed(t *testing.T) {
	backend := chaintest.NewBackend(100)
	gw := newTestGateway(t, backend, 1)

	receipt, err := gw.MintReward(context.Background(), student, big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, receipt.Status)
	assert.Equal(t, uint64(101), receipt.BlockNumber)

	sent := backend.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testAddrs.Rewards, *sent[0].To())
	assert.Equal(t, RewardsABI.Methods["mintReward"].ID, sent[0].Data()[:4])
	assert.Equal(t, uint64(60000), sent[0].Gas())
}

func TestWriteTimesOutAsUnconfirmed(t *testing.T) {
	backend := chaintest.NewBackend(100)
	gw := newTestGateway(t, backend, 3)

	receipt, err := gw.IssueBadge(context.Background(), student, big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, StatusUnconfirmed, receipt.Status)
	assert.Equal(t, uint64(1), receipt.Confirmations)

	backend.Mine(2)
	later, err := gw.CheckTransaction(context.Background(), receipt.TxHash)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, later.Status)
	assert.Equal(t, uint64(3), later.Confirmations)
}

func TestWriteRevertedReceipt(t *testing.T) {
	backend := chaintest.NewBackend(100)
	backend.SetMineStatus(types.ReceiptStatusFailed)
	gw := newTestGateway(t, backend, 1)

	receipt, err := gw.IssueCertificate(context.Background(), student, big.NewInt(7), "ipfs://cert")
	require.Error(t, err)
	assert.Equal(t, errors.ErrReverted, errors.CodeOf(err))
	assert.Equal(t, StatusReverted, receipt.Status)
}

func TestWriteInsufficientFundsReturnsNoReceipt(t *testing.T) {
	backend := chaintest.NewBackend(100)
	gw := newTestGateway(t, backend, 1)
	backend.SetBalance(gw.signer.(*blockchain.Signer).Address(), big.NewInt(1))

	receipt, err := gw.AnchorData(context.Background(), common.HexToHash("0xfeed"))
	require.Error(t, err)
	assert.Nil(t, receipt)
	assert.Equal(t, errors.ErrInsufficientFunds, errors.CodeOf(err))
	assert.Empty(t, backend.Sent())
}

func TestCheckTransactionNotFound(t *testing.T) {
	backend := chaintest.NewBackend(100)
	gw := newTestGateway(t, backend, 2)

	r, err := gw.CheckTransaction(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, r.Status)
}

func TestGetStudentStats(t *testing.T) {
	backend := chaintest.NewBackend(100)
	gw := newTestGateway(t, backend, 2)

	method := RewardsABI.Methods["getStudentStats"]
	out, err := method.Outputs.Pack(big.NewInt(5000), big.NewInt(3), big.NewInt(1), big.NewInt(9))
	require.NoError(t, err)
	backend.SetCallResult(testAddrs.Rewards, method.ID, out)

	stats, err := gw.GetStudentStats(context.Background(), student)
	require.NoError(t, err)
	assert.Equal(t, "5000", stats.Tokens.String())
	assert.Equal(t, uint64(3), stats.Badges)
	assert.Equal(t, uint64(1), stats.Certificates)
	assert.Equal(t, uint64(9), stats.Streak)
	assert.Empty(t, backend.Sent())
}

func TestIsTeacherAndTokenBalance(t *testing.T) {
	backend := chaintest.NewBackend(100)
	gw := newTestGateway(t, backend, 2)

	isTeacher := ResourcesABI.Methods["isTeacher"]
	out, err := isTeacher.Outputs.Pack(true)
	require.NoError(t, err)
	backend.SetCallResult(testAddrs.Resources, isTeacher.ID, out)

	balanceOf := TokenABI.Methods["balanceOf"]
	out, err = balanceOf.Outputs.Pack(big.NewInt(42))
	require.NoError(t, err)
	backend.SetCallResult(testAddrs.Token, balanceOf.ID, out)

	ok, err := gw.IsTeacher(context.Background(), student)
	require.NoError(t, err)
	assert.True(t, ok)

	balance, err := gw.TokenBalance(context.Background(), student)
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance.Int64())
}

func TestReadRevertSurfacesAsReverted(t *testing.T) {
	backend := chaintest.NewBackend(100)
	gw := newTestGateway(t, backend, 2)

	_, err := gw.IsTeacher(context.Background(), student)
	require.Error(t, err)
	assert.Equal(t, errors.ErrReverted, errors.CodeOf(err))
}
