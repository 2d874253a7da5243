package reward

import (
	"context"
	stderrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"arandu-chain-sync/internal/blockchain"
	"arandu-chain-sync/internal/blockchain/chaintest"
	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/internal/contracts"
	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/internal/repository"
	"arandu-chain-sync/internal/repository/repotest"
	"arandu-chain-sync/pkg/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

const wallet = "0x00000000000000000000000000000000000000Ab"

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) MintReward(ctx context.Context, to common.Address, amount *big.Int) (*contracts.Receipt, error) {
	args := m.Called(ctx, to, amount)
	r, _ := args.Get(0).(*contracts.Receipt)
	return r, args.Error(1)
}

func (m *mockGateway) CheckTransaction(ctx context.Context, hash common.Hash) (*contracts.Receipt, error) {
	args := m.Called(ctx, hash)
	r, _ := args.Get(0).(*contracts.Receipt)
	return r, args.Error(1)
}

type harness struct {
	orch    *Orchestrator
	gateway *mockGateway
	rewards *repository.RewardRepo
	events  *repository.EventRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := repotest.NewDB(t)
	rewards := repository.NewRewardRepo(db)
	events := repository.NewEventRepo(db)

	// two decimals keeps amounts inside sqlite's integer range
	formula, err := NewFormula(config.RewardConfig{TokenDecimals: 2})
	require.NoError(t, err)

	gw := new(mockGateway)
	return &harness{
		orch:    NewOrchestrator(rewards, events, gw, formula, config.RewardConfig{PendingGrace: time.Minute}),
		gateway: gw,
		rewards: rewards,
		events:  events,
	}
}

func quiz92() Completion {
	return Completion{StudentID: "s1", ActivityID: "a1", ActivityType: models.ActivityQuiz, Score: 92, Wallet: wallet}
}

func amountIs(want int64) interface{} {
	return mock.MatchedBy(func(a *big.Int) bool { return a.Cmp(big.NewInt(want)) == 0 })
}

func (h *harness) record(t *testing.T) *models.RewardIssuanceRecord {
	t.Helper()
	rec, err := h.rewards.Get(context.Background(), "s1", "a1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestConcurrentDuplicatesMintOnce(t *testing.T) {
	h := newHarness(t)
	hash := common.HexToHash("0xaa01")
	h.gateway.On("MintReward", mock.Anything, common.HexToAddress(wallet), amountIs(1920)).
		Run(func(mock.Arguments) { time.Sleep(50 * time.Millisecond) }).
		Return(&contracts.Receipt{TxHash: hash, BlockNumber: 10, Status: contracts.StatusConfirmed}, nil)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.Issue(context.Background(), quiz92())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	h.gateway.AssertNumberOfCalls(t, "MintReward", 1)
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, hash.Hex(), results[0].TxHash)
	assert.Equal(t, results[0].TxHash, results[1].TxHash)
	assert.Equal(t, "1920", results[0].Amount)

	again, err := h.orch.Issue(context.Background(), quiz92())
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, hash.Hex(), again.TxHash)
	h.gateway.AssertNumberOfCalls(t, "MintReward", 1)

	rec := h.record(t)
	assert.True(t, rec.Processed)
	assert.Equal(t, models.RewardSubmitted, rec.Status)
}

func TestValidationNeverReachesChain(t *testing.T) {
	h := newHarness(t)
	bad := []Completion{
		{StudentID: "s1", ActivityID: "a1", ActivityType: "exam", Score: 50, Wallet: wallet},
		{StudentID: "s1", ActivityID: "a1", ActivityType: models.ActivityQuiz, Score: 101, Wallet: wallet},
		{StudentID: "s1", ActivityID: "a1", ActivityType: models.ActivityQuiz, Score: -1, Wallet: wallet},
		{StudentID: "s1", ActivityID: "a1", ActivityType: models.ActivityQuiz, Score: 50, Wallet: "0xabc"},
		{StudentID: "", ActivityID: "a1", ActivityType: models.ActivityQuiz, Score: 50, Wallet: wallet},
	}
	for _, c := range bad {
		_, err := h.orch.Issue(context.Background(), c)
		require.Error(t, err)
		assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))
	}
	h.gateway.AssertNotCalled(t, "MintReward", mock.Anything, mock.Anything, mock.Anything)

	count, err := h.rewards.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestUnconfirmedStaysPendingThenReconciles(t *testing.T) {
	h := newHarness(t)
	hash := common.HexToHash("0xbb02")
	h.gateway.On("MintReward", mock.Anything, mock.Anything, amountIs(1920)).
		Return(&contracts.Receipt{TxHash: hash, Status: contracts.StatusUnconfirmed}, nil).Once()

	res, err := h.orch.Issue(context.Background(), quiz92())
	require.NoError(t, err)
	assert.Equal(t, models.RewardPending, res.Status)
	assert.Equal(t, hash.Hex(), res.TxHash)
	assert.False(t, h.record(t).Processed)

	h.gateway.On("CheckTransaction", mock.Anything, hash).
		Return(&contracts.Receipt{TxHash: hash, Status: contracts.StatusConfirmed, BlockNumber: 12}, nil)

	res, err = h.orch.Issue(context.Background(), quiz92())
	require.NoError(t, err)
	assert.Equal(t, models.RewardSubmitted, res.Status)
	assert.True(t, h.record(t).Processed)
	h.gateway.AssertNumberOfCalls(t, "MintReward", 1)
}

func TestPendingStillUnconfirmedDoesNotResubmit(t *testing.T) {
	h := newHarness(t)
	hash := common.HexToHash("0xbb03")
	h.gateway.On("MintReward", mock.Anything, mock.Anything, mock.Anything).
		Return(&contracts.Receipt{TxHash: hash, Status: contracts.StatusUnconfirmed}, nil).Once()
	h.gateway.On("CheckTransaction", mock.Anything, hash).
		Return(&contracts.Receipt{TxHash: hash, Status: contracts.StatusUnconfirmed, BlockNumber: 12, Confirmations: 1}, nil)

	_, err := h.orch.Issue(context.Background(), quiz92())
	require.NoError(t, err)

	res, err := h.orch.Issue(context.Background(), quiz92())
	require.NoError(t, err)
	assert.Equal(t, models.RewardPending, res.Status)
	assert.False(t, res.Duplicate)
	h.gateway.AssertNumberOfCalls(t, "MintReward", 1)
}

func TestPendingConfirmedByIngestedEvent(t *testing.T) {
	h := newHarness(t)
	hash := common.HexToHash("0xcc03")
	h.gateway.On("MintReward", mock.Anything, mock.Anything, mock.Anything).
		Return(&contracts.Receipt{TxHash: hash, Status: contracts.StatusUnconfirmed}, nil).Once()

	_, err := h.orch.Issue(context.Background(), quiz92())
	require.NoError(t, err)

	w := "0x00000000000000000000000000000000000000ab"
	amount := "1920"
	_, err = h.events.PersistBatch(context.Background(), []repository.EventWrite{{Event: &models.BlockchainEvent{
		ContractAddress: "0x1000000000000000000000000000000000000002",
		EventName:       models.EventRewardMinted,
		BlockNumber:     12,
		TxHash:          hash.Hex(),
		Wallet:          &w,
		Amount:          &amount,
		Payload:         datatypes.JSON(`{"kind":"RewardMinted","data":{}}`),
	}}})
	require.NoError(t, err)

	res, err := h.orch.Issue(context.Background(), quiz92())
	require.NoError(t, err)
	assert.Equal(t, models.RewardSubmitted, res.Status)
	h.gateway.AssertNotCalled(t, "CheckTransaction", mock.Anything, mock.Anything)
	h.gateway.AssertNumberOfCalls(t, "MintReward", 1)
}

func TestRevertIsFatalButRetryable(t *testing.T) {
	h := newHarness(t)
	first := common.HexToHash("0xdd01")
	second := common.HexToHash("0xdd02")
	h.gateway.On("MintReward", mock.Anything, mock.Anything, mock.Anything).
		Return(&contracts.Receipt{TxHash: first, Status: contracts.StatusReverted}, errors.New(errors.ErrReverted, "mintReward reverted in block 9", nil)).Once()
	h.gateway.On("MintReward", mock.Anything, mock.Anything, mock.Anything).
		Return(&contracts.Receipt{TxHash: second, Status: contracts.StatusConfirmed}, nil).Once()

	res, err := h.orch.Issue(context.Background(), quiz92())
	require.Error(t, err)
	assert.Equal(t, errors.ErrReverted, errors.CodeOf(err))
	require.NotNil(t, res)
	assert.Equal(t, models.RewardFailed, res.Status)

	rec := h.record(t)
	assert.False(t, rec.Processed)
	assert.Nil(t, rec.TxHash)
	require.NotNil(t, rec.LastError)

	res, err = h.orch.Issue(context.Background(), quiz92())
	require.NoError(t, err)
	assert.Equal(t, second.Hex(), res.TxHash)
	assert.True(t, h.record(t).Processed)
}

func TestExhaustedRetriesKeepHashUntilGraceExpires(t *testing.T) {
	h := newHarness(t)
	lost := common.HexToHash("0xee01")
	replacement := common.HexToHash("0xee02")
	exhausted := errors.New(errors.ErrRetriesExhausted, "mintReward: gave up after 4 attempts",
		errors.New(errors.ErrTransient, "send transaction: timeout", nil))

	h.gateway.On("MintReward", mock.Anything, mock.Anything, mock.Anything).
		Return(&contracts.Receipt{TxHash: lost, Status: contracts.StatusUnconfirmed}, exhausted).Once()
	h.gateway.On("MintReward", mock.Anything, mock.Anything, mock.Anything).
		Return(&contracts.Receipt{TxHash: replacement, Status: contracts.StatusConfirmed}, nil).Once()
	h.gateway.On("CheckTransaction", mock.Anything, lost).
		Return(&contracts.Receipt{TxHash: lost, Status: contracts.StatusNotFound}, nil)

	res, err := h.orch.Issue(context.Background(), quiz92())
	require.Error(t, err)
	assert.Equal(t, errors.ErrRetriesExhausted, errors.CodeOf(err))
	assert.Equal(t, lost.Hex(), res.TxHash)
	assert.Equal(t, models.RewardPending, res.Status)

	// inside the grace period the unknown hash blocks a resubmission
	res, err = h.orch.Issue(context.Background(), quiz92())
	require.NoError(t, err)
	assert.Equal(t, models.RewardPending, res.Status)
	h.gateway.AssertNumberOfCalls(t, "MintReward", 1)

	h.orch.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	res, err = h.orch.Issue(context.Background(), quiz92())
	require.NoError(t, err)
	assert.Equal(t, replacement.Hex(), res.TxHash)
	h.gateway.AssertNumberOfCalls(t, "MintReward", 2)
}

func TestInsufficientFundsSendsNothingAndStaysUnprocessed(t *testing.T) {
	db := repotest.NewDB(t)
	rewards := repository.NewRewardRepo(db)
	events := repository.NewEventRepo(db)

	backend := chaintest.NewBackend(100)
	client := blockchain.NewClient(backend, config.ChainConfig{ConfirmationBlocks: 2, RPCTimeout: time.Second})
	signerCfg := config.SignerConfig{
		PrivateKey:        "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		RetryBaseDelay:    time.Millisecond,
		RetryMaxAttempts:  3,
		ConfirmTimeout:    50 * time.Millisecond,
		ReceiptPollPeriod: 5 * time.Millisecond,
	}
	signer, err := blockchain.NewSigner(backend, signerCfg, big.NewInt(31337), time.Second)
	require.NoError(t, err)
	t.Cleanup(signer.Close)

	gw := contracts.NewGateway(client, signer, contracts.Addresses{
		Rewards: common.HexToAddress("0x1000000000000000000000000000000000000002"),
	}, signerCfg)
	formula, err := NewFormula(config.RewardConfig{TokenDecimals: 2})
	require.NoError(t, err)
	orch := NewOrchestrator(rewards, events, gw, formula, config.RewardConfig{})

	_, err = orch.Issue(context.Background(), quiz92())
	require.Error(t, err)
	assert.Equal(t, errors.ErrInsufficientFunds, errors.CodeOf(err))
	assert.Empty(t, backend.Sent())

	rec, err := rewards.Get(context.Background(), "s1", "a1")
	require.NoError(t, err)
	assert.False(t, rec.Processed)
	assert.Equal(t, models.RewardFailed, rec.Status)
}

func TestLostSendReplyNeverLeadsToSecondMint(t *testing.T) {
	ctx := context.Background()
	db := repotest.NewDB(t)
	rewards := repository.NewRewardRepo(db)
	events := repository.NewEventRepo(db)

	backend := chaintest.NewBackend(100)
	client := blockchain.NewClient(backend, config.ChainConfig{ConfirmationBlocks: 2, RPCTimeout: time.Second})
	signerCfg := config.SignerConfig{
		PrivateKey:        "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		RetryBaseDelay:    time.Millisecond,
		RetryMaxAttempts:  4,
		ConfirmTimeout:    50 * time.Millisecond,
		ReceiptPollPeriod: 5 * time.Millisecond,
	}
	signer, err := blockchain.NewSigner(backend, signerCfg, big.NewInt(31337), time.Second)
	require.NoError(t, err)
	t.Cleanup(signer.Close)
	backend.SetBalance(signer.Address(), new(big.Int).Mul(big.NewInt(1e18), big.NewInt(10)))

	// the node takes the first send but the reply is lost, then answers an
	// unrecognized error once before recognising the resend
	backend.QueueSendFaults(
		chaintest.SendFault{Err: context.DeadlineExceeded, Accept: true},
		chaintest.SendFault{Err: stderrors.New("internal error")},
	)

	gw := contracts.NewGateway(client, signer, contracts.Addresses{
		Rewards: common.HexToAddress("0x1000000000000000000000000000000000000002"),
	}, signerCfg)
	formula, err := NewFormula(config.RewardConfig{TokenDecimals: 2})
	require.NoError(t, err)
	orch := NewOrchestrator(rewards, events, gw, formula, config.RewardConfig{})

	res, err := orch.Issue(ctx, quiz92())
	require.NoError(t, err)
	assert.Equal(t, models.RewardPending, res.Status)
	require.Len(t, backend.Sent(), 1)
	assert.Equal(t, backend.Sent()[0].Hash().Hex(), res.TxHash)

	// still one confirmation short: stays pending, nothing resubmitted
	res, err = orch.Issue(ctx, quiz92())
	require.NoError(t, err)
	assert.Equal(t, models.RewardPending, res.Status)
	assert.Len(t, backend.Sent(), 1)

	backend.Mine(1)
	res, err = orch.Issue(ctx, quiz92())
	require.NoError(t, err)
	assert.Equal(t, models.RewardSubmitted, res.Status)
	assert.Len(t, backend.Sent(), 1)

	rec, err := rewards.Get(ctx, "s1", "a1")
	require.NoError(t, err)
	assert.True(t, rec.Processed)
}
