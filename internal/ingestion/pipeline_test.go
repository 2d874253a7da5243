package ingestion

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"arandu-chain-sync/internal/blockchain"
	"arandu-chain-sync/internal/blockchain/chaintest"
	"arandu-chain-sync/internal/config"
	"arandu-chain-sync/internal/contracts"
	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/internal/repository"
	"arandu-chain-sync/internal/repository/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend *chaintest.Backend
	events  *repository.EventRepo
	status  *repository.SyncStatusRepo
	cache   *repository.CacheRepo
	client  *blockchain.Client
}

func newFixture(t *testing.T, head uint64) *fixture {
	t.Helper()
	db := repotest.NewDB(t)
	backend := chaintest.NewBackend(head)
	return &fixture{
		backend: backend,
		events:  repository.NewEventRepo(db),
		status:  repository.NewSyncStatusRepo(db),
		cache:   repository.NewCacheRepo(db),
		client: blockchain.NewClient(backend, config.ChainConfig{
			ConfirmationBlocks: 2,
			RPCTimeout:         time.Second,
		}),
	}
}

func rewardsContract() Contract {
	return Contract{
		Role:       contracts.RoleRewards,
		Name:       "rewards",
		Address:    rewardsAddr.Hex(),
		StartBlock: 100,
		ABI:        contracts.RewardsABI,
	}
}

func (f *fixture) pipeline(status repository.SyncStatusRepository, opts Options) *Pipeline {
	p := NewPipeline(rewardsContract(), f.client, f.events, status, NewLocalLocker(), newManualClock(), opts)
	return p
}

func (f *fixture) checkpoint(t *testing.T) *models.SyncStatus {
	t.Helper()
	s, err := f.status.Get(context.Background(), lower(rewardsAddr))
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

// crashingStatus fails Advance a set number of times, standing in for a
// process that dies between persisting and checkpointing.
type crashingStatus struct {
	repository.SyncStatusRepository
	failures atomic.Int32
}

func (c *crashingStatus) Advance(ctx context.Context, address string, toBlock int64) (bool, error) {
	if c.failures.Add(-1) >= 0 {
		return false, stderrors.New("process killed before checkpoint")
	}
	return c.SyncStatusRepository.Advance(ctx, address, toBlock)
}

func TestCrashBeforeCheckpointIsSafeToRepeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 112) // confirmed head 110
	f.backend.AddLogs(
		rewardMintedLog(t, 100, txHash(1), studentA, 100),
		rewardMintedLog(t, 104, txHash(2), studentA, 200),
		rewardMintedLog(t, 110, txHash(3), studentB, 300),
	)

	crashing := &crashingStatus{SyncStatusRepository: f.status}
	crashing.failures.Store(1)
	p := f.pipeline(crashing, Options{})
	require.NoError(t, p.Register(ctx))

	first := p.Cycle(ctx)
	require.Error(t, first.Err)
	assert.Equal(t, int64(100), first.From)
	assert.Equal(t, int64(110), first.To)
	assert.Equal(t, 3, first.Inserted)
	assert.Equal(t, int64(99), f.checkpoint(t).LastSyncedBlock)
	assert.False(t, f.checkpoint(t).IsHealthy)

	second := p.Cycle(ctx)
	require.NoError(t, second.Err)
	assert.Equal(t, int64(100), second.From)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 3, second.Duplicates)
	assert.True(t, second.Advanced)

	status := f.checkpoint(t)
	assert.Equal(t, int64(110), status.LastSyncedBlock)
	assert.True(t, status.IsHealthy)

	count, err := f.events.CountByName(ctx, models.EventRewardMinted)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	row, err := f.cache.GetByWallet(ctx, lower(studentA))
	require.NoError(t, err)
	assert.Equal(t, "300", row.TokenBalance)

	third := p.Cycle(ctx)
	assert.True(t, third.Empty)
	assert.Equal(t, int64(110), f.checkpoint(t).LastSyncedBlock)
}

func TestPollFailureMarksUnhealthyWithoutAdvancing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 112)
	f.backend.AddLogs(rewardMintedLog(t, 101, txHash(1), studentA, 10))
	p := f.pipeline(f.status, Options{})
	require.NoError(t, p.Register(ctx))

	f.backend.SetFilterErr(stderrors.New("connection refused"))
	for i := 0; i < 2; i++ {
		res := p.Cycle(ctx)
		require.Error(t, res.Err)
		assert.Equal(t, StateIdle, p.State())
	}
	status := f.checkpoint(t)
	assert.False(t, status.IsHealthy)
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Equal(t, int64(99), status.LastSyncedBlock)
	require.NotNil(t, status.LastError)
	assert.Contains(t, *status.LastError, "connection refused")

	f.backend.SetFilterErr(nil)
	res := p.Cycle(ctx)
	require.NoError(t, res.Err)
	status = f.checkpoint(t)
	assert.True(t, status.IsHealthy)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, int64(110), status.LastSyncedBlock)
}

func TestEmptyRangeDoesNotPoll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 101) // confirmed head 99 == initial checkpoint
	p := f.pipeline(f.status, Options{})
	require.NoError(t, p.Register(ctx))

	res := p.Cycle(ctx)
	require.NoError(t, res.Err)
	assert.True(t, res.Empty)
	assert.Equal(t, 0, f.backend.FilterCalls())
	assert.Equal(t, int64(99), f.checkpoint(t).LastSyncedBlock)
}

func TestBatchClampWalksRangeInChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 112)
	p := f.pipeline(f.status, Options{BatchBlocks: 5})
	require.NoError(t, p.Register(ctx))

	var tops []int64
	for i := 0; i < 3; i++ {
		res := p.Cycle(ctx)
		require.NoError(t, res.Err)
		tops = append(tops, res.To)
	}
	assert.Equal(t, []int64{104, 109, 110}, tops)
}

func TestCheckpointNeverDecreases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 112)
	p := f.pipeline(f.status, Options{BatchBlocks: 4})
	require.NoError(t, p.Register(ctx))

	heads := []uint64{112, 106, 130, 90, 130, 131, 140}
	previous := f.checkpoint(t).LastSyncedBlock
	for i, head := range heads {
		f.backend.SetHead(head)
		if i%3 == 1 {
			f.backend.SetFilterErr(stderrors.New("http status 503"))
		} else {
			f.backend.SetFilterErr(nil)
		}
		p.Cycle(ctx)

		current := f.checkpoint(t).LastSyncedBlock
		assert.GreaterOrEqual(t, current, previous, "cycle %d", i)
		previous = current
	}
}

func TestCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 112)
	locker := NewLocalLocker()
	p := NewPipeline(rewardsContract(), f.client, f.events, f.status, locker, newManualClock(), Options{})
	require.NoError(t, p.Register(ctx))

	ok, err := locker.TryAcquire(ctx, lockKey(p.Address()), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res := p.Cycle(ctx)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, f.backend.FilterCalls())

	require.NoError(t, locker.Release(ctx, lockKey(p.Address())))
	res = p.Cycle(ctx)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, f.backend.FilterCalls())
}

func TestRunCyclesOnInjectedClock(t *testing.T) {
	f := newFixture(t, 105)
	clock := newManualClock()
	p := NewPipeline(rewardsContract(), f.client, f.events, f.status, nil, clock, Options{PollInterval: time.Minute})

	results := make(chan CycleResult, 4)
	p.OnCycle(func(res CycleResult) { results <- res })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	first := <-results
	require.NoError(t, first.Err)
	assert.Equal(t, int64(103), first.To)

	f.backend.AddLogs(rewardMintedLog(t, 106, txHash(9), studentA, 5))
	f.backend.SetHead(108)

	require.Eventually(t, func() bool { return clock.Waiting() == 1 }, time.Second, time.Millisecond)
	select {
	case <-results:
		t.Fatal("cycle ran before the clock advanced")
	default:
	}
	clock.Advance(time.Minute)

	second := <-results
	require.NoError(t, second.Err)
	assert.Equal(t, int64(104), second.From)
	assert.Equal(t, int64(106), second.To)
	assert.Equal(t, 1, second.Inserted)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
