package ingestion

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"arandu-chain-sync/internal/metrics"
	"arandu-chain-sync/internal/repository"
	"arandu-chain-sync/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

type State int32

const (
	StateIdle State = iota
	StatePolling
	StatePersisting
	StateCheckpointing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StatePersisting:
		return "persisting"
	case StateCheckpointing:
		return "checkpointing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ChainReader is the read path a pipeline needs, implemented by
// *blockchain.Client.
type ChainReader interface {
	GetConfirmedHead(ctx context.Context) (int64, error)
	FilterLogs(ctx context.Context, address common.Address, from, to int64) ([]types.Log, error)
}

type Contract struct {
	Role       string
	Name       string
	Address    string
	StartBlock int64
	ABI        abi.ABI
}

type Options struct {
	BatchBlocks  int64
	PollInterval time.Duration
	LockTTL      time.Duration
}

// CycleResult describes one pass of the state machine.
type CycleResult struct {
	Contract   string    `json:"contract"`
	From       int64     `json:"from"`
	To         int64     `json:"to"`
	Logs       int       `json:"logs"`
	Inserted   int       `json:"inserted"`
	Duplicates int       `json:"duplicates"`
	Advanced   bool      `json:"advanced"`
	Empty      bool      `json:"empty"`
	Skipped    bool      `json:"skipped"`
	Err        error     `json:"-"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Pipeline ingests one contract: Idle → Polling → Persisting →
// Checkpointing → Idle. The checkpoint moves only after the whole range
// is persisted; any failure leaves it where it was.
type Pipeline struct {
	contract Contract
	address  string
	chain    ChainReader
	decoder  *Decoder
	events   repository.EventRepository
	status   repository.SyncStatusRepository
	locker   Locker
	clock    Clock
	opts     Options
	state    atomic.Int32
	onCycle  func(CycleResult)
}

func NewPipeline(
	contract Contract,
	chain ChainReader,
	events repository.EventRepository,
	status repository.SyncStatusRepository,
	locker Locker,
	clock Clock,
	opts Options,
) *Pipeline {
	if opts.BatchBlocks <= 0 {
		opts.BatchBlocks = 2000
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if clock == nil {
		clock = RealClock()
	}
	decoder := NewDecoder(contract.Address, contract.ABI)
	return &Pipeline{
		contract: contract,
		address:  decoder.address,
		chain:    chain,
		decoder:  decoder,
		events:   events,
		status:   status,
		locker:   locker,
		clock:    clock,
		opts:     opts,
	}
}

func (p *Pipeline) Address() string {
	return p.address
}

func (p *Pipeline) Name() string {
	if p.contract.Name != "" {
		return p.contract.Name
	}
	return p.contract.Role
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// OnCycle registers a callback invoked after every cycle run by Run.
func (p *Pipeline) OnCycle(fn func(CycleResult)) {
	p.onCycle = fn
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

// Register creates the SyncStatus row if missing.
func (p *Pipeline) Register(ctx context.Context) error {
	_, err := p.status.EnsureRegistered(ctx, p.address, p.Name(), p.contract.StartBlock)
	return err
}

// Run registers the contract, then cycles every poll interval until ctx
// is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Register(ctx); err != nil {
		return fmt.Errorf("register %s: %w", p.address, err)
	}

	logger.For("ingestion").WithFields(logrus.Fields{
		"contract": p.Name(),
		"address":  p.address,
		"interval": p.opts.PollInterval.String(),
	}).Info("Ingestion pipeline started")

	for {
		res := p.Cycle(ctx)
		if p.onCycle != nil {
			p.onCycle(res)
		}

		select {
		case <-ctx.Done():
			logger.For("ingestion").WithFields(logrus.Fields{"contract": p.Name()}).Info("Ingestion pipeline stopped")
			return nil
		case <-p.clock.After(p.opts.PollInterval):
		}
	}
}

// Cycle runs the state machine once.
func (p *Pipeline) Cycle(ctx context.Context) CycleResult {
	res := CycleResult{Contract: p.address, At: p.clock.Now()}
	fields := logrus.Fields{"contract": p.Name(), "address": p.address}

	key := lockKey(p.address)
	owned, err := p.locker.TryAcquire(ctx, key, p.opts.LockTTL)
	if err != nil {
		logger.For("ingestion").WithFields(fields).WithError(err).Warn("Ingestion lock unavailable, skipping cycle")
		metrics.IngestionCyclesTotal.WithLabelValues(p.Name(), "lock_error").Inc()
		res.Skipped = true
		res.Err = err
		res.Error = err.Error()
		return res
	}
	if !owned {
		logger.For("ingestion").WithFields(fields).Debug("Contract owned by another instance, skipping cycle")
		metrics.IngestionCyclesTotal.WithLabelValues(p.Name(), "not_owner").Inc()
		res.Skipped = true
		return res
	}
	defer func() {
		if err := p.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			logger.For("ingestion").WithFields(fields).WithError(err).Warn("Failed to release ingestion lock")
		}
	}()

	status, err := p.status.Get(ctx, p.address)
	if err == nil && status == nil {
		status, err = p.status.EnsureRegistered(ctx, p.address, p.Name(), p.contract.StartBlock)
	}
	if err != nil {
		return p.fail(ctx, res, fmt.Errorf("load checkpoint: %w", err))
	}
	last := status.LastSyncedBlock

	p.setState(StatePolling)
	head, err := p.chain.GetConfirmedHead(ctx)
	if err != nil {
		return p.fail(ctx, res, err)
	}
	if head <= last {
		p.setState(StateIdle)
		metrics.IngestionCyclesTotal.WithLabelValues(p.Name(), "empty").Inc()
		res.Empty = true
		res.From, res.To = last+1, last
		return res
	}

	from, to := last+1, head
	if to-from+1 > p.opts.BatchBlocks {
		to = from + p.opts.BatchBlocks - 1
	}
	res.From, res.To = from, to

	logs, err := p.chain.FilterLogs(ctx, common.HexToAddress(p.address), from, to)
	if err != nil {
		return p.fail(ctx, res, err)
	}

	writes := make([]repository.EventWrite, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		w, err := p.decoder.Decode(l)
		if err != nil {
			return p.fail(ctx, res, err)
		}
		writes = append(writes, w)
	}
	res.Logs = len(writes)

	p.setState(StatePersisting)
	inserted, err := p.events.PersistBatch(ctx, writes)
	if err != nil {
		return p.fail(ctx, res, fmt.Errorf("persist events %d-%d: %w", from, to, err))
	}
	res.Inserted = inserted
	res.Duplicates = len(writes) - inserted

	p.setState(StateCheckpointing)
	advanced, err := p.status.Advance(ctx, p.address, to)
	if err != nil {
		return p.fail(ctx, res, fmt.Errorf("advance checkpoint to %d: %w", to, err))
	}
	res.Advanced = advanced
	p.setState(StateIdle)

	metrics.IngestionCyclesTotal.WithLabelValues(p.Name(), "ok").Inc()
	metrics.IngestionEventsInserted.WithLabelValues(p.Name()).Add(float64(inserted))
	metrics.IngestionDuplicatesSkipped.WithLabelValues(p.Name()).Add(float64(res.Duplicates))
	metrics.IngestionCheckpoint.WithLabelValues(p.Name()).Set(float64(to))
	metrics.IngestionHealthy.WithLabelValues(p.Name()).Set(1)

	logger.For("ingestion").WithFields(logrus.Fields{
		"contract":   p.Name(),
		"from":       from,
		"to":         to,
		"logs":       res.Logs,
		"inserted":   inserted,
		"duplicates": res.Duplicates,
	}).Info("Ingested block range")

	return res
}

// fail flags the contract unhealthy. The checkpoint is not touched, so
// the next cycle retries the same range.
func (p *Pipeline) fail(ctx context.Context, res CycleResult, cause error) CycleResult {
	p.setState(StateIdle)
	res.Err = cause
	res.Error = cause.Error()

	metrics.IngestionCyclesTotal.WithLabelValues(p.Name(), "error").Inc()
	metrics.IngestionHealthy.WithLabelValues(p.Name()).Set(0)

	if err := p.status.MarkUnhealthy(context.WithoutCancel(ctx), p.address, cause.Error()); err != nil {
		logger.For("ingestion").WithFields(logrus.Fields{"contract": p.Name()}).WithError(err).Error("Failed to record unhealthy contract")
	}
	logger.For("ingestion").WithFields(logrus.Fields{
		"contract": p.Name(),
		"from":     res.From,
		"to":       res.To,
	}).WithError(cause).Warn("Ingestion cycle failed, checkpoint unchanged")
	return res
}
