package aggregator

import (
	"context"
	stderrors "errors"
	"math/big"
	"sync"
	"time"

	"arandu-chain-sync/internal/metrics"
	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/internal/repository"
	"arandu-chain-sync/pkg/errors"
	"arandu-chain-sync/pkg/logger"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"
)

// Sources are the stores a snapshot is computed from. The aggregator only
// reads them.
type Sources struct {
	Users   repository.UserRepository
	Rewards repository.RewardRepository
	Events  repository.EventRepository
	Cache   repository.CacheRepository
	Sync    repository.SyncStatusRepository
}

type Aggregator struct {
	src       Sources
	snapshots repository.SnapshotRepository
	pool      pond.Pool
	now       func() time.Time
}

// New builds an aggregator whose scans run on a pool of workers goroutines.
func New(src Sources, snapshots repository.SnapshotRepository, workers int) *Aggregator {
	if workers <= 0 {
		workers = 4
	}
	return &Aggregator{
		src:       src,
		snapshots: snapshots,
		pool:      pond.NewPool(workers),
		now:       time.Now,
	}
}

// Close stops the worker pool after in-flight scans finish.
func (a *Aggregator) Close() {
	a.pool.StopAndWait()
}

// Capture computes the current platform totals and appends them as a new
// snapshot.
func (a *Aggregator) Capture(ctx context.Context) (*models.SystemMetricsSnapshot, error) {
	start := a.now()
	snapshot := &models.SystemMetricsSnapshot{CapturedAt: start.UTC()}

	var (
		mu       sync.Mutex
		failures []error
		minted   *big.Int
	)
	record := func(what string, err error) {
		if err == nil {
			return
		}
		mu.Lock()
		failures = append(failures, errors.New(errors.ErrTransient, "failed to read "+what, err))
		mu.Unlock()
	}
	count := func(what string, dst *int64, fn func(context.Context) (int64, error)) func() {
		return func() {
			n, err := fn(ctx)
			record(what, err)
			*dst = n
		}
	}

	var processed int64
	group := a.pool.NewGroupContext(ctx)
	group.Submit(
		count("users", &snapshot.TotalUsers, a.src.Users.Count),
		count("teachers", &snapshot.TotalTeachers, func(ctx context.Context) (int64, error) {
			return a.src.Users.CountByRole(ctx, models.RoleTeacher)
		}),
		count("activities", &snapshot.TotalActivities, a.src.Rewards.Count),
		count("processed activities", &processed, a.src.Rewards.CountProcessed),
		count("badges", &snapshot.TotalBadges, func(ctx context.Context) (int64, error) {
			return a.src.Events.CountByName(ctx, models.EventBadgeIssued)
		}),
		count("certificates", &snapshot.TotalCertificates, func(ctx context.Context) (int64, error) {
			return a.src.Events.CountByName(ctx, models.EventCertificateIssued)
		}),
		count("wallets", &snapshot.ActiveWallets, a.src.Cache.Count),
		count("sync status", &snapshot.UnhealthyContracts, a.src.Sync.CountUnhealthy),
		func() {
			sum, err := a.src.Events.SumAmounts(ctx, models.EventRewardMinted)
			record("minted amounts", err)
			minted = sum
		},
	)
	if err := group.Wait(); err != nil && !stderrors.Is(err, pond.ErrGroupStopped) {
		return nil, errors.New(errors.ErrTransient, "snapshot capture interrupted", err)
	}
	if len(failures) > 0 {
		return nil, stderrors.Join(failures...)
	}

	snapshot.ProcessedActivities = processed
	snapshot.PendingActivities = snapshot.TotalActivities - processed
	if minted == nil {
		minted = new(big.Int)
	}
	snapshot.TotalTokensDistributed = minted.String()

	if err := a.snapshots.Create(ctx, snapshot); err != nil {
		return nil, errors.New(errors.ErrDatabaseWrite, "failed to store metrics snapshot", err)
	}
	metrics.SnapshotsCaptured.Inc()

	logger.For("aggregator").WithFields(logrus.Fields{
		"snapshot_id":        snapshot.ID,
		"total_activities":   snapshot.TotalActivities,
		"pending_activities": snapshot.PendingActivities,
		"tokens_distributed": snapshot.TotalTokensDistributed,
		"duration":           a.now().Sub(start).String(),
	}).Info("Captured metrics snapshot")

	return snapshot, nil
}

// Latest returns the newest snapshot, or nil when none has been taken.
func (a *Aggregator) Latest(ctx context.Context) (*models.SystemMetricsSnapshot, error) {
	return a.snapshots.Latest(ctx)
}

// History returns up to limit snapshots, newest first.
func (a *Aggregator) History(ctx context.Context, limit int) ([]models.SystemMetricsSnapshot, error) {
	return a.snapshots.History(ctx, limit)
}
