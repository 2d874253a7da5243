package repository

import (
	"context"
	"math/big"

	"arandu-chain-sync/internal/models"
)

// SyncStatusRepository owns per-contract checkpoints. Only ingestion writes.
type SyncStatusRepository interface {
	EnsureRegistered(ctx context.Context, address, name string, startBlock int64) (*models.SyncStatus, error)
	Get(ctx context.Context, address string) (*models.SyncStatus, error)
	List(ctx context.Context) ([]models.SyncStatus, error)
	Advance(ctx context.Context, address string, toBlock int64) (bool, error)
	MarkUnhealthy(ctx context.Context, address string, cause string) error
	CountUnhealthy(ctx context.Context) (int64, error)
}

// CacheDelta is the effect of one event on a wallet's cached chain state.
type CacheDelta struct {
	Wallet       string
	TokenDelta   *big.Int
	Badges       int64
	Certificates int64
	Streak       *int64
}

// EventWrite pairs an event row with its cache effects, one per affected
// wallet. Effects are applied only when the row is newly inserted.
type EventWrite struct {
	Event  *models.BlockchainEvent
	Caches []CacheDelta
}

// EventRepository stores observed events. Only ingestion writes.
type EventRepository interface {
	PersistBatch(ctx context.Context, writes []EventWrite) (int, error)
	FindByTxHash(ctx context.Context, txHash string) ([]models.BlockchainEvent, error)
	ListByWallet(ctx context.Context, wallet string, limit int) ([]models.BlockchainEvent, error)
	CountByName(ctx context.Context, eventName string) (int64, error)
	SumAmounts(ctx context.Context, eventName string) (*big.Int, error)
}

// RewardRepository owns RewardIssuanceRecord. Only the orchestrator writes.
type RewardRepository interface {
	Get(ctx context.Context, studentID, activityID string) (*models.RewardIssuanceRecord, error)
	CreateIfAbsent(ctx context.Context, record *models.RewardIssuanceRecord) (*models.RewardIssuanceRecord, error)
	MarkProcessed(ctx context.Context, id uint64, txHash, amount string) (bool, error)
	MarkPending(ctx context.Context, id uint64, txHash *string, amount string, cause string) error
	MarkFailed(ctx context.Context, id uint64, cause string) error
	Count(ctx context.Context) (int64, error)
	CountProcessed(ctx context.Context) (int64, error)
}

// CacheRepository is the read side of UserChainCache.
type CacheRepository interface {
	GetByWallet(ctx context.Context, wallet string) (*models.UserChainCache, error)
	Count(ctx context.Context) (int64, error)
}

type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *models.SystemMetricsSnapshot) error
	Latest(ctx context.Context) (*models.SystemMetricsSnapshot, error)
	History(ctx context.Context, limit int) ([]models.SystemMetricsSnapshot, error)
}

type UserRepository interface {
	Count(ctx context.Context) (int64, error)
	CountByRole(ctx context.Context, role string) (int64, error)
}
