package repository

import (
	"context"
	"errors"
	"time"

	"arandu-chain-sync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SyncStatusRepo struct {
	db *gorm.DB
}

func NewSyncStatusRepo(db *gorm.DB) *SyncStatusRepo {
	return &SyncStatusRepo{db: db}
}

// EnsureRegistered creates the row on first registration. The checkpoint
// starts one block before startBlock so that block is polled; an existing
// row is returned untouched.
func (r *SyncStatusRepo) EnsureRegistered(ctx context.Context, address, name string, startBlock int64) (*models.SyncStatus, error) {
	initial := startBlock - 1
	if initial < 0 {
		initial = 0
	}

	status := &models.SyncStatus{
		ContractAddress: address,
		ContractName:    name,
		LastSyncedBlock: initial,
		IsHealthy:       true,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "contract_address"}}, DoNothing: true}).
		Create(status).Error
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, address)
}

func (r *SyncStatusRepo) Get(ctx context.Context, address string) (*models.SyncStatus, error) {
	var status models.SyncStatus
	err := r.db.WithContext(ctx).
		Where("contract_address = ?", address).
		First(&status).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &status, err
}

func (r *SyncStatusRepo) List(ctx context.Context) ([]models.SyncStatus, error) {
	var statuses []models.SyncStatus
	err := r.db.WithContext(ctx).
		Order("contract_name ASC").
		Find(&statuses).Error
	return statuses, err
}

// Advance moves the checkpoint to toBlock if it is ahead of the stored one
// and clears the unhealthy flag. The checkpoint never moves backwards.
func (r *SyncStatusRepo) Advance(ctx context.Context, address string, toBlock int64) (bool, error) {
	advanced := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SyncStatus{}).
			Where("contract_address = ? AND last_synced_block < ?", address, toBlock).
			Update("last_synced_block", toBlock)
		if res.Error != nil {
			return res.Error
		}
		advanced = res.RowsAffected > 0

		return tx.Model(&models.SyncStatus{}).
			Where("contract_address = ?", address).
			Updates(map[string]interface{}{
				"is_healthy":           true,
				"last_error":           nil,
				"consecutive_failures": 0,
				"last_polled_at":       time.Now().UTC(),
			}).Error
	})
	return advanced, err
}

func (r *SyncStatusRepo) MarkUnhealthy(ctx context.Context, address string, cause string) error {
	return r.db.WithContext(ctx).
		Model(&models.SyncStatus{}).
		Where("contract_address = ?", address).
		Updates(map[string]interface{}{
			"is_healthy":           false,
			"last_error":           cause,
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"last_polled_at":       time.Now().UTC(),
		}).Error
}

func (r *SyncStatusRepo) CountUnhealthy(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.SyncStatus{}).
		Where("is_healthy = ?", false).
		Count(&count).Error
	return count, err
}
