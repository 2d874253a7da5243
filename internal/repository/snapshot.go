package repository

import (
	"context"
	"errors"

	"arandu-chain-sync/internal/models"

	"gorm.io/gorm"
)

type SnapshotRepo struct {
	db *gorm.DB
}

func NewSnapshotRepo(db *gorm.DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

func (r *SnapshotRepo) Create(ctx context.Context, snapshot *models.SystemMetricsSnapshot) error {
	return r.db.WithContext(ctx).Create(snapshot).Error
}

func (r *SnapshotRepo) Latest(ctx context.Context) (*models.SystemMetricsSnapshot, error) {
	var snapshot models.SystemMetricsSnapshot
	err := r.db.WithContext(ctx).
		Order("captured_at DESC, id DESC").
		First(&snapshot).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &snapshot, err
}

func (r *SnapshotRepo) History(ctx context.Context, limit int) ([]models.SystemMetricsSnapshot, error) {
	var snapshots []models.SystemMetricsSnapshot
	if limit <= 0 {
		limit = 24
	}
	err := r.db.WithContext(ctx).
		Order("captured_at DESC, id DESC").
		Limit(limit).
		Find(&snapshots).Error
	return snapshots, err
}
