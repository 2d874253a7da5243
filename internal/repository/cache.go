package repository

import (
	"context"
	"errors"

	"arandu-chain-sync/internal/models"

	"gorm.io/gorm"
)

type CacheRepo struct {
	db *gorm.DB
}

func NewCacheRepo(db *gorm.DB) *CacheRepo {
	return &CacheRepo{db: db}
}

func (r *CacheRepo) GetByWallet(ctx context.Context, wallet string) (*models.UserChainCache, error) {
	var row models.UserChainCache
	err := r.db.WithContext(ctx).
		Where("wallet_address = ?", wallet).
		First(&row).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &row, err
}

func (r *CacheRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UserChainCache{}).
		Count(&count).Error
	return count, err
}
