package repository

import (
	"context"
	"errors"
	"time"

	"arandu-chain-sync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RewardRepo struct {
	db *gorm.DB
}

func NewRewardRepo(db *gorm.DB) *RewardRepo {
	return &RewardRepo{db: db}
}

func (r *RewardRepo) Get(ctx context.Context, studentID, activityID string) (*models.RewardIssuanceRecord, error) {
	var record models.RewardIssuanceRecord
	err := r.db.WithContext(ctx).
		Where("student_id = ? AND activity_id = ?", studentID, activityID).
		First(&record).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &record, err
}

// CreateIfAbsent inserts the record unless (student_id, activity_id)
// already exists, then returns the stored row either way.
func (r *RewardRepo) CreateIfAbsent(ctx context.Context, record *models.RewardIssuanceRecord) (*models.RewardIssuanceRecord, error) {
	if record.Status == "" {
		record.Status = models.RewardPending
	}
	if record.RewardAmount == "" {
		record.RewardAmount = "0"
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "student_id"}, {Name: "activity_id"}},
			DoNothing: true,
		}).
		Create(record).Error
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, record.StudentID, record.ActivityID)
}

// MarkProcessed flips processed and stores the tx hash in one statement.
// It reports false if the record was already processed.
func (r *RewardRepo) MarkProcessed(ctx context.Context, id uint64, txHash, amount string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.RewardIssuanceRecord{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"processed":     true,
			"status":        models.RewardSubmitted,
			"tx_hash":       txHash,
			"reward_amount": amount,
			"last_error":    nil,
			"attempts":      gorm.Expr("attempts + 1"),
			"submitted_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkPending records an attempt whose outcome is not yet known. processed
// stays false; a nil txHash keeps any previously stored hash.
func (r *RewardRepo) MarkPending(ctx context.Context, id uint64, txHash *string, amount string, cause string) error {
	updates := map[string]interface{}{
		"status":        models.RewardPending,
		"reward_amount": amount,
		"attempts":      gorm.Expr("attempts + 1"),
	}
	if txHash != nil {
		updates["tx_hash"] = *txHash
		updates["submitted_at"] = time.Now().UTC()
	}
	if cause != "" {
		updates["last_error"] = cause
	} else {
		updates["last_error"] = nil
	}

	return r.db.WithContext(ctx).
		Model(&models.RewardIssuanceRecord{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(updates).Error
}

// MarkFailed records a definitive failure and clears any pending hash so
// the next request may submit again.
func (r *RewardRepo) MarkFailed(ctx context.Context, id uint64, cause string) error {
	return r.db.WithContext(ctx).
		Model(&models.RewardIssuanceRecord{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"status":     models.RewardFailed,
			"tx_hash":    nil,
			"last_error": cause,
			"attempts":   gorm.Expr("attempts + 1"),
		}).Error
}

func (r *RewardRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.RewardIssuanceRecord{}).
		Count(&count).Error
	return count, err
}

func (r *RewardRepo) CountProcessed(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.RewardIssuanceRecord{}).
		Where("processed = ?", true).
		Count(&count).Error
	return count, err
}
