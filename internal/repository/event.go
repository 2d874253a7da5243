package repository

import (
	"context"
	"errors"
	"math/big"

	"arandu-chain-sync/internal/models"
	"arandu-chain-sync/pkg/logger"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EventRepo struct {
	db *gorm.DB
}

func NewEventRepo(db *gorm.DB) *EventRepo {
	return &EventRepo{db: db}
}

// PersistBatch inserts every event in one transaction. A (tx_hash,
// event_name) conflict means the log was already ingested and is skipped;
// cache effects are applied only for rows this call inserted. Returns the
// number of new rows.
func (r *EventRepo) PersistBatch(ctx context.Context, writes []EventWrite) (int, error) {
	inserted := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted = 0
		for _, w := range writes {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "event_name"}},
				DoNothing: true,
			}).Create(w.Event)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			inserted++

			for i := range w.Caches {
				if err := applyCacheDelta(tx, &w.Caches[i], w.Event.BlockNumber); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func applyCacheDelta(tx *gorm.DB, delta *CacheDelta, block int64) error {
	var row models.UserChainCache
	err := tx.Where("wallet_address = ?", delta.Wallet).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.UserChainCache{WalletAddress: delta.Wallet, TokenBalance: "0"}
	} else if err != nil {
		return err
	}

	balance, ok := new(big.Int).SetString(row.TokenBalance, 10)
	if !ok {
		balance = new(big.Int)
	}
	if delta.TokenDelta != nil {
		balance.Add(balance, delta.TokenDelta)
	}
	if balance.Sign() < 0 {
		// history before the start block was never ingested
		logger.WithFields(logrus.Fields{
			"wallet":  delta.Wallet,
			"balance": balance.String(),
		}).Warn("cached token balance went negative, clamping to zero")
		balance.SetInt64(0)
	}

	row.TokenBalance = balance.String()
	row.BadgeCount += delta.Badges
	row.CertificateCount += delta.Certificates
	if delta.Streak != nil {
		row.Streak = *delta.Streak
	}
	if block > row.LastEventBlock {
		row.LastEventBlock = block
	}

	return tx.Save(&row).Error
}

func (r *EventRepo) FindByTxHash(ctx context.Context, txHash string) ([]models.BlockchainEvent, error) {
	var events []models.BlockchainEvent
	err := r.db.WithContext(ctx).
		Where("tx_hash = ?", txHash).
		Order("log_index ASC").
		Find(&events).Error
	return events, err
}

func (r *EventRepo) ListByWallet(ctx context.Context, wallet string, limit int) ([]models.BlockchainEvent, error) {
	var events []models.BlockchainEvent
	if limit <= 0 {
		limit = 20
	}
	err := r.db.WithContext(ctx).
		Where("wallet = ?", wallet).
		Order("block_number DESC, log_index DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *EventRepo) CountByName(ctx context.Context, eventName string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.BlockchainEvent{}).
		Where("event_name = ?", eventName).
		Count(&count).Error
	return count, err
}

// SumAmounts totals the amount column in Go; the column is wider than
// any native integer type the drivers return.
func (r *EventRepo) SumAmounts(ctx context.Context, eventName string) (*big.Int, error) {
	total := new(big.Int)
	var batch []models.BlockchainEvent
	err := r.db.WithContext(ctx).
		Select("id", "amount").
		Where("event_name = ? AND amount IS NOT NULL", eventName).
		FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
			for _, e := range batch {
				v, ok := new(big.Int).SetString(*e.Amount, 10)
				if !ok {
					logger.WithFields(logrus.Fields{"event_id": e.ID, "amount": *e.Amount}).
						Warn("skipping unparsable event amount")
					continue
				}
				total.Add(total, v)
			}
			return nil
		}).Error
	if err != nil {
		return nil, err
	}
	return total, nil
}
