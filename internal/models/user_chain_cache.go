package models

import (
	"time"
)

// UserChainCache mirrors a wallet's on-chain state. Best effort only:
// issuance decisions never read it.
type UserChainCache struct {
	WalletAddress    string    `gorm:"primaryKey;size:42" json:"wallet_address"`
	TokenBalance     string    `gorm:"type:decimal(65,0);not null;default:0" json:"token_balance"`
	BadgeCount       int64     `gorm:"not null;default:0" json:"badge_count"`
	CertificateCount int64     `gorm:"not null;default:0" json:"certificate_count"`
	Streak           int64     `gorm:"not null;default:0" json:"streak"`
	LastEventBlock   int64     `gorm:"not null;default:0" json:"last_event_block"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserChainCache) TableName() string {
	return "user_chain_cache"
}
