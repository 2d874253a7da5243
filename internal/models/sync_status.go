package models

import (
	"time"
)

// SyncStatus is the per-contract ingestion checkpoint.
type SyncStatus struct {
	ContractAddress     string     `gorm:"primaryKey;size:42" json:"contract_address"`
	ContractName        string     `gorm:"size:64;not null" json:"contract_name"`
	LastSyncedBlock     int64      `gorm:"not null;default:0" json:"last_synced_block"`
	IsHealthy           bool       `gorm:"not null;default:true" json:"is_healthy"`
	LastError           *string    `gorm:"type:text" json:"last_error,omitempty"`
	ConsecutiveFailures int        `gorm:"not null;default:0" json:"consecutive_failures"`
	LastPolledAt        *time.Time `json:"last_polled_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SyncStatus) TableName() string {
	return "sync_status"
}
