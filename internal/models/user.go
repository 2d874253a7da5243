package models

import (
	"time"
)

const RoleTeacher = "teacher"

// User is owned by the CRUD layer; this engine only counts rows.
type User struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletAddress *string   `gorm:"size:42;index" json:"wallet_address,omitempty"`
	Role          string    `gorm:"size:32;not null;default:student" json:"role"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

// AllTables lists the tables AutoMigrate manages.
func AllTables() []interface{} {
	return []interface{}{
		&SyncStatus{},
		&BlockchainEvent{},
		&RewardIssuanceRecord{},
		&UserChainCache{},
		&SystemMetricsSnapshot{},
		&User{},
	}
}
