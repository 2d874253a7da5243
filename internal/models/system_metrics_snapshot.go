package models

import (
	"time"
)

type SystemMetricsSnapshot struct {
	ID                     uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	TotalUsers             int64     `gorm:"not null" json:"total_users"`
	TotalTeachers          int64     `gorm:"not null" json:"total_teachers"`
	TotalActivities        int64     `gorm:"not null" json:"total_activities"`
	ProcessedActivities    int64     `gorm:"not null" json:"processed_activities"`
	PendingActivities      int64     `gorm:"not null" json:"pending_activities"`
	TotalTokensDistributed string    `gorm:"type:decimal(65,0);not null" json:"total_tokens_distributed"`
	TotalBadges            int64     `gorm:"not null" json:"total_badges"`
	TotalCertificates      int64     `gorm:"not null" json:"total_certificates"`
	ActiveWallets          int64     `gorm:"not null" json:"active_wallets"`
	UnhealthyContracts     int64     `gorm:"not null" json:"unhealthy_contracts"`
	CapturedAt             time.Time `gorm:"not null;index" json:"captured_at"`
}

func (SystemMetricsSnapshot) TableName() string {
	return "system_metrics_snapshots"
}
