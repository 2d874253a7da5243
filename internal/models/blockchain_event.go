package models

import (
	"time"

	"gorm.io/datatypes"
)

// BlockchainEvent is one observed contract log. (TxHash, EventName) is
// unique at the storage layer; rows are never updated.
type BlockchainEvent struct {
	ID              uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ContractAddress string         `gorm:"size:42;not null;index:idx_contract_block" json:"contract_address"`
	EventName       string         `gorm:"size:64;not null;uniqueIndex:uk_tx_event" json:"event_name"`
	BlockNumber     int64          `gorm:"not null;index:idx_contract_block" json:"block_number"`
	TxHash          string         `gorm:"size:66;not null;uniqueIndex:uk_tx_event" json:"tx_hash"`
	LogIndex        uint           `gorm:"not null" json:"log_index"`
	Wallet          *string        `gorm:"size:42;index" json:"wallet,omitempty"`
	Amount          *string        `gorm:"type:decimal(65,0)" json:"amount,omitempty"`
	Payload         datatypes.JSON `gorm:"not null" json:"payload"`
	ProcessedAt     time.Time      `gorm:"autoCreateTime" json:"processed_at"`
}

func (BlockchainEvent) TableName() string {
	return "blockchain_events"
}

// Event names emitted by the platform contracts.
const (
	EventRewardMinted      = "RewardMinted"
	EventBadgeIssued       = "BadgeIssued"
	EventCertificateIssued = "CertificateIssued"
	EventStreakUpdated     = "StreakUpdated"
	EventTransfer          = "Transfer"
	EventRoleGranted       = "RoleGranted"
	EventDataAnchored      = "DataAnchored"
)
