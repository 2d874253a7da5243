package models

import (
	"time"
)

type ActivityType string

const (
	ActivityQuiz        ActivityType = "quiz"
	ActivityLesson      ActivityType = "lesson"
	ActivityProject     ActivityType = "project"
	ActivityStreakBonus ActivityType = "streak-bonus"
)

var ActivityTypes = []ActivityType{ActivityQuiz, ActivityLesson, ActivityProject, ActivityStreakBonus}

func (t ActivityType) Valid() bool {
	for _, known := range ActivityTypes {
		if t == known {
			return true
		}
	}
	return false
}

type RewardStatus string

const (
	// RewardPending: created, nothing submitted or outcome unknown.
	RewardPending RewardStatus = "pending"
	// RewardSubmitted: mint accepted by the node, processed = true.
	RewardSubmitted RewardStatus = "submitted"
	// RewardFailed: last attempt failed definitively (revert, no funds).
	RewardFailed RewardStatus = "failed"
)

// RewardIssuanceRecord is an activity's blockchain-processing state.
// (StudentID, ActivityID) is the idempotency key for rewards.
type RewardIssuanceRecord struct {
	ID            uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	StudentID     string       `gorm:"size:64;not null;uniqueIndex:uk_student_activity" json:"student_id"`
	ActivityID    string       `gorm:"size:64;not null;uniqueIndex:uk_student_activity" json:"activity_id"`
	ActivityType  ActivityType `gorm:"size:32;not null" json:"activity_type"`
	Score         int          `gorm:"not null" json:"score"`
	WalletAddress string       `gorm:"size:42;not null;index" json:"wallet_address"`
	RewardAmount  string       `gorm:"type:decimal(65,0);not null;default:0" json:"reward_amount"`
	Processed     bool         `gorm:"not null;default:false;index" json:"processed"`
	TxHash        *string      `gorm:"size:66" json:"tx_hash,omitempty"`
	Status        RewardStatus `gorm:"size:16;not null;default:pending" json:"status"`
	LastError     *string      `gorm:"type:text" json:"last_error,omitempty"`
	Attempts      int          `gorm:"not null;default:0" json:"attempts"`
	SubmittedAt   *time.Time   `json:"submitted_at,omitempty"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RewardIssuanceRecord) TableName() string {
	return "activity_rewards"
}
