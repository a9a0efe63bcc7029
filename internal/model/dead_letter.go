package model

import (
	"time"
)

// DeadLetterEvent holds a canonical change event whose bus publish
// exhausted its retries. Kept for later replay rather than dropped.
type DeadLetterEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	EventID   string    `json:"event_id" gorm:"uniqueIndex;not null"`
	Type      string    `json:"type" gorm:"not null"`
	TenantID  string    `json:"tenant_id" gorm:"index"`
	Entity    string    `json:"entity"`
	Payload   string    `json:"payload" gorm:"type:jsonb"`
	LastError string    `json:"last_error" gorm:"type:text"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}
