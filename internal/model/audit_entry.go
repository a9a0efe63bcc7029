package model

import (
	"time"
)

// AuditEntry is an append-only record of an action attempt, outcome,
// and actor. Never updated or deleted by the engine.
type AuditEntry struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	TenantID  string    `json:"tenant_id" gorm:"index;not null"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action" gorm:"not null"`
	Target    string    `json:"target"`
	TicketID  string    `json:"ticket_id"`
	Metadata  string    `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt time.Time `json:"created_at"`
}
