package model

import (
	"time"

	"gorm.io/gorm"
)

// ActionRequest statuses while the request is live. Once a terminal
// ActionOutcome exists for the idempotency key the request is done.
const (
	RequestStatusSubmitted        = "submitted"
	RequestStatusAwaitingApproval = "awaiting_approval"
	RequestStatusExecuting        = "executing"
	RequestStatusCompleted        = "completed"
)

// ActionOutcome statuses
const (
	OutcomeSucceeded        = "succeeded"
	OutcomeFailed           = "failed"
	OutcomeRejected         = "rejected"
	OutcomeDeduplicated     = "deduplicated"
	OutcomeAwaitingApproval = "awaiting_approval"
)

// ActionRequest is a submitted write action. Immutable once submitted,
// except for the Status column which tracks state-machine progress.
// The unique index on IdempotencyKey is the idempotency ledger: the
// atomic insert-if-absent on this key is what collapses concurrent
// submissions to a single execution.
type ActionRequest struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	TenantID       string    `json:"tenant_id" gorm:"index;not null"`
	ConnectorID    string    `json:"connector_id" gorm:"not null"`
	Action         string    `json:"action" gorm:"not null"`
	TicketID       string    `json:"ticket_id" gorm:"not null"`
	IdempotencyKey string    `json:"idempotency_key" gorm:"uniqueIndex;not null"`
	Payload        string    `json:"payload" gorm:"type:jsonb"`
	Actor          string    `json:"actor"`
	Status         string    `json:"status" gorm:"index"`
	RequestedAt    time.Time `json:"requested_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BeforeCreate hook will be called before creating a new ActionRequest record
func (r *ActionRequest) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = generateSecureID("act_")
	}
	return nil
}

// ActionOutcome is the terminal result of an ActionRequest. Written
// exactly once per idempotency key; a retried request with the same key
// maps to the same outcome.
type ActionOutcome struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	ActionRequestID  string    `json:"action_request_id" gorm:"index"`
	IdempotencyKey   string    `json:"idempotency_key" gorm:"uniqueIndex;not null"`
	Status           string    `json:"status"`
	ApprovalMode     string    `json:"approval_mode"`
	UpstreamResponse string    `json:"upstream_response,omitempty" gorm:"type:jsonb"`
	Error            string    `json:"error,omitempty" gorm:"type:text"`
	RecordedAt       time.Time `json:"recorded_at"`
}
