package model

import (
	"time"

	"gorm.io/gorm"
)

// Run statuses. A run is terminal once EndedAt is set.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Sync modes
const (
	RunModeBatch     = "batch"
	RunModeStreaming = "streaming"
)

// IngestionRun tracks one sync run for a (tenant, connector, entity) tuple.
// At most one non-terminal run may exist per tuple at any time.
type IngestionRun struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	TenantID    string     `json:"tenant_id" gorm:"index:idx_run_tuple;not null"`
	ConnectorID string     `json:"connector_id" gorm:"index:idx_run_tuple;not null"`
	Entity      string     `json:"entity" gorm:"index:idx_run_tuple;not null"`
	Mode        string     `json:"mode" gorm:"default:batch"`
	Status      string     `json:"status" gorm:"index"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	LastError   string     `json:"last_error,omitempty" gorm:"type:text"`

	// Aggregate stats, recorded when the run goes terminal
	RecordsFetched    int `json:"records_fetched"`
	RecordsNormalized int `json:"records_normalized"`
	RecordsFailed     int `json:"records_failed"`
	Retries           int `json:"retries"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunID returns a fresh run identifier. Callers that need the ID
// before the row is persisted generate it here; BeforeCreate covers the
// rest.
func NewRunID() string {
	return generateSecureID("run_")
}

// BeforeCreate hook will be called before creating a new IngestionRun record
func (r *IngestionRun) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = generateSecureID("run_")
	}
	return nil
}

// Terminal reports whether the run has reached a terminal status
func (r *IngestionRun) Terminal() bool {
	return r.EndedAt != nil
}
