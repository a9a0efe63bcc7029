package model

import (
	"time"
)

// CanonicalRecord is the normalized, upstream-agnostic snapshot of a
// business entity (e.g. an opportunity), keyed by (tenant, entity,
// upstream id). Last write wins on UpdatedAt.
type CanonicalRecord struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	TenantID    string    `json:"tenant_id" gorm:"uniqueIndex:idx_canonical_key;not null"`
	Entity      string    `json:"entity" gorm:"uniqueIndex:idx_canonical_key;not null"`
	UpstreamID  string    `json:"upstream_id" gorm:"uniqueIndex:idx_canonical_key;not null"`
	Lifecycle   string    `json:"lifecycle"`
	Title       string    `json:"title"`
	Payload     string    `json:"payload" gorm:"type:jsonb"`
	ContentHash string    `json:"content_hash" gorm:"index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
