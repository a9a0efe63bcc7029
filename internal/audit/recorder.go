// Package audit appends to the engine's audit trail. Entries are never
// updated or deleted.
package audit

import (
	"context"
	"time"

	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/Diatonic-AI/partner-connectors/pkg/logger"
	"github.com/Diatonic-AI/partner-connectors/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Recorder appends audit entries to a persisted store.
type Recorder interface {
	// Record appends one entry. A failure here must fail any containing
	// write action: a write without a durable audit trail is treated as
	// not having happened.
	Record(ctx context.Context, entry *model.AuditEntry) error

	// BestEffort appends one entry for a read-only operation. A failure
	// is logged and swallowed.
	BestEffort(ctx context.Context, entry *model.AuditEntry)
}

// GormRecorder persists audit entries through gorm.
type GormRecorder struct {
	db *gorm.DB
}

// NewGormRecorder creates a Recorder backed by the given database.
func NewGormRecorder(db *gorm.DB) *GormRecorder {
	return &GormRecorder{db: db}
}

// Record appends one audit entry.
func (r *GormRecorder) Record(ctx context.Context, entry *model.AuditEntry) error {
	defer prometheus.TrackDBOperation("audit_insert")(time.Now())
	return r.db.WithContext(ctx).Create(entry).Error
}

// BestEffort appends one audit entry, logging on failure.
func (r *GormRecorder) BestEffort(ctx context.Context, entry *model.AuditEntry) {
	if err := r.Record(ctx, entry); err != nil {
		logger.FromContext(ctx).Warn("Audit write failed for read-only operation",
			zap.String("tenant_id", entry.TenantID),
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}

// Recent returns a tenant's newest audit entries.
func (r *GormRecorder) Recent(ctx context.Context, tenantID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []model.AuditEntry
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at desc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
