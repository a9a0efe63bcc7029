package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/Diatonic-AI/partner-connectors/prometheus"
	"gorm.io/gorm"
)

// Store is the persisted state behind the scheduler.
type Store interface {
	// CreateRun records a new run in running state.
	CreateRun(ctx context.Context, run *model.IngestionRun) error

	// FinishRun persists the run's terminal status and stats.
	FinishRun(ctx context.Context, run *model.IngestionRun) error

	// UpsertPage applies one normalized page atomically and returns the
	// records that were new or whose content changed.
	UpsertPage(ctx context.Context, records []*model.CanonicalRecord) ([]*model.CanonicalRecord, error)

	// RecentRuns lists a connector's runs, newest first.
	RecentRuns(ctx context.Context, tenantID, connectorID string, limit int) ([]model.IngestionRun, error)

	// RecoverStaleRuns marks runs left in running state by a previous
	// process as failed. Returns the number recovered.
	RecoverStaleRuns(ctx context.Context) (int64, error)
}

// GormStore implements Store on postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a Store backed by the given database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// CreateRun records a new run.
func (s *GormStore) CreateRun(ctx context.Context, run *model.IngestionRun) error {
	defer prometheus.TrackDBOperation("run_insert")(time.Now())
	return s.db.WithContext(ctx).Create(run).Error
}

// FinishRun persists the run's terminal state.
func (s *GormStore) FinishRun(ctx context.Context, run *model.IngestionRun) error {
	defer prometheus.TrackDBOperation("run_update")(time.Now())
	return s.db.WithContext(ctx).Save(run).Error
}

// UpsertPage applies one page of canonical records in a single
// transaction, so a cancelled run never leaves a partially-applied page.
func (s *GormStore) UpsertPage(ctx context.Context, records []*model.CanonicalRecord) ([]*model.CanonicalRecord, error) {
	defer prometheus.TrackDBOperation("canonical_upsert")(time.Now())

	var changed []*model.CanonicalRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			var existing model.CanonicalRecord
			err := tx.Where("tenant_id = ? AND entity = ? AND upstream_id = ?",
				rec.TenantID, rec.Entity, rec.UpstreamID).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(rec).Error; err != nil {
					return err
				}
				changed = append(changed, rec)
			case err != nil:
				return err
			case existing.ContentHash == rec.ContentHash:
				// Unchanged snapshot: skip the write, emit nothing
			default:
				rec.ID = existing.ID
				rec.CreatedAt = existing.CreatedAt
				if err := tx.Save(rec).Error; err != nil {
					return err
				}
				changed = append(changed, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// RecentRuns lists a connector's runs, newest first.
func (s *GormStore) RecentRuns(ctx context.Context, tenantID, connectorID string, limit int) ([]model.IngestionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []model.IngestionRun
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND connector_id = ?", tenantID, connectorID).
		Order("started_at desc").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// RecoverStaleRuns fails runs orphaned by a process restart.
func (s *GormStore) RecoverStaleRuns(ctx context.Context) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&model.IngestionRun{}).
		Where("status = ?", model.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":     model.RunStatusFailed,
			"ended_at":   now,
			"last_error": "run interrupted by service restart",
		})
	return result.RowsAffected, result.Error
}
