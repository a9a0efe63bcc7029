package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/Diatonic-AI/partner-connectors/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on postgres. The unique index on
// idempotency_key plus ON CONFLICT DO NOTHING gives the atomic
// check-and-insert the ledger requires.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a Store backed by the given database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// CreateRequest inserts the request if its idempotency key is free.
func (s *GormStore) CreateRequest(ctx context.Context, req *model.ActionRequest) (bool, error) {
	defer prometheus.TrackDBOperation("action_request_insert")(time.Now())

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(req)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetRequestByKey returns the request holding the idempotency key, or nil.
func (s *GormStore) GetRequestByKey(ctx context.Context, key string) (*model.ActionRequest, error) {
	var req model.ActionRequest
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// TransitionRequest atomically moves the request between statuses.
func (s *GormStore) TransitionRequest(ctx context.Context, key string, from []string, to string) (bool, error) {
	defer prometheus.TrackDBOperation("action_request_update")(time.Now())

	result := s.db.WithContext(ctx).
		Model(&model.ActionRequest{}).
		Where("idempotency_key = ? AND status IN ?", key, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetOutcomeByKey returns the terminal outcome for the key, or nil.
func (s *GormStore) GetOutcomeByKey(ctx context.Context, key string) (*model.ActionOutcome, error) {
	var out model.ActionOutcome
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveOutcome persists the terminal outcome for a key.
func (s *GormStore) SaveOutcome(ctx context.Context, out *model.ActionOutcome) error {
	defer prometheus.TrackDBOperation("action_outcome_insert")(time.Now())
	return s.db.WithContext(ctx).Create(out).Error
}

// RecoverStaleRequests returns orphaned executing requests to submitted.
func (s *GormStore) RecoverStaleRequests(ctx context.Context) (int64, error) {
	defer prometheus.TrackDBOperation("action_request_recover")(time.Now())

	result := s.db.WithContext(ctx).
		Model(&model.ActionRequest{}).
		Where("status = ?", model.RequestStatusExecuting).
		Update("status", model.RequestStatusSubmitted)
	return result.RowsAffected, result.Error
}

// ListPending returns a tenant's requests awaiting approval, oldest first.
func (s *GormStore) ListPending(ctx context.Context, tenantID string) ([]model.ActionRequest, error) {
	var requests []model.ActionRequest
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, model.RequestStatusAwaitingApproval).
		Order("requested_at asc").
		Find(&requests).Error
	return requests, err
}
