package event

import (
	"context"
	"time"

	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/Diatonic-AI/partner-connectors/prometheus"
	"gorm.io/gorm"
)

// GormDeadLetterStore persists dead letters through gorm.
type GormDeadLetterStore struct {
	db *gorm.DB
}

// NewGormDeadLetterStore creates a DeadLetterStore backed by the given
// database.
func NewGormDeadLetterStore(db *gorm.DB) *GormDeadLetterStore {
	return &GormDeadLetterStore{db: db}
}

// Save appends one dead-lettered event.
func (s *GormDeadLetterStore) Save(ctx context.Context, rec *model.DeadLetterEvent) error {
	defer prometheus.TrackDBOperation("dead_letter_insert")(time.Now())
	return s.db.WithContext(ctx).Create(rec).Error
}

// List returns all dead-lettered events, oldest first.
func (s *GormDeadLetterStore) List(ctx context.Context) ([]model.DeadLetterEvent, error) {
	var records []model.DeadLetterEvent
	err := s.db.WithContext(ctx).Order("created_at asc").Find(&records).Error
	return records, err
}

// Delete removes one dead letter after successful replay.
func (s *GormDeadLetterStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&model.DeadLetterEvent{}, id).Error
}
