// Package event publishes canonical change events to the external bus
// with at-least-once delivery. Every event carries a stable id so
// downstream consumers can deduplicate. Events that exhaust their
// publish retries are persisted to a dead-letter store for later replay.
package event

import (
	"context"

	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/Diatonic-AI/partner-connectors/internal/upstream"
	"github.com/Diatonic-AI/partner-connectors/pkg/logger"
	"github.com/Diatonic-AI/partner-connectors/prometheus"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one canonical change event.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id"`
	Entity   string          `json:"entity,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// NewEvent builds an event with a fresh stable id.
func NewEvent(eventType, tenantID, entity string, payload json.RawMessage) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		TenantID: tenantID,
		Entity:   entity,
		Payload:  payload,
	}
}

// Publisher delivers events to the external bus.
type Publisher interface {
	Emit(ctx context.Context, ev Event) error
}

// EventBridgeClient defines the subset of the EventBridge API the
// emitter needs.
type EventBridgeClient interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Compile-time check that the SDK client satisfies the interface
var _ EventBridgeClient = (*eventbridge.Client)(nil)

// DeadLetterStore persists events whose publish retries exhausted.
type DeadLetterStore interface {
	Save(ctx context.Context, rec *model.DeadLetterEvent) error
	List(ctx context.Context) ([]model.DeadLetterEvent, error)
	Delete(ctx context.Context, id uint) error
}

// Emitter publishes events to EventBridge, retrying transient failures
// and dead-lettering events whose retries exhaust.
type Emitter struct {
	client  EventBridgeClient
	dead    DeadLetterStore
	busName string
	source  string
	retrier *upstream.Retrier
}

// NewEmitter creates an Emitter for the named bus.
func NewEmitter(client EventBridgeClient, dead DeadLetterStore, busName, source string, policy upstream.RetryPolicy) *Emitter {
	return &Emitter{
		client:  client,
		dead:    dead,
		busName: busName,
		source:  source,
		retrier: upstream.NewRetrier(policy),
	}
}

// Emit publishes one event. On retry exhaustion the event is persisted
// as a dead letter rather than dropped; Emit still returns nil in that
// case because the event is durably recorded for replay.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	err := e.retrier.Do(ctx, func(ctx context.Context) error {
		return e.put(ctx, ev)
	})
	if err == nil {
		if prometheus.EventsEmittedCounter != nil {
			prometheus.EventsEmittedCounter.Inc()
		}
		return nil
	}

	logger.FromContext(ctx).Error("Event publish exhausted retries, dead-lettering",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.Error(err))

	return e.deadLetter(ctx, ev, err)
}

func (e *Emitter) put(ctx context.Context, ev Event) error {
	detail, err := json.Marshal(ev)
	if err != nil {
		return &upstream.Error{Code: upstream.CodePermanent, Op: "event.encode", Message: "failed to encode event", Err: err}
	}

	out, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{
			{
				EventBusName: aws.String(e.busName),
				Source:       aws.String(e.source),
				DetailType:   aws.String(ev.Type),
				Detail:       aws.String(string(detail)),
			},
		},
	})
	if err != nil {
		return &upstream.Error{Code: upstream.CodeTransient, Op: "event.put", Message: "PutEvents failed", Err: err}
	}
	if out.FailedEntryCount > 0 {
		return &upstream.Error{Code: upstream.CodeTransient, Op: "event.put", Message: "PutEvents rejected entry"}
	}
	return nil
}

func (e *Emitter) deadLetter(ctx context.Context, ev Event, cause error) error {
	if prometheus.DeadLetterCounter != nil {
		prometheus.DeadLetterCounter.Inc()
	}
	return e.dead.Save(ctx, &model.DeadLetterEvent{
		EventID:   ev.ID,
		Type:      ev.Type,
		TenantID:  ev.TenantID,
		Entity:    ev.Entity,
		Payload:   string(ev.Payload),
		LastError: cause.Error(),
		Attempts:  e.retrier.Policy.MaxAttempts,
	})
}

// ReplayDeadLetters re-emits dead-lettered events, deleting each on
// successful publish. Events that still fail stay queued.
func (e *Emitter) ReplayDeadLetters(ctx context.Context) (int, error) {
	records, err := e.dead.List(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, rec := range records {
		ev := Event{
			ID:       rec.EventID,
			Type:     rec.Type,
			TenantID: rec.TenantID,
			Entity:   rec.Entity,
			Payload:  json.RawMessage(rec.Payload),
		}
		if err := e.retrier.Do(ctx, func(ctx context.Context) error { return e.put(ctx, ev) }); err != nil {
			continue
		}
		if err := e.dead.Delete(ctx, rec.ID); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}
