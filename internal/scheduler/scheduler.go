// Package scheduler triggers and supervises ingestion runs. Runs for
// different (tenant, connector, entity) tuples proceed independently;
// within one tuple execution is serialized by a single-flight registry,
// so a trigger landing while a run is live joins it instead of racing it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Diatonic-AI/partner-connectors/internal/audit"
	"github.com/Diatonic-AI/partner-connectors/internal/event"
	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/Diatonic-AI/partner-connectors/internal/normalizer"
	"github.com/Diatonic-AI/partner-connectors/internal/rawstore"
	"github.com/Diatonic-AI/partner-connectors/internal/upstream"
	"github.com/Diatonic-AI/partner-connectors/pkg/config"
	"github.com/Diatonic-AI/partner-connectors/prometheus"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	// ErrConnectorDisabled is returned when the connector is disabled in
	// its tenant configuration.
	ErrConnectorDisabled = errors.New("connector is disabled")

	// ErrRunAlreadyInProgress is returned on an exclusive trigger when a
	// non-terminal run already exists for the tuple.
	ErrRunAlreadyInProgress = errors.New("a sync run is already in progress")
)

// RunRef points at the run serving one entity of a trigger.
type RunRef struct {
	RunID  string `json:"run_id"`
	Entity string `json:"entity"`
	// Joined is true when the trigger attached to an already-live run
	// instead of starting a new one.
	Joined bool `json:"joined"`

	done <-chan struct{}
}

// RunHandle is returned by TriggerSync: one RunRef per requested entity.
type RunHandle struct {
	TenantID    string   `json:"tenant_id"`
	ConnectorID string   `json:"connector_id"`
	Runs        []RunRef `json:"runs"`
}

// Wait blocks until every run in the handle has gone terminal or the
// context is cancelled.
func (h *RunHandle) Wait(ctx context.Context) error {
	for _, ref := range h.Runs {
		select {
		case <-ref.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Scheduler owns the run registry and drives sync runs to terminal state.
type Scheduler struct {
	store    Store
	tenants  config.TenantSource
	clients  map[config.ConnectorKind]upstream.Client
	archive  *rawstore.Archive
	emitter  event.Publisher
	auditor  audit.Recorder
	policy   upstream.RetryPolicy
	clock    upstream.Clock
	registry *registry
	log      *zap.Logger

	rootCtx context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler. Runs execute under the scheduler's own
// context so they survive the triggering HTTP request; Shutdown cancels
// them.
func New(store Store, tenants config.TenantSource, clients map[config.ConnectorKind]upstream.Client,
	archive *rawstore.Archive, emitter event.Publisher, auditor audit.Recorder,
	policy upstream.RetryPolicy, log *zap.Logger) *Scheduler {

	rootCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		tenants:  tenants,
		clients:  clients,
		archive:  archive,
		emitter:  emitter,
		auditor:  auditor,
		policy:   policy,
		clock:    upstream.RealClock(),
		registry: newRegistry(),
		log:      log,
		rootCtx:  rootCtx,
		cancel:   cancel,
	}
}

// Shutdown cancels all in-flight runs.
func (s *Scheduler) Shutdown() {
	s.cancel()
}

// TriggerSync starts (or joins) one run per requested entity. A nil or
// empty entity list means every entity the connector is configured for.
// With exclusive set, an already-live run for any requested entity fails
// the whole trigger with ErrRunAlreadyInProgress.
func (s *Scheduler) TriggerSync(ctx context.Context, tenantID, connectorID string, entities []string, exclusive bool) (*RunHandle, error) {
	cfg, err := s.tenants.GetConnector(tenantID, connectorID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrConnectorDisabled
	}

	if len(entities) == 0 {
		entities = cfg.Entities
	}
	for _, entity := range entities {
		if !contains(cfg.Entities, entity) {
			return nil, fmt.Errorf("entity %q is not configured for connector %s", entity, connectorID)
		}
	}

	client, ok := s.clients[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("no upstream client for connector kind %q", cfg.Kind)
	}

	handle := &RunHandle{TenantID: tenantID, ConnectorID: connectorID}

	type pendingRun struct {
		key   runKey
		run   *model.IngestionRun
		entry *runEntry
	}

	// Every key is acquired before any run is persisted or launched, so
	// an exclusive trigger that conflicts on any entity is all-or-nothing.
	// The run ID is generated up front: the registry entry is immutable
	// once published, and joiners always see a complete run ref.
	var created []pendingRun
	for _, entity := range entities {
		key := runKey{tenantID: tenantID, connectorID: connectorID, entity: entity}

		run := &model.IngestionRun{
			ID:          model.NewRunID(),
			TenantID:    tenantID,
			ConnectorID: connectorID,
			Entity:      entity,
			Mode:        model.RunModeBatch,
			Status:      model.RunStatusRunning,
			StartedAt:   time.Now(),
		}
		entry, ok := s.registry.acquire(key, run.ID)
		if !ok {
			if exclusive {
				for _, p := range created {
					s.registry.release(p.key)
				}
				return nil, fmt.Errorf("%w for %s/%s/%s", ErrRunAlreadyInProgress, tenantID, connectorID, entity)
			}
			handle.Runs = append(handle.Runs, RunRef{RunID: entry.runID, Entity: entity, Joined: true, done: entry.done})
			continue
		}
		created = append(created, pendingRun{key: key, run: run, entry: entry})
		handle.Runs = append(handle.Runs, RunRef{RunID: run.ID, Entity: entity, done: entry.done})
	}

	for i, p := range created {
		if err := s.store.CreateRun(ctx, p.run); err != nil {
			for _, rest := range created[i:] {
				s.registry.release(rest.key)
			}
			return nil, fmt.Errorf("failed to record ingestion run: %w", err)
		}

		if prometheus.SyncRunsStartedCounter != nil {
			prometheus.SyncRunsStartedCounter.WithLabelValues(connectorID, p.run.Entity).Inc()
		}

		go s.runEntity(s.rootCtx, cfg, client, p.run, p.key)
	}

	return handle, nil
}

// Status lists a connector's recent runs, newest first.
func (s *Scheduler) Status(ctx context.Context, tenantID, connectorID string, limit int) ([]model.IngestionRun, error) {
	return s.store.RecentRuns(ctx, tenantID, connectorID, limit)
}

// ActiveRuns returns the number of in-flight runs across all tenants.
func (s *Scheduler) ActiveRuns() int {
	return s.registry.active()
}

// RecoverStaleRuns fails runs orphaned by a previous process.
func (s *Scheduler) RecoverStaleRuns(ctx context.Context) (int64, error) {
	return s.store.RecoverStaleRuns(ctx)
}

// runEntity pages through the upstream feed until the cursor is
// exhausted, applying each normalized page atomically. Transient fetch
// failures retry under the policy; exhausting retries fails the run
// with the last error recorded, never silently dropped.
func (s *Scheduler) runEntity(ctx context.Context, cfg *config.ConnectorConfig, client upstream.Client,
	run *model.IngestionRun, key runKey) {

	log := s.log.With(
		zap.String("run_id", run.ID),
		zap.String("tenant_id", run.TenantID),
		zap.String("connector_id", run.ConnectorID),
		zap.String("entity", run.Entity),
	)
	if prometheus.ActiveRunsGauge != nil {
		prometheus.ActiveRunsGauge.Inc()
	}
	defer func() {
		if prometheus.ActiveRunsGauge != nil {
			prometheus.ActiveRunsGauge.Dec()
		}
		s.registry.release(key)
	}()

	retrier := &upstream.Retrier{
		Policy: s.policy,
		Clock:  s.clock,
		OnRetry: func(attempt int, err error) {
			run.Retries++
			prometheus.RecordUpstreamRetry("fetch." + run.Entity)
			log.Warn("Retrying upstream fetch", zap.Int("attempt", attempt), zap.Error(err))
		},
	}

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			s.finish(ctx, run, model.RunStatusCancelled, err, log)
			return
		}

		var page *upstream.Page
		err := retrier.Do(ctx, func(ctx context.Context) error {
			var ferr error
			page, ferr = client.Fetch(ctx, run.Entity, cursor)
			return ferr
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.finish(ctx, run, model.RunStatusCancelled, err, log)
				return
			}
			s.finish(ctx, run, model.RunStatusFailed, err, log)
			return
		}

		if err := s.applyPage(ctx, run, page, log); err != nil {
			s.finish(ctx, run, model.RunStatusFailed, err, log)
			return
		}

		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	s.finish(ctx, run, model.RunStatusSucceeded, nil, log)
}

// applyPage archives, normalizes, and upserts one fetched page, then
// emits change events for the records whose content actually changed.
func (s *Scheduler) applyPage(ctx context.Context, run *model.IngestionRun, page *upstream.Page, log *zap.Logger) error {
	run.RecordsFetched += len(page.Records)

	fetchedAt := time.Now()
	records := make([]*model.CanonicalRecord, 0, len(page.Records))
	for _, raw := range page.Records {
		rec, err := normalizer.Normalize(run.TenantID, run.Entity, raw)
		if err != nil {
			run.RecordsFailed++
			log.Warn("Failed to normalize record", zap.Error(err))
			if prometheus.SyncRecordsCounter != nil {
				prometheus.SyncRecordsCounter.WithLabelValues(run.ConnectorID, run.Entity, "failed").Inc()
			}
			continue
		}

		if s.archive.Enabled() {
			if err := s.archive.Put(ctx, run.TenantID, run.Entity, rec.UpstreamID, raw, fetchedAt); err != nil {
				// The archive is best-effort; the sync proceeds
				log.Warn("Failed to archive raw payload", zap.Error(err))
			}
		}
		records = append(records, rec)
	}
	run.RecordsNormalized += len(records)
	if prometheus.SyncRecordsCounter != nil {
		prometheus.SyncRecordsCounter.WithLabelValues(run.ConnectorID, run.Entity, "normalized").Add(float64(len(records)))
	}

	changed, err := s.store.UpsertPage(ctx, records)
	if err != nil {
		return fmt.Errorf("failed to apply page: %w", err)
	}

	for _, rec := range changed {
		ev := event.NewEvent(run.Entity+".upserted", run.TenantID, run.Entity, json.RawMessage(rec.Payload))
		if err := s.emitter.Emit(ctx, ev); err != nil {
			log.Error("Failed to emit change event", zap.String("upstream_id", rec.UpstreamID), zap.Error(err))
		}
	}
	return nil
}

// finish marks the run terminal, records stats, and audits the result.
// Read-path audits are best-effort.
func (s *Scheduler) finish(ctx context.Context, run *model.IngestionRun, status string, cause error, log *zap.Logger) {
	now := time.Now()
	run.Status = status
	run.EndedAt = &now
	if cause != nil {
		run.LastError = cause.Error()
	}

	// The run's own context may already be cancelled; the terminal write
	// must still land.
	if err := s.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("Failed to persist terminal run state", zap.Error(err))
	}

	if prometheus.SyncRunsCompletedCounter != nil {
		prometheus.SyncRunsCompletedCounter.WithLabelValues(run.ConnectorID, run.Entity, status).Inc()
	}

	metadata, _ := json.Marshal(map[string]interface{}{
		"run_id":             run.ID,
		"records_fetched":    run.RecordsFetched,
		"records_normalized": run.RecordsNormalized,
		"records_failed":     run.RecordsFailed,
		"retries":            run.Retries,
	})
	s.auditor.BestEffort(context.WithoutCancel(ctx), &model.AuditEntry{
		TenantID: run.TenantID,
		Actor:    "scheduler",
		Action:   "sync." + status,
		Target:   run.ConnectorID + "/" + run.Entity,
		Metadata: string(metadata),
	})

	switch status {
	case model.RunStatusSucceeded:
		log.Info("Sync run completed",
			zap.Int("fetched", run.RecordsFetched),
			zap.Int("normalized", run.RecordsNormalized),
			zap.Int("failed", run.RecordsFailed),
			zap.Int("retries", run.Retries))
	default:
		log.Warn("Sync run ended", zap.String("status", status), zap.Error(cause))
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
