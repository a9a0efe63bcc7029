package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Diatonic-AI/partner-connectors/internal/event"
	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/Diatonic-AI/partner-connectors/internal/upstream"
	"github.com/Diatonic-AI/partner-connectors/pkg/config"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRunStore is an in-memory Store.
type fakeRunStore struct {
	mu        sync.Mutex
	runs      map[string]*model.IngestionRun
	canonical map[string]string // tenant/entity/upstreamID -> content hash
	nextID    int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		runs:      make(map[string]*model.IngestionRun),
		canonical: make(map[string]string),
	}
}

func (s *fakeRunStore) CreateRun(ctx context.Context, run *model.IngestionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		s.nextID++
		run.ID = fmt.Sprintf("run_%d", s.nextID)
	}
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *fakeRunStore) FinishRun(ctx context.Context, run *model.IngestionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *fakeRunStore) UpsertPage(ctx context.Context, records []*model.CanonicalRecord) ([]*model.CanonicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []*model.CanonicalRecord
	for _, rec := range records {
		key := rec.TenantID + "/" + rec.Entity + "/" + rec.UpstreamID
		if s.canonical[key] != rec.ContentHash {
			s.canonical[key] = rec.ContentHash
			changed = append(changed, rec)
		}
	}
	return changed, nil
}

func (s *fakeRunStore) RecentRuns(ctx context.Context, tenantID, connectorID string, limit int) ([]model.IngestionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.IngestionRun
	for _, run := range s.runs {
		if run.TenantID == tenantID && run.ConnectorID == connectorID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (s *fakeRunStore) RecoverStaleRuns(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recovered int64
	for _, run := range s.runs {
		if run.Status == model.RunStatusRunning {
			run.Status = model.RunStatusFailed
			run.LastError = "run interrupted by service restart"
			recovered++
		}
	}
	return recovered, nil
}

func (s *fakeRunStore) run(id string) *model.IngestionRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		clone := *run
		return &clone
	}
	return nil
}

// fakeFeed serves scripted pages; entries that are errors fail the fetch.
type fakeFeed struct {
	mu      sync.Mutex
	script  []any // *upstream.Page or error, consumed in order
	fetches int
	gate    chan struct{} // when set, Fetch blocks until closed
}

func (f *fakeFeed) Fetch(ctx context.Context, entity, cursor string) (*upstream.Page, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetches >= len(f.script) {
		f.fetches++
		return &upstream.Page{}, nil
	}
	step := f.script[f.fetches]
	f.fetches++
	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(*upstream.Page), nil
}

func (f *fakeFeed) Invoke(ctx context.Context, action, idempotencyKey string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("not a write client")
}

func (f *fakeFeed) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *fakeSink) Emit(ctx context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeTrail struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (a *fakeTrail) Record(ctx context.Context, entry *model.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeTrail) BestEffort(ctx context.Context, entry *model.AuditEntry) {
	_ = a.Record(ctx, entry)
}

type fakeSource struct {
	cfg *config.ConnectorConfig
}

func (f *fakeSource) GetConnector(tenantID, connectorID string) (*config.ConnectorConfig, error) {
	return f.cfg, nil
}

func (f *fakeSource) ListConnectors() ([]*config.ConnectorConfig, error) {
	return []*config.ConnectorConfig{f.cfg}, nil
}

// instantClock never sleeps, so retry backoff is free in tests.
type instantClock struct{}

func (instantClock) Now() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func (instantClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(d)
	return ch
}

type schedFixture struct {
	sched  *Scheduler
	store  *fakeRunStore
	feed   *fakeFeed
	sink   *fakeSink
	source *fakeSource
}

func newSchedFixture(t *testing.T, feed *fakeFeed) *schedFixture {
	t.Helper()
	store := newFakeRunStore()
	sink := &fakeSink{}
	source := &fakeSource{cfg: &config.ConnectorConfig{
		TenantID:     "tenant-a",
		ConnectorID:  "pc-1",
		Kind:         config.KindPartnerCentral,
		Enabled:      true,
		Entities:     []string{"opportunity", "engagement"},
		ApprovalMode: config.ApprovalAuto,
	}}

	policy := upstream.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
	}
	sched := New(store, source,
		map[config.ConnectorKind]upstream.Client{config.KindPartnerCentral: feed},
		nil, sink, &fakeTrail{}, policy, zap.NewNop())
	sched.clock = instantClock{}
	t.Cleanup(sched.Shutdown)

	return &schedFixture{sched: sched, store: store, feed: feed, sink: sink, source: source}
}

func page(next string, ids ...string) *upstream.Page {
	p := &upstream.Page{NextCursor: next}
	for _, id := range ids {
		p.Records = append(p.Records, json.RawMessage(`{"id":"`+id+`","status":"open"}`))
	}
	return p
}

func waitDone(t *testing.T, handle *RunHandle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, handle.Wait(ctx))
}

func TestTriggerSyncDisabledConnector(t *testing.T) {
	f := newSchedFixture(t, &fakeFeed{})
	f.source.cfg.Enabled = false

	_, err := f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", nil, false)
	require.ErrorIs(t, err, ErrConnectorDisabled)
}

func TestTriggerSyncRejectsUnknownEntity(t *testing.T) {
	f := newSchedFixture(t, &fakeFeed{})

	_, err := f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", []string{"invoice"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoice")
}

func TestTriggerSyncPagesToCompletion(t *testing.T) {
	feed := &fakeFeed{script: []any{
		page("page2", "opp-1", "opp-2"),
		page("", "opp-3"),
	}}
	f := newSchedFixture(t, feed)

	handle, err := f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", []string{"opportunity"}, false)
	require.NoError(t, err)
	require.Len(t, handle.Runs, 1)
	waitDone(t, handle)

	run := f.store.run(handle.Runs[0].RunID)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, 3, run.RecordsFetched)
	assert.Equal(t, 3, run.RecordsNormalized)
	assert.Zero(t, run.RecordsFailed)
	assert.NotNil(t, run.EndedAt)
	assert.Equal(t, 2, feed.fetchCount())
	assert.Equal(t, 3, f.sink.count(), "one change event per new record")
}

func TestTriggerSyncDefaultsToAllConfiguredEntities(t *testing.T) {
	f := newSchedFixture(t, &fakeFeed{})

	handle, err := f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", nil, false)
	require.NoError(t, err)
	require.Len(t, handle.Runs, 2)
	waitDone(t, handle)

	entities := []string{handle.Runs[0].Entity, handle.Runs[1].Entity}
	assert.ElementsMatch(t, []string{"opportunity", "engagement"}, entities)
}

func TestRunRetriesTransientFetchFailures(t *testing.T) {
	feed := &fakeFeed{script: []any{
		&upstream.Error{Code: upstream.CodeTransient, Op: "fetch.opportunity", Status: 503, Message: "Service Unavailable"},
		&upstream.Error{Code: upstream.CodeTransient, Op: "fetch.opportunity", Status: 503, Message: "Service Unavailable"},
		page("", "opp-1"),
	}}
	f := newSchedFixture(t, feed)

	handle, err := f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", []string{"opportunity"}, false)
	require.NoError(t, err)
	waitDone(t, handle)

	run := f.store.run(handle.Runs[0].RunID)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, 2, run.Retries)
	assert.Equal(t, 1, run.RecordsFetched)
}

func TestRunFailsOnPermanentFetchError(t *testing.T) {
	feed := &fakeFeed{script: []any{
		&upstream.Error{Code: upstream.CodePermanent, Op: "fetch.opportunity", Status: 404, Message: "Not Found"},
	}}
	f := newSchedFixture(t, feed)

	handle, err := f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", []string{"opportunity"}, false)
	require.NoError(t, err)
	waitDone(t, handle)

	run := f.store.run(handle.Runs[0].RunID)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.LastError, "Not Found")
	assert.Equal(t, 1, feed.fetchCount(), "permanent errors are not retried")
}

func TestRunFailsAfterRetryExhaustion(t *testing.T) {
	boom := &upstream.Error{Code: upstream.CodeTransient, Op: "fetch.opportunity", Status: 503, Message: "boom"}
	feed := &fakeFeed{script: []any{boom, boom, boom}}
	f := newSchedFixture(t, feed)

	handle, err := f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", []string{"opportunity"}, false)
	require.NoError(t, err)
	waitDone(t, handle)

	run := f.store.run(handle.Runs[0].RunID)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.LastError, "boom", "the last error is recorded, never dropped")
	assert.Equal(t, 3, feed.fetchCount())
}

func TestRunSkipsMalformedRecords(t *testing.T) {
	p := &upstream.Page{Records: []json.RawMessage{
		json.RawMessage(`{"id":"opp-1","status":"open"}`),
		json.RawMessage(`{"status":"no identifier"}`),
	}}
	f := newSchedFixture(t, &fakeFeed{script: []any{p}})

	handle, err := f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", []string{"opportunity"}, false)
	require.NoError(t, err)
	waitDone(t, handle)

	run := f.store.run(handle.Runs[0].RunID)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, 2, run.RecordsFetched)
	assert.Equal(t, 1, run.RecordsNormalized)
	assert.Equal(t, 1, run.RecordsFailed)
}

func TestChangeEventsOnlyForChangedContent(t *testing.T) {
	same := page("", "opp-1", "opp-2")
	feed := &fakeFeed{script: []any{same, same}}
	f := newSchedFixture(t, feed)

	handle, err := f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", []string{"opportunity"}, false)
	require.NoError(t, err)
	waitDone(t, handle)
	require.Equal(t, 2, f.sink.count())

	// An identical second sync upserts nothing new and stays silent
	handle, err = f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", []string{"opportunity"}, false)
	require.NoError(t, err)
	waitDone(t, handle)
	assert.Equal(t, 2, f.sink.count(), "unchanged records must not re-emit")
}

func TestTriggerSyncJoinsLiveRun(t *testing.T) {
	gate := make(chan struct{})
	feed := &fakeFeed{script: []any{page("", "opp-1")}, gate: gate}
	f := newSchedFixture(t, feed)
	ctx := context.Background()

	first, err := f.sched.TriggerSync(ctx, "tenant-a", "pc-1", []string{"opportunity"}, false)
	require.NoError(t, err)
	require.False(t, first.Runs[0].Joined)
	assert.Equal(t, 1, f.sched.ActiveRuns())

	// Same tuple while the first run is still fetching: join, don't race
	second, err := f.sched.TriggerSync(ctx, "tenant-a", "pc-1", []string{"opportunity"}, false)
	require.NoError(t, err)
	require.True(t, second.Runs[0].Joined)
	assert.Equal(t, first.Runs[0].RunID, second.Runs[0].RunID)

	// An exclusive trigger for the live tuple fails outright
	_, err = f.sched.TriggerSync(ctx, "tenant-a", "pc-1", []string{"opportunity"}, true)
	require.ErrorIs(t, err, ErrRunAlreadyInProgress)

	close(gate)
	waitDone(t, first)
	waitDone(t, second)

	// With the run terminal the tuple is free again
	third, err := f.sched.TriggerSync(ctx, "tenant-a", "pc-1", []string{"opportunity"}, true)
	require.NoError(t, err)
	assert.False(t, third.Runs[0].Joined)
	waitDone(t, third)
}

func TestConcurrentTriggersAgreeOnRunID(t *testing.T) {
	gate := make(chan struct{})
	feed := &fakeFeed{script: []any{page("", "opp-1")}, gate: gate}
	f := newSchedFixture(t, feed)

	const triggers = 8
	var wg sync.WaitGroup
	handles := make([]*RunHandle, triggers)
	errs := make([]error, triggers)
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", []string{"opportunity"}, false)
		}(i)
	}
	wg.Wait()

	joined := 0
	runID := ""
	for i := 0; i < triggers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, handles[i].Runs, 1)
		ref := handles[i].Runs[0]
		require.NotEmpty(t, ref.RunID, "every caller must see a complete run ref")
		if runID == "" {
			runID = ref.RunID
		}
		assert.Equal(t, runID, ref.RunID, "all concurrent triggers share the one live run")
		if ref.Joined {
			joined++
		}
	}
	assert.Equal(t, triggers-1, joined)

	close(gate)
	for i := range handles {
		waitDone(t, handles[i])
	}
}

func TestExclusiveTriggerIsAllOrNothing(t *testing.T) {
	gate := make(chan struct{})
	feed := &fakeFeed{script: []any{page("", "eng-1")}, gate: gate}
	f := newSchedFixture(t, feed)
	ctx := context.Background()

	// Occupy the second configured entity
	busy, err := f.sched.TriggerSync(ctx, "tenant-a", "pc-1", []string{"engagement"}, false)
	require.NoError(t, err)

	// The exclusive trigger spans both entities and conflicts on the
	// occupied one; it must not leave a run behind for the free one
	_, err = f.sched.TriggerSync(ctx, "tenant-a", "pc-1", nil, true)
	require.ErrorIs(t, err, ErrRunAlreadyInProgress)
	assert.Equal(t, 1, f.sched.ActiveRuns())

	runs, err := f.sched.Status(ctx, "tenant-a", "pc-1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "a failed exclusive trigger must not persist partial runs")

	close(gate)
	waitDone(t, busy)
}

func TestShutdownCancelsInFlightRuns(t *testing.T) {
	gate := make(chan struct{})
	feed := &fakeFeed{script: []any{page("", "opp-1")}, gate: gate}
	f := newSchedFixture(t, feed)

	handle, err := f.sched.TriggerSync(context.Background(), "tenant-a", "pc-1", []string{"opportunity"}, false)
	require.NoError(t, err)

	f.sched.Shutdown()
	waitDone(t, handle)

	run := f.store.run(handle.Runs[0].RunID)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
}

func TestRecoverStaleRuns(t *testing.T) {
	f := newSchedFixture(t, &fakeFeed{})

	orphan := &model.IngestionRun{
		TenantID:    "tenant-a",
		ConnectorID: "pc-1",
		Entity:      "opportunity",
		Status:      model.RunStatusRunning,
		StartedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), orphan))

	recovered, err := f.sched.RecoverStaleRuns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	runs, err := f.sched.Status(context.Background(), "tenant-a", "pc-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
}
