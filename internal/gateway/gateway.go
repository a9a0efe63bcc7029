// Package gateway mediates every write action against the upstream
// partner APIs. Two independent gates sit in front of each call: the
// approval gate (manual mode requires a signed human approval token)
// and the idempotency gate (an atomic check-and-insert on the
// idempotency key collapses at-least-once submissions into exactly-once
// effect). Irreversible upstream actions never bypass either gate.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Diatonic-AI/partner-connectors/internal/audit"
	"github.com/Diatonic-AI/partner-connectors/internal/event"
	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/Diatonic-AI/partner-connectors/internal/upstream"
	"github.com/Diatonic-AI/partner-connectors/pkg/config"
	"github.com/Diatonic-AI/partner-connectors/pkg/jwtutil"
	"github.com/Diatonic-AI/partner-connectors/pkg/logger"
	"github.com/Diatonic-AI/partner-connectors/prometheus"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	// ErrConnectorDisabled is returned when the target connector is
	// disabled in its tenant configuration.
	ErrConnectorDisabled = errors.New("connector is disabled")

	// ErrAuditWriteFailed is returned when the audit trail for a write
	// action could not be persisted. The action is not executed: a write
	// without a durable audit trail is treated as not having happened.
	ErrAuditWriteFailed = errors.New("audit write failed")

	// ErrNoSuchAction is returned when an approval references an unknown
	// or foreign idempotency key.
	ErrNoSuchAction = errors.New("no such action request")
)

// Submission is one write-action request from a caller.
type Submission struct {
	TenantID       string
	ConnectorID    string
	Action         string
	TicketID       string
	IdempotencyKey string
	ApprovalToken  string
	Actor          string
	Payload        json.RawMessage
}

// Result is the gateway's answer to a submission. State is one of the
// model.Outcome* constants; AwaitingApproval and in-flight dedup carry
// no persisted outcome.
type Result struct {
	State   string               `json:"state"`
	Reason  string               `json:"reason,omitempty"`
	Outcome *model.ActionOutcome `json:"outcome,omitempty"`
}

// Store is the persisted ledger behind the gateway.
type Store interface {
	// CreateRequest inserts the request unless one already exists for
	// its idempotency key. The insert must be atomic: of N concurrent
	// calls with the same key exactly one observes created=true.
	CreateRequest(ctx context.Context, req *model.ActionRequest) (created bool, err error)

	// GetRequestByKey returns the request holding the idempotency key.
	GetRequestByKey(ctx context.Context, key string) (*model.ActionRequest, error)

	// TransitionRequest atomically moves the request from one of the
	// given statuses to the target status. Returns false if the request
	// was not in any of them.
	TransitionRequest(ctx context.Context, key string, from []string, to string) (bool, error)

	// GetOutcomeByKey returns the terminal outcome for the key, or nil.
	GetOutcomeByKey(ctx context.Context, key string) (*model.ActionOutcome, error)

	// SaveOutcome persists the terminal outcome for a key. Written at
	// most once per key.
	SaveOutcome(ctx context.Context, out *model.ActionOutcome) error

	// ListPending returns a tenant's requests awaiting approval.
	ListPending(ctx context.Context, tenantID string) ([]model.ActionRequest, error)

	// RecoverStaleRequests returns requests left in executing state by a
	// previous process to submitted. Returns the number recovered.
	RecoverStaleRequests(ctx context.Context) (int64, error)
}

// Gateway drives the action state machine:
// Submitted -> ApprovalChecked -> Executing -> Succeeded | Failed,
// short-circuiting to Rejected, Deduplicated, or AwaitingApproval.
type Gateway struct {
	store   Store
	tenants config.TenantSource
	clients map[config.ConnectorKind]upstream.Client
	auditor audit.Recorder
	emitter event.Publisher
	retrier *upstream.Retrier
	log     *zap.Logger
}

// New creates a Gateway.
func New(store Store, tenants config.TenantSource, clients map[config.ConnectorKind]upstream.Client,
	auditor audit.Recorder, emitter event.Publisher, policy upstream.RetryPolicy, log *zap.Logger) *Gateway {
	return &Gateway{
		store:   store,
		tenants: tenants,
		clients: clients,
		auditor: auditor,
		emitter: emitter,
		retrier: upstream.NewRetrier(policy),
		log:     log,
	}
}

// Submit runs one submission through the state machine. No upstream
// call is ever made for a rejected or deduplicated submission, and a
// manual-mode submission without a valid approval token is queued, not
// executed.
func (g *Gateway) Submit(ctx context.Context, sub Submission) (*Result, error) {
	log := g.log.With(
		zap.String("tenant_id", sub.TenantID),
		zap.String("action", sub.Action),
		zap.String("idempotency_key", sub.IdempotencyKey),
	)

	cfg, err := g.tenants.GetConnector(sub.TenantID, sub.ConnectorID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrConnectorDisabled
	}

	// Validation gate: empty ticket or an action outside the allowlist
	// is rejected before the ledger is touched, so the key stays usable
	// for a corrected resubmission.
	if reason := g.validate(cfg, sub); reason != "" {
		log.Warn("Action rejected", zap.String("reason", reason))
		prometheus.RecordAction(sub.Action, model.OutcomeRejected)
		g.auditor.BestEffort(ctx, g.entry(sub, "action.rejected", reason))
		return &Result{
			State:  model.OutcomeRejected,
			Reason: reason,
			Outcome: &model.ActionOutcome{
				IdempotencyKey: sub.IdempotencyKey,
				Status:         model.OutcomeRejected,
				ApprovalMode:   string(cfg.ApprovalMode),
				Error:          reason,
				RecordedAt:     time.Now(),
			},
		}, nil
	}

	// Idempotency gate: atomic insert-if-absent on the key.
	req := &model.ActionRequest{
		TenantID:       sub.TenantID,
		ConnectorID:    sub.ConnectorID,
		Action:         sub.Action,
		TicketID:       sub.TicketID,
		IdempotencyKey: sub.IdempotencyKey,
		Payload:        string(sub.Payload),
		Actor:          sub.Actor,
		Status:         model.RequestStatusSubmitted,
		RequestedAt:    time.Now(),
	}
	created, err := g.store.CreateRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to record action request: %w", err)
	}
	if !created {
		// The key is already in the ledger. A terminal outcome means
		// this is a pure replay; no outcome yet means a resubmission of
		// a request still pending approval.
		prior, err := g.store.GetOutcomeByKey(ctx, sub.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			log.Info("Action deduplicated", zap.String("prior_status", prior.Status))
			prometheus.RecordAction(sub.Action, model.OutcomeDeduplicated)
			g.auditor.BestEffort(ctx, g.entry(sub, "action.deduplicated", prior.Status))
			return &Result{State: model.OutcomeDeduplicated, Outcome: prior}, nil
		}
		existing, err := g.store.GetRequestByKey(ctx, sub.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("idempotency key %s is held but has no request", sub.IdempotencyKey)
		}
		req = existing
	}

	// Approval gate.
	if cfg.ApprovalMode == config.ApprovalManual {
		ok, reason := g.checkApproval(sub)
		if !ok {
			queued, err := g.store.TransitionRequest(ctx, sub.IdempotencyKey,
				[]string{model.RequestStatusSubmitted}, model.RequestStatusAwaitingApproval)
			if err != nil {
				return nil, err
			}
			if queued && prometheus.PendingApprovalsGauge != nil {
				prometheus.PendingApprovalsGauge.Inc()
			}
			log.Info("Action awaiting approval")
			prometheus.RecordAction(sub.Action, model.OutcomeAwaitingApproval)
			g.auditor.BestEffort(ctx, g.entry(sub, "action.awaiting_approval", reason))
			return &Result{State: model.OutcomeAwaitingApproval, Reason: reason}, nil
		}
	}

	// Exactly one submission may move the request into executing.
	wasPending := req.Status == model.RequestStatusAwaitingApproval
	ok, err := g.store.TransitionRequest(ctx, sub.IdempotencyKey,
		[]string{model.RequestStatusSubmitted, model.RequestStatusAwaitingApproval}, model.RequestStatusExecuting)
	if err != nil {
		return nil, err
	}
	if ok && wasPending && prometheus.PendingApprovalsGauge != nil {
		prometheus.PendingApprovalsGauge.Dec()
	}
	if !ok {
		prior, err := g.store.GetOutcomeByKey(ctx, sub.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			prometheus.RecordAction(sub.Action, model.OutcomeDeduplicated)
			return &Result{State: model.OutcomeDeduplicated, Outcome: prior}, nil
		}
		// A concurrent submission holds the execution slot.
		return &Result{State: model.OutcomeDeduplicated, Reason: "execution already in progress"}, nil
	}

	return g.execute(ctx, cfg, req, sub, log)
}

func (g *Gateway) validate(cfg *config.ConnectorConfig, sub Submission) string {
	if sub.IdempotencyKey == "" {
		return "idempotency_key is required"
	}
	if sub.TicketID == "" {
		return "ticket_id is required"
	}
	if !cfg.AllowsAction(sub.Action) {
		return fmt.Sprintf("action %q is not on the connector's write-action allowlist", sub.Action)
	}
	return ""
}

func (g *Gateway) checkApproval(sub Submission) (bool, string) {
	if sub.ApprovalToken == "" {
		return false, "manual approval mode: approval token required"
	}
	if _, err := jwtutil.VerifyApprovalToken(sub.ApprovalToken, sub.IdempotencyKey); err != nil {
		return false, "invalid approval token: " + err.Error()
	}
	return true, ""
}

// execute performs the upstream call and records the terminal outcome.
// The attempt is audited before the call: if that audit write fails the
// action does not run and the request returns to submitted.
func (g *Gateway) execute(ctx context.Context, cfg *config.ConnectorConfig, req *model.ActionRequest,
	sub Submission, log *zap.Logger) (*Result, error) {

	if err := g.auditor.Record(ctx, g.entry(sub, "action.executing", "")); err != nil {
		log.Error("Audit write failed, refusing to execute action", zap.Error(err))
		if _, terr := g.store.TransitionRequest(ctx, sub.IdempotencyKey,
			[]string{model.RequestStatusExecuting}, model.RequestStatusSubmitted); terr != nil {
			log.Error("Failed to release execution slot", zap.Error(terr))
		}
		return nil, fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}

	client, ok := g.clients[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("no upstream client for connector kind %q", cfg.Kind)
	}

	start := time.Now()
	var response json.RawMessage
	err := g.retrier.Do(ctx, func(ctx context.Context) error {
		var ierr error
		// Replays reuse the caller's idempotency key, so upstream-side
		// dedup makes the retry safe even for a non-idempotent action.
		response, ierr = client.Invoke(ctx, sub.Action, sub.IdempotencyKey, sub.Payload)
		return ierr
	})
	result := "success"
	if err != nil {
		result = "error"
	}
	if prometheus.UpstreamRequestHistogram != nil {
		prometheus.UpstreamRequestHistogram.WithLabelValues("invoke."+sub.Action, result).Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		return g.succeed(ctx, req, sub, response, string(cfg.ApprovalMode), log)
	case upstream.IsPermanent(err):
		return g.fail(ctx, req, sub, err, string(cfg.ApprovalMode), log)
	default:
		// Transient exhaustion: the upstream effect is unknown, so no
		// terminal outcome is written. The request returns to submitted
		// and a resubmission with the same key replays safely.
		log.Warn("Action execution exhausted retries", zap.Error(err))
		if _, terr := g.store.TransitionRequest(ctx, sub.IdempotencyKey,
			[]string{model.RequestStatusExecuting}, model.RequestStatusSubmitted); terr != nil {
			log.Error("Failed to release execution slot", zap.Error(terr))
		}
		return nil, err
	}
}

func (g *Gateway) succeed(ctx context.Context, req *model.ActionRequest, sub Submission,
	response json.RawMessage, approvalMode string, log *zap.Logger) (*Result, error) {

	outcome := &model.ActionOutcome{
		ActionRequestID:  req.ID,
		IdempotencyKey:   sub.IdempotencyKey,
		Status:           model.OutcomeSucceeded,
		ApprovalMode:     approvalMode,
		UpstreamResponse: string(response),
		RecordedAt:       time.Now(),
	}
	if err := g.store.SaveOutcome(ctx, outcome); err != nil {
		return nil, fmt.Errorf("failed to record action outcome: %w", err)
	}
	if _, err := g.store.TransitionRequest(ctx, sub.IdempotencyKey,
		[]string{model.RequestStatusExecuting}, model.RequestStatusCompleted); err != nil {
		log.Error("Failed to complete action request", zap.Error(err))
	}

	log.Info("Action succeeded", zap.String("ticket_id", sub.TicketID))
	prometheus.RecordAction(sub.Action, model.OutcomeSucceeded)
	g.auditor.BestEffort(ctx, g.entry(sub, "action.succeeded", ""))

	ev := event.NewEvent("action."+sub.Action+".succeeded", sub.TenantID, "", sub.Payload)
	if err := g.emitter.Emit(logger.WithContext(ctx, log), ev); err != nil {
		log.Error("Failed to emit action event", zap.Error(err))
	}

	return &Result{State: model.OutcomeSucceeded, Outcome: outcome}, nil
}

func (g *Gateway) fail(ctx context.Context, req *model.ActionRequest, sub Submission,
	cause error, approvalMode string, log *zap.Logger) (*Result, error) {

	outcome := &model.ActionOutcome{
		ActionRequestID: req.ID,
		IdempotencyKey:  sub.IdempotencyKey,
		Status:          model.OutcomeFailed,
		ApprovalMode:    approvalMode,
		Error:           cause.Error(),
		RecordedAt:      time.Now(),
	}
	if err := g.store.SaveOutcome(ctx, outcome); err != nil {
		return nil, fmt.Errorf("failed to record action outcome: %w", err)
	}
	if _, err := g.store.TransitionRequest(ctx, sub.IdempotencyKey,
		[]string{model.RequestStatusExecuting}, model.RequestStatusCompleted); err != nil {
		log.Error("Failed to complete action request", zap.Error(err))
	}

	// Failed is terminal for this idempotency key: a corrected payload
	// must be resubmitted under a new key.
	log.Warn("Action failed permanently", zap.Error(cause))
	prometheus.RecordAction(sub.Action, model.OutcomeFailed)
	g.auditor.BestEffort(ctx, g.entry(sub, "action.failed", cause.Error()))

	return &Result{State: model.OutcomeFailed, Outcome: outcome}, nil
}

// RecoverStaleRequests frees idempotency keys wedged in executing state
// by a crashed process. The requests return to submitted; resubmission
// with the same key replays safely because the upstream deduplicates on
// the key.
func (g *Gateway) RecoverStaleRequests(ctx context.Context) (int64, error) {
	return g.store.RecoverStaleRequests(ctx)
}

// Pending lists a tenant's write actions awaiting human approval.
func (g *Gateway) Pending(ctx context.Context, tenantID string) ([]model.ActionRequest, error) {
	return g.store.ListPending(ctx, tenantID)
}

// Approve mints an approval token for a queued action. The token is
// bound to the idempotency key; the approver resubmits the action with
// it to move the request through the approval gate.
func (g *Gateway) Approve(ctx context.Context, tenantID, idempotencyKey, approver string) (string, error) {
	req, err := g.store.GetRequestByKey(ctx, idempotencyKey)
	if err != nil {
		return "", err
	}
	if req == nil || req.TenantID != tenantID {
		return "", ErrNoSuchAction
	}
	if req.Status != model.RequestStatusAwaitingApproval && req.Status != model.RequestStatusSubmitted {
		return "", fmt.Errorf("action %s is not awaiting approval", idempotencyKey)
	}

	token, err := jwtutil.GenerateApprovalToken(idempotencyKey, approver)
	if err != nil {
		return "", err
	}

	g.auditor.BestEffort(ctx, &model.AuditEntry{
		TenantID: tenantID,
		Actor:    approver,
		Action:   "action.approved",
		Target:   req.Action + "/" + idempotencyKey,
		TicketID: req.TicketID,
	})
	g.log.Info("Action approved",
		zap.String("tenant_id", tenantID),
		zap.String("idempotency_key", idempotencyKey),
		zap.String("approver", approver))

	return token, nil
}

func (g *Gateway) entry(sub Submission, action, detail string) *model.AuditEntry {
	metadata := ""
	if detail != "" {
		if b, err := json.Marshal(map[string]string{"detail": detail}); err == nil {
			metadata = string(b)
		}
	}
	return &model.AuditEntry{
		TenantID: sub.TenantID,
		Actor:    sub.Actor,
		Action:   action,
		Target:   sub.Action + "/" + sub.IdempotencyKey,
		TicketID: sub.TicketID,
		Metadata: metadata,
	}
}
