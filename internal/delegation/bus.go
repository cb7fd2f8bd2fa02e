// Package delegation is the request bus: agents delegate skill invocations to
// each other through persistent, capability-checked requests. A single Bus
// coordinates validation and state transitions; handlers run in their own
// goroutines so unrelated requests progress concurrently.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/skillbus/internal/audit"
	"github.com/basket/skillbus/internal/bridge"
	"github.com/basket/skillbus/internal/bus"
	otelpkg "github.com/basket/skillbus/internal/otel"
	"github.com/basket/skillbus/internal/persistence"
	"github.com/basket/skillbus/internal/registry"
	"github.com/basket/skillbus/internal/shared"
)

// Handler executes one skill on behalf of a target agent. The returned string
// becomes the request's result; an error marks it FAILED with the error text
// preserved verbatim.
type Handler interface {
	Handle(ctx context.Context, req *persistence.Request) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *persistence.Request) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, req *persistence.Request) (string, error) {
	return f(ctx, req)
}

// Config tunes the bus. Zero values fall back to the defaults below.
type Config struct {
	// DefaultQuota is the delegation budget of a root request. Each chained
	// request gets one less than its parent; a computed budget of zero or
	// below rejects the delegation.
	DefaultQuota int
	// DispatchTimeout bounds a single handler invocation.
	DispatchTimeout time.Duration
	// Tracer and Metrics instrument the bus. Nil means no telemetry.
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

const (
	defaultQuota           = 10
	defaultDispatchTimeout = 2 * time.Minute
	// Repeated denials for the same agent escalate from WARNING to CRITICAL
	// in the audit trail after this many occurrences.
	denialEscalationAfter = 3
)

type handlerKey struct {
	agentID string
	skill   string
}

// Bus validates, persists, and dispatches delegation requests.
type Bus struct {
	store    *persistence.Store
	registry *registry.Registry
	bridge   *bridge.Bridge
	trail    *audit.Trail
	events   *bus.Bus
	logger   *slog.Logger
	cfg      Config

	mu       sync.RWMutex
	handlers map[handlerKey]Handler
	denials  map[string]int

	wg sync.WaitGroup
}

func New(store *persistence.Store, reg *registry.Registry, br *bridge.Bridge, trail *audit.Trail, events *bus.Bus, logger *slog.Logger, cfg Config) *Bus {
	if cfg.DefaultQuota <= 0 {
		cfg.DefaultQuota = defaultQuota
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("delegation")
	}
	if cfg.Metrics == nil {
		// Instruments from a noop meter record nothing.
		cfg.Metrics, _ = otelpkg.NewMetrics(metricnoop.NewMeterProvider().Meter("delegation"))
	}
	return &Bus{
		store:    store,
		registry: reg,
		bridge:   br,
		trail:    trail,
		events:   events,
		logger:   logger.With("component", "delegation"),
		cfg:      cfg,
		handlers: make(map[handlerKey]Handler),
		denials:  make(map[string]int),
	}
}

// RegisterHandler installs the target agent's executor for a skill. The
// presence of a handler is what makes an agent able to execute a skill;
// delegating to an agent without one fails at dispatch, not at creation.
func (b *Bus) RegisterHandler(agentID, skillName string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[handlerKey{agentID: agentID, skill: skillName}] = h
}

func (b *Bus) handlerFor(agentID, skillName string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[handlerKey{agentID: agentID, skill: skillName}]
	return h, ok
}

// CreateRequest validates and persists a new PENDING request. The delegating
// agent must hold an active grant at the skill's required level; chained
// requests inherit a shrinking quota and may not loop back to an ancestor's
// delegator.
func (b *Bus) CreateRequest(ctx context.Context, fromAgent, toAgent, skillName, payload, parentID string) (*persistence.Request, error) {
	ctx, span := otelpkg.StartSpan(ctx, b.cfg.Tracer, "bus.create_request",
		otelpkg.AttrFromAgent.String(fromAgent),
		otelpkg.AttrToAgent.String(toAgent),
		otelpkg.AttrSkill.String(skillName))
	defer span.End()

	if _, err := b.registry.Agent(ctx, fromAgent); err != nil {
		return nil, validationErrorf("create request: %v", err)
	}
	if _, err := b.registry.Agent(ctx, toAgent); err != nil {
		return nil, validationErrorf("create request: %v", err)
	}
	skill, err := b.registry.Skill(ctx, skillName)
	if err != nil {
		return nil, validationErrorf("create request: %v", err)
	}
	if err := b.registry.ValidatePayload(ctx, skillName, payload); err != nil {
		return nil, validationErrorf("create request: %v", err)
	}

	allowed, err := b.registry.CanUseSkill(ctx, fromAgent, skillName)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if !allowed {
		b.auditDenial(ctx, fromAgent, skillName)
		b.cfg.Metrics.PermissionDenials.Add(ctx, 1)
		return nil, fmt.Errorf("agent %q lacks level %d for skill %q: %w",
			fromAgent, skill.RequiredLevel, skillName, ErrPermissionDenied)
	}

	quota := b.cfg.DefaultQuota
	if parentID != "" {
		parent, err := b.store.GetRequest(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if parent == nil {
			return nil, validationErrorf("create request: unknown parent request %q", parentID)
		}
		if parent.Status.Terminal() {
			return nil, validationErrorf("create request: parent %q is terminal (%s)", parentID, parent.Status)
		}
		quota = parent.QuotaRemaining - 1
		if quota <= 0 {
			b.auditEntry(ctx, fromAgent, "request.create", audit.SeverityWarning,
				fmt.Sprintf("skill=%s parent=%s", skillName, parentID), "quota_exhausted", "")
			return nil, fmt.Errorf("chain rooted at %q spent its budget: %w", parentID, ErrQuotaExhausted)
		}
		if err := b.checkCycle(ctx, parent, toAgent); err != nil {
			b.auditEntry(ctx, fromAgent, "request.create", audit.SeverityWarning,
				fmt.Sprintf("skill=%s target=%s parent=%s", skillName, toAgent, parentID), "cycle_detected", "")
			return nil, err
		}
	}

	req := &persistence.Request{
		ID:             uuid.NewString(),
		FromAgent:      fromAgent,
		ToAgent:        toAgent,
		Skill:          skillName,
		Payload:        payload,
		ParentID:       parentID,
		QuotaRemaining: quota,
		Status:         persistence.RequestStatusPending,
	}
	if err := b.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	span.SetAttributes(otelpkg.AttrRequestID.String(req.ID))
	b.cfg.Metrics.RequestsCreated.Add(ctx, 1)
	b.auditEntry(ctx, fromAgent, "request.create", audit.SeverityInfo,
		fmt.Sprintf("skill=%s target=%s quota=%d", skillName, toAgent, quota), "success", req.ID)
	b.logger.InfoContext(ctx, "request created",
		"request_id", req.ID, "from", fromAgent, "to", toAgent, "skill", skillName, "quota", quota)
	return req, nil
}

// checkCycle walks the parent chain and rejects a delegation whose target is
// already a delegator anywhere upstream.
func (b *Bus) checkCycle(ctx context.Context, parent *persistence.Request, toAgent string) error {
	seen := 0
	for cur := parent; cur != nil; {
		if cur.FromAgent == toAgent {
			return fmt.Errorf("agent %q already delegates in this chain (request %s): %w",
				toAgent, cur.ID, ErrCycleDetected)
		}
		if cur.ParentID == "" {
			return nil
		}
		// The quota invariant bounds chain depth, so a longer walk means a
		// corrupted chain.
		seen++
		if seen > b.cfg.DefaultQuota {
			return validationErrorf("parent chain of %q exceeds quota depth", cur.ID)
		}
		next, err := b.store.GetRequest(ctx, cur.ParentID)
		if err != nil {
			return fmt.Errorf("walk parent chain: %w", err)
		}
		cur = next
	}
	return nil
}

// Dispatch moves a PENDING request forward. The trust bridge gates it first:
// a blocked decision suspends the request for human sign-off and is not an
// error. Otherwise the target's handler runs in its own goroutine.
func (b *Bus) Dispatch(ctx context.Context, requestID string) error {
	ctx, span := otelpkg.StartSpan(ctx, b.cfg.Tracer, "bus.dispatch",
		otelpkg.AttrRequestID.String(requestID))
	defer span.End()

	req, err := b.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if req == nil {
		return validationErrorf("dispatch: unknown request %q", requestID)
	}
	skill, err := b.registry.Skill(ctx, req.Skill)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", requestID, err)
	}

	decision := b.bridge.GateRequest(ctx, req, skill)
	if decision.Blocked {
		span.SetAttributes(otelpkg.AttrSeverity.String(decision.Severity.String()))
		reason, _ := json.Marshal(map[string]string{"reason": decision.Reason})
		ok, err := b.store.TransitionRequest(ctx, requestID,
			[]persistence.RequestStatus{persistence.RequestStatusPending},
			persistence.RequestStatusBlocked,
			"request.blocked", string(reason), nil, nil, nil)
		if err != nil {
			return fmt.Errorf("dispatch %s: block: %w", requestID, err)
		}
		if !ok {
			return validationErrorf("dispatch: request %q is not pending", requestID)
		}
		b.cfg.Metrics.RequestsBlocked.Add(ctx, 1)
		b.cfg.Metrics.BlockedGauge.Add(ctx, 1)
		if b.events != nil {
			b.events.Publish(bus.TopicApprovalRequested, bus.ApprovalRequestedEvent{
				RequestID: requestID,
				Skill:     req.Skill,
				Severity:  decision.Severity.String(),
				Reason:    decision.Reason,
			})
		}
		b.logger.WarnContext(ctx, "request blocked for approval",
			"request_id", requestID, "skill", req.Skill, "reason", decision.Reason)
		return nil
	}

	return b.startRunning(ctx, req, persistence.RequestStatusPending, "request.dispatched")
}

// Approve resumes a BLOCKED request. Only an explicit external call reaches
// here; there is no auto-approval path. The approver's identity lands on the
// request row, in the approvals table, and in the audit trail.
func (b *Bus) Approve(ctx context.Context, requestID, approver, reason string) error {
	ctx, span := otelpkg.StartSpan(ctx, b.cfg.Tracer, "bus.approve",
		otelpkg.AttrRequestID.String(requestID),
		otelpkg.AttrApprover.String(approver))
	defer span.End()

	if approver == "" {
		return validationErrorf("approve: empty approver identity")
	}
	req, err := b.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	if req == nil {
		return validationErrorf("approve: unknown request %q", requestID)
	}
	if req.Status != persistence.RequestStatusBlocked {
		return validationErrorf("approve: request %q is %s, not BLOCKED", requestID, req.Status)
	}
	if _, err := b.store.RecordApproval(ctx, requestID, approver, reason); err != nil {
		return fmt.Errorf("approve %s: %w", requestID, err)
	}
	b.auditEntry(ctx, approver, "request.approve", audit.SeverityInfo,
		fmt.Sprintf("skill=%s reason=%s", req.Skill, reason), "success", requestID)
	if b.events != nil {
		b.events.Publish(bus.TopicApprovalResolved, bus.ApprovalResolvedEvent{
			RequestID: requestID,
			Approver:  approver,
		})
	}
	return b.startRunningApproved(ctx, req, approver)
}

// startRunningApproved resumes an approved request. The only legal exit from
// BLOCKED is into RUNNING, so a missing handler still passes through RUNNING
// before failing.
func (b *Bus) startRunningApproved(ctx context.Context, req *persistence.Request, approver string) error {
	ok, err := b.store.TransitionRequest(ctx, req.ID,
		[]persistence.RequestStatus{persistence.RequestStatusBlocked},
		persistence.RequestStatusRunning,
		"request.approved", "", &approver, nil, nil)
	if err != nil {
		return fmt.Errorf("approve %s: %w", req.ID, err)
	}
	if !ok {
		return validationErrorf("approve: request %q left BLOCKED concurrently", req.ID)
	}
	b.cfg.Metrics.BlockedGauge.Add(ctx, -1)
	handler, found := b.handlerFor(req.ToAgent, req.Skill)
	if !found {
		return b.failMissingHandler(ctx, req, persistence.RequestStatusRunning)
	}
	b.runHandler(ctx, req, handler)
	return nil
}

func (b *Bus) startRunning(ctx context.Context, req *persistence.Request, from persistence.RequestStatus, eventType string) error {
	handler, found := b.handlerFor(req.ToAgent, req.Skill)
	if !found {
		return b.failMissingHandler(ctx, req, from)
	}
	ok, err := b.store.TransitionRequest(ctx, req.ID,
		[]persistence.RequestStatus{from},
		persistence.RequestStatusRunning,
		eventType, "", nil, nil, nil)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", req.ID, err)
	}
	if !ok {
		return validationErrorf("dispatch: request %q is not %s", req.ID, from)
	}
	b.runHandler(ctx, req, handler)
	return nil
}

func (b *Bus) failMissingHandler(ctx context.Context, req *persistence.Request, from persistence.RequestStatus) error {
	errMsg := fmt.Sprintf("agent %q has no handler for skill %q", req.ToAgent, req.Skill)
	if _, err := b.store.TransitionRequest(ctx, req.ID,
		[]persistence.RequestStatus{from},
		persistence.RequestStatusFailed,
		"request.failed", `{"reason":"handler_not_found"}`, nil, nil, &errMsg); err != nil {
		return fmt.Errorf("dispatch %s: fail: %w", req.ID, err)
	}
	b.cfg.Metrics.RequestsFailed.Add(ctx, 1)
	b.auditEntry(ctx, req.ToAgent, "request.dispatch", audit.SeverityWarning, errMsg, "handler_not_found", req.ID)
	if err := b.registry.RecordOutcome(ctx, req.Skill, false); err != nil {
		b.logger.WarnContext(ctx, "record outcome failed", "skill", req.Skill, "error", err)
	}
	return fmt.Errorf("dispatch %s: %w", req.ID, ErrHandlerNotFound)
}

// runHandler executes the skill asynchronously. The goroutine carries its own
// context so a canceled dispatch caller does not abort an already-started
// handler; the timeout still bounds it. The caller's trace id is kept so the
// audit rows of the whole request share one trace.
func (b *Bus) runHandler(callerCtx context.Context, req *persistence.Request, handler Handler) {
	b.wg.Add(1)
	traceID := shared.TraceID(callerCtx)
	go func() {
		defer b.wg.Done()
		base := shared.WithTraceID(context.Background(), traceID)
		ctx, cancel := context.WithTimeout(base, b.cfg.DispatchTimeout)
		defer cancel()
		ctx, span := otelpkg.StartSpan(ctx, b.cfg.Tracer, "bus.execute",
			otelpkg.AttrRequestID.String(req.ID),
			otelpkg.AttrToAgent.String(req.ToAgent),
			otelpkg.AttrSkill.String(req.Skill))
		defer span.End()
		started := time.Now()

		result, err := func() (result string, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("handler panic: %v", rec)
				}
			}()
			return handler.Handle(ctx, req)
		}()
		// Recording the outcome must survive the handler's deadline, or a
		// timed-out handler would strand the request in RUNNING.
		ctx = context.WithoutCancel(ctx)
		b.cfg.Metrics.DispatchDuration.Record(ctx, time.Since(started).Seconds())

		if err != nil {
			errMsg := err.Error()
			if _, terr := b.store.TransitionRequest(ctx, req.ID,
				[]persistence.RequestStatus{persistence.RequestStatusRunning},
				persistence.RequestStatusFailed,
				"request.failed", "", nil, nil, &errMsg); terr != nil {
				b.logger.ErrorContext(ctx, "record handler failure",
					"request_id", req.ID, "error", terr)
			}
			b.cfg.Metrics.RequestsFailed.Add(ctx, 1)
			b.auditEntry(ctx, req.ToAgent, "request.execute", audit.SeverityWarning,
				errMsg, "failed", req.ID)
			if rerr := b.registry.RecordOutcome(ctx, req.Skill, false); rerr != nil {
				b.logger.WarnContext(ctx, "record outcome failed", "skill", req.Skill, "error", rerr)
			}
			b.logger.WarnContext(ctx, "request failed",
				"request_id", req.ID, "skill", req.Skill, "error", errMsg)
			return
		}

		if _, terr := b.store.TransitionRequest(ctx, req.ID,
			[]persistence.RequestStatus{persistence.RequestStatusRunning},
			persistence.RequestStatusCompleted,
			"request.completed", "", nil, &result, nil); terr != nil {
			b.logger.ErrorContext(ctx, "record handler result",
				"request_id", req.ID, "error", terr)
			return
		}
		b.cfg.Metrics.RequestsCompleted.Add(ctx, 1)
		b.auditEntry(ctx, req.ToAgent, "request.execute", audit.SeverityInfo, "", "success", req.ID)
		if rerr := b.registry.RecordOutcome(ctx, req.Skill, true); rerr != nil {
			b.logger.WarnContext(ctx, "record outcome failed", "skill", req.Skill, "error", rerr)
		}
		b.logger.InfoContext(ctx, "request completed", "request_id", req.ID, "skill", req.Skill)
	}()
}

// GetStatus returns the current persisted request, or a ValidationError for
// an unknown ID.
func (b *Bus) GetStatus(ctx context.Context, requestID string) (*persistence.Request, error) {
	req, err := b.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	if req == nil {
		return nil, validationErrorf("get status: unknown request %q", requestID)
	}
	return req, nil
}

// GetBlockedRequests lists requests awaiting human sign-off, oldest first.
func (b *Bus) GetBlockedRequests(ctx context.Context) ([]persistence.Request, error) {
	return b.store.ListRequestsByStatus(ctx, persistence.RequestStatusBlocked, 0)
}

// ExpireOverdue moves every non-terminal request older than the TTL to
// EXPIRED. This is a timeout, not a cancellation: a handler already running
// keeps running, and its late completion loses the status race.
func (b *Bus) ExpireOverdue(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	overdue, err := b.store.ListOverdueRequests(ctx, cutoff, 0)
	if err != nil {
		return nil, fmt.Errorf("expire overdue: %w", err)
	}
	var expired []string
	for _, req := range overdue {
		ok, err := b.store.TransitionRequest(ctx, req.ID,
			[]persistence.RequestStatus{req.Status},
			persistence.RequestStatusExpired,
			"request.expired", fmt.Sprintf(`{"ttl_seconds":%d}`, int(ttl.Seconds())), nil, nil, nil)
		if err != nil {
			return expired, fmt.Errorf("expire %s: %w", req.ID, err)
		}
		if !ok {
			// Lost the race against a completing handler.
			continue
		}
		b.cfg.Metrics.RequestsExpired.Add(ctx, 1)
		if req.Status == persistence.RequestStatusBlocked {
			b.cfg.Metrics.BlockedGauge.Add(ctx, -1)
		}
		b.auditEntry(ctx, req.FromAgent, "request.expire", audit.SeverityWarning,
			fmt.Sprintf("skill=%s was=%s", req.Skill, req.Status), "expired", req.ID)
		expired = append(expired, req.ID)
	}
	if len(expired) > 0 {
		b.logger.InfoContext(ctx, "expired overdue requests", "count", len(expired))
	}
	return expired, nil
}

// Drain waits for in-flight handlers to finish, up to the timeout.
func (b *Bus) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// auditDenial logs a permission denial, escalating to CRITICAL once the same
// agent has been denied repeatedly.
func (b *Bus) auditDenial(ctx context.Context, fromAgent, skillName string) {
	b.mu.Lock()
	b.denials[fromAgent]++
	count := b.denials[fromAgent]
	b.mu.Unlock()

	sev := audit.SeverityWarning
	if count >= denialEscalationAfter {
		sev = audit.SeverityCritical
	}
	b.auditEntry(ctx, fromAgent, "request.create", sev,
		fmt.Sprintf("skill=%s denial_count=%d", skillName, count), "permission_denied", "")
	b.logger.WarnContext(ctx, "permission denied",
		"agent_id", fromAgent, "skill", skillName, "denials", count)
}

func (b *Bus) auditEntry(ctx context.Context, actor, action string, sev audit.Severity, details, outcome, requestID string) {
	if b.trail == nil {
		return
	}
	if _, err := b.trail.Append(ctx, audit.Entry{
		Actor:     actor,
		Action:    action,
		Severity:  sev,
		Details:   details,
		Outcome:   outcome,
		RequestID: requestID,
	}); err != nil {
		b.logger.WarnContext(ctx, "audit append failed", "action", action, "error", err)
		return
	}
	b.cfg.Metrics.AuditEntries.Add(ctx, 1)
}
