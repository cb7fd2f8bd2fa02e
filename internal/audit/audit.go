// Package audit records every sensitive operation in an append-only trail.
// The SQLite audit_log table is the source of truth; a JSONL mirror under
// <home>/logs/audit.jsonl survives even when the database is unavailable.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/skillbus/internal/bus"
	"github.com/basket/skillbus/internal/persistence"
	"github.com/basket/skillbus/internal/shared"
)

// Severity ranks audit entries. Ordering matters: entries at or above a
// skill's approval threshold block the request until a human signs off.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
	SeverityBlocker
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	case SeverityBlocker:
		return "BLOCKER"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity maps a stored label back to its rank.
func ParseSeverity(label string) (Severity, error) {
	switch label {
	case "INFO":
		return SeverityInfo, nil
	case "WARNING":
		return SeverityWarning, nil
	case "CRITICAL":
		return SeverityCritical, nil
	case "BLOCKER":
		return SeverityBlocker, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", label)
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s >= other
}

// Entry is one audit event before persistence. Details and Outcome are
// redacted on the way in; callers never need to pre-scrub.
type Entry struct {
	Actor     string
	Action    string
	Severity  Severity
	Details   string
	Outcome   string
	RequestID string
}

// Trail is the append-only audit sink.
type Trail struct {
	store *persistence.Store
	bus   *bus.Bus

	mu         sync.Mutex
	mirror     *os.File
	blockCount atomic.Int64
}

type mirrorLine struct {
	Timestamp string `json:"timestamp"`
	AuditID   int64  `json:"audit_id"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Severity  string `json:"severity"`
	Details   string `json:"details,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// New opens the trail. homeDir may be empty to skip the JSONL mirror; the
// event bus may be nil.
func New(store *persistence.Store, eventBus *bus.Bus, homeDir string) (*Trail, error) {
	t := &Trail{store: store, bus: eventBus}
	if homeDir != "" {
		logDir := filepath.Join(homeDir, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit mirror: %w", err)
		}
		t.mirror = f
	}
	return t, nil
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mirror == nil {
		return nil
	}
	err := t.mirror.Close()
	t.mirror = nil
	return err
}

// BlockCount returns the number of CRITICAL-or-above entries since startup.
func (t *Trail) BlockCount() int64 {
	return t.blockCount.Load()
}

// Append persists one entry and returns its audit ID. The database write
// must succeed; the mirror write is best-effort.
func (t *Trail) Append(ctx context.Context, e Entry) (int64, error) {
	if e.Severity.AtLeast(SeverityCritical) {
		t.blockCount.Add(1)
	}

	details := shared.Redact(e.Details)
	outcome := shared.Redact(e.Outcome)

	auditID, err := t.store.AppendAudit(ctx, &persistence.AuditRecord{
		TraceID:   shared.TraceID(ctx),
		Actor:     e.Actor,
		Action:    e.Action,
		Severity:  e.Severity.String(),
		Details:   details,
		Outcome:   outcome,
		RequestID: e.RequestID,
	})
	if err != nil {
		return 0, fmt.Errorf("append audit entry: %w", err)
	}

	t.mu.Lock()
	if t.mirror != nil {
		line := mirrorLine{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			AuditID:   auditID,
			Actor:     e.Actor,
			Action:    e.Action,
			Severity:  e.Severity.String(),
			Details:   details,
			Outcome:   outcome,
			RequestID: e.RequestID,
		}
		if b, err := json.Marshal(line); err == nil {
			_, _ = t.mirror.Write(append(b, '\n'))
		}
	}
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish(bus.TopicAuditAppended, bus.AuditAppendedEvent{
			AuditID:  auditID,
			Actor:    e.Actor,
			Action:   e.Action,
			Severity: e.Severity.String(),
			Outcome:  outcome,
		})
	}
	return auditID, nil
}

// Export returns entries after the given audit ID in insertion order.
func (t *Trail) Export(ctx context.Context, afterID int64, limit int) ([]persistence.AuditRecord, error) {
	return t.store.ListAuditAfter(ctx, afterID, limit)
}

// ForRequest returns the entries tied to one request.
func (t *Trail) ForRequest(ctx context.Context, requestID string) ([]persistence.AuditRecord, error) {
	return t.store.ListAuditForRequest(ctx, requestID)
}

// Archive stamps entries older than the cutoff as archived. Nothing is
// deleted; retention only narrows the default export window.
func (t *Trail) Archive(ctx context.Context, cutoff time.Time) (int64, error) {
	return t.store.ArchiveAuditBefore(ctx, cutoff)
}
