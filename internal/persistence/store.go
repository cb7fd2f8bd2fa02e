// Package persistence owns the SQLite store behind the registry, the audit
// trail, and the request bus. All mutations go through transactions with
// append-only or guarded-update semantics so a crash mid-write leaves either
// the old or the new version on disk, never a torn one.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/skillbus/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1      = 1
	schemaChecksumV1     = "sb-v1-2026-08-20-request-bus"
	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// RequestStatus is the persisted lifecycle state of a delegation request.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusBlocked   RequestStatus = "BLOCKED"
	RequestStatusRunning   RequestStatus = "RUNNING"
	RequestStatusCompleted RequestStatus = "COMPLETED"
	RequestStatusFailed    RequestStatus = "FAILED"
	RequestStatusExpired   RequestStatus = "EXPIRED"
)

// allowedTransitions encodes the request state machine. BLOCKED leaves only
// via approve (to RUNNING) or TTL expiry; terminal states have no exits.
var allowedTransitions = map[RequestStatus]map[RequestStatus]struct{}{
	RequestStatusPending: {
		RequestStatusBlocked: {},
		RequestStatusRunning: {},
		RequestStatusFailed:  {},
		RequestStatusExpired: {},
	},
	RequestStatusBlocked: {
		RequestStatusRunning: {},
		RequestStatusExpired: {},
	},
	RequestStatusRunning: {
		RequestStatusCompleted: {},
		RequestStatusFailed:    {},
		RequestStatusExpired:   {},
	},
}

func canTransition(from, to RequestStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether the status has no outgoing transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusExpired:
		return true
	}
	return false
}

// Request is a persisted delegation request.
type Request struct {
	ID             string        `json:"id"`
	FromAgent      string        `json:"from_agent"`
	ToAgent        string        `json:"to_agent"`
	Skill          string        `json:"skill"`
	Payload        string        `json:"payload"`
	ParentID       string        `json:"parent_id,omitempty"`
	QuotaRemaining int           `json:"quota_remaining"`
	Status         RequestStatus `json:"status"`
	ApprovedBy     string        `json:"approved_by,omitempty"`
	Result         string        `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// RequestEvent is one row of a request's ordered event history.
type RequestEvent struct {
	EventID   int64         `json:"event_id"`
	RequestID string        `json:"request_id"`
	TraceID   string        `json:"trace_id,omitempty"`
	EventType string        `json:"event_type"`
	StateFrom RequestStatus `json:"state_from,omitempty"`
	StateTo   RequestStatus `json:"state_to"`
	Payload   string        `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
}

// AgentRecord is a registered agent.
type AgentRecord struct {
	AgentID     string    `json:"agent_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// SkillRecord is a declared skill with its privilege requirements.
type SkillRecord struct {
	Name              string    `json:"name"`
	RequiredLevel     int       `json:"required_level"`
	ApprovalThreshold int       `json:"approval_threshold"`
	PayloadSchema     string    `json:"payload_schema,omitempty"`
	SuccessCount      int       `json:"success_count"`
	FailureCount      int       `json:"failure_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// GrantRecord is one row in the grant history for an (agent, skill) pair.
// Revocation is a superseding "revoked" row, never a delete.
type GrantRecord struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	SkillName string    `json:"skill_name"`
	Level     int       `json:"level"`
	State     string    `json:"state"` // "granted" or "revoked"
	CreatedAt time.Time `json:"created_at"`
}

const (
	GrantStateGranted = "granted"
	GrantStateRevoked = "revoked"
)

// AuditRecord is one append-only audit log row.
type AuditRecord struct {
	AuditID    int64     `json:"audit_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Severity   string    `json:"severity"`
	Details    string    `json:"details"`
	Outcome    string    `json:"outcome"`
	RequestID  string    `json:"request_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// ApprovalRecord captures an operator's sign-off on a blocked request.
type ApprovalRecord struct {
	ApprovalID string    `json:"approval_id"`
	RequestID  string    `json:"request_id"`
	Approver   string    `json:"approver"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CheckpointRecord is an immutable named marker of system state.
type CheckpointRecord struct {
	CheckpointID string    `json:"checkpoint_id"`
	Label        string    `json:"label"`
	StateDigest  string    `json:"state_digest"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArchiveRecord is the provenance row behind a safe-delete.
type ArchiveRecord struct {
	ArchiveID    string     `json:"archive_id"`
	OriginalPath string     `json:"original_path"`
	ArchivePath  string     `json:"archive_path"`
	Reason       string     `json:"reason,omitempty"`
	Actor        string     `json:"actor"`
	PurgedAt     *time.Time `json:"purged_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Store wraps the SQLite database. The bus is optional (nil in tests);
// request transitions publish state-change events on it.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".skillbus", "skillbus.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS skills (
			name TEXT PRIMARY KEY,
			required_level INTEGER NOT NULL CHECK(required_level BETWEEN 0 AND 10),
			approval_threshold INTEGER NOT NULL DEFAULT 9,
			payload_schema TEXT NOT NULL DEFAULT '',
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS grants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL REFERENCES agents(agent_id),
			skill_name TEXT NOT NULL REFERENCES skills(name),
			level INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL CHECK(state IN ('granted', 'revoked')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			from_agent TEXT NOT NULL REFERENCES agents(agent_id),
			to_agent TEXT NOT NULL REFERENCES agents(agent_id),
			skill TEXT NOT NULL REFERENCES skills(name),
			payload JSON NOT NULL DEFAULT '{}',
			parent_id TEXT REFERENCES requests(id),
			quota_remaining INTEGER NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'BLOCKED', 'RUNNING', 'COMPLETED', 'FAILED', 'EXPIRED')),
			approved_by TEXT,
			result JSON,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS request_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL REFERENCES requests(id),
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL REFERENCES requests(id),
			approver TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			actor TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'INFO' CHECK(severity IN ('INFO', 'WARNING', 'CRITICAL', 'BLOCKER')),
			details TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			request_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			archived_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			state_digest TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS archive_manifest (
			archive_id TEXT PRIMARY KEY,
			original_path TEXT NOT NULL,
			archive_path TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			purged_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS archived_requests (
			id TEXT PRIMARY KEY,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			skill TEXT NOT NULL,
			payload JSON NOT NULL DEFAULT '{}',
			parent_id TEXT,
			quota_remaining INTEGER NOT NULL,
			status TEXT NOT NULL,
			approved_by TEXT,
			result JSON,
			error TEXT,
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_grants_pair ON grants(agent_id, skill_name, id);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_parent ON requests(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_request_events_request ON request_events(request_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_request ON approvals(request_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id, audit_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
