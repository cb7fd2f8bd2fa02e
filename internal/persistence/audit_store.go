package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/skillbus/internal/shared"
)

// AppendAudit inserts one append-only audit row and returns its ID. Rows are
// never updated or deleted; retention marks archived_at instead.
func (s *Store) AppendAudit(ctx context.Context, rec *AuditRecord) (int64, error) {
	traceID := rec.TraceID
	if traceID == "" {
		traceID = shared.TraceID(ctx)
	}
	var auditID int64
	err := retryOnBusy(ctx, maxTransitionRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, actor, action, severity, details, outcome, request_id, created_at)
			VALUES (NULLIF(?, '-'), ?, ?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, traceID, rec.Actor, rec.Action, rec.Severity, rec.Details, rec.Outcome, rec.RequestID)
		if err != nil {
			return fmt.Errorf("insert audit row: %w", err)
		}
		auditID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("audit last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return auditID, nil
}

// ListAuditAfter returns audit rows with audit_id greater than afterID, in
// insertion order. Archived rows are included; the trail never loses entries.
func (s *Store) ListAuditAfter(ctx context.Context, afterID int64, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, COALESCE(trace_id, ''), actor, action, severity, details,
			outcome, COALESCE(request_id, ''), created_at, archived_at
		FROM audit_log
		WHERE audit_id > ?
		ORDER BY audit_id ASC
		LIMIT ?;
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()
	return collectAuditRows(rows)
}

// ListAuditForRequest returns the audit rows tied to one request.
func (s *Store) ListAuditForRequest(ctx context.Context, requestID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, COALESCE(trace_id, ''), actor, action, severity, details,
			outcome, COALESCE(request_id, ''), created_at, archived_at
		FROM audit_log
		WHERE request_id = ?
		ORDER BY audit_id ASC;
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query request audit log: %w", err)
	}
	defer rows.Close()
	return collectAuditRows(rows)
}

// ArchiveAuditBefore stamps archived_at on unarchived rows created at or
// before the cutoff. No row is ever deleted.
func (s *Store) ArchiveAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_log
		SET archived_at = CURRENT_TIMESTAMP
		WHERE archived_at IS NULL AND created_at <= ?;
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive audit rows: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive audit rows affected: %w", err)
	}
	return affected, nil
}

func collectAuditRows(rows *sql.Rows) ([]AuditRecord, error) {
	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var archivedAt sql.NullTime
		if err := rows.Scan(
			&rec.AuditID,
			&rec.TraceID,
			&rec.Actor,
			&rec.Action,
			&rec.Severity,
			&rec.Details,
			&rec.Outcome,
			&rec.RequestID,
			&rec.CreatedAt,
			&archivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if archivedAt.Valid {
			t := archivedAt.Time
			rec.ArchivedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}
