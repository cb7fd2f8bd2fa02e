package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RecordApproval stores an operator sign-off. The request transition itself
// happens through TransitionRequest; this row is the who-and-why record.
func (s *Store) RecordApproval(ctx context.Context, requestID, approver, reason string) (string, error) {
	approvalID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, request_id, approver, reason, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, approvalID, requestID, approver, reason)
	if err != nil {
		return "", fmt.Errorf("insert approval: %w", err)
	}
	return approvalID, nil
}

func (s *Store) ListApprovals(ctx context.Context, requestID string) ([]ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, request_id, approver, reason, created_at
		FROM approvals
		WHERE request_id = ?
		ORDER BY created_at ASC, approval_id ASC;
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var rec ApprovalRecord
		if err := rows.Scan(&rec.ApprovalID, &rec.RequestID, &rec.Approver, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval rows: %w", err)
	}
	return out, nil
}

// SaveCheckpoint stores an immutable checkpoint marker.
func (s *Store) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, label, state_digest, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, rec.CheckpointID, rec.Label, rec.StateDigest)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func (s *Store) ListCheckpoints(ctx context.Context, limit int) ([]CheckpointRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, label, state_digest, created_at
		FROM checkpoints
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		var rec CheckpointRecord
		if err := rows.Scan(&rec.CheckpointID, &rec.Label, &rec.StateDigest, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint rows: %w", err)
	}
	return out, nil
}

// RecordArchive stores the provenance row for a safe-delete.
func (s *Store) RecordArchive(ctx context.Context, rec *ArchiveRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_manifest (archive_id, original_path, archive_path, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, rec.ArchiveID, rec.OriginalPath, rec.ArchivePath, rec.Reason, rec.Actor)
	if err != nil {
		return fmt.Errorf("insert archive record: %w", err)
	}
	return nil
}

// GetArchive returns the archive manifest row, or (nil, nil) when absent.
func (s *Store) GetArchive(ctx context.Context, archiveID string) (*ArchiveRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT archive_id, original_path, archive_path, reason, actor, purged_at, created_at
		FROM archive_manifest
		WHERE archive_id = ?;
	`, archiveID)
	var rec ArchiveRecord
	var purgedAt sql.NullTime
	if err := row.Scan(
		&rec.ArchiveID,
		&rec.OriginalPath,
		&rec.ArchivePath,
		&rec.Reason,
		&rec.Actor,
		&purgedAt,
		&rec.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select archive record: %w", err)
	}
	if purgedAt.Valid {
		t := purgedAt.Time
		rec.PurgedAt = &t
	}
	return &rec, nil
}

// MarkArchivePurged stamps purged_at on a manifest row. The row itself stays,
// so even purged archives keep their provenance.
func (s *Store) MarkArchivePurged(ctx context.Context, archiveID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE archive_manifest
		SET purged_at = CURRENT_TIMESTAMP
		WHERE archive_id = ? AND purged_at IS NULL;
	`, archiveID)
	if err != nil {
		return fmt.Errorf("mark archive purged: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("purge rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("mark archive purged: no unpurged archive %q", archiveID)
	}
	return nil
}
