package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/skillbus/internal/bus"
	"github.com/basket/skillbus/internal/shared"
)

const maxTransitionRetries = 5

// CreateRequest inserts a new delegation request and its creation event in
// one transaction. The caller sets ID, status and quota; validation lives in
// the delegation layer.
func (s *Store) CreateRequest(ctx context.Context, req *Request) error {
	err := retryOnBusy(ctx, maxTransitionRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create request tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		payload := req.Payload
		if payload == "" {
			payload = "{}"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO requests (
				id, from_agent, to_agent, skill, payload, parent_id, quota_remaining,
				status, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, req.ID, req.FromAgent, req.ToAgent, req.Skill, payload, req.ParentID,
			req.QuotaRemaining, req.Status); err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		if err := s.appendRequestEventTx(ctx, tx, req.ID, "", req.Status,
			"request.created", `{"reason":"create_request"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicRequestStateChanged, bus.RequestStateChangedEvent{
			RequestID: req.ID,
			FromAgent: req.FromAgent,
			ToAgent:   req.ToAgent,
			Skill:     req.Skill,
			NewStatus: string(req.Status),
		})
	}
	return nil
}

// GetRequest returns the request with the given ID, or (nil, nil) when absent.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, from_agent, to_agent, skill, payload, COALESCE(parent_id, ''),
			quota_remaining, status, COALESCE(approved_by, ''), COALESCE(result, ''),
			COALESCE(error, ''), created_at, completed_at, updated_at
		FROM requests
		WHERE id = ?;
	`, id)
	var req Request
	if err := scanRequest(row.Scan, &req); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select request: %w", err)
	}
	return &req, nil
}

// ListRequestsByStatus returns requests in a given status, oldest first.
// An empty status lists all requests.
func (s *Store) ListRequestsByStatus(ctx context.Context, status RequestStatus, limit int) ([]Request, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, from_agent, to_agent, skill, payload, COALESCE(parent_id, ''),
				quota_remaining, status, COALESCE(approved_by, ''), COALESCE(result, ''),
				COALESCE(error, ''), created_at, completed_at, updated_at
			FROM requests
			ORDER BY created_at ASC, id ASC
			LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, from_agent, to_agent, skill, payload, COALESCE(parent_id, ''),
				quota_remaining, status, COALESCE(approved_by, ''), COALESCE(result, ''),
				COALESCE(error, ''), created_at, completed_at, updated_at
			FROM requests
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?;
		`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var req Request
		if err := scanRequest(rows.Scan, &req); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request rows: %w", err)
	}
	return out, nil
}

// CountRequestsByStatus returns a status -> count map over the live table.
func (s *Store) CountRequestsByStatus(ctx context.Context) (map[RequestStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM requests GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	defer rows.Close()

	out := make(map[RequestStatus]int64)
	for rows.Next() {
		var status RequestStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan request count: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request count rows: %w", err)
	}
	return out, nil
}

// TransitionRequest moves a request from one of allowedFrom to the target
// status, appending the matching event row in the same transaction. Returns
// false when the request is missing or not in an allowed source status.
// approvedBy, result and errMsg update their columns only when non-nil.
func (s *Store) TransitionRequest(
	ctx context.Context,
	requestID string,
	allowedFrom []RequestStatus,
	to RequestStatus,
	eventType string,
	eventPayload string,
	approvedBy *string,
	result *string,
	errMsg *string,
) (bool, error) {
	var transitioned bool
	var from RequestStatus
	var fromAgent, toAgent, skill string
	err := retryOnBusy(ctx, maxTransitionRetries, func() error {
		transitioned = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, current, err := s.transitionRequestTx(ctx, tx, requestID, allowedFrom, to,
			eventType, eventPayload, approvedBy, result, errMsg)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT from_agent, to_agent, skill FROM requests WHERE id = ?;
		`, requestID).Scan(&fromAgent, &toAgent, &skill); err != nil {
			return fmt.Errorf("select transitioned request: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		transitioned = true
		from = current
		return nil
	})
	if err != nil || !transitioned {
		return false, err
	}

	if s.bus != nil {
		event := bus.RequestStateChangedEvent{
			RequestID: requestID,
			FromAgent: fromAgent,
			ToAgent:   toAgent,
			Skill:     skill,
			OldStatus: string(from),
			NewStatus: string(to),
		}
		s.bus.Publish(bus.TopicRequestStateChanged, event)
		switch to {
		case RequestStatusBlocked:
			s.bus.Publish(bus.TopicRequestBlocked, event)
		case RequestStatusCompleted:
			s.bus.Publish(bus.TopicRequestCompleted, event)
		case RequestStatusFailed:
			s.bus.Publish(bus.TopicRequestFailed, event)
		case RequestStatusExpired:
			s.bus.Publish(bus.TopicRequestExpired, event)
		}
	}
	return true, nil
}

func (s *Store) transitionRequestTx(
	ctx context.Context,
	tx *sql.Tx,
	requestID string,
	allowedFrom []RequestStatus,
	to RequestStatus,
	eventType string,
	eventPayload string,
	approvedBy *string,
	result *string,
	errMsg *string,
) (bool, RequestStatus, error) {
	var current RequestStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM requests WHERE id = ?;
	`, requestID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("select request for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, current, nil
	}
	if !canTransition(current, to) {
		return false, current, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	approvedValue := sql.NullString{}
	if approvedBy != nil {
		approvedValue = sql.NullString{Valid: true, String: *approvedBy}
	}
	resValue := sql.NullString{}
	if result != nil {
		resValue = sql.NullString{Valid: true, String: *result}
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue = sql.NullString{Valid: true, String: *errMsg}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE requests
		SET status = ?,
			approved_by = CASE WHEN ? THEN ? ELSE approved_by END,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			completed_at = CASE WHEN ? THEN CURRENT_TIMESTAMP ELSE completed_at END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to,
		approvedValue.Valid, approvedValue.String,
		resValue.Valid, resValue.String,
		errValue.Valid, errValue.String,
		to.Terminal(),
		requestID, current)
	if err != nil {
		return false, current, fmt.Errorf("update request transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, current, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, current, nil
	}
	if err := s.appendRequestEventTx(ctx, tx, requestID, current, to, eventType, eventPayload); err != nil {
		return false, current, err
	}
	return true, current, nil
}

func (s *Store) appendRequestEventTx(ctx context.Context, tx *sql.Tx, requestID string, from, to RequestStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = requestID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO request_events (request_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, requestID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert request_event: %w", err)
	}
	return nil
}

// ListRequestEvents returns a request's event history in append order.
func (s *Store) ListRequestEvents(ctx context.Context, requestID string) ([]RequestEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, request_id, COALESCE(trace_id, ''), event_type,
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM request_events
		WHERE request_id = ?
		ORDER BY event_id ASC;
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list request events: %w", err)
	}
	defer rows.Close()

	var out []RequestEvent
	for rows.Next() {
		var event RequestEvent
		var stateFrom string
		if err := rows.Scan(
			&event.EventID,
			&event.RequestID,
			&event.TraceID,
			&event.EventType,
			&stateFrom,
			&event.StateTo,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan request event: %w", err)
		}
		event.StateFrom = RequestStatus(stateFrom)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request event rows: %w", err)
	}
	return out, nil
}

// ListOverdueRequests returns non-terminal requests created at or before the
// cutoff, oldest first. The caller transitions each one individually so every
// expiry gets its own event and audit entry.
func (s *Store) ListOverdueRequests(ctx context.Context, cutoff time.Time, limit int) ([]Request, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_agent, to_agent, skill, payload, COALESCE(parent_id, ''),
			quota_remaining, status, COALESCE(approved_by, ''), COALESCE(result, ''),
			COALESCE(error, ''), created_at, completed_at, updated_at
		FROM requests
		WHERE status IN (?, ?, ?) AND created_at <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, RequestStatusPending, RequestStatusBlocked, RequestStatusRunning, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query overdue requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var req Request
		if err := scanRequest(rows.Scan, &req); err != nil {
			return nil, fmt.Errorf("scan overdue request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("overdue request rows: %w", err)
	}
	return out, nil
}

// ArchiveTerminalRequests moves terminal requests completed at or before the
// cutoff into archived_requests, along with their event rows' removal. The
// audit trail is untouched; archived rows stay queryable in the archive table.
func (s *Store) ArchiveTerminalRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	var moved int64
	err := retryOnBusy(ctx, maxTransitionRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin archive tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO archived_requests (
				id, from_agent, to_agent, skill, payload, parent_id, quota_remaining,
				status, approved_by, result, error, created_at, completed_at, archived_at
			)
			SELECT id, from_agent, to_agent, skill, payload, parent_id, quota_remaining,
				status, approved_by, result, error, created_at, completed_at, CURRENT_TIMESTAMP
			FROM requests
			WHERE status IN (?, ?, ?)
				AND completed_at IS NOT NULL
				AND completed_at <= ?
				AND id NOT IN (SELECT COALESCE(parent_id, '') FROM requests);
		`, RequestStatusCompleted, RequestStatusFailed, RequestStatusExpired, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("copy terminal requests: %w", err)
		}
		moved, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("archive rows affected: %w", err)
		}
		if moved == 0 {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM request_events
			WHERE request_id IN (SELECT id FROM archived_requests);
		`); err != nil {
			return fmt.Errorf("prune archived request events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM requests
			WHERE id IN (SELECT id FROM archived_requests);
		`); err != nil {
			return fmt.Errorf("prune archived requests: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func scanRequest(scan func(dest ...any) error, req *Request) error {
	var parentID, approvedBy, result, errMsg string
	var completedAt sql.NullTime
	if err := scan(
		&req.ID,
		&req.FromAgent,
		&req.ToAgent,
		&req.Skill,
		&req.Payload,
		&parentID,
		&req.QuotaRemaining,
		&req.Status,
		&approvedBy,
		&result,
		&errMsg,
		&req.CreatedAt,
		&completedAt,
		&req.UpdatedAt,
	); err != nil {
		return err
	}
	req.ParentID = parentID
	req.ApprovedBy = approvedBy
	req.Result = result
	req.Error = errMsg
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return nil
}
