package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateAgent inserts a new agent row. Duplicate IDs surface as the driver's
// UNIQUE constraint error; the registry maps that to its own sentinel.
func (s *Store) CreateAgent(ctx context.Context, agentID, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, display_name, created_at)
		VALUES (?, ?, CURRENT_TIMESTAMP);
	`, agentID, displayName)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent with the given ID, or (nil, nil) when absent.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, display_name, created_at
		FROM agents
		WHERE agent_id = ?;
	`, agentID)
	var agent AgentRecord
	if err := row.Scan(&agent.AgentID, &agent.DisplayName, &agent.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return &agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, display_name, created_at
		FROM agents
		ORDER BY agent_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var agent AgentRecord
		if err := rows.Scan(&agent.AgentID, &agent.DisplayName, &agent.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

// CreateSkill inserts a new skill declaration.
func (s *Store) CreateSkill(ctx context.Context, skill *SkillRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skills (name, required_level, approval_threshold, payload_schema, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, skill.Name, skill.RequiredLevel, skill.ApprovalThreshold, skill.PayloadSchema)
	if err != nil {
		return fmt.Errorf("insert skill: %w", err)
	}
	return nil
}

// GetSkill returns the skill with the given name, or (nil, nil) when absent.
func (s *Store) GetSkill(ctx context.Context, name string) (*SkillRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, required_level, approval_threshold, payload_schema,
			success_count, failure_count, created_at
		FROM skills
		WHERE name = ?;
	`, name)
	var skill SkillRecord
	if err := row.Scan(
		&skill.Name,
		&skill.RequiredLevel,
		&skill.ApprovalThreshold,
		&skill.PayloadSchema,
		&skill.SuccessCount,
		&skill.FailureCount,
		&skill.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select skill: %w", err)
	}
	return &skill, nil
}

func (s *Store) ListSkills(ctx context.Context) ([]SkillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, required_level, approval_threshold, payload_schema,
			success_count, failure_count, created_at
		FROM skills
		ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query skills: %w", err)
	}
	defer rows.Close()

	var out []SkillRecord
	for rows.Next() {
		var skill SkillRecord
		if err := rows.Scan(
			&skill.Name,
			&skill.RequiredLevel,
			&skill.ApprovalThreshold,
			&skill.PayloadSchema,
			&skill.SuccessCount,
			&skill.FailureCount,
			&skill.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		out = append(out, skill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("skill rows: %w", err)
	}
	return out, nil
}

// BumpSkillCounters increments the per-skill success or failure counter.
func (s *Store) BumpSkillCounters(ctx context.Context, name string, success bool) error {
	var query string
	if success {
		query = `UPDATE skills SET success_count = success_count + 1 WHERE name = ?;`
	} else {
		query = `UPDATE skills SET failure_count = failure_count + 1 WHERE name = ?;`
	}
	res, err := s.db.ExecContext(ctx, query, name)
	if err != nil {
		return fmt.Errorf("bump skill counter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("skill counter rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("bump skill counter: unknown skill %q", name)
	}
	return nil
}

// AppendGrant records a new grant-history row. Grants never update in place:
// the latest row for an (agent, skill) pair is authoritative.
func (s *Store) AppendGrant(ctx context.Context, agentID, skillName string, level int, state string) error {
	if state != GrantStateGranted && state != GrantStateRevoked {
		return fmt.Errorf("invalid grant state %q", state)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grants (agent_id, skill_name, level, state, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, agentID, skillName, level, state)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

// ActiveGrant returns the latest grant row for the pair when its state is
// "granted", or (nil, nil) when the pair has no grant or it was revoked.
func (s *Store) ActiveGrant(ctx context.Context, agentID, skillName string) (*GrantRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, skill_name, level, state, created_at
		FROM grants
		WHERE agent_id = ? AND skill_name = ?
		ORDER BY id DESC
		LIMIT 1;
	`, agentID, skillName)
	var grant GrantRecord
	if err := row.Scan(
		&grant.ID,
		&grant.AgentID,
		&grant.SkillName,
		&grant.Level,
		&grant.State,
		&grant.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select grant: %w", err)
	}
	if grant.State != GrantStateGranted {
		return nil, nil
	}
	return &grant, nil
}

// ListActiveGrants returns the current granted rows, one per (agent, skill)
// pair whose latest history row is "granted".
func (s *Store) ListActiveGrants(ctx context.Context) ([]GrantRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.agent_id, g.skill_name, g.level, g.state, g.created_at
		FROM grants g
		JOIN (
			SELECT agent_id, skill_name, MAX(id) AS max_id
			FROM grants
			GROUP BY agent_id, skill_name
		) latest ON g.id = latest.max_id
		WHERE g.state = ?
		ORDER BY g.agent_id ASC, g.skill_name ASC;
	`, GrantStateGranted)
	if err != nil {
		return nil, fmt.Errorf("query active grants: %w", err)
	}
	defer rows.Close()

	var out []GrantRecord
	for rows.Next() {
		var grant GrantRecord
		if err := rows.Scan(
			&grant.ID,
			&grant.AgentID,
			&grant.SkillName,
			&grant.Level,
			&grant.State,
			&grant.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan active grant: %w", err)
		}
		out = append(out, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active grant rows: %w", err)
	}
	return out, nil
}

// GrantHistory returns the full grant ledger for a pair, oldest first.
func (s *Store) GrantHistory(ctx context.Context, agentID, skillName string) ([]GrantRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, skill_name, level, state, created_at
		FROM grants
		WHERE agent_id = ? AND skill_name = ?
		ORDER BY id ASC;
	`, agentID, skillName)
	if err != nil {
		return nil, fmt.Errorf("query grant history: %w", err)
	}
	defer rows.Close()

	var out []GrantRecord
	for rows.Next() {
		var grant GrantRecord
		if err := rows.Scan(
			&grant.ID,
			&grant.AgentID,
			&grant.SkillName,
			&grant.Level,
			&grant.State,
			&grant.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan grant history: %w", err)
		}
		out = append(out, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("grant history rows: %w", err)
	}
	return out, nil
}
