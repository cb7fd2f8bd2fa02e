// Package registry is the capability catalog: agents, skills, and the grant
// ledger that ties them together. Every mutation lands in the audit trail.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/skillbus/internal/audit"
	"github.com/basket/skillbus/internal/persistence"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	MinLevel = 0
	MaxLevel = 10
)

var (
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrDuplicateSkill = errors.New("skill already declared")
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrUnknownSkill   = errors.New("unknown skill")
	ErrInvalidLevel   = errors.New("privilege level out of range")
	ErrInvalidSchema  = errors.New("invalid payload schema")
)

// SchemaViolationError reports a payload that fails a skill's declared schema.
type SchemaViolationError struct {
	Skill  string
	Detail string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("payload rejected by schema for skill %q: %s", e.Skill, e.Detail)
}

// Registry fronts the persisted catalog and caches compiled payload schemas.
type Registry struct {
	store  *persistence.Store
	trail  *audit.Trail
	logger *slog.Logger

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func New(store *persistence.Store, trail *audit.Trail, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		trail:   trail,
		logger:  logger.With("component", "registry"),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// RegisterAgent adds a new agent. Agent IDs are unique forever; re-registering
// an existing ID fails with ErrDuplicateAgent.
func (r *Registry) RegisterAgent(ctx context.Context, agentID, displayName string) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return fmt.Errorf("register agent: empty agent ID")
	}
	if err := r.store.CreateAgent(ctx, agentID, displayName); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("register agent %q: %w", agentID, ErrDuplicateAgent)
		}
		return fmt.Errorf("register agent %q: %w", agentID, err)
	}
	r.audit(ctx, agentID, "agent.register", audit.SeverityInfo, "", "success")
	r.logger.InfoContext(ctx, "agent registered", "agent_id", agentID)
	return nil
}

// DeclareSkill adds a new skill with its required privilege level, its human
// sign-off threshold, and an optional JSON Schema for request payloads. The
// schema is compiled eagerly so a broken one fails at declaration time.
func (r *Registry) DeclareSkill(ctx context.Context, name string, requiredLevel, approvalThreshold int, payloadSchema string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("declare skill: empty skill name")
	}
	if requiredLevel < MinLevel || requiredLevel > MaxLevel {
		return fmt.Errorf("declare skill %q: level %d: %w", name, requiredLevel, ErrInvalidLevel)
	}
	if approvalThreshold < MinLevel || approvalThreshold > MaxLevel {
		return fmt.Errorf("declare skill %q: approval threshold %d: %w", name, approvalThreshold, ErrInvalidLevel)
	}
	var compiled *jsonschema.Schema
	if payloadSchema != "" {
		var err error
		compiled, err = compileSchema(name, payloadSchema)
		if err != nil {
			return fmt.Errorf("declare skill %q: %w: %v", name, ErrInvalidSchema, err)
		}
	}
	if err := r.store.CreateSkill(ctx, &persistence.SkillRecord{
		Name:              name,
		RequiredLevel:     requiredLevel,
		ApprovalThreshold: approvalThreshold,
		PayloadSchema:     payloadSchema,
	}); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("declare skill %q: %w", name, ErrDuplicateSkill)
		}
		return fmt.Errorf("declare skill %q: %w", name, err)
	}
	if compiled != nil {
		r.mu.Lock()
		r.schemas[name] = compiled
		r.mu.Unlock()
	}
	r.audit(ctx, "", "skill.declare", audit.SeverityInfo,
		fmt.Sprintf("skill=%s required_level=%d threshold=%d", name, requiredLevel, approvalThreshold), "success")
	r.logger.InfoContext(ctx, "skill declared",
		"skill", name, "required_level", requiredLevel, "approval_threshold", approvalThreshold)
	return nil
}

// Grant gives an agent a privilege level for a skill, superseding any earlier
// grant for the pair. Level 0 is a valid grant that permits only level-0 skills.
func (r *Registry) Grant(ctx context.Context, agentID, skillName string, level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("grant %s/%s: level %d: %w", agentID, skillName, level, ErrInvalidLevel)
	}
	if err := r.requirePair(ctx, agentID, skillName); err != nil {
		return fmt.Errorf("grant %s/%s: %w", agentID, skillName, err)
	}
	if err := r.store.AppendGrant(ctx, agentID, skillName, level, persistence.GrantStateGranted); err != nil {
		return fmt.Errorf("grant %s/%s: %w", agentID, skillName, err)
	}
	r.audit(ctx, agentID, "grant.issue", audit.SeverityInfo,
		fmt.Sprintf("skill=%s level=%d", skillName, level), "success")
	r.logger.InfoContext(ctx, "grant issued", "agent_id", agentID, "skill", skillName, "level", level)
	return nil
}

// Revoke withdraws an agent's grant for a skill. Revoking a pair that has no
// active grant is a no-op; the call is idempotent.
func (r *Registry) Revoke(ctx context.Context, agentID, skillName string) error {
	if err := r.requirePair(ctx, agentID, skillName); err != nil {
		return fmt.Errorf("revoke %s/%s: %w", agentID, skillName, err)
	}
	active, err := r.store.ActiveGrant(ctx, agentID, skillName)
	if err != nil {
		return fmt.Errorf("revoke %s/%s: %w", agentID, skillName, err)
	}
	if active == nil {
		return nil
	}
	if err := r.store.AppendGrant(ctx, agentID, skillName, 0, persistence.GrantStateRevoked); err != nil {
		return fmt.Errorf("revoke %s/%s: %w", agentID, skillName, err)
	}
	r.audit(ctx, agentID, "grant.revoke", audit.SeverityWarning,
		fmt.Sprintf("skill=%s prior_level=%d", skillName, active.Level), "success")
	r.logger.InfoContext(ctx, "grant revoked", "agent_id", agentID, "skill", skillName)
	return nil
}

// GrantLevel returns the agent's active privilege level for a skill.
// ok is false when the pair has no active grant.
func (r *Registry) GrantLevel(ctx context.Context, agentID, skillName string) (level int, ok bool, err error) {
	grant, err := r.store.ActiveGrant(ctx, agentID, skillName)
	if err != nil {
		return 0, false, fmt.Errorf("grant level %s/%s: %w", agentID, skillName, err)
	}
	if grant == nil {
		return 0, false, nil
	}
	return grant.Level, true, nil
}

// CanUseSkill reports whether the agent holds an active grant at or above the
// skill's required level.
func (r *Registry) CanUseSkill(ctx context.Context, agentID, skillName string) (bool, error) {
	skill, err := r.Skill(ctx, skillName)
	if err != nil {
		return false, err
	}
	level, ok, err := r.GrantLevel(ctx, agentID, skillName)
	if err != nil {
		return false, err
	}
	return ok && level >= skill.RequiredLevel, nil
}

// ValidatePayload checks a JSON payload against the skill's declared schema.
// Skills without a schema accept any payload.
func (r *Registry) ValidatePayload(ctx context.Context, skillName, payload string) error {
	schema, err := r.schemaFor(ctx, skillName)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	if payload == "" {
		payload = "{}"
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator needs for exact range checks.
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return &SchemaViolationError{Skill: skillName, Detail: fmt.Sprintf("payload is not valid JSON: %v", err)}
	}
	if err := schema.Validate(instance); err != nil {
		return &SchemaViolationError{Skill: skillName, Detail: err.Error()}
	}
	return nil
}

// Skill returns a skill's declaration, or ErrUnknownSkill.
func (r *Registry) Skill(ctx context.Context, name string) (*persistence.SkillRecord, error) {
	skill, err := r.store.GetSkill(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("lookup skill %q: %w", name, err)
	}
	if skill == nil {
		return nil, fmt.Errorf("lookup skill %q: %w", name, ErrUnknownSkill)
	}
	return skill, nil
}

// Agent returns an agent's record, or ErrUnknownAgent.
func (r *Registry) Agent(ctx context.Context, agentID string) (*persistence.AgentRecord, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup agent %q: %w", agentID, err)
	}
	if agent == nil {
		return nil, fmt.Errorf("lookup agent %q: %w", agentID, ErrUnknownAgent)
	}
	return agent, nil
}

func (r *Registry) ListAgents(ctx context.Context) ([]persistence.AgentRecord, error) {
	return r.store.ListAgents(ctx)
}

func (r *Registry) ListSkills(ctx context.Context) ([]persistence.SkillRecord, error) {
	return r.store.ListSkills(ctx)
}

// ListActiveGrants returns the current grant per (agent, skill) pair.
func (r *Registry) ListActiveGrants(ctx context.Context) ([]persistence.GrantRecord, error) {
	return r.store.ListActiveGrants(ctx)
}

// RecordOutcome bumps a skill's success or failure counter after execution.
func (r *Registry) RecordOutcome(ctx context.Context, skillName string, success bool) error {
	if err := r.store.BumpSkillCounters(ctx, skillName, success); err != nil {
		return fmt.Errorf("record outcome for %q: %w", skillName, err)
	}
	return nil
}

func (r *Registry) requirePair(ctx context.Context, agentID, skillName string) error {
	if _, err := r.Agent(ctx, agentID); err != nil {
		return err
	}
	if _, err := r.Skill(ctx, skillName); err != nil {
		return err
	}
	return nil
}

func (r *Registry) schemaFor(ctx context.Context, skillName string) (*jsonschema.Schema, error) {
	r.mu.RLock()
	schema, cached := r.schemas[skillName]
	r.mu.RUnlock()
	if cached {
		return schema, nil
	}

	skill, err := r.Skill(ctx, skillName)
	if err != nil {
		return nil, err
	}
	if skill.PayloadSchema == "" {
		return nil, nil
	}
	compiled, err := compileSchema(skillName, skill.PayloadSchema)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", skillName, err)
	}
	r.mu.Lock()
	r.schemas[skillName] = compiled
	r.mu.Unlock()
	return compiled, nil
}

func compileSchema(skillName, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := skillName + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func (r *Registry) audit(ctx context.Context, actor, action string, sev audit.Severity, details, outcome string) {
	if r.trail == nil {
		return
	}
	if _, err := r.trail.Append(ctx, audit.Entry{
		Actor:    actor,
		Action:   action,
		Severity: sev,
		Details:  details,
		Outcome:  outcome,
	}); err != nil {
		r.logger.WarnContext(ctx, "audit append failed", "action", action, "error", err)
	}
}
