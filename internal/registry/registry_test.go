package registry_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/skillbus/internal/audit"
	"github.com/basket/skillbus/internal/persistence"
	"github.com/basket/skillbus/internal/registry"
)

func openTestRegistry(t *testing.T) (*registry.Registry, *audit.Trail) {
	t.Helper()
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "skillbus.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	trail, err := audit.New(store, nil, "")
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	t.Cleanup(func() {
		_ = trail.Close()
		_ = store.Close()
	})
	return registry.New(store, trail, slog.Default()), trail
}

func TestRegisterAgentRejectsDuplicates(t *testing.T) {
	reg, _ := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterAgent(ctx, "planner", "Planner"); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := reg.RegisterAgent(ctx, "planner", "Planner Again")
	if !errors.Is(err, registry.ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
}

func TestDeclareSkillValidatesLevels(t *testing.T) {
	reg, _ := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.DeclareSkill(ctx, "summarize", 3, 9, ""); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := reg.DeclareSkill(ctx, "summarize", 3, 9, ""); !errors.Is(err, registry.ErrDuplicateSkill) {
		t.Fatalf("expected ErrDuplicateSkill, got %v", err)
	}
	if err := reg.DeclareSkill(ctx, "overreach", 11, 9, ""); !errors.Is(err, registry.ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel for level 11, got %v", err)
	}
	if err := reg.DeclareSkill(ctx, "underreach", -1, 9, ""); !errors.Is(err, registry.ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel for level -1, got %v", err)
	}
}

func TestDeclareSkillRejectsBrokenSchema(t *testing.T) {
	reg, _ := openTestRegistry(t)
	ctx := context.Background()

	err := reg.DeclareSkill(ctx, "broken", 1, 9, `{"type": 42}`)
	if !errors.Is(err, registry.ErrInvalidSchema) {
		t.Fatalf("expected ErrInvalidSchema, got %v", err)
	}
}

func TestGrantAndCanUseSkill(t *testing.T) {
	reg, _ := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterAgent(ctx, "planner", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.DeclareSkill(ctx, "deploy", 7, 9, ""); err != nil {
		t.Fatalf("declare: %v", err)
	}

	// No grant yet.
	ok, err := reg.CanUseSkill(ctx, "planner", "deploy")
	if err != nil {
		t.Fatalf("can use: %v", err)
	}
	if ok {
		t.Fatal("expected no permission without grant")
	}

	// Grant below required level.
	if err := reg.Grant(ctx, "planner", "deploy", 5); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, _ := reg.CanUseSkill(ctx, "planner", "deploy"); ok {
		t.Fatal("expected level 5 grant insufficient for level 7 skill")
	}

	// Supersede with a sufficient grant.
	if err := reg.Grant(ctx, "planner", "deploy", 7); err != nil {
		t.Fatalf("regrant: %v", err)
	}
	if ok, _ := reg.CanUseSkill(ctx, "planner", "deploy"); !ok {
		t.Fatal("expected level 7 grant sufficient")
	}

	level, held, err := reg.GrantLevel(ctx, "planner", "deploy")
	if err != nil {
		t.Fatalf("grant level: %v", err)
	}
	if !held || level != 7 {
		t.Fatalf("expected active level 7, got held=%v level=%d", held, level)
	}
}

func TestGrantChecksAgentAndSkillExist(t *testing.T) {
	reg, _ := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterAgent(ctx, "planner", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Grant(ctx, "planner", "ghost-skill", 1); !errors.Is(err, registry.ErrUnknownSkill) {
		t.Fatalf("expected ErrUnknownSkill, got %v", err)
	}
	if err := reg.DeclareSkill(ctx, "deploy", 1, 9, ""); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := reg.Grant(ctx, "ghost-agent", "deploy", 1); !errors.Is(err, registry.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	reg, _ := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterAgent(ctx, "planner", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.DeclareSkill(ctx, "deploy", 1, 9, ""); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := reg.Grant(ctx, "planner", "deploy", 3); err != nil {
		t.Fatalf("grant: %v", err)
	}

	if err := reg.Revoke(ctx, "planner", "deploy"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := reg.CanUseSkill(ctx, "planner", "deploy"); ok {
		t.Fatal("expected no permission after revoke")
	}
	// Second revoke is a no-op.
	if err := reg.Revoke(ctx, "planner", "deploy"); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
}

func TestZeroLevelGrantPermitsZeroLevelSkill(t *testing.T) {
	reg, _ := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterAgent(ctx, "intern", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.DeclareSkill(ctx, "read-docs", 0, 9, ""); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := reg.Grant(ctx, "intern", "read-docs", 0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, _ := reg.CanUseSkill(ctx, "intern", "read-docs"); !ok {
		t.Fatal("expected level 0 grant to permit level 0 skill")
	}
}

func TestValidatePayloadAgainstSchema(t *testing.T) {
	reg, _ := openTestRegistry(t)
	ctx := context.Background()

	schema := `{
		"type": "object",
		"required": ["doc"],
		"properties": {
			"doc": {"type": "string", "minLength": 1}
		}
	}`
	if err := reg.DeclareSkill(ctx, "summarize", 1, 9, schema); err != nil {
		t.Fatalf("declare: %v", err)
	}

	if err := reg.ValidatePayload(ctx, "summarize", `{"doc": "quarterly report"}`); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}

	err := reg.ValidatePayload(ctx, "summarize", `{"doc": 42}`)
	var violation *registry.SchemaViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected SchemaViolationError, got %v", err)
	}

	if err := reg.ValidatePayload(ctx, "summarize", `not json`); err == nil {
		t.Fatal("expected error for malformed JSON payload")
	}
}

func TestValidatePayloadSkillWithoutSchemaAcceptsAnything(t *testing.T) {
	reg, _ := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.DeclareSkill(ctx, "freeform", 1, 9, ""); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := reg.ValidatePayload(ctx, "freeform", `{"anything": [1, 2, 3]}`); err != nil {
		t.Fatalf("expected schemaless skill to accept payload, got %v", err)
	}
}

func TestGrantsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "skillbus.db")

	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reg := registry.New(store, nil, slog.Default())
	if err := reg.RegisterAgent(ctx, "planner", "Planner"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.DeclareSkill(ctx, "deploy", 7, 9, ""); err != nil {
		t.Fatalf("declare deploy: %v", err)
	}
	if err := reg.DeclareSkill(ctx, "summarize", 1, 9, ""); err != nil {
		t.Fatalf("declare summarize: %v", err)
	}
	if err := reg.Grant(ctx, "planner", "deploy", 7); err != nil {
		t.Fatalf("grant deploy: %v", err)
	}
	if err := reg.Grant(ctx, "planner", "summarize", 1); err != nil {
		t.Fatalf("grant summarize: %v", err)
	}
	if err := reg.Revoke(ctx, "planner", "summarize"); err != nil {
		t.Fatalf("revoke summarize: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// A fresh process over the same file sees the same grant state.
	reopened, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	reg = registry.New(reopened, nil, slog.Default())

	if ok, err := reg.CanUseSkill(ctx, "planner", "deploy"); err != nil || !ok {
		t.Fatalf("expected deploy grant to survive reopen, got ok=%v err=%v", ok, err)
	}
	if ok, err := reg.CanUseSkill(ctx, "planner", "summarize"); err != nil || ok {
		t.Fatalf("expected summarize revoke to survive reopen, got ok=%v err=%v", ok, err)
	}
	level, held, err := reg.GrantLevel(ctx, "planner", "deploy")
	if err != nil || !held || level != 7 {
		t.Fatalf("expected active level 7 after reopen, got held=%v level=%d err=%v", held, level, err)
	}
	if err := reg.RegisterAgent(ctx, "planner", "Planner"); !errors.Is(err, registry.ErrDuplicateAgent) {
		t.Fatalf("expected agent row to survive reopen, got %v", err)
	}
}

func TestMutationsLandInAuditTrail(t *testing.T) {
	reg, trail := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterAgent(ctx, "planner", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.DeclareSkill(ctx, "deploy", 1, 9, ""); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := reg.Grant(ctx, "planner", "deploy", 2); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := reg.Revoke(ctx, "planner", "deploy"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	records, err := trail.Export(ctx, 0, 20)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	actions := make(map[string]bool)
	for _, rec := range records {
		actions[rec.Action] = true
	}
	for _, want := range []string{"agent.register", "skill.declare", "grant.issue", "grant.revoke"} {
		if !actions[want] {
			t.Fatalf("expected audit action %q, have %v", want, actions)
		}
	}
}
