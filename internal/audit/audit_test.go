package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/skillbus/internal/persistence"
)

func openTestTrail(t *testing.T) (*Trail, string) {
	t.Helper()
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "skillbus.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	trail, err := New(store, nil, home)
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	t.Cleanup(func() {
		_ = trail.Close()
		_ = store.Close()
	})
	return trail, home
}

func TestSeverityOrdering(t *testing.T) {
	if !SeverityBlocker.AtLeast(SeverityCritical) {
		t.Fatal("expected BLOCKER >= CRITICAL")
	}
	if SeverityWarning.AtLeast(SeverityCritical) {
		t.Fatal("expected WARNING < CRITICAL")
	}
	for _, label := range []string{"INFO", "WARNING", "CRITICAL", "BLOCKER"} {
		sev, err := ParseSeverity(label)
		if err != nil {
			t.Fatalf("parse %s: %v", label, err)
		}
		if sev.String() != label {
			t.Fatalf("round trip %s got %s", label, sev)
		}
	}
	if _, err := ParseSeverity("SHOUTING"); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}

func TestAppendWritesStoreAndMirror(t *testing.T) {
	trail, home := openTestTrail(t)
	ctx := context.Background()

	id, err := trail.Append(ctx, Entry{
		Actor:    "planner",
		Action:   "request.create",
		Severity: SeverityInfo,
		Details:  "delegated summarize to executor",
		Outcome:  "success",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero audit ID")
	}

	records, err := trail.Export(ctx, 0, 10)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(records) != 1 || records[0].Action != "request.create" {
		t.Fatalf("expected one request.create record, got %+v", records)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &line); err != nil {
		t.Fatalf("unmarshal mirror line: %v", err)
	}
	if line["severity"] != "INFO" || line["actor"] != "planner" {
		t.Fatalf("unexpected mirror line: %#v", line)
	}
}

func TestAppendRedactsSecrets(t *testing.T) {
	trail, _ := openTestTrail(t)
	ctx := context.Background()

	if _, err := trail.Append(ctx, Entry{
		Actor:    "executor",
		Action:   "operation.attempt",
		Severity: SeverityWarning,
		Details:  `calling api with api_key="sk-abc123def456ghi789jkl"`,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := trail.Export(ctx, 0, 10)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if strings.Contains(records[0].Details, "sk-abc123def456ghi789jkl") {
		t.Fatalf("expected secret redacted, got %q", records[0].Details)
	}
}

func TestAppendOnlyOrdering(t *testing.T) {
	trail, home := openTestTrail(t)
	ctx := context.Background()

	var lastID int64
	for _, action := range []string{"request.create", "request.dispatch", "request.complete"} {
		id, err := trail.Append(ctx, Entry{Actor: "planner", Action: action, Severity: SeverityInfo})
		if err != nil {
			t.Fatalf("append %s: %v", action, err)
		}
		if id <= lastID {
			t.Fatalf("expected increasing IDs, got %d after %d", id, lastID)
		}
		lastID = id
	}

	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat mirror: %v", err)
	}
	if _, err := trail.Append(ctx, Entry{Actor: "planner", Action: "request.expire", Severity: SeverityInfo}); err != nil {
		t.Fatalf("append: %v", err)
	}
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat mirror after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected mirror to grow, size before=%d after=%d", info1.Size(), info2.Size())
	}
}

func TestBlockCountTracksCriticalEntries(t *testing.T) {
	trail, _ := openTestTrail(t)
	ctx := context.Background()

	for _, sev := range []Severity{SeverityInfo, SeverityCritical, SeverityBlocker} {
		if _, err := trail.Append(ctx, Entry{Actor: "bridge", Action: "gate", Severity: sev}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if got := trail.BlockCount(); got != 2 {
		t.Fatalf("expected block count 2, got %d", got)
	}
}
