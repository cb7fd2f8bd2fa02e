package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/skillbus/internal/config"
)

func TestWatcher_DetectsRubricChange(t *testing.T) {
	homeDir := t.TempDir()

	rubricPath := filepath.Join(homeDir, "rubric.yaml")
	if err := os.WriteFile(rubricPath, []byte("severities: {}\n"), 0o644); err != nil {
		t.Fatalf("write initial rubric: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher produces an event; filesystem
	// notification readiness varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(rubricPath, []byte("severities:\n  style: WARNING\n"), 0o644); err != nil {
		t.Fatalf("write updated rubric: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "rubric.yaml" {
				t.Fatalf("expected rubric.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(rubricPath, []byte("severities:\n  style: WARNING\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for rubric.yaml change event")
		}
	}
}
