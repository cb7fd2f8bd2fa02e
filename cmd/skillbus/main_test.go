package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/skillbus/internal/config"
)

func TestLoadAuthToken_EnvWins(t *testing.T) {
	t.Setenv("SKILLBUS_AUTH_TOKEN", "from-env")
	cfg := config.Config{HomeDir: t.TempDir(), AuthToken: "from-config"}

	tok, err := loadAuthToken(cfg)
	if err != nil {
		t.Fatalf("load auth token: %v", err)
	}
	if tok != "from-env" {
		t.Fatalf("token = %q, want from-env", tok)
	}
}

func TestLoadAuthToken_ConfigBeforeFile(t *testing.T) {
	t.Setenv("SKILLBUS_AUTH_TOKEN", "")
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	cfg := config.Config{HomeDir: home, AuthToken: "from-config"}

	tok, err := loadAuthToken(cfg)
	if err != nil {
		t.Fatalf("load auth token: %v", err)
	}
	if tok != "from-config" {
		t.Fatalf("token = %q, want from-config", tok)
	}
}

func TestLoadAuthToken_GeneratesAndPersists(t *testing.T) {
	t.Setenv("SKILLBUS_AUTH_TOKEN", "")
	home := t.TempDir()
	cfg := config.Config{HomeDir: home}

	tok, err := loadAuthToken(cfg)
	if err != nil {
		t.Fatalf("load auth token: %v", err)
	}
	if strings.TrimSpace(tok) == "" {
		t.Fatal("generated token is empty")
	}

	// Second call must read the persisted token back.
	again, err := loadAuthToken(cfg)
	if err != nil {
		t.Fatalf("reload auth token: %v", err)
	}
	if again != tok {
		t.Fatalf("token changed across calls: %q vs %q", tok, again)
	}
}
