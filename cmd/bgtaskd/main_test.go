package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/bgtaskd/internal/config"
)

func TestProcDirectory(t *testing.T) {
	p := procDirectory{}
	if !p.Alive(int32(os.Getpid())) {
		t.Fatal("own pid reported dead")
	}
	if p.Alive(0) || p.Alive(-5) {
		t.Fatal("non-positive pids must be dead")
	}
}

func TestEnsureAuthTokenPersists(t *testing.T) {
	home := t.TempDir()
	cfg := config.Config{HomeDir: home}

	tok, err := ensureAuthToken(cfg)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	if tok == "" {
		t.Fatal("empty token")
	}

	again, err := ensureAuthToken(cfg)
	if err != nil {
		t.Fatalf("reload token: %v", err)
	}
	if again != tok {
		t.Fatalf("token changed across runs: %q != %q", again, tok)
	}

	raw, err := os.ReadFile(filepath.Join(home, "gateway.token"))
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if strings.TrimSpace(string(raw)) != tok {
		t.Fatal("token file does not match returned token")
	}
}

func TestEnsureAuthTokenPrefersConfig(t *testing.T) {
	cfg := config.Config{HomeDir: t.TempDir(), AuthToken: "from-config"}
	tok, err := ensureAuthToken(cfg)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "from-config" {
		t.Fatalf("token = %q, want config value", tok)
	}
}
