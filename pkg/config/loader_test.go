package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoad_BaseThenEnvThenEnvVarOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "replicator.yaml", "store:\n  backend: postgres\n  pool_max_open: 5\n")
	writeFile(t, dir, "env/staging/replicator.yaml", "store:\n  pool_max_open: 8\n")

	os.Setenv("REPLICATOR_STORE__POOL_MAX_OPEN", "12")
	defer os.Unsetenv("REPLICATOR_STORE__POOL_MAX_OPEN")

	l, err := NewLoader(dir, Options{Schema: "replicator", Env: "staging"})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	bundle, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	store, ok := bundle.Merged["store"].(map[string]any)
	if !ok {
		t.Fatalf("expected store object, got %T", bundle.Merged["store"])
	}
	n, ok := intAt(store, "pool_max_open")
	if !ok || n != 12 {
		t.Fatalf("expected env var override to win with 12, got %v (ok=%v)", store["pool_max_open"], ok)
	}
	if len(bundle.Docs) != 2 {
		t.Fatalf("expected 2 docs (base+env), got %d", len(bundle.Docs))
	}
}

func TestLoad_MissingOptionalEnvTierIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "replicator.yaml", "store:\n  backend: sqlite\n")

	l, err := NewLoader(dir, Options{Schema: "replicator", Env: "prod"})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	bundle, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(bundle.Docs) != 1 {
		t.Fatalf("expected 1 doc (base only), got %d", len(bundle.Docs))
	}
}

func TestSafeJoin_RejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLoader(dir, Options{Schema: "replicator"})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if _, _, err := l.safeJoin("../outside.yaml"); err != ErrPathEscape {
		t.Fatalf("expected ErrPathEscape, got %v", err)
	}
	if _, _, err := l.safeJoin("/etc/passwd"); err != ErrPathEscape {
		t.Fatalf("expected ErrPathEscape for absolute path, got %v", err)
	}
}

func TestCanonicalJSON_SortsKeysAndIsBounded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "replicator.yaml", "zeta: 1\nalpha: 2\n")
	l, err := NewLoader(dir, Options{Schema: "replicator"})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	bundle, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, err := bundle.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	got := string(b)
	want := `{"alpha":2,"zeta":1}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLoadStoreConfig_DefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "replicator.yaml", "store:\n  backend: postgres\n  dsn: \"postgres://x\"\n  idle_timeout_ms: 15000\nfeed:\n  page_size: 250\n")

	cfg, _, err := LoadStoreConfig(context.Background(), dir, Options{Schema: "replicator"})
	if err != nil {
		t.Fatalf("LoadStoreConfig: %v", err)
	}
	if cfg.FeedPageSize != 250 {
		t.Fatalf("expected feed page size 250, got %d", cfg.FeedPageSize)
	}
	if cfg.PoolIdleTimeout.Milliseconds() != 15000 {
		t.Fatalf("expected idle timeout 15000ms, got %v", cfg.PoolIdleTimeout)
	}
	if cfg.RetryMaxAttempts != 4 {
		t.Fatalf("expected default retry attempts 4, got %d", cfg.RetryMaxAttempts)
	}
}

func TestStoreConfig_Validate_RejectsBadSchemaName(t *testing.T) {
	cfg := DefaultStoreConfig("Not-Valid!")
	cfg.DSN = "postgres://x"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for invalid schema name")
	}
}
