//go:build sqlite

// This build of cmd/replicator swaps the Postgres backend for SQLite, the
// in-memory/test variant spec.md §1 calls for ("an in-memory variant for tests").
// Build with `go build -tags sqlite`.
package main

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/authz"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/store"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/config"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/telemetry"
)

func main() {
	log := telemetry.NewDefaultLogger(os.Stdout, "factgraph-replicator")
	ctx := context.Background()

	root := os.Getenv("REPLICATOR_CONFIG_ROOT")
	if root == "" {
		root = "."
	}
	cfg, _, err := config.LoadStoreConfig(ctx, root, config.Options{
		Env:    os.Getenv("REPLICATOR_ENV"),
		Schema: envOr("REPLICATOR_SCHEMA", "factgraph"),
	})
	if err != nil {
		log.Error(ctx, "config load failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	dsn := envOr("REPLICATOR_SQLITE_PATH", ":memory:")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.Error(ctx, "db open failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // sqlite3 driver does not support concurrent writers

	st, err := store.NewPostgresStore(db, store.Options{
		Schema:  cfg.Schema,
		Dialect: store.DialectSQLite,
		Retry:   store.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay},
	})
	if err != nil {
		log.Error(ctx, "store init failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	keystore := authz.NewRelationalKeystore(db, cfg.Schema)
	run(ctx, log, st, keystore, cfg)
}
