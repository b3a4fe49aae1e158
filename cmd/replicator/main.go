//go:build !sqlite

// Command replicator runs the fact-graph replicator's HTTP adapter over a
// Postgres-backed store (spec.md §6.2). Build with the sqlite tag
// (`go build -tags sqlite`) to swap in the in-memory/SQLite variant instead; see
// sqlite.go.
package main

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/lib/pq"

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

	dsn := envOr("REPLICATOR_DSN", cfg.DSN)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Error(ctx, "db open failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.PoolMaxOpen)
	db.SetConnMaxIdleTime(cfg.PoolIdleTimeout)

	st, err := store.NewPostgresStore(db, store.Options{
		Schema:  cfg.Schema,
		Dialect: store.DialectPostgres,
		Retry:   store.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay},
	})
	if err != nil {
		log.Error(ctx, "store init failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	keystore := authz.NewRelationalKeystore(db, cfg.Schema)
	run(ctx, log, st, keystore, cfg)
}

