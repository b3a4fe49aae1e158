package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/authz"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/feed"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/httpapi"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/purge"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/store"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/config"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/telemetry"
)

const defaultPort = "8090"

// run wires every §4 engine around st and blocks serving HTTP. Shared by both the
// Postgres entrypoint (main.go) and the sqlite-tagged one (sqlite.go).
func run(ctx context.Context, log *telemetry.Logger, st store.Store, keystore authz.Keystore, cfg config.StoreConfig) {
	authzEngine := authz.NewEngine(nil)
	distEngine := authz.NewDistributionEngine(nil)
	distCache := authz.NewDistributedFactCache(cfg.DistributedCacheTTL, cfg.DistributedCacheMaxEntry)

	feedEngine := feed.NewEngine(st, cfg.FeedPageSize)
	feedEngine.Dedup = distCache

	purgeEngine := purge.NewEngine(st, nil)

	srv := httpapi.NewServer(st, authzEngine, distEngine, distCache, keystore, feedEngine, purgeEngine, log)
	srv.Notifier = feed.NewNotifier()
	srv.Schema = cfg.Schema

	addr := ":" + envOr("REPLICATOR_PORT", defaultPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info(ctx, "starting", map[string]any{"addr": addr, "schema": cfg.Schema, "backend": cfg.Backend})
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(ctx, "listen failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
