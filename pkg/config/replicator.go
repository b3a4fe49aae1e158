package config

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// reSchemaName matches spec.md §6.2's schema-name constraint.
var reSchemaName = regexp.MustCompile(`^[a-z_][a-z0-9_$]*$`)

// StoreConfig is the replicator's typed view over the merged config bundle.
type StoreConfig struct {
	Schema string `json:"schema"`

	Backend string `json:"backend"` // "postgres" | "sqlite"
	DSN     string `json:"dsn"`

	PoolMaxOpen     int           `json:"pool_max_open"`
	PoolIdleTimeout time.Duration `json:"pool_idle_timeout"`

	RetryMaxAttempts int           `json:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `json:"retry_base_delay"`

	FeedPageSize int `json:"feed_page_size"`

	DistributedCacheTTL      time.Duration `json:"distributed_cache_ttl"`
	DistributedCacheMaxEntry int           `json:"distributed_cache_max_entries"`
}

// DefaultStoreConfig returns the replicator's defaults, matching spec.md §5 and §7:
// idle timeout 30s (POSTGRES_IDLE_TIMEOUT_MILLIS default 30000), retry <=4 attempts at
// 10ms exponential backoff, distributed-fact cache TTL 5 minutes.
func DefaultStoreConfig(schema string) StoreConfig {
	return StoreConfig{
		Schema:                   schema,
		Backend:                  "postgres",
		PoolMaxOpen:              10,
		PoolIdleTimeout:          30 * time.Second,
		RetryMaxAttempts:         4,
		RetryBaseDelay:           10 * time.Millisecond,
		FeedPageSize:             100,
		DistributedCacheTTL:      5 * time.Minute,
		DistributedCacheMaxEntry: 100000,
	}
}

// LoadStoreConfig loads a Bundle from root and decodes it over DefaultStoreConfig(schema).
func LoadStoreConfig(ctx context.Context, root string, opts Options) (StoreConfig, *Bundle, error) {
	l, err := NewLoader(root, opts)
	if err != nil {
		return StoreConfig{}, nil, err
	}
	bundle, err := l.Load(ctx)
	if err != nil {
		return StoreConfig{}, nil, err
	}
	cfg := DefaultStoreConfig(opts.Schema)
	if err := decodeStoreConfig(bundle.Merged, &cfg); err != nil {
		return StoreConfig{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return StoreConfig{}, nil, err
	}
	return cfg, bundle, nil
}

func decodeStoreConfig(m map[string]any, cfg *StoreConfig) error {
	if m == nil {
		return nil
	}
	if v, ok := stringAt(m, "schema"); ok {
		cfg.Schema = v
	}
	if storeRaw, ok := m["store"]; ok {
		store, ok := storeRaw.(map[string]any)
		if !ok {
			return fmt.Errorf("config: \"store\" must be an object")
		}
		if v, ok := stringAt(store, "backend"); ok {
			cfg.Backend = v
		}
		if v, ok := stringAt(store, "dsn"); ok {
			cfg.DSN = v
		}
		if v, ok := intAt(store, "pool_max_open"); ok {
			cfg.PoolMaxOpen = v
		}
		if v, ok := durationMillisAt(store, "idle_timeout_ms"); ok {
			cfg.PoolIdleTimeout = v
		}
		if v, ok := intAt(store, "retry_max_attempts"); ok {
			cfg.RetryMaxAttempts = v
		}
		if v, ok := durationMillisAt(store, "retry_base_delay_ms"); ok {
			cfg.RetryBaseDelay = v
		}
	}
	if feedRaw, ok := m["feed"]; ok {
		feed, ok := feedRaw.(map[string]any)
		if !ok {
			return fmt.Errorf("config: \"feed\" must be an object")
		}
		if v, ok := intAt(feed, "page_size"); ok {
			cfg.FeedPageSize = v
		}
	}
	if distRaw, ok := m["distribution"]; ok {
		dist, ok := distRaw.(map[string]any)
		if !ok {
			return fmt.Errorf("config: \"distribution\" must be an object")
		}
		if v, ok := durationMillisAt(dist, "cache_ttl_ms"); ok {
			cfg.DistributedCacheTTL = v
		}
		if v, ok := intAt(dist, "cache_max_entries"); ok {
			cfg.DistributedCacheMaxEntry = v
		}
	}
	return nil
}

// Validate enforces spec.md §6.2's schema-name constraint and basic sanity bounds.
func (c StoreConfig) Validate() error {
	if !reSchemaName.MatchString(c.Schema) {
		return fmt.Errorf("config: invalid schema name %q", c.Schema)
	}
	switch c.Backend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported backend %q", c.Backend)
	}
	if c.Backend == "postgres" && c.DSN == "" {
		return fmt.Errorf("config: dsn required for backend %q", c.Backend)
	}
	if c.PoolMaxOpen <= 0 {
		return fmt.Errorf("config: pool_max_open must be positive")
	}
	if c.RetryMaxAttempts <= 0 || c.RetryMaxAttempts > 10 {
		return fmt.Errorf("config: retry_max_attempts out of range")
	}
	if c.FeedPageSize <= 0 {
		return fmt.Errorf("config: feed page_size must be positive")
	}
	if c.DistributedCacheMaxEntry <= 0 {
		return fmt.Errorf("config: distribution cache_max_entries must be positive")
	}
	return nil
}

func stringAt(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intAt(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case json.Number:
		n, err := strconv.ParseInt(x.String(), 10, 64)
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(n), true
	default:
		n, ok := numberLike(v)
		if !ok {
			return 0, false
		}
		return int(n), true
	}
}

func durationMillisAt(m map[string]any, key string) (time.Duration, bool) {
	n, ok := intAt(m, key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func numberLike(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}
