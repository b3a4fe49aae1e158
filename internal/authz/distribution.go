package authz

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

// DistributionRule is one "user U may receive feed F if specification S(U) is
// satisfied" rule, keyed by the feed-root fact type (spec.md §4.6). Spec's given
// is [{Name:"root", Type:FactType}, {Name:"user", Type:"Jinaga.User"}]; it is
// satisfied iff the user is reachable from the root via the compiled path/
// existential conditions.
type DistributionRule struct {
	FactType string
	Spec     compiler.Specification
}

// ErrForbidden is spec.md §4.6/§7's Forbidden taxonomy entry: surfaced as HTTP 403,
// not logged as an error.
type ErrForbidden struct{ Reason string }

func (e *ErrForbidden) Error() string { return "authz: forbidden: " + e.Reason }

// DistributionEngine evaluates DistributionRules for every feed root a read/feed
// touches.
type DistributionEngine struct {
	rules map[string][]DistributionRule
}

func NewDistributionEngine(rules []DistributionRule) *DistributionEngine {
	e := &DistributionEngine{rules: make(map[string][]DistributionRule)}
	for _, r := range rules {
		e.rules[r.FactType] = append(e.rules[r.FactType], r)
	}
	return e
}

// CanDistributeTo reports whether userRef may receive facts rooted at rootRef
// (already resolved to rootFactID). With no configured rule for rootType, the
// default is permissive ("no distribution rule configured" is not the same as "no
// one may read"; spec.md leaves unconfigured types to any() authorization's
// implicit visibility) -- callers that want deny-by-default should configure an
// explicit rule.
func (e *DistributionEngine) CanDistributeTo(ctx context.Context, rootType string, rootFactID int64, userRef canonical.FactReference, st GraphQuerier) (bool, error) {
	rules := e.rules[rootType]
	if len(rules) == 0 {
		return true, nil
	}
	for _, r := range rules {
		qd, err := compiler.Compile(r.Spec, compilerTypeMap{st.TypeMap()})
		if err != nil {
			return false, fmt.Errorf("authz: compiling distribution rule for %q: %w", rootType, err)
		}
		if qd.IsUnsatisfiable() {
			continue
		}
		given := map[string]int64{}
		if len(r.Spec.Given) > 0 {
			given[r.Spec.Given[0].Name] = rootFactID
		}
		rows, err := st.ExecuteResult(ctx, qd, given)
		if err != nil {
			return false, fmt.Errorf("authz: evaluating distribution rule for %q: %w", rootType, err)
		}
		for _, row := range rows {
			if cell, ok := row["user"]; ok && cell.Hash == userRef.Hash {
				return true, nil
			}
		}
	}
	return false, nil
}

// CanDistributeToAll checks every (rootType, rootFactID) pair a set of feed
// fragments touches; the first denial short-circuits with its reason (spec.md
// §4.6: "a failure surfaces as Forbidden(reason)").
func (e *DistributionEngine) CanDistributeToAll(ctx context.Context, roots map[string]int64, userRef canonical.FactReference, st GraphQuerier) error {
	for rootType, factID := range roots {
		ok, err := e.CanDistributeTo(ctx, rootType, factID, userRef, st)
		if err != nil {
			return err
		}
		if !ok {
			return &ErrForbidden{Reason: fmt.Sprintf("user is not permitted to receive feeds rooted at %q", rootType)}
		}
	}
	return nil
}

// distributionCacheEntry is one admitted (references, user) observation.
type distributionCacheEntry struct {
	key     string
	expires time.Time
	elem    *list.Element
}

// DistributedFactCache is the short-lived cache spec.md §4.6 describes: a 5-minute
// TTL, keyed by (references, userRef), consulted by `load` instead of re-deriving
// feeds. DESIGN.md's Open Question decision: size-bound it in addition to the TTL
// (the source filters by time only); capacity eviction here drops the
// least-recently-observed entry, the same "every unbounded cache gets a cap" house
// style pkg/telemetry and pkg/profiles apply elsewhere in this tree.
type DistributedFactCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time

	entries map[string]*distributionCacheEntry
	order   *list.List // front = most recently observed
}

func NewDistributedFactCache(ttl time.Duration, capacity int) *DistributedFactCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if capacity <= 0 {
		capacity = 100_000
	}
	return &DistributedFactCache{
		ttl:      ttl,
		capacity: capacity,
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]*distributionCacheEntry),
		order:    list.New(),
	}
}

func cacheKey(ref canonical.FactReference, userRef canonical.FactReference) string {
	return userRef.String() + "|" + ref.String()
}

// Observe records that every reference in refs was distributed to userRef, per
// internal/feed's DedupSink contract.
func (c *DistributedFactCache) Observe(refs []canonical.FactReference, userRef canonical.FactReference) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := c.now().Add(c.ttl)
	for _, ref := range refs {
		key := cacheKey(ref, userRef)
		if existing, ok := c.entries[key]; ok {
			existing.expires = expires
			c.order.MoveToFront(existing.elem)
			continue
		}
		entry := &distributionCacheEntry{key: key, expires: expires}
		entry.elem = c.order.PushFront(entry)
		c.entries[key] = entry
		c.evictIfNeeded()
	}
}

func (c *DistributedFactCache) evictIfNeeded() {
	for len(c.entries) > c.capacity {
		back := c.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*distributionCacheEntry)
		c.order.Remove(back)
		delete(c.entries, entry.key)
	}
}

// Allowed reports whether ref was distributed to userRef within the TTL window.
func (c *DistributedFactCache) Allowed(ref canonical.FactReference, userRef canonical.FactReference) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(ref, userRef)
	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(entry.expires) {
		c.order.Remove(entry.elem)
		delete(c.entries, key)
		return false
	}
	return true
}
