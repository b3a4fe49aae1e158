// Package feed implements the feed engine of spec.md §4.4: content-addressed feed
// definitions, bookmark-paginated polling, and a short-lived push-notify side
// channel that nudges long-polling clients instead of making them busy-wait.
package feed

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/query"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/store"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

// Definition is the canonical, content-addressed form of one feed fragment.
// DESIGN.md's Open Question decision: the richer variant is canonical, so
// GivenHash is tracked alongside the compiled query.
type Definition struct {
	Labels      []string               `json:"labels"`
	GivenHash   map[string]string      `json:"given_hash"`
	QueryJSON   json.RawMessage        `json:"query"`
	qd          query.QueryDescription `json:"-"`
	givenByLabel map[string]string     `json:"-"`
}

// Hash returns the URL-safe base64 SHA-512 of the canonical feed object -- its
// feedHash, per spec.md §4.4.
func (d Definition) Hash() (string, error) {
	b, err := canonicalDefinitionBytes(d)
	if err != nil {
		return "", err
	}
	sum := sha512.Sum512(b)
	return base64.URLEncoding.EncodeToString(sum[:]), nil
}

func canonicalDefinitionBytes(d Definition) ([]byte, error) {
	labels := append([]string(nil), d.Labels...)
	sort.Strings(labels)
	given := make([]string, 0, len(d.GivenHash))
	for k := range d.GivenHash {
		given = append(given, k)
	}
	sort.Strings(given)
	doc := struct {
		Labels    []string          `json:"labels"`
		GivenHash map[string]string `json:"given_hash"`
		Query     json.RawMessage   `json:"query"`
	}{Labels: labels, GivenHash: d.GivenHash, Query: d.QueryJSON}
	return json.Marshal(doc)
}

// Poll is one page of tuples returned from a feed fragment, plus the bookmark the
// next poll should resume from.
type Poll struct {
	Tuples   []Tuple `json:"tuples"`
	Bookmark string  `json:"bookmark"`
}

// Tuple is one delivered row: the fact references for every output label, plus the
// bookmark identifying this specific row.
type Tuple struct {
	Facts    []canonical.FactReference `json:"facts"`
	Bookmark string                    `json:"bookmark"`
}

// Cache holds registered feed definitions, keyed by feedHash, plus the start
// references each was registered with.
type Cache struct {
	mu    sync.RWMutex
	defs  map[string]Definition
}

func NewCache() *Cache {
	return &Cache{defs: make(map[string]Definition)}
}

// DedupSink receives fact references observed across tuples so the distribution
// engine's short-lived cache (spec.md §4.6) can be populated without re-deriving
// feeds on the next load call.
type DedupSink interface {
	Observe(refs []canonical.FactReference, userRef canonical.FactReference)
}

// Engine runs registerFeeds/poll against a store.Store and typed compiler
// specifications.
type Engine struct {
	Store   store.Store
	Cache   *Cache
	PageSize int
	Dedup   DedupSink
}

func NewEngine(st store.Store, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Engine{Store: st, Cache: NewCache(), PageSize: pageSize}
}

// RegisterFeeds compiles spec into its feed fragments (internal/compiler.BuildFeeds),
// resolves start's hash for every given label, and stores each fragment's
// definition in the cache, returning the resulting feedHashes.
func (e *Engine) RegisterFeeds(ctx context.Context, spec compiler.Specification, start map[string]canonical.FactReference) ([]string, error) {
	fragments, err := compiler.BuildFeeds(spec, e.Store.TypeMap())
	if err != nil {
		return nil, fmt.Errorf("feed: compile: %w", err)
	}

	givenHash := make(map[string]string, len(start))
	for label, ref := range start {
		givenHash[label] = ref.Hash
	}

	var hashes []string
	for _, frag := range fragments {
		qdJSON, err := json.Marshal(struct {
			Inputs                []query.InputDescription     `json:"inputs"`
			Facts                 []query.FactDescription      `json:"facts"`
			Edges                 []query.EdgeDescription      `json:"edges"`
			Outputs               []query.OutputDescription    `json:"outputs"`
			ExistentialConditions []query.ExistentialCondition `json:"existentialConditions"`
		}{frag.QueryDescription.Inputs(), frag.QueryDescription.Facts(), frag.QueryDescription.Edges(),
			frag.QueryDescription.Outputs(), frag.QueryDescription.ExistentialConditions()})
		if err != nil {
			return nil, err
		}
		def := Definition{Labels: frag.Labels, GivenHash: givenHash, QueryJSON: qdJSON, qd: frag.QueryDescription, givenByLabel: givenHash}
		h, err := def.Hash()
		if err != nil {
			return nil, err
		}
		e.Cache.mu.Lock()
		e.Cache.defs[h] = def
		e.Cache.mu.Unlock()
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// ErrUnknownFeed is returned by Poll for a feedHash the cache has never seen
// (surfaced as HTTP 404 per spec.md §6.1).
type ErrUnknownFeed struct{ Hash string }

func (e *ErrUnknownFeed) Error() string { return fmt.Sprintf("feed: unknown feed hash %q", e.Hash) }

// Poll runs the feed's SQL against the store with the supplied bookmark. The last
// row's bookmark becomes the response's bookmark; with zero rows the input bookmark
// is echoed back unchanged (spec.md §4.4), so a client polling a feed that hasn't
// advanced doesn't think it regressed.
func (e *Engine) Poll(ctx context.Context, feedHash, bookmark string, userRef canonical.FactReference) (Poll, error) {
	e.Cache.mu.RLock()
	def, ok := e.Cache.defs[feedHash]
	e.Cache.mu.RUnlock()
	if !ok {
		return Poll{}, &ErrUnknownFeed{Hash: feedHash}
	}

	givenFactIDs := make(map[string]int64, len(def.givenByLabel))
	for label, hash := range def.givenByLabel {
		for _, in := range def.qd.Inputs() {
			if in.Label == label {
				factType := def.qd.FactType(in.FactIndex)
				id, found, err := e.Store.FactID(ctx, canonical.FactReference{Type: factType, Hash: hash})
				if err != nil {
					return Poll{}, err
				}
				if found {
					givenFactIDs[label] = id
				}
			}
		}
	}

	rows, err := e.Store.ExecuteFeed(ctx, def.qd, givenFactIDs, bookmark, e.PageSize)
	if err != nil {
		return Poll{}, err
	}

	resultBookmark := bookmark
	var tuples []Tuple
	var allRefs []canonical.FactReference
	for _, row := range rows {
		var refs []canonical.FactReference
		for _, label := range def.Labels {
			factType := def.qd.FactType(outputFactIndex(def.qd, label))
			refs = append(refs, canonical.FactReference{Type: factType, Hash: row.Hashes[label]})
		}
		tuples = append(tuples, Tuple{Facts: refs, Bookmark: row.Bookmark})
		allRefs = append(allRefs, refs...)
		resultBookmark = row.Bookmark
	}

	if e.Dedup != nil && len(allRefs) > 0 {
		e.Dedup.Observe(allRefs, userRef)
	}

	return Poll{Tuples: tuples, Bookmark: resultBookmark}, nil
}

func outputFactIndex(qd query.QueryDescription, label string) int {
	for _, o := range qd.Outputs() {
		if o.Label == label {
			return o.FactIndex
		}
	}
	return 0
}
