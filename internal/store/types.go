// Package store implements the relational store of spec.md §4.2/§6.2: idempotent
// persistence of facts/edges/ancestors/signatures, process-wide type/role/public-key
// interning, and both a Postgres-backed implementation and an in-memory variant for
// tests. Grounded on services/storage/internal/relational/postgres_store.go's
// Options{Clock}/validateTableName/ON-CONFLICT-idempotent-upsert idiom.
package store

import (
	"context"
	"time"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/query"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

// FactRow is the relational form of a stored fact: everything needed to hydrate a
// canonical.Fact plus its server-assigned identity and ingestion timestamp.
type FactRow struct {
	FactID       int64
	Type         string
	Hash         string
	Fields       map[string]any
	Predecessors map[string]canonical.PredecessorValue
	IngestedAt   time.Time
}

func (r FactRow) Reference() canonical.FactReference {
	return canonical.FactReference{Type: r.Type, Hash: r.Hash}
}

func (r FactRow) Fact() canonical.Fact {
	return canonical.Fact{Type: r.Type, Fields: r.Fields, Predecessors: r.Predecessors}
}

// RowCell is one labeled fact's projection of hash/fact_id/data within a Result SQL
// row, per spec.md §4.3.
type RowCell struct {
	Hash   string
	FactID int64
	Data   FactRow
}

// ResultRow maps a label name to its cell, for one row of Result SQL output.
type ResultRow map[string]RowCell

// FeedTuple is one row of Feed SQL output: the hash for every output label plus the
// encoded bookmark for that row.
type FeedTuple struct {
	Hashes   map[string]string
	Bookmark string
}

// SaveOutcome reports which facts in a batch were newly inserted (for idempotence:
// spec.md §8 "saving twice returns the second result as empty").
type SaveOutcome struct {
	Inserted []canonical.FactReference
	Existing []canonical.FactReference
}

// Store is the relational store's contract. Both PostgresStore and MemStore satisfy
// it; internal/query's QueryDescription is the shared query currency between
// them, letting internal/compose, internal/feed, and internal/purge stay backend
// agnostic.
type Store interface {
	// Save inserts an envelope batch transactionally: type/role allocation, fact
	// insert, edge insert, ancestor-closure insert, signature insert, in that order
	// (spec.md §5). Reinsertion is a no-op (invariant 2); unique-violations on any
	// of those inserts are swallowed as ConflictBenign.
	Save(ctx context.Context, envelopes []canonical.Envelope) (SaveOutcome, error)

	// FactID resolves a FactReference to its server-assigned fact_id, if present.
	FactID(ctx context.Context, ref canonical.FactReference) (int64, bool, error)

	// FactsOfType returns every live fact_id of the given type, ascending. Used by
	// internal/purge's after-the-fact mode to enumerate purge roots without requiring a
	// caller-supplied starting reference, and by the HTTP /health store probe.
	FactsOfType(ctx context.Context, factType string) ([]int64, error)

	// FactRecord hydrates a single fact row by reference.
	FactRecord(ctx context.Context, ref canonical.FactReference) (FactRow, bool, error)

	// TypeMap exposes the interned type/role map the compiler needs for
	// satisfiability checks.
	TypeMap() TypeMap

	// ExecuteResult runs a compiled Result-SQL query and returns the row set.
	ExecuteResult(ctx context.Context, qd query.QueryDescription, givenFactIDs map[string]int64) ([]ResultRow, error)

	// ExecuteFeed runs a compiled Feed-SQL query with bookmark pagination.
	ExecuteFeed(ctx context.Context, qd query.QueryDescription, givenFactIDs map[string]int64, bookmark string, limit int) ([]FeedTuple, error)

	// Ancestors returns the transitive predecessor closure of factID (the ancestor
	// table's materialized view, spec.md §3.2 invariant 3).
	Ancestors(ctx context.Context, factID int64) (map[int64]bool, error)

	// Descendants returns every fact_id whose ancestor set contains root -- the
	// candidate set for internal/purge.
	Descendants(ctx context.Context, root int64) ([]int64, error)

	// DeleteFacts removes facts (and, by FK cascade, their edges/ancestors/signatures).
	DeleteFacts(ctx context.Context, factIDs []int64) error
}

// TypeMap is the process-wide, append-only type/role interning map spec.md §3.2
// invariant 4 and §5 describe: ids assigned once, cached, merged on successful
// commit; a stale miss triggers a backing lookup rather than returning false forever.
type TypeMap interface {
	TypeID(name string) (int, bool)
	RoleID(definingTypeID int, name string) (int, bool)
}
