package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/query"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

// MissingDependencyError is returned when a save batch references a predecessor
// neither present elsewhere in the batch nor already durable in the store --
// spec.md §7's MissingDependency taxonomy entry, surfaced as HTTP 400.
type MissingDependencyError struct {
	Fact    canonical.FactReference
	Role    string
	Missing canonical.FactReference
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("store: %s missing predecessor %s (role %q)", e.Fact, e.Missing, e.Role)
}

// MemStore is the in-memory variant spec.md §1 calls for ("an in-memory variant for
// tests"). Unlike PostgresStore it does not execute the compiler's generated SQL
// text; it interprets the same query.QueryDescription directly via a small
// constraint-solving walk over its adjacency indexes. This keeps internal/compose,
// internal/feed, and internal/purge entirely backend-agnostic: they only ever see
// ResultRow/FeedTuple/ancestor sets, never SQL.
type MemStore struct {
	mu sync.RWMutex

	intern   *InternMap
	nextType int
	nextRole int
	nextKey  int

	facts    []FactRow // index 0 unused; FactID is 1-based
	byRef    map[canonical.FactReference]int64
	forward  map[int64]map[string][]int64 // successorID -> role -> []predecessorID, insertion order
	reverse  map[int64]map[string][]int64 // predecessorID -> role -> []successorID, insertion order
	ancestor map[int64]map[int64]bool
	sigs     map[int64][]canonical.Signature
	deleted  map[int64]bool

	clock func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		intern:   NewInternMap(),
		facts:    []FactRow{{}},
		byRef:    make(map[canonical.FactReference]int64),
		forward:  make(map[int64]map[string][]int64),
		reverse:  make(map[int64]map[string][]int64),
		ancestor: make(map[int64]map[int64]bool),
		sigs:     make(map[int64][]canonical.Signature),
		deleted:  make(map[int64]bool),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the ingestion-timestamp clock (tests only).
func (s *MemStore) SetClock(clock func() time.Time) { s.clock = clock }

func (s *MemStore) TypeMap() TypeMap { return s.intern }

func (s *MemStore) internType(name string) int {
	if id, ok := s.intern.TypeID(name); ok {
		return id
	}
	s.nextType++
	id := s.nextType
	s.intern.MergeType(name, id)
	return id
}

func (s *MemStore) internRole(definingTypeID int, name string) int {
	if id, ok := s.intern.RoleID(definingTypeID, name); ok {
		return id
	}
	s.nextRole++
	id := s.nextRole
	s.intern.MergeRole(definingTypeID, name, id)
	return id
}

func (s *MemStore) internPublicKey(pem string) int {
	if id, ok := s.intern.PublicKeyID(pem); ok {
		return id
	}
	s.nextKey++
	id := s.nextKey
	s.intern.MergePublicKey(pem, id)
	return id
}

// Save inserts envelopes in the order supplied; callers must pre-sort with
// canonical.TopologicalSort so predecessors land before successors. Reinsertion of
// an already-present (type,hash) is a no-op (invariant 2); its reference is reported
// under SaveOutcome.Existing.
func (s *MemStore) Save(_ context.Context, envelopes []canonical.Envelope) (SaveOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out SaveOutcome
	for _, env := range envelopes {
		ref, err := env.Fact.Reference()
		if err != nil {
			return SaveOutcome{}, fmt.Errorf("store: computing fact reference: %w", err)
		}

		if existingID, ok := s.byRef[ref]; ok {
			out.Existing = append(out.Existing, ref)
			s.sigs[existingID] = mergeSignatures(s.sigs[existingID], env.Signatures)
			continue
		}

		s.internType(env.Fact.Type)

		predIDs := make(map[string][]int64, len(env.Fact.Predecessors))
		roles := make([]string, 0, len(env.Fact.Predecessors))
		for role := range env.Fact.Predecessors {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			for _, pref := range env.Fact.Predecessors[role].References() {
				pid, ok := s.byRef[pref]
				if !ok {
					return SaveOutcome{}, &MissingDependencyError{Fact: ref, Role: role, Missing: pref}
				}
				predIDs[role] = append(predIDs[role], pid)
			}
		}

		id := int64(len(s.facts))
		s.facts = append(s.facts, FactRow{
			FactID:       id,
			Type:         env.Fact.Type,
			Hash:         ref.Hash,
			Fields:       env.Fact.Fields,
			Predecessors: env.Fact.Predecessors,
			IngestedAt:   s.clock(),
		})
		s.byRef[ref] = id
		s.sigs[id] = append([]canonical.Signature(nil), env.Signatures...)

		typeID := s.internType(env.Fact.Type)
		s.forward[id] = make(map[string][]int64)
		ancestors := make(map[int64]bool)
		for _, role := range roles {
			s.internRole(typeID, role)
			for _, pid := range predIDs[role] {
				s.forward[id][role] = append(s.forward[id][role], pid)
				if s.reverse[pid] == nil {
					s.reverse[pid] = make(map[string][]int64)
				}
				s.reverse[pid][role] = append(s.reverse[pid][role], id)
				ancestors[pid] = true
				for a := range s.ancestor[pid] {
					ancestors[a] = true
				}
			}
		}
		s.ancestor[id] = ancestors

		out.Inserted = append(out.Inserted, ref)
	}
	return out, nil
}

func mergeSignatures(existing []canonical.Signature, incoming []canonical.Signature) []canonical.Signature {
	seen := make(map[string]bool, len(existing))
	for _, sg := range existing {
		seen[sg.PublicKey] = true
	}
	out := existing
	for _, sg := range incoming {
		if seen[sg.PublicKey] {
			continue
		}
		seen[sg.PublicKey] = true
		out = append(out, sg)
	}
	return out
}

func (s *MemStore) FactID(_ context.Context, ref canonical.FactReference) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[ref]
	if !ok || s.deleted[id] {
		return 0, false, nil
	}
	return id, true, nil
}

func (s *MemStore) FactRecord(_ context.Context, ref canonical.FactReference) (FactRow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[ref]
	if !ok || s.deleted[id] {
		return FactRow{}, false, nil
	}
	return s.facts[id], true, nil
}

func (s *MemStore) Ancestors(_ context.Context, factID int64) (map[int64]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]bool, len(s.ancestor[factID]))
	for k := range s.ancestor[factID] {
		out[k] = true
	}
	return out, nil
}

// Descendants returns every live fact whose ancestor set contains root.
func (s *MemStore) Descendants(_ context.Context, root int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for id := 1; id < len(s.facts); id++ {
		fid := int64(id)
		if s.deleted[fid] {
			continue
		}
		if s.ancestor[fid][root] {
			out = append(out, fid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// FactsOfType returns every live fact_id whose type is factType, ascending.
func (s *MemStore) FactsOfType(_ context.Context, factType string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for id := 1; id < len(s.facts); id++ {
		fid := int64(id)
		if s.deleted[fid] {
			continue
		}
		if s.facts[id].Type == factType {
			out = append(out, fid)
		}
	}
	return out, nil
}

func (s *MemStore) DeleteFacts(_ context.Context, factIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range factIDs {
		s.deleted[id] = true
	}
	return nil
}

// binding maps a QueryDescription fact index to the live fact_id it has been
// resolved to within one candidate solution.
type binding map[int]int64

func (s *MemStore) ExecuteResult(_ context.Context, qd query.QueryDescription, givenFactIDs map[string]int64) ([]ResultRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if qd.IsUnsatisfiable() {
		return nil, nil
	}

	initial := binding{}
	for _, in := range qd.Inputs() {
		if factID, ok := givenFactIDs[in.Label]; ok {
			initial[in.FactIndex] = factID
		}
	}

	solutions := s.solveEdges(qd.Edges(), initial)
	solutions = s.filterExistentials(solutions, qd.ExistentialConditions())

	labeled := make(map[string]int)
	for _, in := range qd.Inputs() {
		labeled[in.Label] = in.FactIndex
	}
	for _, o := range qd.Outputs() {
		labeled[o.Label] = o.FactIndex
	}

	rows := make([]ResultRow, 0, len(solutions))
	for _, b := range solutions {
		row := make(ResultRow, len(labeled))
		ok := true
		for label, idx := range labeled {
			factID, bound := b[idx]
			if !bound {
				ok = false
				break
			}
			fr := s.facts[factID]
			row[label] = RowCell{Hash: fr.Hash, FactID: factID, Data: fr}
		}
		if ok {
			rows = append(rows, row)
		}
	}

	outputs := qd.Outputs()
	sort.Slice(rows, func(i, j int) bool {
		for _, o := range outputs {
			a, b := rows[i][o.Label].FactID, rows[j][o.Label].FactID
			if a != b {
				return a < b
			}
		}
		return false
	})
	return rows, nil
}

func (s *MemStore) ExecuteFeed(_ context.Context, qd query.QueryDescription, givenFactIDs map[string]int64, bookmark string, limit int) ([]FeedTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if qd.IsUnsatisfiable() {
		return nil, nil
	}

	initial := binding{}
	for _, in := range qd.Inputs() {
		if factID, ok := givenFactIDs[in.Label]; ok {
			initial[in.FactIndex] = factID
		}
	}

	solutions := s.solveEdges(qd.Edges(), initial)
	solutions = s.filterExistentials(solutions, qd.ExistentialConditions())

	outputs := qd.Outputs()
	type tupleWithKey struct {
		tuple FeedTuple
		ids   []int64
	}
	all := make([]tupleWithKey, 0, len(solutions))
	for _, b := range solutions {
		ids := make([]int64, len(outputs))
		hashes := make(map[string]string, len(outputs))
		ok := true
		for i, o := range outputs {
			factID, bound := b[o.FactIndex]
			if !bound {
				ok = false
				break
			}
			ids[i] = factID
			hashes[o.Label] = s.facts[factID].Hash
		}
		if !ok {
			continue
		}
		sorted := append([]int64(nil), ids...)
		sort.Sort(sort.Reverse(int64Slice(sorted)))
		all = append(all, tupleWithKey{tuple: FeedTuple{Hashes: hashes, Bookmark: EncodeBookmark(sorted)}, ids: sorted})
	}

	sort.Slice(all, func(i, j int) bool { return CompareBookmark(all[i].ids, all[j].ids) < 0 })

	var out []FeedTuple
	for _, t := range all {
		if bookmark != "" && CompareBookmarkStrings(t.tuple.Bookmark, bookmark) <= 0 {
			continue
		}
		out = append(out, t.tuple)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type int64Slice []int64

func (s int64Slice) Len() int           { return len(s) }
func (s int64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s int64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// EncodeBookmark renders a fact_id tuple (already sorted descending by the caller)
// as the opaque comma-joined decimal string spec.md §3.2 invariant 6 describes.
func EncodeBookmark(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// CompareBookmark compares two sorted-descending id tuples lexicographically.
func CompareBookmark(a, b []int64) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// CompareBookmarkStrings decodes two bookmark strings and compares them. An empty
// bookmark sorts before everything.
func CompareBookmarkStrings(a, b string) int {
	if a == b {
		return 0
	}
	if b == "" {
		return 1
	}
	if a == "" {
		return -1
	}
	return CompareBookmark(decodeBookmark(a), decodeBookmark(b))
}

func decodeBookmark(s string) []int64 {
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

// solveEdges performs a backtracking walk over edges starting from initial,
// returning every binding consistent with the adjacency indexes. Edges are
// resolved deterministically: whichever side (predecessor or successor) is already
// bound drives a lookup; if both sides are bound the edge is validated; if neither
// side is bound the edge is deferred and retried once other edges may have bound
// one side (a fixed number of passes bounds this, since the compiled IR never
// produces genuinely free-floating edges in practice).
func (s *MemStore) solveEdges(edges []query.EdgeDescription, initial binding) []binding {
	return s.solveEdgesPass(edges, []binding{cloneBinding(initial)}, 0)
}

func cloneBinding(b binding) binding {
	out := make(binding, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (s *MemStore) solveEdgesPass(edges []query.EdgeDescription, current []binding, deferCount int) []binding {
	if len(edges) == 0 {
		return current
	}
	if deferCount > len(edges)+1 {
		return nil // no progress possible; unresolvable edge set
	}

	e := edges[0]
	rest := edges[1:]

	var next []binding
	progressed := false
	for _, b := range current {
		succ, succBound := b[e.SuccessorFactIndex]
		pred, predBound := b[e.PredecessorFactIndex]

		switch {
		case succBound && predBound:
			if contains(s.forward[succ][e.RoleName], pred) {
				next = append(next, b)
			}
			progressed = true
		case succBound && !predBound:
			for _, p := range s.forward[succ][e.RoleName] {
				nb := cloneBinding(b)
				nb[e.PredecessorFactIndex] = p
				next = append(next, nb)
			}
			progressed = true
		case !succBound && predBound:
			for _, sc := range s.reverse[pred][e.RoleName] {
				nb := cloneBinding(b)
				nb[e.SuccessorFactIndex] = sc
				next = append(next, nb)
			}
			progressed = true
		default:
			// Neither side bound yet; defer this edge to the back of the queue.
			rest = append(rest, e)
			next = append(next, b)
		}
	}

	if !progressed {
		return s.solveEdgesPass(rest, next, deferCount+1)
	}
	return s.solveEdgesPass(rest, next, 0)
}

func contains(xs []int64, x int64) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (s *MemStore) filterExistentials(solutions []binding, conds []query.ExistentialCondition) []binding {
	if len(conds) == 0 {
		return solutions
	}
	out := make([]binding, 0, len(solutions))
	for _, b := range solutions {
		ok := true
		for _, ec := range conds {
			matched := s.existentialSatisfied(b, ec)
			if ec.Exists != matched {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, b)
		}
	}
	return out
}

func (s *MemStore) existentialSatisfied(outer binding, ec query.ExistentialCondition) bool {
	initial := cloneBinding(outer)
	for _, in := range ec.Inputs {
		if _, already := initial[in.FactIndex]; !already {
			// Branch inputs reference outer-bound labels by factIndex; if absent the
			// branch cannot be evaluated and is treated as unsatisfied.
			return false
		}
	}
	solutions := s.solveEdgesPass(ec.Edges, []binding{initial}, 0)
	solutions = s.filterExistentials(solutions, ec.ExistentialConditions)
	return len(solutions) > 0
}
