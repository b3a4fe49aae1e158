package canonical

import (
	"fmt"
	"sort"
)

// MissingPredecessorError reports that a fact in a batch references a predecessor that
// is present neither elsewhere in the batch nor in the backing store.
type MissingPredecessorError struct {
	Fact    FactReference
	Role    string
	Missing FactReference
}

func (e *MissingPredecessorError) Error() string {
	return fmt.Sprintf("canonical: fact %s missing predecessor %s (role %q)", e.Fact, e.Missing, e.Role)
}

// TopologicalSort reorders a batch so that every predecessor precedes its successor.
// know reports whether a reference not present in the batch is already durable (in the
// store from a prior save); it is never consulted for references that are in the batch.
// A predecessor absent from both the batch and know fails with MissingPredecessorError.
func TopologicalSort(facts []Fact, know func(FactReference) bool) ([]Fact, error) {
	byRef := make(map[FactReference]Fact, len(facts))
	order := make([]FactReference, 0, len(facts))
	for _, f := range facts {
		ref, err := f.Reference()
		if err != nil {
			return nil, err
		}
		if _, dup := byRef[ref]; dup {
			continue
		}
		byRef[ref] = f
		order = append(order, ref)
	}
	sort.Slice(order, func(i, j int) bool { return CompareReferences(order[i], order[j]) < 0 })

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[FactReference]int, len(byRef))
	out := make([]Fact, 0, len(byRef))

	var visit func(FactReference) error
	visit = func(ref FactReference) error {
		switch state[ref] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("canonical: predecessor cycle detected at %s", ref)
		}
		state[ref] = visiting
		f := byRef[ref]

		roles := make([]string, 0, len(f.Predecessors))
		for role := range f.Predecessors {
			roles = append(roles, role)
		}
		sort.Strings(roles)

		for _, role := range roles {
			for _, pred := range f.Predecessors[role].References() {
				if _, inBatch := byRef[pred]; inBatch {
					if err := visit(pred); err != nil {
						return err
					}
					continue
				}
				if know != nil && know(pred) {
					continue
				}
				return &MissingPredecessorError{Fact: ref, Role: role, Missing: pred}
			}
		}

		state[ref] = done
		out = append(out, f)
		return nil
	}

	for _, ref := range order {
		if err := visit(ref); err != nil {
			return nil, err
		}
	}
	return out, nil
}
