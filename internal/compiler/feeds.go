package compiler

import "github.com/Ap3pp3rs94/factgraph-replicator/internal/query"

// FeedFragment is one piece of buildFeeds' split: a QueryDescription containing at
// most one negative existential nested one level deep, plus the projection labels it
// is responsible for. The union of every fragment's outputs reproduces the original
// result set (spec.md §4.2).
type FeedFragment struct {
	QueryDescription query.QueryDescription
	Labels           []string
}

// BuildFeeds splits spec's compiled matches into feed fragments such that each
// fragment contains at most one negative existential nested one level deep. A
// specification with zero or one top-level negative existentials compiles to a
// single fragment; each additional top-level negative existential starts a new
// fragment sharing the same path conditions but carrying only that one negative
// branch (plus any positive branches, which are always safe to keep together since
// they don't change cardinality the way a dangling NOT EXISTS can across feed
// dedup windows).
func BuildFeeds(spec Specification, typeMap TypeRoleMap) ([]FeedFragment, error) {
	negativeCount := 0
	for _, m := range spec.Matches {
		for _, c := range m.Conditions {
			if c.Existential != nil && !c.Existential.Exists {
				negativeCount++
			}
		}
	}

	if negativeCount <= 1 {
		qd, err := Compile(spec, typeMap)
		if err != nil {
			return nil, err
		}
		if qd.IsUnsatisfiable() {
			return nil, nil
		}
		return []FeedFragment{{QueryDescription: qd, Labels: outputLabels(qd)}}, nil
	}

	var fragments []FeedFragment
	seenNegative := 0
	for mi, m := range spec.Matches {
		hasNegative := false
		for _, c := range m.Conditions {
			if c.Existential != nil && !c.Existential.Exists {
				hasNegative = true
			}
		}
		if !hasNegative {
			continue
		}
		seenNegative++
		fragmentSpec := Specification{
			Given:      spec.Given,
			Projection: spec.Projection,
		}
		for j, other := range spec.Matches {
			if j == mi {
				fragmentSpec.Matches = append(fragmentSpec.Matches, stripOtherNegatives(other))
				continue
			}
			fragmentSpec.Matches = append(fragmentSpec.Matches, stripAllNegatives(other))
		}
		qd, err := Compile(fragmentSpec, typeMap)
		if err != nil {
			return nil, err
		}
		if qd.IsUnsatisfiable() {
			continue
		}
		fragments = append(fragments, FeedFragment{QueryDescription: qd, Labels: outputLabels(qd)})
	}
	if seenNegative == 0 {
		qd, err := Compile(spec, typeMap)
		if err != nil {
			return nil, err
		}
		if qd.IsUnsatisfiable() {
			return nil, nil
		}
		fragments = append(fragments, FeedFragment{QueryDescription: qd, Labels: outputLabels(qd)})
	}
	return fragments, nil
}

func stripAllNegatives(m Match) Match {
	out := Match{Unknown: m.Unknown}
	for _, c := range m.Conditions {
		if c.Existential != nil && !c.Existential.Exists {
			continue
		}
		out.Conditions = append(out.Conditions, c)
	}
	return out
}

func stripOtherNegatives(m Match) Match {
	out := Match{Unknown: m.Unknown}
	keptOneNegative := false
	for _, c := range m.Conditions {
		if c.Existential != nil && !c.Existential.Exists {
			if keptOneNegative {
				continue
			}
			keptOneNegative = true
		}
		out.Conditions = append(out.Conditions, c)
	}
	return out
}

func outputLabels(qd query.QueryDescription) []string {
	var labels []string
	for _, o := range qd.Outputs() {
		labels = append(labels, o.Label)
	}
	return labels
}
