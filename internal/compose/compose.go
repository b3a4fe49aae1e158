// Package compose reassembles the store's row sets into nested projection results
// (spec.md §4.3): field/hash/time/fact/composite projections, recursive child
// specifications, and fact hydration. Grounded on the sorted-merge dedup idiom in
// services/gateway/api/handlers/live_stream.go's seen/order loop, adapted here for
// the linear merge of sorted parent/child row sets by common fact_id prefix.
package compose

import (
	"fmt"
	"sort"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/store"
)

// MissingFactError reports a fact projection for which no record was loaded ahead
// of composition (spec.md §4.3 edge-case policy).
type MissingFactError struct {
	Label string
	Hash  string
}

func (e *MissingFactError) Error() string {
	return fmt.Sprintf("compose: missing fact record for label %q (hash %s)", e.Label, e.Hash)
}

// Identifier is the stable per-row identity: the ordered fact_id tuple across every
// label in the row, used both to dedupe and to align parent/child rows during the
// merge.
type Identifier string

func identifierFor(row store.ResultRow, labels []string) Identifier {
	id := ""
	for _, l := range labels {
		id += fmt.Sprintf("%d|", row[l].FactID)
	}
	return Identifier(id)
}

// FactLoader hydrates full fact records for `fact` projections. internal/compose
// never fetches records itself; the caller (the HTTP adapter) supplies them through
// this function, per spec.md §4.3.
type FactLoader func(label string) (store.FactRow, bool)

// Composer runs one level of composition (spec.md §4.3's "For each child composer,
// run its own composition...").
type Composer struct {
	Projection compiler.Projection
	Labels     []string // the label order identifierFor uses for this level
	ChildQuery func(parentRow store.ResultRow) ([]store.ResultRow, error) // executes a child specification's SQL, scoped to the parent row's bindings
	Loader     FactLoader
}

// Compose projects each row, in order, according to c.Projection; nested
// specification components of a composite are filled by calling runChild for that row.
func Compose(rows []store.ResultRow, proj compiler.Projection, loader FactLoader, runChild func(label string, nested *compiler.Specification, parentRow store.ResultRow) ([]any, error)) ([]any, error) {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		v, err := projectRow(row, proj, loader, runChild)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func projectRow(row store.ResultRow, proj compiler.Projection, loader FactLoader, runChild func(label string, nested *compiler.Specification, parentRow store.ResultRow) ([]any, error)) (any, error) {
	switch proj.Kind {
	case compiler.ProjectionField:
		cell, ok := row[proj.Label]
		if !ok {
			return nil, nil
		}
		return cell.Data.Fields[proj.FieldName], nil
	case compiler.ProjectionHash:
		return row[proj.Label].Hash, nil
	case compiler.ProjectionTime:
		return row[proj.Label].Data.IngestedAt, nil
	case compiler.ProjectionFact:
		cell, ok := row[proj.Label]
		if !ok {
			return nil, &MissingFactError{Label: proj.Label}
		}
		if loader == nil {
			return nil, &MissingFactError{Label: proj.Label, Hash: cell.Hash}
		}
		rec, ok := loader(proj.Label)
		if !ok {
			return nil, &MissingFactError{Label: proj.Label, Hash: cell.Hash}
		}
		return rec, nil
	case compiler.ProjectionComposite:
		if len(proj.ComponentOrder) == 0 && runChild == nil {
			return shallowFieldsByLabel(row), nil
		}
		result := make(map[string]any, len(proj.ComponentOrder))
		for _, name := range proj.ComponentOrder {
			comp := proj.Components[name]
			if comp.Kind == compiler.ProjectionSpecification {
				children, err := runChild(name, comp.Nested, row)
				if err != nil {
					return nil, err
				}
				if children == nil {
					children = []any{}
				}
				result[name] = children
				continue
			}
			v, err := projectRow(row, comp, loader, runChild)
			if err != nil {
				return nil, err
			}
			result[name] = v
		}
		return result, nil
	case compiler.ProjectionSpecification:
		// A bare specification projection at the top level behaves like a composite
		// with a single anonymous child; callers should wrap it before calling Compose.
		return nil, fmt.Errorf("compose: specification projection must be nested under a composite component")
	default:
		return nil, fmt.Errorf("compose: unknown projection kind %d", proj.Kind)
	}
}

func shallowFieldsByLabel(row store.ResultRow) map[string]any {
	out := make(map[string]any, len(row))
	for label, cell := range row {
		copyFields := make(map[string]any, len(cell.Data.Fields))
		for k, v := range cell.Data.Fields {
			copyFields[k] = v
		}
		out[label] = copyFields
	}
	return out
}

// MergeChildren performs the linear merge spec.md §4.3 describes: both parent and
// child row sets are sorted on the common-prefix fact_id tuple, so attaching a
// child's results to its parent is a single pass rather than a nested-loop join.
// parentLabels is the label set the parent rows were identified by; childLabels
// must begin with the same labels (the common prefix).
func MergeChildren(parentRows []store.ResultRow, parentLabels []string, childRows []store.ResultRow, childLabels []string) map[Identifier][]store.ResultRow {
	sort.SliceStable(childRows, func(i, j int) bool {
		return identifierFor(childRows[i], childLabels) < identifierFor(childRows[j], childLabels)
	})
	out := make(map[Identifier][]store.ResultRow)
	for _, child := range childRows {
		parentID := identifierFor(child, parentLabels)
		out[parentID] = append(out[parentID], child)
	}
	return out
}
