package httpapi

import (
	"context"
	"fmt"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compose"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/store"
)

// typeRoleMap adapts store.TypeMap to compiler.TypeRoleMap.
type typeRoleMap struct{ store.TypeMap }

// Executor drives a compiled specification end to end: compile, execute Result
// SQL, recursively run child specifications, and compose the nested projection
// tree (spec.md §4.3). One Executor instance is reused across requests; it carries
// no per-request state.
type Executor struct {
	Store store.Store
}

func NewExecutor(st store.Store) *Executor {
	return &Executor{Store: st}
}

// Run compiles and executes spec against given (label name -> fact_id), returning
// one composed result per matching row.
func (ex *Executor) Run(ctx context.Context, spec compiler.Specification, given map[string]int64) ([]any, error) {
	qd, err := compiler.Compile(spec, typeRoleMap{ex.Store.TypeMap()})
	if err != nil {
		return nil, fmt.Errorf("httpapi: compiling specification: %w", err)
	}
	if qd.IsUnsatisfiable() {
		return []any{}, nil
	}
	rows, err := ex.Store.ExecuteResult(ctx, qd, given)
	if err != nil {
		return nil, fmt.Errorf("httpapi: executing specification: %w", err)
	}

	results := make([]any, 0, len(rows))
	for _, row := range rows {
		loader := ex.loaderFor(row)
		runChild := ex.childRunner(ctx)
		one, err := compose.Compose([]store.ResultRow{row}, spec.Projection, loader, runChild)
		if err != nil {
			return nil, err
		}
		results = append(results, one...)
	}
	return results, nil
}

func (ex *Executor) loaderFor(row store.ResultRow) compose.FactLoader {
	return func(label string) (store.FactRow, bool) {
		cell, ok := row[label]
		if !ok {
			return store.FactRow{}, false
		}
		return cell.Data, true
	}
}

func (ex *Executor) childRunner(ctx context.Context) func(label string, nested *compiler.Specification, parentRow store.ResultRow) ([]any, error) {
	return func(_ string, nested *compiler.Specification, parentRow store.ResultRow) ([]any, error) {
		childGiven := map[string]int64{}
		for _, g := range nested.Given {
			if cell, ok := parentRow[g.Name]; ok {
				childGiven[g.Name] = cell.FactID
			}
		}
		return ex.Run(ctx, *nested, childGiven)
	}
}
