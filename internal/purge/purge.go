// Package purge implements the purge engine of spec.md §4.5: retroactive cascade
// delete of a fact's descendants when a configured trigger specification is
// satisfied, while preserving trigger lineage. Grounded on
// services/audit/internal/ledger/hash_chain.go's "verify a derived set against a
// recomputation" technique -- VerifyChain walks links and compares; here the
// engine walks the ancestor table and compares against trigger-lineage sets.
package purge

import (
	"context"
	"fmt"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/store"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

// ErrConditionalPurgeCondition is spec.md §4.5's configuration-time rejection:
// "Purge conditions with existential sub-conditions are rejected at configuration
// time (condition cannot itself be conditional)."
type ErrConditionalPurgeCondition struct{ RootType string }

func (e *ErrConditionalPurgeCondition) Error() string {
	return fmt.Sprintf("purge: condition for root type %q may not contain existential sub-conditions", e.RootType)
}

// Condition is a purge condition: given is the purge root's fact type; Matches
// reach one or more trigger labels; Projection is composite over those labels
// (spec.md §4.5).
type Condition struct {
	RootType      string
	Spec          compiler.Specification
	TriggerLabels []string
}

// NewCondition validates spec per spec.md §4.5 and returns a Condition.
func NewCondition(rootType string, spec compiler.Specification) (Condition, error) {
	if containsExistential(spec.Matches) {
		return Condition{}, &ErrConditionalPurgeCondition{RootType: rootType}
	}
	ok, _ := spec.Projection.IsFlatComposite()
	if !ok && spec.Projection.Kind != compiler.ProjectionComposite {
		return Condition{}, fmt.Errorf("purge: condition for root type %q must project a composite of triggers", rootType)
	}
	labels := make([]string, 0, len(spec.Projection.ComponentOrder))
	for _, name := range spec.Projection.ComponentOrder {
		comp := spec.Projection.Components[name]
		if comp.Kind != compiler.ProjectionFact && comp.Kind != compiler.ProjectionHash {
			return Condition{}, fmt.Errorf("purge: trigger component %q must project fact or hash", name)
		}
		labels = append(labels, comp.Label)
	}
	return Condition{RootType: rootType, Spec: spec, TriggerLabels: labels}, nil
}

func containsExistential(matches []compiler.Match) bool {
	for _, m := range matches {
		for _, c := range m.Conditions {
			if c.Existential != nil {
				return true
			}
		}
	}
	return false
}

// Engine runs purge conditions against a store.Store.
type Engine struct {
	Store      store.Store
	conditions []Condition
}

func NewEngine(st store.Store, conditions []Condition) *Engine {
	return &Engine{Store: st, conditions: conditions}
}

// PurgeRoot is the real-time mode: evaluated whenever a trigger is written,
// processing only the immediate purge root (spec.md §4.5).
func (e *Engine) PurgeRoot(ctx context.Context, root canonical.FactReference) (int, error) {
	rootID, found, err := e.Store.FactID(ctx, root)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	total := 0
	for _, cond := range e.conditions {
		if cond.RootType != root.Type {
			continue
		}
		n, err := e.applyCondition(ctx, cond, rootID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Purge is the after-the-fact mode: scans all current triggers and processes every
// affected root in a single logical pass (spec.md §4.5). Each root's deletion is
// still one DeleteFacts call per condition; callers needing single-transaction
// semantics across roots should wrap Purge in their own store-level transaction
// (the relational store's DeleteFacts is itself transactional per root/condition).
func (e *Engine) Purge(ctx context.Context) (int, error) {
	total := 0
	for _, cond := range e.conditions {
		roots, err := e.Store.FactsOfType(ctx, cond.RootType)
		if err != nil {
			return total, err
		}
		for _, rootID := range roots {
			n, err := e.applyCondition(ctx, cond, rootID)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}

// applyCondition computes targets for one (condition, root) pair and deletes them.
// targets = descendants(root) minus {f : f is trigger or ancestor-of-a-trigger}.
// If no trigger fact exists, nothing is purged for this root (spec.md §4.5 edge
// case: "If no trigger exists for a root, nothing is purged even if candidates
// match other roots").
func (e *Engine) applyCondition(ctx context.Context, cond Condition, rootID int64) (int, error) {
	typeMap := e.Store.TypeMap()
	qd, err := compiler.Compile(cond.Spec, compilerTypeMap{typeMap})
	if err != nil {
		return 0, fmt.Errorf("purge: compiling condition for %q: %w", cond.RootType, err)
	}
	if qd.IsUnsatisfiable() {
		return 0, nil
	}

	given := map[string]int64{}
	if len(cond.Spec.Given) > 0 {
		given[cond.Spec.Given[0].Name] = rootID
	}
	rows, err := e.Store.ExecuteResult(ctx, qd, given)
	if err != nil {
		return 0, fmt.Errorf("purge: evaluating condition for %q: %w", cond.RootType, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	preserve := make(map[int64]bool)
	for _, row := range rows {
		for _, label := range cond.TriggerLabels {
			cell, ok := row[label]
			if !ok {
				continue
			}
			preserve[cell.FactID] = true
			ancestors, err := e.Store.Ancestors(ctx, cell.FactID)
			if err != nil {
				return 0, fmt.Errorf("purge: loading ancestors of trigger %q: %w", label, err)
			}
			for a := range ancestors {
				preserve[a] = true
			}
		}
	}

	descendants, err := e.Store.Descendants(ctx, rootID)
	if err != nil {
		return 0, fmt.Errorf("purge: loading descendants of root: %w", err)
	}

	var targets []int64
	for _, id := range descendants {
		if preserve[id] {
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return 0, nil
	}
	if err := e.Store.DeleteFacts(ctx, targets); err != nil {
		return 0, fmt.Errorf("purge: deleting targets: %w", err)
	}
	return len(targets), nil
}

type compilerTypeMap struct{ store.TypeMap }
