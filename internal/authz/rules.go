package authz

import (
	"context"
	"fmt"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/query"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/store"
	"github.com/Ap3pp3rs94/factgraph-replicator/pkg/canonical"
)

// RuleKind discriminates spec.md §4.6's three authorization rule shapes.
type RuleKind int

const (
	RuleAny RuleKind = iota
	RuleNo
	RuleType
)

// Rule is one configured authorization rule. Spec is populated only for RuleType:
// Given is the candidate fact ("candidate", FactType); the rule's projection must
// expose a "user" output label bound to a Jinaga.User (or Jinaga.Device) fact --
// e.g. Tweet.sender => User compiles to a path condition from "candidate" to a
// "user" unknown via the sender role.
type Rule struct {
	Kind     RuleKind
	FactType string
	Spec     compiler.Specification
}

func Any(factType string) Rule { return Rule{Kind: RuleAny, FactType: factType} }
func No(factType string) Rule  { return Rule{Kind: RuleNo, FactType: factType} }
func Typed(factType string, spec compiler.Specification) Rule {
	return Rule{Kind: RuleType, FactType: factType, Spec: spec}
}

// VerdictResult is the outcome spec.md §4.6 names for one candidate fact.
type VerdictResult int

const (
	VerdictAccept VerdictResult = iota
	VerdictExisting
	VerdictReject
)

// Verdict carries the outcome plus a human-readable reason for rejections
// (surfaced as the Forbidden taxonomy entry's reason, spec.md §7).
type Verdict struct {
	Result VerdictResult
	Reason string
}

func (v Verdict) Accepted() bool { return v.Result == VerdictAccept || v.Result == VerdictExisting }

// GraphQuerier is the subset of store.Store the authorization engine needs to
// evaluate a RuleType rule's specification: type/role interning plus Result SQL
// execution. store.Store satisfies this directly.
type GraphQuerier interface {
	TypeMap() store.TypeMap
	ExecuteResult(ctx context.Context, qd query.QueryDescription, givenFactIDs map[string]int64) ([]store.ResultRow, error)
}

// Engine evaluates configured rules against the fact graph itself, per spec.md
// §4.6. Rules are static configuration (loaded once at startup, like
// services/auth/internal/rbac/policy_engine.go's role catalog), not mutated at
// request time.
type Engine struct {
	rules map[string][]Rule
}

// NewEngine defensively copies rules, keyed by FactType, mirroring policy_engine.go's
// NewEngine defensive-copy convention.
func NewEngine(rules []Rule) *Engine {
	e := &Engine{rules: make(map[string][]Rule)}
	for _, r := range rules {
		e.rules[r.FactType] = append(e.rules[r.FactType], r)
	}
	return e
}

// Authorize evaluates candidate (already provisionally inserted at candidateFactID,
// so its predecessor edges are queryable) against the engine's configured rules.
// existing reports whether the fact was already durable before this batch (spec.md
// §4.6's Existing verdict); signer is the writer's resolved user/device fact
// reference, or nil for an anonymous write.
func (e *Engine) Authorize(ctx context.Context, candidateType string, candidateFactID int64, existing bool, signer *canonical.FactReference, st GraphQuerier) (Verdict, error) {
	if existing {
		return Verdict{Result: VerdictExisting}, nil
	}

	rules := e.rules[candidateType]
	if len(rules) == 0 {
		return Verdict{Result: VerdictReject, Reason: fmt.Sprintf("no authorization rule configured for type %q", candidateType)}, nil
	}

	var lastReason string
	for _, r := range rules {
		switch r.Kind {
		case RuleAny:
			return Verdict{Result: VerdictAccept}, nil
		case RuleNo:
			lastReason = fmt.Sprintf("type %q may not be written directly", candidateType)
		case RuleType:
			ok, err := e.evaluateTypeRule(ctx, r, candidateFactID, signer, st)
			if err != nil {
				return Verdict{}, err
			}
			if ok {
				return Verdict{Result: VerdictAccept}, nil
			}
			lastReason = fmt.Sprintf("no signer matched authorization rule for type %q", candidateType)
		}
	}
	if lastReason == "" {
		lastReason = fmt.Sprintf("no rule admitted a write of type %q", candidateType)
	}
	return Verdict{Result: VerdictReject, Reason: lastReason}, nil
}

func (e *Engine) evaluateTypeRule(ctx context.Context, r Rule, candidateFactID int64, signer *canonical.FactReference, st GraphQuerier) (bool, error) {
	if signer == nil {
		return false, nil
	}
	qd, err := compiler.Compile(r.Spec, compilerTypeMap{st.TypeMap()})
	if err != nil {
		return false, fmt.Errorf("authz: compiling rule for %q: %w", r.FactType, err)
	}
	if qd.IsUnsatisfiable() {
		return false, nil
	}

	given := map[string]int64{}
	if len(r.Spec.Given) > 0 {
		given[r.Spec.Given[0].Name] = candidateFactID
	}
	rows, err := st.ExecuteResult(ctx, qd, given)
	if err != nil {
		return false, fmt.Errorf("authz: evaluating rule for %q: %w", r.FactType, err)
	}
	for _, row := range rows {
		if cell, ok := row["user"]; ok && cell.Hash == signer.Hash {
			return true, nil
		}
	}
	return false, nil
}

// compilerTypeMap adapts store.TypeMap to compiler.TypeRoleMap; both already share
// the same two-method shape, this just satisfies the distinct interface names.
type compilerTypeMap struct{ store.TypeMap }
