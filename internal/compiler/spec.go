// Package compiler translates an already-parsed specification AST (spec.md §3.1,
// §4.2) into the query-description IR (internal/query) and from there into the two
// SQL variants: Result SQL (one query per composite projection level) and Feed SQL
// (one query per feed fragment). The surface syntax of the specification language is
// out of scope (spec.md §1); this package only consumes the AST.
package compiler

import "github.com/Ap3pp3rs94/factgraph-replicator/internal/query"

// Role is one step of a path condition: a predecessor role name walked from a
// successor fact. TargetType is the type of the fact reached by following this
// predecessor role, resolved ahead of time by the (out-of-scope) specification
// parser -- the compiler never infers it, only validates it against the store's
// role interning map.
type Role struct {
	Name       string
	TargetType string
}

// PathCondition connects Unknown to a known label by walking RolesLeft up from
// Unknown (successor joins) and RolesRight up from the known label (predecessor
// joins); the two walks must land on the same fact type.
type PathCondition struct {
	RolesLeft  []Role
	LabelRight string
	RolesRight []Role
}

// ExistentialCondition nests nested matches inside an EXISTS/NOT EXISTS branch.
type ExistentialCondition struct {
	Exists  bool
	Matches []Match
}

// Condition is either a PathCondition or an ExistentialCondition.
type Condition struct {
	Path        *PathCondition
	Existential *ExistentialCondition
}

// Match binds a new Unknown label subject to one or more Conditions.
type Match struct {
	Unknown    query.Label
	Conditions []Condition
}

// ProjectionKind discriminates the sum type a projection compiles to (DESIGN.md:
// replacing the source's dynamic duck-typed projection walker).
type ProjectionKind int

const (
	ProjectionField ProjectionKind = iota
	ProjectionHash
	ProjectionTime
	ProjectionFact
	ProjectionSpecification
	ProjectionComposite
)

// Projection is a sum type over the six projection kinds spec.md §3.1 describes.
// Exactly the fields relevant to Kind are populated.
type Projection struct {
	Kind ProjectionKind

	// ProjectionField / ProjectionHash / ProjectionTime / ProjectionFact
	Label     string
	FieldName string // ProjectionField only

	// ProjectionSpecification
	Nested *Specification

	// ProjectionComposite
	Components     map[string]Projection
	ComponentOrder []string // declaration order, independent of map iteration
}

// Specification is the compiler's input AST: a typed given, a list of matches, and a
// projection.
type Specification struct {
	Given      []query.Label
	Matches    []Match
	Projection Projection
}

// IsFlatComposite reports whether p is a composite projection whose components are
// all field/hash/time (never fact or nested specification) -- the CSV-eligibility
// check from spec.md §6.1.
func (p Projection) IsFlatComposite() (ok bool, offendingLabel string) {
	if p.Kind != ProjectionComposite {
		return false, ""
	}
	for _, name := range p.ComponentOrder {
		c := p.Components[name]
		switch c.Kind {
		case ProjectionField, ProjectionHash, ProjectionTime:
			continue
		default:
			return false, name
		}
	}
	return true, ""
}
