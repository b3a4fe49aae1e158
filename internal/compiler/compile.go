package compiler

import (
	"fmt"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/query"
)

// ErrTypeMismatch is reported when a path condition's two walks land on different
// fact types.
type ErrTypeMismatch struct {
	Left, Right string
}

func (e *ErrTypeMismatch) Error() string {
	return fmt.Sprintf("compiler: path condition type mismatch: left=%s right=%s", e.Left, e.Right)
}

// ErrMissingGiven is a compile-time error: the specification's given labels do not
// match in count or type with the facts the caller supplied (validateGiven).
type ErrMissingGiven struct {
	Reason string
}

func (e *ErrMissingGiven) Error() string { return "compiler: " + e.Reason }

// ValidateGiven checks that givenTypes matches spec.Given in count and type, per
// spec.md §4.2's "Number/type of given facts must match the specification's inputs".
func ValidateGiven(spec Specification, givenTypes []string) error {
	if len(givenTypes) != len(spec.Given) {
		return &ErrMissingGiven{Reason: fmt.Sprintf("expected %d given fact(s), got %d", len(spec.Given), len(givenTypes))}
	}
	for i, label := range spec.Given {
		if label.Type != givenTypes[i] {
			return &ErrMissingGiven{Reason: fmt.Sprintf("given[%d]: expected type %s, got %s", i, label.Type, givenTypes[i])}
		}
	}
	return nil
}

// Compile translates spec into a query.QueryDescription against typeMap. If any
// referenced type or role is unknown, the top-level result is query.Unsatisfiable
// (nil error) -- not an error, per spec.md §4.2: "the compiler returns the sentinel
// Unsatisfiable IR, for which SQL generation yields an empty query list."
func Compile(spec Specification, typeMap TypeRoleMap) (query.QueryDescription, error) {
	qd := query.QueryDescription{}

	labelIndex := make(map[string]int, len(spec.Given))
	for _, given := range spec.Given {
		if _, ok := typeMap.TypeID(given.Type); !ok {
			return query.Unsatisfiable, nil
		}
		var idx int
		qd, idx = qd.WithFact(given.Type)
		qd = qd.WithInputParameter(given.Name, given.Type, idx)
		labelIndex[given.Name] = idx
	}

	var err error
	qd, err = compileMatches(qd, spec.Matches, labelIndex, typeMap)
	if err != nil {
		if isUnsatisfiableErr(err) {
			return query.Unsatisfiable, nil
		}
		return query.QueryDescription{}, err
	}

	qd = applyProjectionOutputs(qd, spec.Projection, labelIndex)
	return qd, nil
}

// unsatisfiableSignal is a sentinel error used internally to unwind a match/condition
// that turned out unsatisfiable, distinct from a genuine compile error.
type unsatisfiableSignal struct{ reason string }

func (u *unsatisfiableSignal) Error() string { return "compiler: unsatisfiable: " + u.reason }

func isUnsatisfiableErr(err error) bool {
	_, ok := err.(*unsatisfiableSignal)
	return ok
}

func compileMatches(qd query.QueryDescription, matches []Match, labelIndex map[string]int, typeMap TypeRoleMap) (query.QueryDescription, error) {
	for _, m := range matches {
		var err error
		qd, err = compileMatch(qd, m, labelIndex, typeMap)
		if err != nil {
			if _, dropped := err.(*droppedMatchSignal); dropped {
				continue
			}
			return query.QueryDescription{}, err
		}
	}
	return qd, nil
}

// droppedMatchSignal means one match (e.g. containing an unsatisfiable positive
// existential) is dropped from the query entirely, without failing the whole
// specification.
type droppedMatchSignal struct{ reason string }

func (d *droppedMatchSignal) Error() string { return "compiler: match dropped: " + d.reason }

func compileMatch(qd query.QueryDescription, m Match, labelIndex map[string]int, typeMap TypeRoleMap) (query.QueryDescription, error) {
	if _, ok := typeMap.TypeID(m.Unknown.Type); !ok {
		return query.QueryDescription{}, &unsatisfiableSignal{reason: fmt.Sprintf("unknown type %q", m.Unknown.Type)}
	}

	unknownIdx, alreadyBound := labelIndex[m.Unknown.Name]
	if !alreadyBound {
		qd, unknownIdx = qd.WithFact(m.Unknown.Type)
		qd = qd.WithInputParameter(m.Unknown.Name, m.Unknown.Type, unknownIdx)
		labelIndex[m.Unknown.Name] = unknownIdx
	}

	for _, cond := range m.Conditions {
		switch {
		case cond.Path != nil:
			var err error
			qd, err = compilePathCondition(qd, *cond.Path, m.Unknown, unknownIdx, labelIndex, typeMap)
			if err != nil {
				return query.QueryDescription{}, err
			}
		case cond.Existential != nil:
			var err error
			qd, err = compileExistential(qd, *cond.Existential, labelIndex, typeMap)
			if err != nil {
				return query.QueryDescription{}, err
			}
		}
	}
	return qd, nil
}

// compilePathCondition implements spec.md §4.2's path compilation: walk up from
// `known` on the right (predecessor joins), then up from `unknown` on the left
// (successor joins), then reverse the left-hand walk and stitch the endpoints. Our
// rendering of "reverse and stitch": both walks add forward predecessor edges: the
// right walk from the known label's alias, the left walk from the unknown's alias.
// If the left walk is non-empty, its *last* step is spliced onto the right walk's
// final alias instead of allocating a fresh one -- the two walks describe the same
// underlying fact, so they must resolve to one SQL table, not two. If the left walk
// is empty, the unknown itself is bound directly to the right walk's final alias.
func compilePathCondition(qd query.QueryDescription, pc PathCondition, unknown query.Label, unknownIdx int, labelIndex map[string]int, typeMap TypeRoleMap) (query.QueryDescription, error) {
	knownIdx, ok := labelIndex[pc.LabelRight]
	if !ok {
		return query.QueryDescription{}, &unsatisfiableSignal{reason: fmt.Sprintf("condition references unbound label %q", pc.LabelRight)}
	}
	knownType := qd.FactType(knownIdx)

	rightAlias := knownIdx
	rightType := knownType
	for _, role := range pc.RolesRight {
		typeID, ok := typeMap.TypeID(rightType)
		if !ok {
			return query.QueryDescription{}, &unsatisfiableSignal{reason: fmt.Sprintf("unknown type %q", rightType)}
		}
		if _, ok := typeMap.RoleID(typeID, role.Name); !ok {
			return query.QueryDescription{}, &unsatisfiableSignal{reason: fmt.Sprintf("unknown role %q on %q", role.Name, rightType)}
		}
		var newIdx int
		qd, newIdx = qd.WithFact(role.TargetType)
		qd = qd.WithEdge(newIdx, rightAlias, role.Name)
		rightAlias = newIdx
		rightType = role.TargetType
	}

	if len(pc.RolesLeft) == 0 {
		if rightType != unknown.Type {
			return query.QueryDescription{}, &ErrTypeMismatch{Left: unknown.Type, Right: rightType}
		}
		// unknown is literally the right walk's endpoint: merge by binding the label.
		labelIndex[unknown.Name] = rightAlias
		return qd, nil
	}

	leftAlias := unknownIdx
	leftType := unknown.Type
	for i, role := range pc.RolesLeft {
		typeID, ok := typeMap.TypeID(leftType)
		if !ok {
			return query.QueryDescription{}, &unsatisfiableSignal{reason: fmt.Sprintf("unknown type %q", leftType)}
		}
		if _, ok := typeMap.RoleID(typeID, role.Name); !ok {
			return query.QueryDescription{}, &unsatisfiableSignal{reason: fmt.Sprintf("unknown role %q on %q", role.Name, leftType)}
		}
		if i == len(pc.RolesLeft)-1 {
			// Stitch: the final left step lands on the already-built right endpoint.
			if role.TargetType != rightType {
				return query.QueryDescription{}, &ErrTypeMismatch{Left: role.TargetType, Right: rightType}
			}
			qd = qd.WithEdge(rightAlias, leftAlias, role.Name)
			break
		}
		var newIdx int
		qd, newIdx = qd.WithFact(role.TargetType)
		qd = qd.WithEdge(newIdx, leftAlias, role.Name)
		leftAlias = newIdx
		leftType = role.TargetType
	}
	return qd, nil
}

// compileExistential compiles a nested EXISTS/NOT EXISTS branch. If a negative
// branch is unsatisfiable, it is dropped (NOT EXISTS on an impossible predicate is
// always true -- equivalent to omitting the condition). If a positive branch is
// unsatisfiable, the enclosing match is dropped entirely.
func compileExistential(qd query.QueryDescription, ec ExistentialCondition, labelIndex map[string]int, typeMap TypeRoleMap) (query.QueryDescription, error) {
	branchLabels := make(map[string]int, len(labelIndex))
	for k, v := range labelIndex {
		branchLabels[k] = v
	}

	var branchErr error
	out := qd.WithExistentialCondition(ec.Exists, func(seed query.QueryDescription) query.QueryDescription {
		// The seed already carries the parent's facts; bind the outer labels as
		// branch inputs so path conditions inside the branch can reference them.
		// WithExistentialCondition copies branch.inputs/edges/existentials into the
		// condition verbatim, so the outer labels appear among its Inputs too.
		branch := seed
		for label, idx := range labelIndex {
			branch = branch.WithInputParameter(label, qd.FactType(idx), idx)
		}
		compiled, err := compileMatches(branch, ec.Matches, branchLabels, typeMap)
		if err != nil {
			branchErr = err
			return branch
		}
		return compiled
	})

	if branchErr != nil {
		if isUnsatisfiableErr(branchErr) {
			if !ec.Exists {
				return qd, nil // NOT EXISTS on impossible predicate: always true, drop the condition.
			}
			return query.QueryDescription{}, &droppedMatchSignal{reason: "positive existential unsatisfiable"}
		}
		return query.QueryDescription{}, branchErr
	}
	return out, nil
}

func applyProjectionOutputs(qd query.QueryDescription, proj Projection, labelIndex map[string]int) query.QueryDescription {
	switch proj.Kind {
	case ProjectionField, ProjectionHash, ProjectionTime, ProjectionFact:
		if idx, ok := labelIndex[proj.Label]; ok {
			qd = qd.WithOutput(proj.Label, idx)
		}
	case ProjectionComposite:
		for _, name := range proj.ComponentOrder {
			qd = applyProjectionOutputs(qd, proj.Components[name], labelIndex)
		}
	case ProjectionSpecification:
		// Child specifications compile independently (internal/compose drives this);
		// nothing to add to the parent's outputs.
	}
	return qd
}
