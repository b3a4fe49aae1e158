// Package query implements the query-description intermediate representation: an
// immutable value with inputs, parameters, outputs, facts, edges, and a tree of
// existential conditions (spec.md §4.2). Every builder method returns a new value;
// nothing is ever mutated in place, so existential branches can share substructure
// with their parent freely.
package query

import "fmt"

// Label names a typed input or unknown bound somewhere in the specification.
type Label struct {
	Name string
	Type string
}

// FactDescription is one alias introduced by the compiler: either a given input or an
// intermediate/unknown fact discovered while walking a path condition.
type FactDescription struct {
	FactIndex int
	Type      string
}

// InputDescription binds a label to a fact alias already present in Facts.
type InputDescription struct {
	Label     string
	FactIndex int
}

// EdgeDescription is one predecessor-edge join: successor alias -> predecessor alias,
// labeled by role. RoleName is scoped to the successor's type, matching fact.go's role
// interning (defining_fact_type_id, name).
type EdgeDescription struct {
	EdgeIndex           int
	PredecessorFactIndex int
	SuccessorFactIndex   int
	RoleName             string
}

// OutputDescription names a label that the result/feed SQL must select.
type OutputDescription struct {
	Label     string
	FactIndex int
}

// ExistentialCondition is a nested EXISTS/NOT EXISTS branch. Inputs introduced inside
// the branch are recorded here, not on the enclosing QueryDescription, so their WHERE
// predicates are scoped to the subquery.
type ExistentialCondition struct {
	Exists                bool
	Inputs                []InputDescription
	Edges                 []EdgeDescription
	ExistentialConditions []ExistentialCondition
}

// QueryDescription is the immutable compiled form of one match/projection level.
// Every WithX method copies the slice it extends before appending, so a derived value
// never shares or mutates the receiver's backing arrays.
type QueryDescription struct {
	inputs                []InputDescription
	facts                 []FactDescription
	edges                 []EdgeDescription
	outputs               []OutputDescription
	existentialConditions []ExistentialCondition
	edgeIndex             int
	unsatisfiable         bool
}

// Unsatisfiable is the sentinel QueryDescription for a specification referencing an
// unknown type or role against the current type/role maps. SQL generation against it
// yields an empty query list.
var Unsatisfiable = QueryDescription{unsatisfiable: true}

func (q QueryDescription) IsUnsatisfiable() bool { return q.unsatisfiable }

func (q QueryDescription) Inputs() []InputDescription { return cloneInputs(q.inputs) }
func (q QueryDescription) Facts() []FactDescription   { return cloneFacts(q.facts) }
func (q QueryDescription) Edges() []EdgeDescription    { return cloneEdges(q.edges) }
func (q QueryDescription) Outputs() []OutputDescription { return cloneOutputs(q.outputs) }
func (q QueryDescription) ExistentialConditions() []ExistentialCondition {
	return cloneExistentials(q.existentialConditions)
}
func (q QueryDescription) NextEdgeIndex() int { return q.edgeIndex }

// FactType returns the type of the fact bound at factIndex, or "" if absent.
func (q QueryDescription) FactType(factIndex int) string {
	for _, f := range q.facts {
		if f.FactIndex == factIndex {
			return f.Type
		}
	}
	return ""
}

// FactIndexOfLabel returns the fact index bound to label, if an input has already
// bound it. Outputs are not searched.
func (q QueryDescription) FactIndexOfLabel(label string) (int, bool) {
	for _, in := range q.inputs {
		if in.Label == label {
			return in.FactIndex, true
		}
	}
	return 0, false
}

// WithInputParameter binds label (of the given type) to a new or existing fact alias.
// If factIndex already exists in Facts, it is reused; otherwise the caller must add it
// first via WithFact.
func (q QueryDescription) WithInputParameter(label, factType string, factIndex int) QueryDescription {
	out := q.clone()
	out.inputs = append(cloneInputs(out.inputs), InputDescription{Label: label, FactIndex: factIndex})
	return out
}

// WithFact introduces a new fact alias of factType and returns the updated
// QueryDescription along with the freshly assigned factIndex.
func (q QueryDescription) WithFact(factType string) (QueryDescription, int) {
	out := q.clone()
	idx := len(out.facts)
	out.facts = append(cloneFacts(out.facts), FactDescription{FactIndex: idx, Type: factType})
	return out, idx
}

// WithOutput records that label (bound to factIndex) must appear in the SQL projection.
func (q QueryDescription) WithOutput(label string, factIndex int) QueryDescription {
	out := q.clone()
	out.outputs = append(cloneOutputs(out.outputs), OutputDescription{Label: label, FactIndex: factIndex})
	return out
}

// WithEdge appends a join on (predecessorFactIndex, successorFactIndex, roleName),
// consuming and advancing the monotonic edge index so aliases stay globally unique
// across the whole existential tree.
func (q QueryDescription) WithEdge(predecessorFactIndex, successorFactIndex int, roleName string) QueryDescription {
	out := q.clone()
	out.edges = append(cloneEdges(out.edges), EdgeDescription{
		EdgeIndex:            out.edgeIndex,
		PredecessorFactIndex: predecessorFactIndex,
		SuccessorFactIndex:   successorFactIndex,
		RoleName:             roleName,
	})
	out.edgeIndex++
	return out
}

// WithExistentialCondition appends a nested EXISTS/NOT EXISTS branch built by build,
// which receives a QueryDescription seeded with the parent's facts and edgeIndex so
// outer fact types resolve inside the branch and aliases allocated inside the branch
// never collide with the parent's. The branch's facts are carried back to the parent
// so later allocations continue past them.
func (q QueryDescription) WithExistentialCondition(exists bool, build func(seed QueryDescription) QueryDescription) QueryDescription {
	seed := QueryDescription{facts: cloneFacts(q.facts), edgeIndex: q.edgeIndex}
	branch := build(seed)
	out := q.clone()
	out.facts = cloneFacts(branch.facts)
	out.existentialConditions = append(cloneExistentials(out.existentialConditions), ExistentialCondition{
		Exists:                exists,
		Inputs:                branch.inputs,
		Edges:                 branch.edges,
		ExistentialConditions: branch.existentialConditions,
	})
	out.edgeIndex = branch.edgeIndex
	return out
}

func (q QueryDescription) clone() QueryDescription {
	return q
}

func cloneInputs(in []InputDescription) []InputDescription {
	out := make([]InputDescription, len(in))
	copy(out, in)
	return out
}

func cloneFacts(in []FactDescription) []FactDescription {
	out := make([]FactDescription, len(in))
	copy(out, in)
	return out
}

func cloneEdges(in []EdgeDescription) []EdgeDescription {
	out := make([]EdgeDescription, len(in))
	copy(out, in)
	return out
}

func cloneOutputs(in []OutputDescription) []OutputDescription {
	out := make([]OutputDescription, len(in))
	copy(out, in)
	return out
}

func cloneExistentials(in []ExistentialCondition) []ExistentialCondition {
	out := make([]ExistentialCondition, len(in))
	copy(out, in)
	return out
}

// Alias returns the conventional SQL table alias for a fact index ("f0", "f1", ...).
func Alias(factIndex int) string { return fmt.Sprintf("f%d", factIndex) }

// EdgeAlias returns the conventional SQL table alias for an edge index ("e0", "e1", ...).
func EdgeAlias(edgeIndex int) string { return fmt.Sprintf("e%d", edgeIndex) }
