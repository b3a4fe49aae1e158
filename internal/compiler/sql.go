package compiler

import (
	"fmt"
	"strings"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/query"
)

// SQLQuery is one generated query: ANSI-ish SQL text with ? placeholders (internal/
// store rebinds these to the backend's native placeholder syntax) plus the ordered
// bind arguments and the output labels the SELECT list produces, in column order.
type SQLQuery struct {
	SQL     string
	Args    []any
	Outputs []query.OutputDescription
}

// ResultSQL generates the Result SQL for a read (spec.md §4.2): selects hash,
// fact_id, and data for every labeled fact (inputs and outputs), ordered by
// ascending fact_id of each output. givenFactIDs maps each given label to the fact_id
// bound in the WHERE clause; inputs without an entry are left unconstrained (the
// caller resolves given FactReferences to fact_ids first).
func ResultSQL(qd query.QueryDescription, givenFactIDs map[string]int64) (SQLQuery, error) {
	if qd.IsUnsatisfiable() {
		return SQLQuery{}, nil
	}

	var sb strings.Builder
	var args []any

	labeled := labeledFacts(qd)
	sb.WriteString("SELECT ")
	for i, lf := range labeled {
		if i > 0 {
			sb.WriteString(", ")
		}
		alias := query.Alias(lf.FactIndex)
		fmt.Fprintf(&sb, "%s.hash AS %q, %s.fact_id AS %q, %s.data AS %q", alias, lf.Label+"_hash", alias, lf.Label+"_id", alias, lf.Label+"_data")
	}
	sb.WriteString(" FROM fact AS ")
	sb.WriteString(query.Alias(rootFactIndex(qd)))

	joinSQL, joinArgs := joinClauses(qd.Edges())
	sb.WriteString(joinSQL)
	args = append(args, joinArgs...)

	whereSQL, whereArgs := whereForGiven(qd, givenFactIDs)
	if whereSQL != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(whereSQL)
		args = append(args, whereArgs...)
	}

	existSQL, existArgs := existentialClauses(qd.ExistentialConditions(), qd)
	if existSQL != "" {
		if whereSQL == "" {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		sb.WriteString(existSQL)
		args = append(args, existArgs...)
	}

	sb.WriteString(" ORDER BY ")
	for i, out := range qd.Outputs() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s.fact_id ASC", query.Alias(out.FactIndex))
	}

	return SQLQuery{SQL: sb.String(), Args: args, Outputs: qd.Outputs()}, nil
}

// FeedSQL generates the SQL for one feed fragment (spec.md §4.4): selects only hash
// per output plus a bookmark column, appends bookmark pagination and a limit.
func FeedSQL(qd query.QueryDescription, givenFactIDs map[string]int64) (SQLQuery, error) {
	if qd.IsUnsatisfiable() {
		return SQLQuery{}, nil
	}
	outputs := qd.Outputs()
	if len(outputs) == 0 {
		return SQLQuery{}, fmt.Errorf("compiler: feed query has no outputs")
	}

	var sb strings.Builder
	var args []any

	sb.WriteString("SELECT ")
	for i, out := range outputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		alias := query.Alias(out.FactIndex)
		fmt.Fprintf(&sb, "%s.hash AS %q", alias, out.Label+"_hash")
	}
	sb.WriteString(", sort(array[")
	for i, out := range outputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(query.Alias(out.FactIndex) + ".fact_id")
	}
	sb.WriteString("], 'desc') AS bookmark")

	sb.WriteString(" FROM fact AS ")
	sb.WriteString(query.Alias(rootFactIndex(qd)))

	joinSQL, joinArgs := joinClauses(qd.Edges())
	sb.WriteString(joinSQL)
	args = append(args, joinArgs...)

	var whereParts []string
	whereSQL, whereArgs := whereForGiven(qd, givenFactIDs)
	if whereSQL != "" {
		whereParts = append(whereParts, whereSQL)
		args = append(args, whereArgs...)
	}
	existSQL, existArgs := existentialClauses(qd.ExistentialConditions(), qd)
	if existSQL != "" {
		whereParts = append(whereParts, existSQL)
		args = append(args, existArgs...)
	}
	whereParts = append(whereParts, fmt.Sprintf("sort(array[%s], 'desc') > ?", outputFactIDList(outputs)))
	args = append(args, BookmarkPlaceholder{})
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(whereParts, " AND "))

	sb.WriteString(" ORDER BY bookmark ASC LIMIT ?")
	args = append(args, LimitPlaceholder{})

	return SQLQuery{SQL: sb.String(), Args: args, Outputs: outputs}, nil
}

// BookmarkPlaceholder / LimitPlaceholder mark positions the store layer substitutes
// at execution time (the bookmark and page-size bind values aren't known at compile
// time).
type BookmarkPlaceholder struct{}
type LimitPlaceholder struct{}

func outputFactIDList(outputs []query.OutputDescription) string {
	parts := make([]string, len(outputs))
	for i, out := range outputs {
		parts[i] = query.Alias(out.FactIndex) + ".fact_id"
	}
	return strings.Join(parts, ", ")
}

func rootFactIndex(qd query.QueryDescription) int {
	facts := qd.Facts()
	if len(facts) == 0 {
		return 0
	}
	return facts[0].FactIndex
}

func joinClauses(edges []query.EdgeDescription) (string, []any) {
	var sb strings.Builder
	var args []any
	for _, e := range edges {
		predAlias := query.Alias(e.PredecessorFactIndex)
		succAlias := query.Alias(e.SuccessorFactIndex)
		edgeAlias := query.EdgeAlias(e.EdgeIndex)
		fmt.Fprintf(&sb, " JOIN edge AS %s ON %s.successor_fact_id = %s.fact_id AND %s.role_id = ? ",
			edgeAlias, edgeAlias, succAlias, edgeAlias)
		args = append(args, e.RoleName)
		fmt.Fprintf(&sb, "JOIN fact AS %s ON %s.fact_id = %s.predecessor_fact_id ", predAlias, predAlias, edgeAlias)
	}
	return sb.String(), args
}

func whereForGiven(qd query.QueryDescription, givenFactIDs map[string]int64) (string, []any) {
	var parts []string
	var args []any
	for _, in := range qd.Inputs() {
		factID, ok := givenFactIDs[in.Label]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s.fact_id = ?", query.Alias(in.FactIndex)))
		args = append(args, factID)
	}
	return strings.Join(parts, " AND "), args
}

func existentialClauses(conds []query.ExistentialCondition, outer query.QueryDescription) (string, []any) {
	var parts []string
	var args []any
	for _, ec := range conds {
		kw := "EXISTS"
		if !ec.Exists {
			kw = "NOT EXISTS"
		}
		branchSQL, branchArgs := existentialBranchSQL(ec)
		parts = append(parts, fmt.Sprintf("%s (%s)", kw, branchSQL))
		args = append(args, branchArgs...)
	}
	return strings.Join(parts, " AND "), args
}

// existentialBranchSQL renders one EXISTS/NOT EXISTS subquery scoped to the outer
// aliases already bound (the branch's Inputs reference outer fact indexes directly,
// since factIndex is globally unique across the whole existential tree).
func existentialBranchSQL(ec query.ExistentialCondition) (string, []any) {
	var sb strings.Builder
	var args []any

	sb.WriteString("SELECT 1")
	joinSQL, joinArgs := joinClauses(ec.Edges)
	if joinSQL != "" {
		sb.WriteString(" FROM fact AS ")
		sb.WriteString(query.Alias(branchRootFactIndex(ec)))
		sb.WriteString(joinSQL)
		args = append(args, joinArgs...)
	} else {
		sb.WriteString(" FROM fact AS ")
		sb.WriteString(query.Alias(branchRootFactIndex(ec)))
	}

	var whereParts []string
	for _, in := range ec.Inputs {
		whereParts = append(whereParts, fmt.Sprintf("%s.fact_id = %s.fact_id", query.Alias(in.FactIndex), query.Alias(in.FactIndex)))
	}
	if len(ec.ExistentialConditions) > 0 {
		nested, nestedArgs := existentialClauses(ec.ExistentialConditions, query.QueryDescription{})
		if nested != "" {
			whereParts = append(whereParts, nested)
			args = append(args, nestedArgs...)
		}
	}
	if len(whereParts) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(whereParts, " AND "))
	}
	return sb.String(), args
}

func branchRootFactIndex(ec query.ExistentialCondition) int {
	if len(ec.Edges) > 0 {
		return ec.Edges[0].SuccessorFactIndex
	}
	if len(ec.Inputs) > 0 {
		return ec.Inputs[0].FactIndex
	}
	return 0
}

// labeledLabel pairs a label name with its bound fact index, used for the Result SQL
// column list (every labeled fact, not just outputs).
type labeledLabel struct {
	Label     string
	FactIndex int
}

func labeledFacts(qd query.QueryDescription) []labeledLabel {
	seen := make(map[int]bool)
	var out []labeledLabel
	for _, in := range qd.Inputs() {
		if seen[in.FactIndex] {
			continue
		}
		seen[in.FactIndex] = true
		out = append(out, labeledLabel{Label: in.Label, FactIndex: in.FactIndex})
	}
	for _, o := range qd.Outputs() {
		if seen[o.FactIndex] {
			continue
		}
		seen[o.FactIndex] = true
		out = append(out, labeledLabel{Label: o.Label, FactIndex: o.FactIndex})
	}
	return out
}
