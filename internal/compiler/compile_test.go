package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/query"
)

func tweetUserTypeMap() TypeRoleMap {
	return NewStaticTypeRoleMap(
		map[string]int{"Tweet": 1, "User": 2},
		map[string]map[string]int{"Tweet": {"sender": 10}},
	)
}

func tweetSenderSpec() Specification {
	return Specification{
		Given: []query.Label{{Name: "tweet", Type: "Tweet"}},
		Matches: []Match{
			{
				Unknown: query.Label{Name: "user", Type: "User"},
				Conditions: []Condition{
					{Path: &PathCondition{
						LabelRight: "tweet",
						RolesRight: []Role{{Name: "sender", TargetType: "User"}},
					}},
				},
			},
		},
		Projection: Projection{
			Kind:           ProjectionComposite,
			ComponentOrder: []string{"user"},
			Components: map[string]Projection{
				"user": {Kind: ProjectionHash, Label: "user"},
			},
		},
	}
}

func TestCompilePathCondition(t *testing.T) {
	qd, err := Compile(tweetSenderSpec(), tweetUserTypeMap())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if qd.IsUnsatisfiable() {
		t.Fatal("expected a satisfiable query")
	}

	edges := qd.Edges()
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	if edges[0].RoleName != "sender" {
		t.Errorf("edge role = %q, want sender", edges[0].RoleName)
	}

	outputs := qd.Outputs()
	if len(outputs) != 1 || outputs[0].Label != "user" {
		t.Fatalf("outputs = %+v, want a single 'user' output", outputs)
	}
}

func TestCompileUnknownGivenTypeIsUnsatisfiable(t *testing.T) {
	spec := Specification{Given: []query.Label{{Name: "tweet", Type: "NoSuchType"}}}
	qd, err := Compile(spec, tweetUserTypeMap())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !qd.IsUnsatisfiable() {
		t.Fatal("expected Unsatisfiable for an unknown given type")
	}
}

func TestCompileUnknownRoleIsUnsatisfiable(t *testing.T) {
	spec := tweetSenderSpec()
	spec.Matches[0].Conditions[0].Path.RolesRight[0].Name = "nonexistentRole"
	qd, err := Compile(spec, tweetUserTypeMap())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !qd.IsUnsatisfiable() {
		t.Fatal("expected Unsatisfiable for an unknown role")
	}
}

func TestCompilePathConditionTypeMismatch(t *testing.T) {
	spec := tweetSenderSpec()
	spec.Matches[0].Unknown.Type = "Tweet" // sender role actually lands on User, not Tweet
	_, err := Compile(spec, tweetUserTypeMap())
	var mismatch *ErrTypeMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want *ErrTypeMismatch", err)
	}
}

func TestResultSQLSelectsLabeledFactsAndOrdersByOutput(t *testing.T) {
	qd, err := Compile(tweetSenderSpec(), tweetUserTypeMap())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	sql, err := ResultSQL(qd, map[string]int64{"tweet": 42})
	if err != nil {
		t.Fatalf("ResultSQL: %v", err)
	}
	if !strings.Contains(sql.SQL, "SELECT") || !strings.Contains(sql.SQL, "FROM fact AS f0") {
		t.Fatalf("unexpected SQL shape: %s", sql.SQL)
	}
	if !strings.Contains(sql.SQL, "WHERE") {
		t.Fatalf("expected a WHERE clause binding the given fact: %s", sql.SQL)
	}
	if len(sql.Args) == 0 || sql.Args[len(sql.Args)-1] != int64(42) {
		t.Fatalf("expected the given fact_id 42 among bind args, got %v", sql.Args)
	}
	if len(sql.Outputs) != 1 || sql.Outputs[0].Label != "user" {
		t.Fatalf("unexpected outputs: %+v", sql.Outputs)
	}
}

func TestResultSQLUnsatisfiableYieldsEmptyQuery(t *testing.T) {
	spec := Specification{Given: []query.Label{{Name: "tweet", Type: "NoSuchType"}}}
	qd, err := Compile(spec, tweetUserTypeMap())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	sql, err := ResultSQL(qd, nil)
	if err != nil {
		t.Fatalf("ResultSQL: %v", err)
	}
	if sql.SQL != "" {
		t.Fatalf("expected empty SQL for an unsatisfiable query, got %q", sql.SQL)
	}
}

func TestValidateGiven(t *testing.T) {
	spec := tweetSenderSpec()
	if err := ValidateGiven(spec, []string{"Tweet"}); err != nil {
		t.Fatalf("ValidateGiven: unexpected error: %v", err)
	}
	if err := ValidateGiven(spec, []string{"User"}); err == nil {
		t.Fatal("expected a type mismatch error")
	}
	if err := ValidateGiven(spec, nil); err == nil {
		t.Fatal("expected a count mismatch error")
	}
}

func TestIsFlatComposite(t *testing.T) {
	spec := tweetSenderSpec()
	ok, offending := spec.Projection.IsFlatComposite()
	if !ok || offending != "" {
		t.Fatalf("expected flat composite, got ok=%v offending=%q", ok, offending)
	}

	nested := spec.Projection
	nested.Components = map[string]Projection{"user": {Kind: ProjectionFact, Label: "user"}}
	ok, offending = nested.IsFlatComposite()
	if ok || offending != "user" {
		t.Fatalf("expected a non-flat composite offending at 'user', got ok=%v offending=%q", ok, offending)
	}
}
