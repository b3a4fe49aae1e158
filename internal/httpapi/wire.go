package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/Ap3pp3rs94/factgraph-replicator/internal/compiler"
	"github.com/Ap3pp3rs94/factgraph-replicator/internal/query"
)

// The specification language's surface syntax is out of scope (spec.md §1: "the
// compiler operates on an already-parsed AST"). This file defines the JSON wire
// form the HTTP adapter accepts on /read and /feeds: a direct, explicit
// encoding of internal/compiler's AST types, rather than a textual grammar this
// repository has no mandate to parse.

type wireLabel struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type wireRole struct {
	Name       string `json:"name"`
	TargetType string `json:"targetType"`
}

type wirePath struct {
	RolesLeft  []wireRole `json:"rolesLeft"`
	LabelRight string     `json:"labelRight"`
	RolesRight []wireRole `json:"rolesRight"`
}

type wireExistential struct {
	Exists  bool        `json:"exists"`
	Matches []wireMatch `json:"matches"`
}

type wireCondition struct {
	Path        *wirePath        `json:"path,omitempty"`
	Existential *wireExistential `json:"existential,omitempty"`
}

type wireMatch struct {
	Unknown    wireLabel       `json:"unknown"`
	Conditions []wireCondition `json:"conditions"`
}

type wireProjection struct {
	Kind           string                    `json:"kind"` // field|hash|time|fact|specification|composite
	Label          string                    `json:"label,omitempty"`
	Field          string                    `json:"field,omitempty"`
	Nested         *wireSpecification        `json:"nested,omitempty"`
	Components     map[string]wireProjection `json:"components,omitempty"`
	ComponentOrder []string                  `json:"componentOrder,omitempty"`
}

type wireSpecification struct {
	Given      []wireLabel    `json:"given"`
	Matches    []wireMatch    `json:"matches"`
	Projection wireProjection `json:"projection"`
}

// DecodeSpecification parses the wire JSON form into a compiler.Specification.
func DecodeSpecification(b []byte) (compiler.Specification, error) {
	var w wireSpecification
	if err := json.Unmarshal(b, &w); err != nil {
		return compiler.Specification{}, fmt.Errorf("httpapi: decoding specification: %w", err)
	}
	return w.toSpecification()
}

func (w wireSpecification) toSpecification() (compiler.Specification, error) {
	proj, err := w.Projection.toProjection()
	if err != nil {
		return compiler.Specification{}, err
	}
	spec := compiler.Specification{
		Given:      make([]query.Label, len(w.Given)),
		Projection: proj,
	}
	for i, g := range w.Given {
		spec.Given[i] = query.Label{Name: g.Name, Type: g.Type}
	}
	for _, m := range w.Matches {
		cm, err := m.toMatch()
		if err != nil {
			return compiler.Specification{}, err
		}
		spec.Matches = append(spec.Matches, cm)
	}
	return spec, nil
}

func (w wireMatch) toMatch() (compiler.Match, error) {
	m := compiler.Match{Unknown: query.Label{Name: w.Unknown.Name, Type: w.Unknown.Type}}
	for _, c := range w.Conditions {
		cc, err := c.toCondition()
		if err != nil {
			return compiler.Match{}, err
		}
		m.Conditions = append(m.Conditions, cc)
	}
	return m, nil
}

func (w wireCondition) toCondition() (compiler.Condition, error) {
	switch {
	case w.Path != nil:
		return compiler.Condition{Path: &compiler.PathCondition{
			RolesLeft:  toRoles(w.Path.RolesLeft),
			LabelRight: w.Path.LabelRight,
			RolesRight: toRoles(w.Path.RolesRight),
		}}, nil
	case w.Existential != nil:
		ec := &compiler.ExistentialCondition{Exists: w.Existential.Exists}
		for _, m := range w.Existential.Matches {
			cm, err := m.toMatch()
			if err != nil {
				return compiler.Condition{}, err
			}
			ec.Matches = append(ec.Matches, cm)
		}
		return compiler.Condition{Existential: ec}, nil
	default:
		return compiler.Condition{}, fmt.Errorf("httpapi: condition has neither path nor existential")
	}
}

func toRoles(in []wireRole) []compiler.Role {
	out := make([]compiler.Role, len(in))
	for i, r := range in {
		out[i] = compiler.Role{Name: r.Name, TargetType: r.TargetType}
	}
	return out
}

func (w wireProjection) toProjection() (compiler.Projection, error) {
	switch w.Kind {
	case "field":
		return compiler.Projection{Kind: compiler.ProjectionField, Label: w.Label, FieldName: w.Field}, nil
	case "hash":
		return compiler.Projection{Kind: compiler.ProjectionHash, Label: w.Label}, nil
	case "time":
		return compiler.Projection{Kind: compiler.ProjectionTime, Label: w.Label}, nil
	case "fact":
		return compiler.Projection{Kind: compiler.ProjectionFact, Label: w.Label}, nil
	case "specification":
		if w.Nested == nil {
			return compiler.Projection{}, fmt.Errorf("httpapi: specification projection missing nested body")
		}
		nested, err := w.Nested.toSpecification()
		if err != nil {
			return compiler.Projection{}, err
		}
		return compiler.Projection{Kind: compiler.ProjectionSpecification, Nested: &nested}, nil
	case "composite", "":
		components := make(map[string]compiler.Projection, len(w.Components))
		for _, name := range w.ComponentOrder {
			comp, ok := w.Components[name]
			if !ok {
				return compiler.Projection{}, fmt.Errorf("httpapi: componentOrder references unknown component %q", name)
			}
			cp, err := comp.toProjection()
			if err != nil {
				return compiler.Projection{}, err
			}
			components[name] = cp
		}
		return compiler.Projection{Kind: compiler.ProjectionComposite, Components: components, ComponentOrder: append([]string(nil), w.ComponentOrder...)}, nil
	default:
		return compiler.Projection{}, fmt.Errorf("httpapi: unknown projection kind %q", w.Kind)
	}
}

// readRequest is the decoded body of POST /read: the specification
// plus the given facts' references, keyed by label name.
type readRequest struct {
	Given         map[string]wireReference `json:"given"`
	Specification wireSpecification        `json:"specification"`
}

type wireReference struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
}
