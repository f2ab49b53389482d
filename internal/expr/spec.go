package expr

import (
	"fmt"
	"slices"

	"github.com/roach88/relflow/internal/value"
)

// Spec is the declarative form of an expression, as written in CUE schema
// files and YAML scenarios. Exactly one form may be set:
//
//	match: {pilot: "Smith"}                       # AND of attribute equalities
//	attr: "pilot"                                 # attribute reference
//	const: 3                                      # literal (null allowed via null: true)
//	op: "and", args: [...]                        # operator application
//
// Operators: and, or, not, eq, ne, lt, le, gt, ge, glob.
type Spec struct {
	Match map[string]any `json:"match,omitempty" yaml:"match,omitempty"`
	Attr  string         `json:"attr,omitempty" yaml:"attr,omitempty"`
	Const any            `json:"const,omitempty" yaml:"const,omitempty"`
	Null  bool           `json:"null,omitempty" yaml:"null,omitempty"`
	Op    string         `json:"op,omitempty" yaml:"op,omitempty"`
	Args  []Spec         `json:"args,omitempty" yaml:"args,omitempty"`
}

var specOps = map[string]BinaryOp{
	"eq":   OpEq,
	"ne":   OpNe,
	"lt":   OpLt,
	"le":   OpLe,
	"gt":   OpGt,
	"ge":   OpGe,
	"glob": OpGlob,
}

// Build converts the spec into an Expr.
func (s Spec) Build() (Expr, error) {
	switch {
	case s.Match != nil:
		return buildMatch(s.Match)
	case s.Attr != "":
		return Attr{Name: value.Attribute(s.Attr)}, nil
	case s.Null:
		return Const{Value: value.Null{}}, nil
	case s.Const != nil:
		v, err := value.Of(s.Const)
		if err != nil {
			return nil, fmt.Errorf("const: %w", err)
		}
		return Const{Value: v}, nil
	case s.Op != "":
		return s.buildOp()
	default:
		return nil, fmt.Errorf("empty expression")
	}
}

func (s Spec) buildOp() (Expr, error) {
	args := make([]Expr, len(s.Args))
	for i, a := range s.Args {
		e, err := a.Build()
		if err != nil {
			return nil, fmt.Errorf("%s arg %d: %w", s.Op, i, err)
		}
		args[i] = e
	}

	switch s.Op {
	case "and":
		return And(args...), nil
	case "or":
		return Or(args...), nil
	case "not":
		if len(args) != 1 {
			return nil, fmt.Errorf("not takes 1 argument, got %d", len(args))
		}
		return Not{Operand: args[0]}, nil
	}

	op, ok := specOps[s.Op]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", s.Op)
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("%s takes 2 arguments, got %d", s.Op, len(args))
	}
	return Binary{Op: op, Left: args[0], Right: args[1]}, nil
}

// buildMatch sorts attribute names so the result is deterministic.
func buildMatch(m map[string]any) (Expr, error) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)

	terms := make([]Expr, 0, len(names))
	for _, name := range names {
		v, err := value.Of(m[name])
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", name, err)
		}
		terms = append(terms, Eq(A(value.Attribute(name)), Const{Value: v}))
	}
	return And(terms...), nil
}
