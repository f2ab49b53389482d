package expr

import (
	"fmt"
	"strings"

	"github.com/roach88/relflow/internal/value"
)

// ValidationError lists the problems found in an expression.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid expression: " + strings.Join(e.Problems, "; ")
}

// Validate checks that e only references attributes of scheme and that
// every node is well formed. It returns nil or a *ValidationError.
//
// Validate is a pure function with no side effects.
func Validate(e Expr, scheme value.Scheme) error {
	v := &validator{scheme: scheme}
	v.validate(e)
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

type validator struct {
	scheme   value.Scheme
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validate(e Expr) {
	switch n := e.(type) {
	case nil:
		v.addProblem("nil expression")
	case Attr:
		if !v.scheme.Contains(n.Name) {
			v.addProblem("unknown attribute %q (scheme %s)", n.Name, v.scheme)
		}
	case Const:
		if n.Value == nil {
			v.addProblem("constant without a value")
		}
	case Not:
		v.validate(n.Operand)
	case Binary:
		if _, ok := binaryOpSymbols[n.Op]; !ok {
			v.addProblem("unknown operator %d", int(n.Op))
		}
		v.validate(n.Left)
		v.validate(n.Right)
	default:
		v.addProblem("unknown expression type %T", e)
	}
}
