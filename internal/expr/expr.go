// Package expr defines the predicate language used by select, update and
// delete.
//
// Expr is a sealed interface: only the node types in this package
// implement it, so evaluators and backend compilers can switch over it
// exhaustively.
//
// Expression types:
//   - Attr: the value of an attribute in the row being tested
//   - Const: a literal value
//   - Binary: comparison, boolean connective or glob match
//   - Not: boolean negation
//
// Comparisons use value.Compare's total order and yield Integer(1) or
// Integer(0). Boolean connectives treat every value except Integer(0) as
// true.
package expr

import (
	"fmt"
	"strings"

	"github.com/roach88/relflow/internal/value"
)

// Expr is a predicate or value expression over a row.
type Expr interface {
	exprNode() // Marker method - seals interface to this package
	String() string
}

// Attr reads one attribute from the row. A missing attribute evaluates
// to value.NotFound.
type Attr struct {
	Name value.Attribute
}

func (Attr) exprNode() {}

func (a Attr) String() string { return string(a.Name) }

// Const is a literal.
type Const struct {
	Value value.Value
}

func (Const) exprNode() {}

func (c Const) String() string {
	if t, ok := c.Value.(value.Text); ok {
		return fmt.Sprintf("%q", string(t))
	}
	if c.Value == nil {
		return value.Null{}.String()
	}
	return c.Value.String()
}

// BinaryOp enumerates the binary operators.
type BinaryOp int

const (
	OpEq BinaryOp = iota + 1
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpGlob
)

var binaryOpSymbols = map[BinaryOp]string{
	OpEq:   "=",
	OpNe:   "!=",
	OpLt:   "<",
	OpLe:   "<=",
	OpGt:   ">",
	OpGe:   ">=",
	OpAnd:  "AND",
	OpOr:   "OR",
	OpGlob: "GLOB",
}

func (op BinaryOp) String() string {
	if s, ok := binaryOpSymbols[op]; ok {
		return s
	}
	return fmt.Sprintf("BinaryOp(%d)", int(op))
}

// Binary applies Op to Left and Right.
//
// OpGlob matches Left's text against the pattern in Right with SQLite GLOB
// rules: '*' matches any run, '?' one character, '[...]' a class.
type Binary struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
}

func (Binary) exprNode() {}

func (b Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

// Not negates its operand's truth.
type Not struct {
	Operand Expr
}

func (Not) exprNode() {}

func (n Not) String() string { return fmt.Sprintf("NOT %s", n.Operand) }

// True and False are the constant predicates.
var (
	True  Expr = Const{Value: value.True}
	False Expr = Const{Value: value.False}
)

// A references an attribute.
func A(name value.Attribute) Expr { return Attr{Name: name} }

// C wraps a literal. Go natives are converted with value.MustOf.
func C(v any) Expr { return Const{Value: value.MustOf(v)} }

// Eq is shorthand for Binary{OpEq, l, r}.
func Eq(l, r Expr) Expr { return Binary{Op: OpEq, Left: l, Right: r} }

// Ne is shorthand for Binary{OpNe, l, r}.
func Ne(l, r Expr) Expr { return Binary{Op: OpNe, Left: l, Right: r} }

// Lt is shorthand for Binary{OpLt, l, r}.
func Lt(l, r Expr) Expr { return Binary{Op: OpLt, Left: l, Right: r} }

// Le is shorthand for Binary{OpLe, l, r}.
func Le(l, r Expr) Expr { return Binary{Op: OpLe, Left: l, Right: r} }

// Gt is shorthand for Binary{OpGt, l, r}.
func Gt(l, r Expr) Expr { return Binary{Op: OpGt, Left: l, Right: r} }

// Ge is shorthand for Binary{OpGe, l, r}.
func Ge(l, r Expr) Expr { return Binary{Op: OpGe, Left: l, Right: r} }

// Glob matches l against the pattern r.
func Glob(l, r Expr) Expr { return Binary{Op: OpGlob, Left: l, Right: r} }

// AttrEq is the common attribute-equals-literal predicate.
func AttrEq(name value.Attribute, v any) Expr { return Eq(A(name), C(v)) }

// And conjoins predicates. No operands yields True.
func And(es ...Expr) Expr {
	return fold(OpAnd, True, es)
}

// Or disjoins predicates. No operands yields False.
func Or(es ...Expr) Expr {
	return fold(OpOr, False, es)
}

// Negate wraps e in Not, unwrapping a double negation.
func Negate(e Expr) Expr {
	if n, ok := e.(Not); ok {
		return n.Operand
	}
	return Not{Operand: e}
}

func fold(op BinaryOp, empty Expr, es []Expr) Expr {
	if len(es) == 0 {
		return empty
	}
	out := es[0]
	for _, e := range es[1:] {
		out = Binary{Op: op, Left: out, Right: e}
	}
	return out
}

// FromRow builds the predicate matching exactly row: the conjunction of
// attribute equalities. An empty row yields True.
func FromRow(row value.Row) Expr {
	var terms []Expr
	for a, v := range row.Fields() {
		terms = append(terms, Eq(A(a), Const{Value: v}))
	}
	return And(terms...)
}

// Attributes returns every attribute e reads.
func Attributes(e Expr) value.Scheme {
	var attrs []value.Attribute
	Walk(e, func(n Expr) {
		if a, ok := n.(Attr); ok {
			attrs = append(attrs, a.Name)
		}
	})
	return value.NewScheme(attrs...)
}

// Walk calls fn for e and every sub-expression, parents first.
func Walk(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch n := e.(type) {
	case Binary:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case Not:
		Walk(n.Operand, fn)
	}
}

// MapAttrs rebuilds e with every Attr replaced by fn's result.
func MapAttrs(e Expr, fn func(Attr) Expr) Expr {
	switch n := e.(type) {
	case Attr:
		return fn(n)
	case Binary:
		return Binary{Op: n.Op, Left: MapAttrs(n.Left, fn), Right: MapAttrs(n.Right, fn)}
	case Not:
		return Not{Operand: MapAttrs(n.Operand, fn)}
	default:
		return e
	}
}

// Rename relabels attribute references.
func Rename(e Expr, renames map[value.Attribute]value.Attribute) Expr {
	if len(renames) == 0 {
		return e
	}
	return MapAttrs(e, func(a Attr) Expr {
		if to, ok := renames[a.Name]; ok {
			return Attr{Name: to}
		}
		return a
	})
}

// Substitute replaces references to attributes present in row with the
// row's values.
func Substitute(e Expr, row value.Row) Expr {
	if row.Len() == 0 {
		return e
	}
	return MapAttrs(e, func(a Attr) Expr {
		if v, ok := row.Lookup(a.Name); ok {
			return Const{Value: v}
		}
		return a
	})
}

// Conjuncts flattens nested ANDs into their terms.
func Conjuncts(e Expr) []Expr {
	if b, ok := e.(Binary); ok && b.Op == OpAnd {
		return append(Conjuncts(b.Left), Conjuncts(b.Right)...)
	}
	return []Expr{e}
}

// Format renders e for logs, or "<nil>".
func Format(e Expr) string {
	if e == nil {
		return "<nil>"
	}
	return strings.TrimSpace(e.String())
}
