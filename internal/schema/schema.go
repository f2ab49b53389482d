package schema

import (
	"fmt"
	"slices"

	"cuelang.org/go/cue/token"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/value"
)

// ColumnType is the declared kind of a table column.
type ColumnType string

const (
	TypeText    ColumnType = "text"
	TypeInteger ColumnType = "integer"
	TypeReal    ColumnType = "real"
	TypeBlob    ColumnType = "blob"
)

// accepts reports whether v may be stored in a column of type t. Null
// fits every column.
func (t ColumnType) accepts(v value.Value) bool {
	switch v.Kind() {
	case value.KindNull:
		return true
	case value.KindText:
		return t == TypeText
	case value.KindInteger:
		return t == TypeInteger || t == TypeReal
	case value.KindReal:
		return t == TypeReal
	case value.KindBlob:
		return t == TypeBlob
	default:
		return false
	}
}

// Schema is a compiled set of table and view definitions, in
// declaration order.
type Schema struct {
	Tables []Table
	Views  []View
}

// Column is one declared table column.
type Column struct {
	Name string
	Type ColumnType
}

// Table is a stored base relation with optional seed rows.
type Table struct {
	Name    string
	Columns []Column
	Rows    []value.Row
	Pos     token.Pos
}

// Scheme returns the table's attribute set.
func (t Table) Scheme() value.Scheme {
	attrs := make([]value.Attribute, len(t.Columns))
	for i, c := range t.Columns {
		attrs[i] = value.Attribute(c.Name)
	}
	return value.NewScheme(attrs...)
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// View is a derived relation: one operator applied to named tables or
// other views. Which fields are used depends on Op.
type View struct {
	Name string
	Op   Op
	From []string

	Attrs   []string          // project
	On      map[string]string // equijoin: left attribute -> right attribute
	Renames map[string]string // rename: from -> to
	Where   *expr.Spec        // select, mutable_select, theta_join
	Attr    string            // min, max, unique
	Value   any               // unique
	Values  map[string]any    // with_update

	Pos token.Pos
}

// Op names a view operator.
type Op string

const (
	OpUnion         Op = "union"
	OpIntersection  Op = "intersection"
	OpDifference    Op = "difference"
	OpOtherwise     Op = "otherwise"
	OpJoin          Op = "join"
	OpEquijoin      Op = "equijoin"
	OpThetaJoin     Op = "theta_join"
	OpLeftOuterJoin Op = "left_outer_join"
	OpProject       Op = "project"
	OpSelect        Op = "select"
	OpMutableSelect Op = "mutable_select"
	OpRename        Op = "rename"
	OpCount         Op = "count"
	OpMin           Op = "min"
	OpMax           Op = "max"
	OpUnique        Op = "unique"
	OpWithUpdate    Op = "with_update"
)

// arity is the number of operands each operator takes.
var arity = map[Op]int{
	OpUnion:         2,
	OpIntersection:  2,
	OpDifference:    2,
	OpOtherwise:     2,
	OpJoin:          2,
	OpEquijoin:      2,
	OpThetaJoin:     2,
	OpLeftOuterJoin: 2,
	OpProject:       1,
	OpSelect:        1,
	OpMutableSelect: 1,
	OpRename:        1,
	OpCount:         1,
	OpMin:           1,
	OpMax:           1,
	OpUnique:        1,
	OpWithUpdate:    1,
}

// Ops lists the supported view operators in sorted order.
func Ops() []Op {
	out := make([]Op, 0, len(arity))
	for op := range arity {
		out = append(out, op)
	}
	slices.Sort(out)
	return out
}

// Table looks up a table definition by name.
func (s *Schema) Table(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// View looks up a view definition by name.
func (s *Schema) View(name string) (View, bool) {
	for _, v := range s.Views {
		if v.Name == name {
			return v, true
		}
	}
	return View{}, false
}

// Names lists every table then every view, in declaration order.
func (s *Schema) Names() []string {
	out := make([]string, 0, len(s.Tables)+len(s.Views))
	for _, t := range s.Tables {
		out = append(out, t.Name)
	}
	for _, v := range s.Views {
		out = append(out, v.Name)
	}
	return out
}

// CompileError is a problem found while reading a CUE definition, with
// its source position when known.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
