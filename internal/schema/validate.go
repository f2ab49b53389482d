package schema

import (
	"fmt"
	"strings"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/value"
)

// Validation error codes (E100-E199)
const (
	// Table errors (E101-E109)
	ErrDuplicateName = "E101" // table or view name used twice
	ErrNoColumns     = "E102" // table declares no columns
	ErrRowScheme     = "E103" // seed row attributes differ from columns
	ErrRowType       = "E104" // seed value does not fit its column type

	// View errors (E110-E119)
	ErrUnknownOp        = "E110" // unsupported operator
	ErrOperandCount     = "E111" // wrong number of operands
	ErrUnknownRelation  = "E112" // view reads an undefined table or view
	ErrInvalidWhere     = "E113" // predicate does not build or validate
	ErrSchemeMismatch   = "E114" // operand schemes differ where they must match
	ErrUnknownAttribute = "E115" // attribute not in the operand scheme
	ErrViewCycle        = "E116" // views read each other
	ErrMissingField     = "E117" // operator field required but absent
	ErrInvalidValue     = "E118" // literal cannot be converted
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors is every problem Validate found.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// Validate checks a compiled schema and returns every error found (does
// not fail fast). Views are checked in dependency order, so each view is
// checked against the schemes of the relations it reads.
func Validate(s *Schema) []ValidationError {
	_, errs := resolveSchemes(s)
	return errs
}

// resolveSchemes validates s and returns the scheme of every valid table
// and view.
func resolveSchemes(s *Schema) (map[string]value.Scheme, []ValidationError) {
	var errs []ValidationError
	schemes := make(map[string]value.Scheme)
	seen := make(map[string]bool)

	for _, t := range s.Tables {
		field := "table." + t.Name
		if seen[t.Name] {
			errs = append(errs, ValidationError{
				Field: field, Code: ErrDuplicateName, Line: t.Pos.Line(),
				Message: fmt.Sprintf("duplicate name: %q", t.Name),
			})
			continue
		}
		seen[t.Name] = true
		errs = append(errs, validateTable(t)...)
		schemes[t.Name] = t.Scheme()
	}

	for _, v := range s.Views {
		if seen[v.Name] {
			errs = append(errs, ValidationError{
				Field: "view." + v.Name, Code: ErrDuplicateName, Line: v.Pos.Line(),
				Message: fmt.Sprintf("duplicate name: %q", v.Name),
			})
		}
		seen[v.Name] = true
	}

	graph := buildDependencyGraph(s)
	for _, cycle := range findCycles(graph) {
		errs = append(errs, ValidationError{
			Field:   "view." + cycle[0],
			Code:    ErrViewCycle,
			Message: fmt.Sprintf("views read each other: %s", strings.Join(cycle, " -> ")),
		})
	}

	for _, name := range topoOrder(s, graph) {
		v, _ := s.View(name)
		scheme, verrs := viewScheme(v, schemes)
		errs = append(errs, verrs...)
		if len(verrs) == 0 {
			schemes[name] = scheme
		}
	}
	return schemes, errs
}

func validateTable(t Table) []ValidationError {
	var errs []ValidationError
	field := "table." + t.Name
	line := t.Pos.Line()

	if len(t.Columns) == 0 {
		errs = append(errs, ValidationError{
			Field: field + ".columns", Code: ErrNoColumns, Line: line,
			Message: "at least one column is required",
		})
	}

	scheme := t.Scheme()
	for i, row := range t.Rows {
		rowField := fmt.Sprintf("%s.rows[%d]", field, i)
		if !row.Scheme().Equal(scheme) {
			errs = append(errs, ValidationError{
				Field: rowField, Code: ErrRowScheme, Line: line,
				Message: fmt.Sprintf("row has attributes %s, table has %s", row.Scheme(), scheme),
			})
			continue
		}
		for attr, v := range row.Fields() {
			col, _ := t.Column(string(attr))
			if !col.Type.accepts(v) {
				errs = append(errs, ValidationError{
					Field: rowField + "." + string(attr), Code: ErrRowType, Line: line,
					Message: fmt.Sprintf("%s value in %s column", v.Kind(), col.Type),
				})
			}
		}
	}
	return errs
}

// viewScheme computes the scheme v produces, or the reasons it cannot.
func viewScheme(v View, schemes map[string]value.Scheme) (value.Scheme, []ValidationError) {
	field := "view." + v.Name
	line := v.Pos.Line()
	fail := func(code, field, format string, args ...any) (value.Scheme, []ValidationError) {
		return value.Scheme{}, []ValidationError{{
			Field: field, Code: code, Line: line, Message: fmt.Sprintf(format, args...),
		}}
	}

	want, ok := arity[v.Op]
	if !ok {
		return fail(ErrUnknownOp, field+".op", "unsupported operator %q", v.Op)
	}
	if len(v.From) != want {
		return fail(ErrOperandCount, field+".from", "%s takes %d operand(s), got %d", v.Op, want, len(v.From))
	}

	in := make([]value.Scheme, len(v.From))
	for i, name := range v.From {
		s, ok := schemes[name]
		if !ok {
			return fail(ErrUnknownRelation, field+".from", "unknown or invalid relation %q", name)
		}
		in[i] = s
	}

	checkWhere := func(scheme value.Scheme) []ValidationError {
		if v.Where == nil {
			_, errs := fail(ErrMissingField, field+".where", "%s requires where", v.Op)
			return errs
		}
		e, err := v.Where.Build()
		if err == nil {
			err = expr.Validate(e, scheme)
		}
		if err != nil {
			_, errs := fail(ErrInvalidWhere, field+".where", "%v", err)
			return errs
		}
		return nil
	}

	switch v.Op {
	case OpUnion, OpIntersection, OpDifference, OpOtherwise:
		if !in[0].Equal(in[1]) {
			return fail(ErrSchemeMismatch, field+".from", "%s of mismatched schemes %s and %s", v.Op, in[0], in[1])
		}
		return in[0], nil

	case OpJoin, OpLeftOuterJoin:
		return in[0].Union(in[1]), nil

	case OpEquijoin:
		for l, r := range v.On {
			if !in[0].Contains(value.Attribute(l)) || !in[1].Contains(value.Attribute(r)) {
				return fail(ErrUnknownAttribute, field+".on", "equijoin on unknown attributes %s=%s", l, r)
			}
		}
		return in[0].Union(in[1]), nil

	case OpThetaJoin:
		out := in[0].Union(in[1])
		return out, checkWhere(out)

	case OpSelect, OpMutableSelect:
		return in[0], checkWhere(in[0])

	case OpProject:
		if len(v.Attrs) == 0 {
			return fail(ErrMissingField, field+".attrs", "project requires attrs")
		}
		s := value.NewScheme(attributes(v.Attrs)...)
		if !s.IsSubset(in[0]) {
			return fail(ErrUnknownAttribute, field+".attrs", "project %s not a subset of %s", s, in[0])
		}
		return s, nil

	case OpRename:
		if len(v.Renames) == 0 {
			return fail(ErrMissingField, field+".renames", "rename requires renames")
		}
		var attrs []value.Attribute
		for _, a := range in[0].Attributes() {
			if to, ok := v.Renames[string(a)]; ok {
				a = value.Attribute(to)
			}
			attrs = append(attrs, a)
		}
		for from := range v.Renames {
			if !in[0].Contains(value.Attribute(from)) {
				return fail(ErrUnknownAttribute, field+".renames", "rename of unknown attribute %q", from)
			}
		}
		s := value.NewScheme(attrs...)
		if s.Len() != in[0].Len() {
			return fail(ErrSchemeMismatch, field+".renames", "rename collides in %s", in[0])
		}
		return s, nil

	case OpCount:
		return value.NewScheme("count"), nil

	case OpMin, OpMax, OpUnique:
		if v.Attr == "" {
			return fail(ErrMissingField, field+".attr", "%s requires attr", v.Op)
		}
		if !in[0].Contains(value.Attribute(v.Attr)) {
			return fail(ErrUnknownAttribute, field+".attr", "%s on unknown attribute %q", v.Op, v.Attr)
		}
		if v.Op != OpUnique {
			return value.NewScheme(value.Attribute(v.Attr)), nil
		}
		if _, err := value.Of(v.Value); err != nil {
			return fail(ErrInvalidValue, field+".value", "%v", err)
		}
		return in[0], nil

	case OpWithUpdate:
		if len(v.Values) == 0 {
			return fail(ErrMissingField, field+".values", "with_update requires values")
		}
		row, err := value.RowFromNative(v.Values)
		if err != nil {
			return fail(ErrInvalidValue, field+".values", "%v", err)
		}
		return in[0].Union(row.Scheme()), nil
	}
	return fail(ErrUnknownOp, field+".op", "unsupported operator %q", v.Op)
}

func attributes(names []string) []value.Attribute {
	out := make([]value.Attribute, len(names))
	for i, n := range names {
		out[i] = value.Attribute(n)
	}
	return out
}
