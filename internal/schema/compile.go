package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/value"
)

// Compile reads table and view definitions from a CUE value.
// Uses the CUE SDK's Go API directly.
//
// The value holds two optional structs:
//
//	table: flights: {
//		columns: {number: int, pilot: string}
//		rows: [{number: 1, pilot: "Jones"}]
//	}
//	view: schedule: {
//		op:   "equijoin"
//		from: ["flights", "pilots"]
//		on: {pilot: "name"}
//	}
//
// Compile checks shapes only. Validate checks names, operands and
// schemes.
func Compile(v cue.Value) (*Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	s := &Schema{}
	var err error
	s.Tables, err = parseTables(v)
	if err != nil {
		return nil, err
	}
	s.Views, err = parseViews(v)
	if err != nil {
		return nil, err
	}
	if len(s.Tables) == 0 && len(s.Views) == 0 {
		return nil, &CompileError{Field: "schema", Message: "no tables or views defined", Pos: v.Pos()}
	}
	return s, nil
}

func parseTables(v cue.Value) ([]Table, error) {
	tablesVal := v.LookupPath(fieldPath("table"))
	if !tablesVal.Exists() {
		return nil, nil
	}
	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var tables []Table
	for iter.Next() {
		t, err := parseTable(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func parseTable(name string, v cue.Value) (Table, error) {
	t := Table{Name: name, Pos: v.Pos()}

	colsVal := v.LookupPath(fieldPath("columns"))
	if !colsVal.Exists() {
		return t, &CompileError{
			Field:   fmt.Sprintf("table.%s.columns", name),
			Message: "columns are required",
			Pos:     v.Pos(),
		}
	}
	iter, err := colsVal.Fields()
	if err != nil {
		return t, formatCUEError(err)
	}
	for iter.Next() {
		colType, err := extractColumnType(iter.Value())
		if err != nil {
			return t, err
		}
		t.Columns = append(t.Columns, Column{Name: iter.Label(), Type: colType})
	}

	rowsVal := v.LookupPath(fieldPath("rows"))
	if rowsVal.Exists() {
		list, err := rowsVal.List()
		if err != nil {
			return t, formatCUEError(err)
		}
		for list.Next() {
			row, err := parseRow(list.Value())
			if err != nil {
				return t, err
			}
			t.Rows = append(t.Rows, row)
		}
	}
	return t, nil
}

func parseRow(v cue.Value) (value.Row, error) {
	n, err := native(v)
	if err != nil {
		return value.Row{}, err
	}
	m, ok := n.(map[string]any)
	if !ok {
		return value.Row{}, &CompileError{Field: "rows", Message: "row must be a struct", Pos: v.Pos()}
	}
	row, err := value.RowFromNative(m)
	if err != nil {
		return value.Row{}, &CompileError{Field: "rows", Message: err.Error(), Pos: v.Pos()}
	}
	return row, nil
}

// extractColumnType maps a CUE type to a column type. A null
// disjunct (*null | int) is allowed and ignored.
func extractColumnType(v cue.Value) (ColumnType, error) {
	switch v.IncompleteKind() &^ cue.NullKind {
	case cue.StringKind:
		return TypeText, nil
	case cue.IntKind:
		return TypeInteger, nil
	case cue.FloatKind, cue.NumberKind:
		return TypeReal, nil
	case cue.BytesKind:
		return TypeBlob, nil
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported column type: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

func parseViews(v cue.Value) ([]View, error) {
	viewsVal := v.LookupPath(fieldPath("view"))
	if !viewsVal.Exists() {
		return nil, nil
	}
	iter, err := viewsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var views []View
	for iter.Next() {
		view, err := parseView(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func parseView(name string, v cue.Value) (View, error) {
	view := View{Name: name, Pos: v.Pos()}
	field := func(f string) string { return fmt.Sprintf("view.%s.%s", name, f) }

	opVal := v.LookupPath(fieldPath("op"))
	if !opVal.Exists() {
		return view, &CompileError{Field: field("op"), Message: "op is required", Pos: v.Pos()}
	}
	op, err := opVal.String()
	if err != nil {
		return view, formatCUEError(err)
	}
	view.Op = Op(op)

	if view.From, err = stringList(v, "from"); err != nil {
		return view, err
	}
	if view.Attrs, err = stringList(v, "attrs"); err != nil {
		return view, err
	}
	if view.On, err = stringMap(v, "on"); err != nil {
		return view, err
	}
	if view.Renames, err = stringMap(v, "renames"); err != nil {
		return view, err
	}

	if attrVal := v.LookupPath(fieldPath("attr")); attrVal.Exists() {
		if view.Attr, err = attrVal.String(); err != nil {
			return view, formatCUEError(err)
		}
	}
	if valueVal := v.LookupPath(fieldPath("value")); valueVal.Exists() {
		if view.Value, err = native(valueVal); err != nil {
			return view, err
		}
	}
	if valuesVal := v.LookupPath(fieldPath("values")); valuesVal.Exists() {
		n, err := native(valuesVal)
		if err != nil {
			return view, err
		}
		m, ok := n.(map[string]any)
		if !ok {
			return view, &CompileError{Field: field("values"), Message: "values must be a struct", Pos: valuesVal.Pos()}
		}
		view.Values = m
	}
	if whereVal := v.LookupPath(fieldPath("where")); whereVal.Exists() {
		spec, err := parseExpr(whereVal)
		if err != nil {
			return view, err
		}
		view.Where = &spec
	}
	return view, nil
}

// parseExpr reads the declarative expression form expr.Spec describes.
func parseExpr(v cue.Value) (expr.Spec, error) {
	var spec expr.Spec
	if m := v.LookupPath(fieldPath("match")); m.Exists() {
		n, err := native(m)
		if err != nil {
			return spec, err
		}
		match, ok := n.(map[string]any)
		if !ok {
			return spec, &CompileError{Field: "where.match", Message: "match must be a struct", Pos: m.Pos()}
		}
		spec.Match = match
	}
	if a := v.LookupPath(fieldPath("attr")); a.Exists() {
		s, err := a.String()
		if err != nil {
			return spec, formatCUEError(err)
		}
		spec.Attr = s
	}
	if c := v.LookupPath(fieldPath("const")); c.Exists() {
		n, err := native(c)
		if err != nil {
			return spec, err
		}
		if n == nil {
			spec.Null = true
		}
		spec.Const = n
	}
	if nv := v.LookupPath(fieldPath("null")); nv.Exists() {
		b, err := nv.Bool()
		if err != nil {
			return spec, formatCUEError(err)
		}
		spec.Null = b
	}
	if o := v.LookupPath(fieldPath("op")); o.Exists() {
		s, err := o.String()
		if err != nil {
			return spec, formatCUEError(err)
		}
		spec.Op = s
	}
	if args := v.LookupPath(fieldPath("args")); args.Exists() {
		list, err := args.List()
		if err != nil {
			return spec, formatCUEError(err)
		}
		for list.Next() {
			arg, err := parseExpr(list.Value())
			if err != nil {
				return spec, err
			}
			spec.Args = append(spec.Args, arg)
		}
	}
	return spec, nil
}

func stringList(v cue.Value, name string) ([]string, error) {
	lv := v.LookupPath(fieldPath(name))
	if !lv.Exists() {
		return nil, nil
	}
	list, err := lv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for list.Next() {
		s, err := list.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func stringMap(v cue.Value, name string) (map[string]string, error) {
	mv := v.LookupPath(fieldPath(name))
	if !mv.Exists() {
		return nil, nil
	}
	iter, err := mv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	out := make(map[string]string)
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out[iter.Label()] = s
	}
	return out, nil
}

// native converts a concrete CUE value into the Go shapes value.Of
// accepts, plus maps and slices for structs and lists.
func native(v cue.Value) (any, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if !v.IsConcrete() {
		return nil, &CompileError{Field: "value", Message: "value must be concrete", Pos: v.Pos()}
	}

	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return v.Bool()
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return i, nil
	case cue.FloatKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return f, nil
	case cue.StringKind:
		return v.String()
	case cue.BytesKind:
		return v.Bytes()
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		m := make(map[string]any)
		for iter.Next() {
			n, err := native(iter.Value())
			if err != nil {
				return nil, err
			}
			m[iter.Label()] = n
		}
		return m, nil
	case cue.ListKind:
		list, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var out []any
		for list.Next() {
			n, err := native(list.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, &CompileError{Field: "value", Message: fmt.Sprintf("unsupported kind %v", v.Kind()), Pos: v.Pos()}
	}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

// fieldPath selects a regular field by name. Labels such as null would be
// read as keywords by cue.ParsePath.
func fieldPath(name string) cue.Path {
	return cue.MakePath(cue.Str(name))
}
