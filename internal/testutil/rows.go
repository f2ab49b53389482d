package testutil

import (
	"fmt"

	"github.com/roach88/relflow/internal/value"
)

// Row builds a row from alternating attribute names and Go values:
//
//	testutil.Row("id", 1, "name", "Jones")
//
// It panics on an odd argument count or an unsupported value type.
func Row(kv ...any) value.Row {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("testutil.Row: odd argument count %d", len(kv)))
	}
	fields := make([]value.Field, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("testutil.Row: attribute %v is not a string", kv[i]))
		}
		fields = append(fields, value.F(value.Attribute(name), value.MustOf(kv[i+1])))
	}
	return value.NewRow(fields...)
}

// Set builds a row set.
func Set(rows ...value.Row) *value.RowSet {
	return value.NewRowSet(rows...)
}

// Strings renders rows in sorted order, for readable assertions.
func Strings(rows *value.RowSet) []string {
	out := []string{}
	for _, r := range rows.Sorted() {
		out = append(out, r.String())
	}
	return out
}

// Scheme builds a scheme from attribute names.
func Scheme(names ...string) value.Scheme {
	attrs := make([]value.Attribute, len(names))
	for i, n := range names {
		attrs[i] = value.Attribute(n)
	}
	return value.NewScheme(attrs...)
}
