package value

import (
	"fmt"
	"iter"
	"slices"
	"strings"
)

// Attribute names a column.
type Attribute string

// Scheme is an unordered set of attributes. The attributes are kept sorted
// so two equal schemes always enumerate identically.
type Scheme struct {
	attrs []Attribute
}

// NewScheme builds a scheme, dropping duplicates.
func NewScheme(attrs ...Attribute) Scheme {
	out := slices.Clone(attrs)
	slices.Sort(out)
	return Scheme{attrs: slices.Compact(out)}
}

// Attributes returns the attributes in sorted order. The slice is a copy.
func (s Scheme) Attributes() []Attribute {
	return slices.Clone(s.attrs)
}

// Len returns the number of attributes.
func (s Scheme) Len() int { return len(s.attrs) }

// Contains reports whether a is part of the scheme.
func (s Scheme) Contains(a Attribute) bool {
	_, ok := slices.BinarySearch(s.attrs, a)
	return ok
}

// Equal reports whether both schemes hold the same attributes.
func (s Scheme) Equal(o Scheme) bool {
	return slices.Equal(s.attrs, o.attrs)
}

// IsSubset reports whether every attribute of s is in o.
func (s Scheme) IsSubset(o Scheme) bool {
	for _, a := range s.attrs {
		if !o.Contains(a) {
			return false
		}
	}
	return true
}

// Union returns the attributes in either scheme.
func (s Scheme) Union(o Scheme) Scheme {
	return NewScheme(append(slices.Clone(s.attrs), o.attrs...)...)
}

// Intersect returns the attributes in both schemes.
func (s Scheme) Intersect(o Scheme) Scheme {
	var out []Attribute
	for _, a := range s.attrs {
		if o.Contains(a) {
			out = append(out, a)
		}
	}
	return Scheme{attrs: out}
}

// Minus returns the attributes of s that are not in o.
func (s Scheme) Minus(o Scheme) Scheme {
	var out []Attribute
	for _, a := range s.attrs {
		if !o.Contains(a) {
			out = append(out, a)
		}
	}
	return Scheme{attrs: out}
}

func (s Scheme) String() string {
	names := make([]string, len(s.attrs))
	for i, a := range s.attrs {
		names[i] = string(a)
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// Field is one attribute/value pair, used to build rows.
type Field struct {
	Attr  Attribute
	Value Value
}

// F is shorthand for constructing a Field.
// Example: NewRow(F("name", Text("Jones")), F("age", Integer(41)))
func F(attr Attribute, v Value) Field {
	return Field{Attr: attr, Value: v}
}

// Row is an immutable mapping from attributes to values. The zero Row has
// no attributes. Methods that "modify" a row return a new one.
type Row struct {
	attrs []Attribute
	vals  []Value
}

// NewRow builds a row from fields. A later field for the same attribute
// replaces an earlier one.
func NewRow(fields ...Field) Row {
	m := make(map[Attribute]Value, len(fields))
	for _, f := range fields {
		m[f.Attr] = f.Value
	}
	return RowFromMap(m)
}

// RowFromMap builds a row from a map.
func RowFromMap(m map[Attribute]Value) Row {
	attrs := make([]Attribute, 0, len(m))
	for a := range m {
		attrs = append(attrs, a)
	}
	slices.Sort(attrs)
	vals := make([]Value, len(attrs))
	for i, a := range attrs {
		v := m[a]
		if v == nil {
			v = Null{}
		}
		vals[i] = v
	}
	return Row{attrs: attrs, vals: vals}
}

// RowFromNative builds a row from decoded YAML/JSON/CUE data.
func RowFromNative(m map[string]any) (Row, error) {
	out := make(map[Attribute]Value, len(m))
	for k, v := range m {
		val, err := Of(v)
		if err != nil {
			return Row{}, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[Attribute(k)] = val
	}
	return RowFromMap(out), nil
}

// Len returns the number of attributes.
func (r Row) Len() int { return len(r.attrs) }

// Scheme returns the row's attributes.
func (r Row) Scheme() Scheme {
	return Scheme{attrs: slices.Clone(r.attrs)}
}

// Lookup returns the value for a and whether the row has it.
func (r Row) Lookup(a Attribute) (Value, bool) {
	i, ok := slices.BinarySearch(r.attrs, a)
	if !ok {
		return nil, false
	}
	return r.vals[i], true
}

// Get returns the value for a, or NotFound.
func (r Row) Get(a Attribute) Value {
	if v, ok := r.Lookup(a); ok {
		return v
	}
	return NotFound{}
}

// Fields iterates the row in attribute order.
func (r Row) Fields() iter.Seq2[Attribute, Value] {
	return func(yield func(Attribute, Value) bool) {
		for i, a := range r.attrs {
			if !yield(a, r.vals[i]) {
				return
			}
		}
	}
}

// Map returns a copy of the row as a map.
func (r Row) Map() map[Attribute]Value {
	m := make(map[Attribute]Value, len(r.attrs))
	for i, a := range r.attrs {
		m[a] = r.vals[i]
	}
	return m
}

// Native returns the row as decoded-data shapes, keyed by attribute name.
func (r Row) Native() map[string]any {
	m := make(map[string]any, len(r.attrs))
	for i, a := range r.attrs {
		m[string(a)] = Native(r.vals[i])
	}
	return m
}

// With returns a copy of the row with a set to v.
func (r Row) With(a Attribute, v Value) Row {
	m := r.Map()
	m[a] = v
	return RowFromMap(m)
}

// Merge returns a copy of the row overlaid with every field of o.
func (r Row) Merge(o Row) Row {
	if o.Len() == 0 {
		return r
	}
	m := r.Map()
	for i, a := range o.attrs {
		m[a] = o.vals[i]
	}
	return RowFromMap(m)
}

// Project keeps only the attributes in s. Attributes of s the row lacks
// are omitted.
func (r Row) Project(s Scheme) Row {
	out := Row{}
	for i, a := range r.attrs {
		if s.Contains(a) {
			out.attrs = append(out.attrs, a)
			out.vals = append(out.vals, r.vals[i])
		}
	}
	return out
}

// Rename relabels attributes according to renames. Unlisted attributes
// keep their names.
func (r Row) Rename(renames map[Attribute]Attribute) Row {
	if len(renames) == 0 {
		return r
	}
	m := make(map[Attribute]Value, len(r.attrs))
	for i, a := range r.attrs {
		if to, ok := renames[a]; ok {
			a = to
		}
		m[a] = r.vals[i]
	}
	return RowFromMap(m)
}

// Equal reports content equality.
func (r Row) Equal(o Row) bool {
	if !slices.Equal(r.attrs, o.attrs) {
		return false
	}
	for i := range r.vals {
		if !Equal(r.vals[i], o.vals[i]) {
			return false
		}
	}
	return true
}

// CompareRows orders rows by their attributes, then by values in
// attribute order. Used for deterministic output.
func CompareRows(a, b Row) int {
	if c := slices.Compare(a.attrs, b.attrs); c != 0 {
		return c
	}
	for i := range a.vals {
		if c := Compare(a.vals[i], b.vals[i]); c != 0 {
			return c
		}
	}
	return 0
}

func (r Row) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, a := range r.attrs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(string(a))
		sb.WriteString(": ")
		if t, ok := r.vals[i].(Text); ok {
			sb.WriteString(fmt.Sprintf("%q", string(t)))
		} else {
			sb.WriteString(r.vals[i].String())
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
