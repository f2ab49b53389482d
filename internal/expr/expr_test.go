package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/relflow/internal/value"
)

func row(fields ...any) value.Row {
	var fs []value.Field
	for i := 0; i < len(fields); i += 2 {
		fs = append(fs, value.F(value.Attribute(fields[i].(string)), value.MustOf(fields[i+1])))
	}
	return value.NewRow(fs...)
}

func TestExprSealed(t *testing.T) {
	var _ Expr = Attr{}
	var _ Expr = Const{}
	var _ Expr = Binary{}
	var _ Expr = Not{}
}

func TestEvalComparisons(t *testing.T) {
	r := row("n", 5, "word", "five")

	tests := []struct {
		name string
		e    Expr
		want bool
	}{
		{"eq", AttrEq("n", 5), true},
		{"eq text", AttrEq("word", "five"), true},
		{"ne", Ne(A("n"), C(4)), true},
		{"lt", Lt(A("n"), C(6)), true},
		{"le", Le(A("n"), C(5)), true},
		{"gt false", Gt(A("n"), C(5)), false},
		{"ge", Ge(A("n"), C(5)), true},
		{"and", And(AttrEq("n", 5), AttrEq("word", "five")), true},
		{"and false", And(AttrEq("n", 5), AttrEq("word", "six")), false},
		{"or", Or(AttrEq("n", 1), AttrEq("word", "five")), true},
		{"not", Negate(AttrEq("n", 1)), true},
		{"missing attribute", AttrEq("missing", 5), false},
		{"cross kind", Lt(A("n"), C("a")), true},
		{"empty and", And(), true},
		{"empty or", Or(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.e, r), Format(tt.e))
		})
	}
}

func TestEvalComparisonYieldsIntegers(t *testing.T) {
	r := row("n", 1)
	assert.True(t, value.Equal(value.Integer(1), Eval(AttrEq("n", 1), r)))
	assert.True(t, value.Equal(value.Integer(0), Eval(AttrEq("n", 2), r)))
	assert.True(t, value.Equal(value.Integer(1), Eval(A("n"), r)))
}

func TestGlob(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "", true},
		{"a*", "abc", true},
		{"a*", "bac", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"*/*", "x/y", true},
		{"[a-c]x", "bx", true},
		{"[^a-c]x", "bx", false},
		{"[]]", "]", true},
		{"ABC", "abc", false},
		{"[ab", "[ab", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globMatch(tt.pattern, tt.s), "%q GLOB %q", tt.s, tt.pattern)
	}

	r := row("name", "Johnson")
	assert.True(t, Matches(Glob(A("name"), C("J*son")), r))
	assert.False(t, Matches(Glob(A("missing"), C("*")), r))
}

func TestFromRow(t *testing.T) {
	r := row("a", 1, "b", "x")
	e := FromRow(r)

	assert.True(t, Matches(e, r))
	assert.False(t, Matches(e, row("a", 1, "b", "y")))
	assert.True(t, Matches(e, row("a", 1, "b", "x", "c", 3)))
	assert.Equal(t, True, FromRow(value.Row{}))
}

func TestAttributesRenameSubstitute(t *testing.T) {
	e := And(AttrEq("a", 1), Or(Lt(A("b"), A("c")), Negate(AttrEq("a", 2))))
	assert.Equal(t, []value.Attribute{"a", "b", "c"}, Attributes(e).Attributes())

	renamed := Rename(e, map[value.Attribute]value.Attribute{"a": "x"})
	assert.Equal(t, []value.Attribute{"b", "c", "x"}, Attributes(renamed).Attributes())

	sub := Substitute(AttrEq("a", 1), row("a", 1))
	assert.Empty(t, Attributes(sub).Attributes())
	assert.True(t, Matches(sub, value.Row{}))

	assert.Len(t, Conjuncts(And(AttrEq("a", 1), AttrEq("b", 2), AttrEq("c", 3))), 3)
}

func TestValidate(t *testing.T) {
	scheme := value.NewScheme("a", "b")

	assert.NoError(t, Validate(And(AttrEq("a", 1), AttrEq("b", 2)), scheme))

	err := Validate(Or(AttrEq("a", 1), AttrEq("z", 2)), scheme)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 1)
	assert.Contains(t, verr.Problems[0], `"z"`)

	assert.Error(t, Validate(nil, scheme))
}

func TestSpecBuild(t *testing.T) {
	src := `
op: or
args:
  - op: eq
    args: [{attr: number}, {const: 1}]
  - match: {word: two}
`
	var s Spec
	require.NoError(t, yaml.Unmarshal([]byte(src), &s))
	e, err := s.Build()
	require.NoError(t, err)

	assert.True(t, Matches(e, row("number", 1, "word", "one")))
	assert.True(t, Matches(e, row("number", 2, "word", "two")))
	assert.False(t, Matches(e, row("number", 3, "word", "three")))
}

func TestSpecBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"empty", Spec{}},
		{"unknown op", Spec{Op: "xor", Args: []Spec{{Attr: "a"}, {Attr: "b"}}}},
		{"arity", Spec{Op: "eq", Args: []Spec{{Attr: "a"}}}},
		{"not arity", Spec{Op: "not"}},
		{"bad const", Spec{Const: struct{}{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.spec.Build()
			assert.Error(t, err)
		})
	}
}

func TestSpecNull(t *testing.T) {
	e, err := Spec{Op: "eq", Args: []Spec{{Attr: "a"}, {Null: true}}}.Build()
	require.NoError(t, err)
	assert.True(t, Matches(e, value.NewRow(value.F("a", value.Null{}))))
	assert.False(t, Matches(e, row("a", 0)))
}
