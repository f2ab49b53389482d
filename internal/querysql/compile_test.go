package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/testutil"
	"github.com/roach88/relflow/internal/value"
)

func TestSelect_SimpleFilter(t *testing.T) {
	compiler := NewSQLCompiler()

	sql, params, err := compiler.Select("inventory", testutil.Scheme("name", "quantity", "category"),
		expr.Eq(expr.A("category"), expr.C("widgets")))
	require.NoError(t, err)

	assert.Contains(t, sql, `SELECT "category", "name", "quantity"`)
	assert.Contains(t, sql, `FROM "inventory"`)
	assert.Contains(t, sql, `WHERE ("category" IS ?)`)
	assert.Contains(t, sql, "ORDER BY") // every SELECT is ordered

	// Parameterized, never interpolated
	assert.NotContains(t, sql, "widgets")
	assert.Equal(t, []any{"widgets"}, params)

	assert.Contains(t, sql, `"category" COLLATE BINARY ASC, "name" COLLATE BINARY ASC, "quantity" COLLATE BINARY ASC`)
}

func TestSelect_NilFilterMatchesAll(t *testing.T) {
	compiler := NewSQLCompiler()
	sql, params, err := compiler.Select("t", testutil.Scheme("a"), nil)
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE 1 = 1")
	assert.Empty(t, params)
}

func TestSelectWithRowID(t *testing.T) {
	compiler := NewSQLCompiler()
	sql, _, err := compiler.SelectWithRowID("t", testutil.Scheme("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT rowid, "a" FROM "t" WHERE 1 = 1 ORDER BY "a" COLLATE BINARY ASC`, sql)
}

func TestWhere_Operators(t *testing.T) {
	tests := []struct {
		name   string
		expr   expr.Expr
		sql    string
		params []any
	}{
		{"eq is null-safe", expr.Eq(expr.A("a"), expr.C(nil)), `("a" IS ?)`, []any{nil}},
		{"ne", expr.Ne(expr.A("a"), expr.C(1)), `("a" IS NOT ?)`, []any{int64(1)}},
		{"lt", expr.Lt(expr.A("a"), expr.C(1.5)), `("a" < ?)`, []any{1.5}},
		{"le", expr.Le(expr.A("a"), expr.C(2)), `("a" <= ?)`, []any{int64(2)}},
		{"gt", expr.Gt(expr.A("a"), expr.A("b")), `("a" > "b")`, nil},
		{"ge", expr.Ge(expr.C("x"), expr.A("b")), `(? >= "b")`, []any{"x"}},
		{"glob", expr.Glob(expr.A("name"), expr.C("J*")), `("name" GLOB ?)`, []any{"J*"}},
		{"not", expr.Negate(expr.Eq(expr.A("a"), expr.C(1))), `NOT ("a" IS ?)`, []any{int64(1)}},
		{
			"and or",
			expr.Or(expr.And(expr.Eq(expr.A("a"), expr.C(1)), expr.Eq(expr.A("b"), expr.C(2))), expr.Eq(expr.A("c"), expr.C(3))),
			`((("a" IS ?) AND ("b" IS ?)) OR ("c" IS ?))`,
			[]any{int64(1), int64(2), int64(3)},
		},
	}

	compiler := NewSQLCompiler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := compiler.Where(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, sql)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestWhere_NotFoundIsAnError(t *testing.T) {
	compiler := NewSQLCompiler()
	_, _, err := compiler.Where(expr.Eq(expr.A("a"), expr.Const{Value: value.NotFound{}}))
	assert.Error(t, err)
}

func TestWhere_SQLInjectionPrevented(t *testing.T) {
	compiler := NewSQLCompiler()
	malicious := "'; DROP TABLE users; --"

	sql, params, err := compiler.Where(expr.Eq(expr.A("name"), expr.C(malicious)))
	require.NoError(t, err)
	assert.NotContains(t, sql, "DROP TABLE")
	assert.Equal(t, []any{malicious}, params)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"plain"`, QuoteIdent("plain"))
	assert.Equal(t, `"say ""hi"""`, QuoteIdent(`say "hi"`))
}

func TestInsert(t *testing.T) {
	compiler := NewSQLCompiler()
	sql, params, err := compiler.Insert("pilots", testutil.Row("name", "Amelia", "id", 1))
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "pilots" ("id", "name") VALUES (?, ?)`, sql)
	assert.Equal(t, []any{int64(1), "Amelia"}, params)
}

func TestDelete(t *testing.T) {
	compiler := NewSQLCompiler()
	sql, params, err := compiler.Delete("pilots", expr.Eq(expr.A("id"), expr.C(1)))
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "pilots" WHERE ("id" IS ?)`, sql)
	assert.Equal(t, []any{int64(1)}, params)
}

func TestUpdate(t *testing.T) {
	compiler := NewSQLCompiler()
	sql, params, err := compiler.Update("pilots", expr.Eq(expr.A("id"), expr.C(1)), testutil.Row("name", "Charles"))
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "pilots" SET "name" = ? WHERE ("id" IS ?)`, sql)
	assert.Equal(t, []any{"Charles", int64(1)}, params)

	_, _, err = compiler.Update("pilots", nil, value.NewRow())
	assert.Error(t, err)
}

func TestCreateTable(t *testing.T) {
	compiler := NewSQLCompiler()
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "pilots" ("id", "name")`,
		compiler.CreateTable("pilots", testutil.Scheme("name", "id")))
}

func TestPushdown(t *testing.T) {
	eqA := expr.Eq(expr.A("a"), expr.C(1))
	eqB := expr.Eq(expr.C("x"), expr.A("b"))
	realEq := expr.Eq(expr.A("c"), expr.C(1.0))
	lt := expr.Lt(expr.A("d"), expr.C(5))

	tests := []struct {
		name string
		in   expr.Expr
		want expr.Expr
	}{
		{"nil", nil, nil},
		{"single equality", eqA, eqA},
		{"drops comparisons", expr.And(eqA, lt), eqA},
		{"drops reals", expr.And(realEq, eqB), eqB},
		{"keeps both sides", expr.And(eqA, eqB), expr.And(eqA, eqB)},
		{"disjunction is opaque", expr.Or(eqA, eqB), nil},
		{"negation is opaque", expr.Negate(eqA), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Pushdown(tt.in))
		})
	}
}

func TestParamNormalizesText(t *testing.T) {
	decomposed := "e\u0301"
	p, err := Param(value.Text(decomposed))
	require.NoError(t, err)
	assert.Equal(t, "\u00e9", p)
}

func TestScan(t *testing.T) {
	tests := []struct {
		in   any
		want value.Value
	}{
		{nil, value.Null{}},
		{int64(3), value.Integer(3)},
		{2.5, value.Real(2.5)},
		{"s", value.Text("s")},
		{[]byte{1}, value.Blob{1}},
	}
	for _, tt := range tests {
		got, err := Scan(tt.in)
		require.NoError(t, err)
		assert.True(t, value.Equal(tt.want, got), "Scan(%v) = %v", tt.in, got)
	}
	_, err := Scan(struct{}{})
	assert.Error(t, err)
}
