// Package querysql compiles predicates into parameterized SQLite statements.
package querysql

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/value"
)

// SQLCompiler compiles predicates and relation mutations to parameterized
// SQL for SQLite.
//
// CRITICAL: every SELECT orders by all of its columns with COLLATE BINARY
// so results are deterministic.
// CRITICAL: values are always bound as ? parameters, never interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// QuoteIdent quotes a table or column name.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateTable returns the DDL for a table holding scheme. Columns are
// untyped so SQLite keeps each value's storage class.
func (c *SQLCompiler) CreateTable(table string, scheme value.Scheme) string {
	cols := make([]string, 0, scheme.Len())
	for _, a := range scheme.Attributes() {
		cols = append(cols, QuoteIdent(string(a)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", QuoteIdent(table), strings.Join(cols, ", "))
}

// Select compiles a query for the rows of table matching filter.
func (c *SQLCompiler) Select(table string, scheme value.Scheme, filter expr.Expr) (string, []any, error) {
	where, params, err := c.Where(filter)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	cols := make([]string, 0, scheme.Len())
	for _, a := range scheme.Attributes() {
		cols = append(cols, QuoteIdent(string(a)))
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		strings.Join(cols, ", "),
		QuoteIdent(table),
		where,
		c.stableOrderKey(scheme))
	return sql, params, nil
}

// SelectWithRowID is Select with the rowid as the first column, for
// callers that write back to the rows they read.
func (c *SQLCompiler) SelectWithRowID(table string, scheme value.Scheme, filter expr.Expr) (string, []any, error) {
	sql, params, err := c.Select(table, scheme, filter)
	if err != nil {
		return "", nil, err
	}
	return "SELECT rowid, " + strings.TrimPrefix(sql, "SELECT "), params, nil
}

// stableOrderKey orders by every column in attribute order.
// MANDATORY: every SELECT calls this.
func (c *SQLCompiler) stableOrderKey(scheme value.Scheme) string {
	parts := make([]string, 0, scheme.Len())
	for _, a := range scheme.Attributes() {
		parts = append(parts, QuoteIdent(string(a))+" COLLATE BINARY ASC")
	}
	if len(parts) == 0 {
		return "rowid ASC"
	}
	return strings.Join(parts, ", ")
}

// Insert compiles adding row to table.
func (c *SQLCompiler) Insert(table string, row value.Row) (string, []any, error) {
	var cols, marks []string
	var params []any
	for a, v := range row.Fields() {
		p, err := Param(v)
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", a, err)
		}
		cols = append(cols, QuoteIdent(string(a)))
		marks = append(marks, "?")
		params = append(params, p)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	return sql, params, nil
}

// Delete compiles removing the rows of table matching filter.
func (c *SQLCompiler) Delete(table string, filter expr.Expr) (string, []any, error) {
	where, params, err := c.Where(filter)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", QuoteIdent(table), where), params, nil
}

// Update compiles overwriting values on the rows of table matching
// filter.
func (c *SQLCompiler) Update(table string, filter expr.Expr, values value.Row) (string, []any, error) {
	if values.Len() == 0 {
		return "", nil, fmt.Errorf("update %s: no values", table)
	}
	var sets []string
	var params []any
	for a, v := range values.Fields() {
		p, err := Param(v)
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", a, err)
		}
		sets = append(sets, QuoteIdent(string(a))+" = ?")
		params = append(params, p)
	}
	where, whereParams, err := c.Where(filter)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", QuoteIdent(table), strings.Join(sets, ", "), where)
	return sql, append(params, whereParams...), nil
}

// Where compiles a predicate to a WHERE fragment. A nil predicate is
// always true.
//
// Equality compiles to IS and IS NOT so nulls compare equal to each
// other, as they do in expr. Ordering comparisons follow SQLite's rules,
// which treat integers and reals as one numeric class; use Pushdown when
// the result must never exclude a row expr would match.
func (c *SQLCompiler) Where(e expr.Expr) (string, []any, error) {
	if e == nil {
		return "1 = 1", nil, nil
	}
	var params []any
	sql, err := c.compile(e, &params)
	if err != nil {
		return "", nil, err
	}
	return sql, params, nil
}

func (c *SQLCompiler) compile(e expr.Expr, params *[]any) (string, error) {
	switch n := e.(type) {
	case nil:
		return "1 = 1", nil
	case expr.Attr:
		return QuoteIdent(string(n.Name)), nil
	case expr.Const:
		p, err := Param(n.Value)
		if err != nil {
			return "", err
		}
		*params = append(*params, p)
		return "?", nil
	case expr.Not:
		inner, err := c.compile(n.Operand, params)
		if err != nil {
			return "", err
		}
		return "NOT " + inner, nil
	case expr.Binary:
		left, err := c.compile(n.Left, params)
		if err != nil {
			return "", err
		}
		right, err := c.compile(n.Right, params)
		if err != nil {
			return "", err
		}
		op, ok := sqlOps[n.Op]
		if !ok {
			return "", fmt.Errorf("unsupported operator: %v", n.Op)
		}
		return "(" + left + " " + op + " " + right + ")", nil
	default:
		return "", fmt.Errorf("unsupported expression type: %T", e)
	}
}

var sqlOps = map[expr.BinaryOp]string{
	expr.OpEq:   "IS",
	expr.OpNe:   "IS NOT",
	expr.OpLt:   "<",
	expr.OpLe:   "<=",
	expr.OpGt:   ">",
	expr.OpGe:   ">=",
	expr.OpAnd:  "AND",
	expr.OpOr:   "OR",
	expr.OpGlob: "GLOB",
}

// Pushdown returns the part of e that SQLite evaluates exactly as expr
// does: the conjunction of its attribute-equals-constant terms. Rows
// matching e always match the result, so a backend can narrow its scan
// with it and re-check e on what comes back. It returns nil when no term
// qualifies.
func Pushdown(e expr.Expr) expr.Expr {
	var kept []expr.Expr
	for _, term := range expr.Conjuncts(e) {
		if exactEquality(term) {
			kept = append(kept, term)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return expr.And(kept...)
}

func exactEquality(e expr.Expr) bool {
	b, ok := e.(expr.Binary)
	if !ok || b.Op != expr.OpEq {
		return false
	}
	_, lAttr := b.Left.(expr.Attr)
	_, rAttr := b.Right.(expr.Attr)
	lc, lConst := b.Left.(expr.Const)
	rc, rConst := b.Right.(expr.Const)
	switch {
	case lAttr && rConst:
		return pushable(rc.Value)
	case rAttr && lConst:
		return pushable(lc.Value)
	default:
		return false
	}
}

// pushable excludes NotFound, which has no SQL form, and reals, which
// SQLite would also match against equal integers.
func pushable(v value.Value) bool {
	switch v.(type) {
	case value.Null, value.Integer, value.Text, value.Blob:
		return true
	default:
		return false
	}
}

// Param converts a Value to a SQL parameter. Text is NFC-normalized so
// byte comparison in SQLite agrees with value.Compare.
func Param(v value.Value) (any, error) {
	switch val := v.(type) {
	case nil, value.Null:
		return nil, nil
	case value.Integer:
		return int64(val), nil
	case value.Real:
		return float64(val), nil
	case value.Text:
		return norm.NFC.String(string(val)), nil
	case value.Blob:
		return []byte(val), nil
	default:
		return nil, fmt.Errorf("%s cannot be used as SQL parameter", v)
	}
}

// Scan converts a column value read by database/sql back into a Value.
func Scan(v any) (value.Value, error) {
	switch val := v.(type) {
	case nil:
		return value.Null{}, nil
	case int64:
		return value.Integer(val), nil
	case float64:
		return value.Real(val), nil
	case string:
		return value.Text(val), nil
	case []byte:
		return value.Blob(append([]byte(nil), val...)), nil
	default:
		return nil, fmt.Errorf("unsupported column type: %T", v)
	}
}
