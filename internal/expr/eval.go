package expr

import (
	"fmt"

	"github.com/roach88/relflow/internal/value"
)

// Eval computes e against row. Evaluation is total: unknown attributes
// produce value.NotFound, and comparisons across kinds follow the
// cross-variant order.
func Eval(e Expr, row value.Row) value.Value {
	switch n := e.(type) {
	case nil:
		return value.True
	case Attr:
		return row.Get(n.Name)
	case Const:
		if n.Value == nil {
			return value.Null{}
		}
		return n.Value
	case Not:
		return value.FromBool(!value.Truthy(Eval(n.Operand, row)))
	case Binary:
		return evalBinary(n, row)
	default:
		panic(fmt.Sprintf("expr: unknown expression type %T", e))
	}
}

// Matches reports whether e is true for row. A nil expression matches
// every row.
func Matches(e Expr, row value.Row) bool {
	return value.Truthy(Eval(e, row))
}

func evalBinary(b Binary, row value.Row) value.Value {
	switch b.Op {
	case OpAnd:
		return value.FromBool(Matches(b.Left, row) && Matches(b.Right, row))
	case OpOr:
		return value.FromBool(Matches(b.Left, row) || Matches(b.Right, row))
	}

	l, r := Eval(b.Left, row), Eval(b.Right, row)
	switch b.Op {
	case OpEq:
		return value.FromBool(value.Compare(l, r) == 0)
	case OpNe:
		return value.FromBool(value.Compare(l, r) != 0)
	case OpLt:
		return value.FromBool(value.Compare(l, r) < 0)
	case OpLe:
		return value.FromBool(value.Compare(l, r) <= 0)
	case OpGt:
		return value.FromBool(value.Compare(l, r) > 0)
	case OpGe:
		return value.FromBool(value.Compare(l, r) >= 0)
	case OpGlob:
		lt, lok := l.(value.Text)
		pt, pok := r.(value.Text)
		return value.FromBool(lok && pok && globMatch(string(pt), string(lt)))
	default:
		panic(fmt.Sprintf("expr: unknown binary operator %v", b.Op))
	}
}

// globMatch implements SQLite GLOB: case-sensitive, '*' any run, '?' one
// rune, '[...]' a class with ranges and '^' negation. Unlike path.Match,
// '/' is an ordinary character.
func globMatch(pattern, s string) bool {
	p, str := []rune(pattern), []rune(s)
	return globRunes(p, str)
}

func globRunes(p, s []rune) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for len(p) > 0 && p[0] == '*' {
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globRunes(p, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			p, s = p[1:], s[1:]
		case '[':
			if len(s) == 0 {
				return false
			}
			end := classEnd(p)
			if end < 0 {
				// Unterminated class matches a literal '['.
				if s[0] != '[' {
					return false
				}
				p, s = p[1:], s[1:]
				continue
			}
			if !classMatch(p[1:end], s[0]) {
				return false
			}
			p, s = p[end+1:], s[1:]
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}

// classEnd returns the index of the ']' closing the class at p[0].
// A ']' directly after '[' or '[^' is literal.
func classEnd(p []rune) int {
	i := 1
	if i < len(p) && p[i] == '^' {
		i++
	}
	if i < len(p) && p[i] == ']' {
		i++
	}
	for ; i < len(p); i++ {
		if p[i] == ']' {
			return i
		}
	}
	return -1
}

func classMatch(class []rune, c rune) bool {
	negate := false
	if len(class) > 0 && class[0] == '^' {
		negate = true
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= c && c <= class[i+2] {
				matched = true
			}
			i += 2
			continue
		}
		if class[i] == c {
			matched = true
		}
	}
	return matched != negate
}
