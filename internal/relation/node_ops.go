package relation

import (
	"fmt"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/value"
)

// Contains reports whether the node's content holds row. Operators that
// can answer from their operands' membership do so; the rest materialize.
func (n *Node) Contains(row value.Row) (bool, error) {
	switch n.op {
	case OpUnion:
		for _, o := range n.operands {
			has, err := o.Contains(row)
			if err != nil || has {
				return has, err
			}
		}
		return false, nil

	case OpIntersection:
		for _, o := range n.operands {
			has, err := o.Contains(row)
			if err != nil || !has {
				return false, err
			}
		}
		return true, nil

	case OpDifference:
		has, err := n.operands[0].Contains(row)
		if err != nil || !has {
			return false, err
		}
		excluded, err := n.operands[1].Contains(row)
		return !excluded, err

	case OpProject:
		return anyMatch(n.operands[0], expr.FromRow(row))

	case OpSelect, OpMutableSelect:
		if !expr.Matches(n.Predicate(), row) {
			return false, nil
		}
		return n.operands[0].Contains(row)

	case OpRename:
		return n.operands[0].Contains(row.Rename(invert(n.renames)))

	case OpUpdate:
		if !row.Project(n.newValues.Scheme()).Equal(n.newValues) {
			return false, nil
		}
		kept := n.operands[0].Scheme().Minus(n.newValues.Scheme())
		return anyMatch(n.operands[0], expr.FromRow(row.Project(kept)))

	case OpUnique:
		return NewEvaluator().Contains(n, row)

	case OpOtherwise:
		for _, o := range n.operands {
			has, err := o.Contains(row)
			if err != nil || has {
				return has, err
			}
			empty, err := IsEmpty(o)
			if err != nil || !empty {
				return false, err
			}
		}
		return false, nil

	case OpCache:
		if rows, ok := n.cache.Cached(); ok {
			return rows.Contains(row), nil
		}
		return n.operands[0].Contains(row)

	default:
		return NewEvaluator().Contains(n, row)
	}
}

func anyMatch(r Relation, query expr.Expr) (bool, error) {
	rows, err := SelectRows(r, query)
	return len(rows) > 0, err
}

func invert(m map[value.Attribute]value.Attribute) map[value.Attribute]value.Attribute {
	out := make(map[value.Attribute]value.Attribute, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// Update pushes an update of the node's rows down to the operands that
// hold them. Matching rows are collected before any operand is written.
func (n *Node) Update(query expr.Expr, newValues value.Row) error {
	switch n.op {
	case OpUnion, OpProject:
		for _, o := range n.operands {
			if err := o.Update(query, newValues); err != nil {
				return err
			}
		}
		return nil

	case OpIntersection:
		return n.updateEach(query, func(row value.Row) error {
			for _, o := range n.operands {
				if err := o.Update(expr.FromRow(row), newValues); err != nil {
					return err
				}
			}
			return nil
		})

	case OpDifference:
		return n.updateEach(query, func(row value.Row) error {
			return n.operands[0].Update(expr.FromRow(row), newValues)
		})

	case OpSelect, OpMutableSelect:
		return n.operands[0].Update(expr.And(query, n.Predicate()), newValues)

	case OpEquijoin:
		return n.updateEach(query, func(row value.Row) error {
			for _, o := range n.operands {
				s := o.Scheme()
				part := newValues.Project(newValues.Scheme().Intersect(s))
				if part.Len() == 0 {
					continue
				}
				if err := o.Update(expr.FromRow(row.Project(s)), part); err != nil {
					return err
				}
			}
			return nil
		})

	case OpRename:
		inv := invert(n.renames)
		return n.operands[0].Update(expr.Rename(query, inv), newValues.Rename(inv))

	case OpUpdate:
		o := n.operands[0]
		pushed := newValues.Project(newValues.Scheme().Intersect(o.Scheme()).Minus(n.newValues.Scheme()))
		if pushed.Len() == 0 {
			return nil
		}
		return o.Update(expr.Substitute(query, n.newValues), pushed)

	case OpAggregate:
		return nil

	case OpOtherwise:
		for _, o := range n.operands {
			empty, err := IsEmpty(o)
			if err != nil {
				return err
			}
			if !empty {
				return o.Update(query, newValues)
			}
		}
		return nil

	case OpUnique:
		rows, err := NewEvaluator().Content(n)
		if err != nil || rows.IsEmpty() {
			return err
		}
		return n.operands[0].Update(query, newValues)

	case OpCache:
		return n.operands[0].Update(query, newValues)

	default:
		panic(fmt.Sprintf("relation: update of unknown op %v", n.op))
	}
}

func (n *Node) updateEach(query expr.Expr, fn func(value.Row) error) error {
	rows, err := SelectRows(n, query)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}
