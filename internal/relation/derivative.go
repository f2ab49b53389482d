package relation

import (
	"fmt"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/value"
)

// Differentiator computes how each node's content changed, given how its
// variables (leaves and mutable-select predicate feeds) changed.
//
// Every rule reads operand contents through the shared Evaluator, which
// must reflect the state AFTER the leaf changes. The state before is
// reconstructed per operand as (current − added) ∪ removed, so no
// pre-change copy of any relation is kept.
//
// Results are memoized per node: a node reached along several paths of a
// diamond-shaped graph is differentiated once.
type Differentiator struct {
	eval   *Evaluator
	leaves map[ID]*Delta
	memo   map[ID]*Delta
	errs   map[ID]error
}

// NewDifferentiator prepares a differentiation pass. leaves maps variable
// IDs to their net change; absent variables did not change.
func NewDifferentiator(eval *Evaluator, leaves map[ID]*Delta) *Differentiator {
	return &Differentiator{
		eval:   eval,
		leaves: leaves,
		memo:   make(map[ID]*Delta),
		errs:   make(map[ID]error),
	}
}

// Evaluator returns the evaluator the pass reads through.
func (d *Differentiator) Evaluator() *Evaluator { return d.eval }

// Delta returns r's net change.
func (d *Differentiator) Delta(r Relation) (*Delta, error) {
	n, ok := r.(*Node)
	if !ok {
		if delta := d.leaves[r.ID()]; delta != nil {
			return delta, nil
		}
		return NewDelta(), nil
	}
	if delta, ok := d.memo[n.id]; ok {
		return delta, nil
	}
	if err, ok := d.errs[n.id]; ok {
		return nil, err
	}

	delta, err := d.derive(n)
	if err != nil {
		d.errs[n.id] = err
		return nil, err
	}
	d.memo[n.id] = delta
	return delta, nil
}

// Affects reports whether any variable of r changed.
func (d *Differentiator) Affects(r Relation) bool {
	for _, v := range Variables(r) {
		if !d.leaves[v.ID()].IsEmpty() {
			return true
		}
	}
	return false
}

func (d *Differentiator) derive(n *Node) (*Delta, error) {
	operandDeltas := make([]*Delta, len(n.operands))
	anyChange := false
	for i, o := range n.operands {
		od, err := d.Delta(o)
		if err != nil {
			return nil, err
		}
		operandDeltas[i] = od
		anyChange = anyChange || !od.IsEmpty()
	}
	var predicateDelta *Delta
	if n.mutable != nil {
		predicateDelta = d.leaves[n.mutable.source.ID()]
	}
	if !anyChange && predicateDelta.IsEmpty() {
		return NewDelta(), nil
	}

	switch n.op {
	case OpUnion:
		return d.setOp(n, operandDeltas, func(a, b bool) bool { return a || b })
	case OpIntersection:
		return d.setOp(n, operandDeltas, func(a, b bool) bool { return a && b })
	case OpDifference:
		return d.setOp(n, operandDeltas, func(a, b bool) bool { return a && !b })
	case OpSelect, OpMutableSelect:
		out := filterDelta(operandDeltas[0], n.Predicate())
		out.Merge(predicateDelta)
		return out, nil
	case OpRename:
		return mapDelta(operandDeltas[0], func(r value.Row) value.Row { return r.Rename(n.renames) }), nil
	case OpProject:
		return d.projectDelta(n.operands[0], operandDeltas[0], n.attrs)
	case OpUpdate:
		kept := n.operands[0].Scheme().Minus(n.newValues.Scheme())
		pd, err := d.projectDelta(n.operands[0], operandDeltas[0], kept)
		if err != nil {
			return nil, err
		}
		return mapDelta(pd, func(r value.Row) value.Row { return r.Merge(n.newValues) }), nil
	case OpEquijoin:
		return d.joinDelta(n, operandDeltas[0], operandDeltas[1])
	case OpAggregate, OpOtherwise, OpUnique:
		return d.recompute(n, operandDeltas)
	case OpCache:
		return operandDeltas[0], nil
	default:
		panic(fmt.Sprintf("relation: derivative of unknown op %v", n.op))
	}
}

// oldContains reconstructs membership before the change from membership
// after it and the operand's delta.
func oldContains(now bool, count int) bool {
	switch {
	case count > 0:
		return false
	case count < 0:
		return true
	default:
		return now
	}
}

// setOp handles union, intersection and difference with one per-row rule:
// each candidate row's output membership before and after is recomputed
// from its operand memberships. Because candidates are compared rather
// than counted, r∪r and r∖r come out exact.
func (d *Differentiator) setOp(n *Node, deltas []*Delta, f func(a, b bool) bool) (*Delta, error) {
	candidates := value.NewRowSet()
	for _, od := range deltas {
		for _, row := range od.rows {
			candidates.Add(row)
		}
	}

	out := NewDelta()
	for row := range candidates.All() {
		var now, before [2]bool
		for i, o := range n.operands {
			has, err := d.eval.Contains(o, row)
			if err != nil {
				return nil, err
			}
			now[i] = has
			before[i] = oldContains(has, deltas[i].Count(row))
		}
		wasIn, isIn := f(before[0], before[1]), f(now[0], now[1])
		switch {
		case isIn && !wasIn:
			out.Add(row)
		case wasIn && !isIn:
			out.Remove(row)
		}
	}
	return out, nil
}

func filterDelta(in *Delta, pred expr.Expr) *Delta {
	out := NewDelta()
	for k, n := range in.counts {
		row := in.rows[k]
		if expr.Matches(pred, row) {
			out.adjust(row, n)
		}
	}
	return out
}

func mapDelta(in *Delta, fn func(value.Row) value.Row) *Delta {
	out := NewDelta()
	for k, n := range in.counts {
		out.adjust(fn(in.rows[k]), n)
	}
	return out
}

// projectDelta exposes a projected tuple when the first underlying row
// projecting to it appears, and retracts it when the last one goes.
func (d *Differentiator) projectDelta(operand Relation, in *Delta, attrs value.Scheme) (*Delta, error) {
	type exposure struct {
		row     value.Row
		was, is bool
	}
	candidates := make(map[string]*exposure)
	for _, row := range in.rows {
		p := row.Project(attrs)
		candidates[p.Key()] = &exposure{row: p}
	}

	content, err := d.eval.Content(operand)
	if err != nil {
		return nil, err
	}
	for k, row := range content.Keyed() {
		c, ok := candidates[row.Project(attrs).Key()]
		if !ok {
			continue
		}
		c.is = true
		if in.CountKey(k) <= 0 {
			c.was = true
		}
	}
	for k, n := range in.counts {
		if n < 0 {
			candidates[in.rows[k].Project(attrs).Key()].was = true
		}
	}

	out := NewDelta()
	for _, c := range candidates {
		switch {
		case c.is && !c.was:
			out.Add(c.row)
		case c.was && !c.is:
			out.Remove(c.row)
		}
	}
	return out, nil
}

// joinDelta re-joins only delta rows against the other side:
//
//	added   = (A⁺ ⋈ B_new) ∪ (A_new ⋈ B⁺)
//	removed = (A⁻ ⋈ B_old) ∪ (A_old ⋈ B⁻)
//
// A joined row determines its left and right parts, so every added row is
// absent from the old join and every removed row is absent from the new
// one. Rows reachable from both terms are counted once.
func (d *Differentiator) joinDelta(n *Node, da, db *Delta) (*Delta, error) {
	a, b := n.operands[0], n.operands[1]
	added, removed := value.NewRowSet(), value.NewRowSet()

	if !da.IsEmpty() || !db.IsEmpty() {
		newA, err := d.eval.Content(a)
		if err != nil {
			return nil, err
		}
		newB, err := d.eval.Content(b)
		if err != nil {
			return nil, err
		}

		if !da.IsEmpty() {
			newBIndex := n.joinIndex(newB)
			oldBIndex := n.joinIndex(reconstructOld(newB, db))
			for k, c := range da.counts {
				row := da.rows[k]
				if c > 0 {
					for _, other := range newBIndex[n.leftJoinKey(row)] {
						added.Add(row.Merge(other))
					}
				} else {
					for _, other := range oldBIndex[n.leftJoinKey(row)] {
						removed.Add(row.Merge(other))
					}
				}
			}
		}
		if !db.IsEmpty() {
			newAIndex := n.leftJoinIndex(newA)
			oldAIndex := n.leftJoinIndex(reconstructOld(newA, da))
			for k, c := range db.counts {
				row := db.rows[k]
				if c > 0 {
					for _, other := range newAIndex[n.rightJoinKey(row)] {
						added.Add(other.Merge(row))
					}
				} else {
					for _, other := range oldAIndex[n.rightJoinKey(row)] {
						removed.Add(other.Merge(row))
					}
				}
			}
		}
	}

	out := NewDelta()
	for row := range added.All() {
		out.Add(row)
	}
	for row := range removed.All() {
		out.Remove(row)
	}
	return out, nil
}

// reconstructOld rebuilds an operand's content before delta was applied.
func reconstructOld(now *value.RowSet, delta *Delta) *value.RowSet {
	if delta.IsEmpty() {
		return now
	}
	old := now.Clone()
	for k, c := range delta.counts {
		if c > 0 {
			old.RemoveKey(k)
		} else {
			old.Add(delta.rows[k])
		}
	}
	return old
}

// recompute handles the operators whose output depends on whole-input
// properties (emptiness, uniqueness, summaries): the output before is
// recomputed from the reconstructed old inputs and diffed against the
// output now.
func (d *Differentiator) recompute(n *Node, deltas []*Delta) (*Delta, error) {
	now, err := d.eval.Content(n)
	if err != nil {
		return nil, err
	}
	oldInputs := make([]*value.RowSet, len(n.operands))
	for i, o := range n.operands {
		content, err := d.eval.Content(o)
		if err != nil {
			return nil, err
		}
		oldInputs[i] = reconstructOld(content, deltas[i])
	}
	before, err := n.apply(oldInputs)
	if err != nil {
		return nil, err
	}

	out := NewDelta()
	for k, row := range now.Keyed() {
		if !before.ContainsKey(k) {
			out.Add(row)
		}
	}
	for k, row := range before.Keyed() {
		if !now.ContainsKey(k) {
			out.Remove(row)
		}
	}
	return out, nil
}
