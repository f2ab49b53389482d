package relation

import (
	"fmt"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/value"
)

// Evaluator materializes relation contents, computing each relation at
// most once. Sharing one Evaluator across several reads shares the work of
// their common sub-graphs: an aggregate consumed by three combinators is
// folded once.
//
// CRITICAL: returned sets are shared with the memo and must be treated as
// read-only. An Evaluator is not safe for concurrent use and must not
// outlive the state it observed; create a new one per batch.
type Evaluator struct {
	rows map[ID]*value.RowSet
	errs map[ID]error
}

// NewEvaluator returns an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{rows: make(map[ID]*value.RowSet), errs: make(map[ID]error)}
}

// Content returns r's rows.
func (e *Evaluator) Content(r Relation) (*value.RowSet, error) {
	if rows, ok := e.rows[r.ID()]; ok {
		return rows, nil
	}
	if err, ok := e.errs[r.ID()]; ok {
		return nil, err
	}

	var rows *value.RowSet
	var err error
	if n, ok := r.(*Node); ok {
		rows, err = e.nodeContent(n)
	} else {
		rows, err = Collect(r.Rows())
	}
	if err != nil {
		e.errs[r.ID()] = err
		return nil, err
	}
	e.rows[r.ID()] = rows
	return rows, nil
}

// Contains reports whether r holds row. Leaves answer directly so storage
// backends can use their indexes; nodes are materialized.
func (e *Evaluator) Contains(r Relation, row value.Row) (bool, error) {
	if _, ok := r.(*Node); !ok {
		if rows, ok := e.rows[r.ID()]; ok {
			return rows.Contains(row), nil
		}
		return r.Contains(row)
	}
	rows, err := e.Content(r)
	if err != nil {
		return false, err
	}
	return rows.Contains(row), nil
}

func (e *Evaluator) nodeContent(n *Node) (*value.RowSet, error) {
	if n.op == OpCache {
		if rows, ok := n.cache.Cached(); ok {
			return rows, nil
		}
	}
	inputs := make([]*value.RowSet, len(n.operands))
	for i, o := range n.operands {
		rows, err := e.Content(o)
		if err != nil {
			return nil, err
		}
		inputs[i] = rows
	}
	return n.apply(inputs)
}

// apply computes the node's output from its operands' contents. It is
// shared by evaluation and by the brute-force derivative rules, which
// apply the node to reconstructed old contents.
func (n *Node) apply(in []*value.RowSet) (*value.RowSet, error) {
	switch n.op {
	case OpUnion:
		return in[0].Union(in[1]), nil

	case OpIntersection:
		out := value.NewRowSet()
		for k, row := range in[0].Keyed() {
			if in[1].ContainsKey(k) {
				out.Add(row)
			}
		}
		return out, nil

	case OpDifference:
		return in[0].Minus(in[1]), nil

	case OpProject:
		out := value.NewRowSet()
		for row := range in[0].All() {
			out.Add(row.Project(n.attrs))
		}
		return out, nil

	case OpSelect, OpMutableSelect:
		pred := n.Predicate()
		out := value.NewRowSet()
		for row := range in[0].All() {
			if expr.Matches(pred, row) {
				out.Add(row)
			}
		}
		return out, nil

	case OpEquijoin:
		out := value.NewRowSet()
		index := n.joinIndex(in[1])
		for a := range in[0].All() {
			for _, b := range index[n.leftJoinKey(a)] {
				out.Add(a.Merge(b))
			}
		}
		return out, nil

	case OpRename:
		out := value.NewRowSet()
		for row := range in[0].All() {
			out.Add(row.Rename(n.renames))
		}
		return out, nil

	case OpUpdate:
		out := value.NewRowSet()
		for row := range in[0].All() {
			out.Add(row.Merge(n.newValues))
		}
		return out, nil

	case OpAggregate:
		return n.aggregate(in[0])

	case OpOtherwise:
		if !in[0].IsEmpty() {
			return in[0], nil
		}
		return in[1], nil

	case OpUnique:
		if n.isUnique(in[0]) {
			return in[0], nil
		}
		return value.NewRowSet(), nil

	case OpCache:
		return in[0], nil

	default:
		panic(fmt.Sprintf("relation: apply of unknown op %v", n.op))
	}
}

func (n *Node) aggregate(in *value.RowSet) (*value.RowSet, error) {
	if in.IsEmpty() {
		if n.aggInitial == nil {
			return value.NewRowSet(), nil
		}
		return value.NewRowSet(value.NewRow(value.F(n.aggAttr, n.aggInitial))), nil
	}
	v, err := n.aggFn(n.aggInitial, in.Sorted())
	if err != nil {
		return nil, err
	}
	if v == nil {
		return value.NewRowSet(), nil
	}
	return value.NewRowSet(value.NewRow(value.F(n.aggAttr, v))), nil
}

func (n *Node) isUnique(in *value.RowSet) bool {
	if in.IsEmpty() {
		return false
	}
	for row := range in.All() {
		if !value.Equal(row.Get(n.aggAttr), n.uniqueVal) {
			return false
		}
	}
	return true
}

// leftJoinKey encodes a left row's matching values, ordered by left
// attribute name.
func (n *Node) leftJoinKey(row value.Row) string {
	var buf []byte
	for _, l := range n.matchingLeft() {
		buf = value.AppendKey(buf, row.Get(l))
	}
	return string(buf)
}

// rightJoinKey encodes a right row's matching values in the same order.
func (n *Node) rightJoinKey(row value.Row) string {
	var buf []byte
	for _, l := range n.matchingLeft() {
		buf = value.AppendKey(buf, row.Get(n.matching[l]))
	}
	return string(buf)
}

func (n *Node) matchingLeft() []value.Attribute {
	left := make([]value.Attribute, 0, len(n.matching))
	for l := range n.matching {
		left = append(left, l)
	}
	return value.NewScheme(left...).Attributes()
}

// joinIndex groups right-side rows by join key.
func (n *Node) joinIndex(rows *value.RowSet) map[string][]value.Row {
	index := make(map[string][]value.Row)
	for row := range rows.All() {
		k := n.rightJoinKey(row)
		index[k] = append(index[k], row)
	}
	return index
}

// leftJoinIndex groups left-side rows by join key.
func (n *Node) leftJoinIndex(rows *value.RowSet) map[string][]value.Row {
	index := make(map[string][]value.Row)
	for row := range rows.All() {
		k := n.leftJoinKey(row)
		index[k] = append(index[k], row)
	}
	return index
}
