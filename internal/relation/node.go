package relation

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/value"
)

// Op enumerates the operators a Node can apply.
type Op int

const (
	OpUnion Op = iota + 1
	OpIntersection
	OpDifference
	OpProject
	OpSelect
	OpMutableSelect
	OpEquijoin
	OpRename
	OpUpdate
	OpAggregate
	OpOtherwise
	OpUnique
	OpCache
)

var opNames = map[Op]string{
	OpUnion:         "union",
	OpIntersection:  "intersection",
	OpDifference:    "difference",
	OpProject:       "project",
	OpSelect:        "select",
	OpMutableSelect: "mutableSelect",
	OpEquijoin:      "equijoin",
	OpRename:        "rename",
	OpUpdate:        "update",
	OpAggregate:     "aggregate",
	OpOtherwise:     "otherwise",
	OpUnique:        "unique",
	OpCache:         "cache",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// AggregateFunc folds rows into a summary value. current is the initial
// value (nil when the aggregate has none). It is called once per
// evaluation with every input row, and never with an empty input.
type AggregateFunc func(current value.Value, rows []value.Row) (value.Value, error)

// Cache is consulted by OpCache nodes before evaluating their operand.
type Cache interface {
	Cached() (*value.RowSet, bool)
}

// Node applies one operator to its operands. Nodes are immutable except
// for a mutable select's predicate; build them with the constructors in
// this package.
type Node struct {
	id       ID
	op       Op
	name     string
	scheme   value.Scheme
	operands []Relation

	// Operator parameters. Only the fields for op are set.
	pred       expr.Expr
	mutable    *mutablePredicate
	attrs      value.Scheme
	matching   map[value.Attribute]value.Attribute // left -> right
	renames    map[value.Attribute]value.Attribute // old -> new
	newValues  value.Row
	aggAttr    value.Attribute // also the unique attribute
	aggInitial value.Value
	aggFn      AggregateFunc
	uniqueVal  value.Value
	cache      Cache

	obs observation
}

func newNode(op Op, scheme value.Scheme, operands ...Relation) *Node {
	return &Node{id: NextID(), op: op, scheme: scheme, operands: operands}
}

func (n *Node) ID() ID               { return n.id }
func (n *Node) Scheme() value.Scheme { return n.scheme }
func (n *Node) Op() Op               { return n.op }

// Operands returns the node's inputs. The slice is a copy.
func (n *Node) Operands() []Relation { return slices.Clone(n.operands) }

// Named sets a debug name used in logs and returns n.
func (n *Node) Named(name string) *Node {
	n.name = name
	return n
}

func (n *Node) String() string {
	if n.name != "" {
		return n.name
	}
	return fmt.Sprintf("%s#%d", n.op, n.id)
}

// Rows evaluates the node and enumerates the result under the guard.
func (n *Node) Rows() iter.Seq2[value.Row, error] {
	g := NewGuard(Variables(n)...)
	return g.Rows(func() ([]value.Row, error) {
		rows, err := NewEvaluator().Content(n)
		if err != nil {
			return nil, err
		}
		return rows.Sorted(), nil
	})
}

func requireSameScheme(op string, a, b Relation) {
	if !a.Scheme().Equal(b.Scheme()) {
		panic(fmt.Sprintf("relation: %s of mismatched schemes %s and %s", op, a.Scheme(), b.Scheme()))
	}
}

// Union returns the rows in a or b. The schemes must match.
func Union(a, b Relation) *Node {
	requireSameScheme("union", a, b)
	return newNode(OpUnion, a.Scheme(), a, b)
}

// Intersection returns the rows in both a and b. The schemes must match.
func Intersection(a, b Relation) *Node {
	requireSameScheme("intersection", a, b)
	return newNode(OpIntersection, a.Scheme(), a, b)
}

// Difference returns the rows in a that are not in b. The schemes must
// match.
func Difference(a, b Relation) *Node {
	requireSameScheme("difference", a, b)
	return newNode(OpDifference, a.Scheme(), a, b)
}

// Project keeps only attrs, collapsing duplicate rows.
func Project(r Relation, attrs ...value.Attribute) *Node {
	s := value.NewScheme(attrs...)
	if !s.IsSubset(r.Scheme()) {
		panic(fmt.Sprintf("relation: project %s not a subset of %s", s, r.Scheme()))
	}
	n := newNode(OpProject, s, r)
	n.attrs = s
	return n
}

// Select keeps the rows matching pred.
func Select(r Relation, pred expr.Expr) *Node {
	n := newNode(OpSelect, r.Scheme(), r)
	n.pred = pred
	return n
}

// Equijoin combines rows of a and b where a[k] equals b[matching[k]] for
// every k. Output rows carry the attributes of both sides. With an empty
// matching it is a cross product.
func Equijoin(a, b Relation, matching map[value.Attribute]value.Attribute) *Node {
	for l, r := range matching {
		if !a.Scheme().Contains(l) || !b.Scheme().Contains(r) {
			panic(fmt.Sprintf("relation: equijoin on unknown attributes %s=%s", l, r))
		}
	}
	n := newNode(OpEquijoin, a.Scheme().Union(b.Scheme()), a, b)
	n.matching = maps.Clone(matching)
	return n
}

// Join is the natural join of a and b on their common attributes.
func Join(a, b Relation) *Node {
	matching := make(map[value.Attribute]value.Attribute)
	for _, attr := range a.Scheme().Intersect(b.Scheme()).Attributes() {
		matching[attr] = attr
	}
	return Equijoin(a, b, matching)
}

// ThetaJoin combines every row pair of a and b satisfying pred. The
// schemes of a and b should be disjoint.
func ThetaJoin(a, b Relation, pred expr.Expr) *Node {
	return Select(Equijoin(a, b, nil), pred)
}

// LeftOuterJoin is the natural join of a and b plus every row of a with no
// match in b, padded with Null for b's other attributes.
func LeftOuterJoin(a, b Relation) *Node {
	joined := Join(a, b)
	extra := b.Scheme().Minus(a.Scheme())
	var nulls []value.Field
	for _, attr := range extra.Attributes() {
		nulls = append(nulls, value.F(attr, value.Null{}))
	}
	nullRow := MakeMemoryTable(extra, value.NewRow(nulls...))
	unmatched := Difference(a, Project(joined, a.Scheme().Attributes()...))
	return Union(joined, Join(unmatched, nullRow))
}

// Rename relabels attributes. Every source attribute must exist and the
// result must not collide with an unrenamed attribute.
func Rename(r Relation, renames map[value.Attribute]value.Attribute) *Node {
	var attrs []value.Attribute
	for _, a := range r.Scheme().Attributes() {
		if to, ok := renames[a]; ok {
			a = to
		}
		attrs = append(attrs, a)
	}
	for from := range renames {
		if !r.Scheme().Contains(from) {
			panic(fmt.Sprintf("relation: rename of unknown attribute %q", from))
		}
	}
	s := value.NewScheme(attrs...)
	if s.Len() != r.Scheme().Len() {
		panic(fmt.Sprintf("relation: rename %v collides in %s", renames, r.Scheme()))
	}
	n := newNode(OpRename, s, r)
	n.renames = maps.Clone(renames)
	return n
}

// WithUpdate returns r with newValues overwritten on every row.
func WithUpdate(r Relation, newValues value.Row) *Node {
	n := newNode(OpUpdate, r.Scheme().Union(newValues.Scheme()), r)
	n.newValues = newValues
	return n
}

// Aggregate summarizes r into a single row [attr: fn(initial, rows)]. When
// r is empty the result is [attr: initial], or no row when initial is nil.
func Aggregate(r Relation, attr value.Attribute, initial value.Value, fn AggregateFunc) *Node {
	n := newNode(OpAggregate, value.NewScheme(attr), r)
	n.aggAttr = attr
	n.aggInitial = initial
	n.aggFn = fn
	return n
}

// Count returns the single row [count: N].
func Count(r Relation) *Node {
	return Aggregate(r, "count", value.Integer(0), func(current value.Value, rows []value.Row) (value.Value, error) {
		return value.Integer(int64(current.(value.Integer)) + int64(len(rows))), nil
	})
}

// Min returns the single row holding the smallest value of attr, or no
// row for an empty input.
func Min(r Relation, attr value.Attribute) *Node {
	return Aggregate(Project(r, attr), attr, nil, extremum(attr, -1))
}

// Max returns the single row holding the largest value of attr, or no row
// for an empty input.
func Max(r Relation, attr value.Attribute) *Node {
	return Aggregate(Project(r, attr), attr, nil, extremum(attr, 1))
}

func extremum(attr value.Attribute, sign int) AggregateFunc {
	return func(current value.Value, rows []value.Row) (value.Value, error) {
		best := current
		for _, row := range rows {
			v := row.Get(attr)
			if best == nil || value.Compare(v, best)*sign > 0 {
				best = v
			}
		}
		return best, nil
	}
}

// Otherwise resolves to a when a is non-empty, otherwise to b.
func Otherwise(a, b Relation) *Node {
	requireSameScheme("otherwise", a, b)
	return newNode(OpOtherwise, a.Scheme(), a, b)
}

// Unique resolves to r when r is non-empty and every row's attr equals v,
// otherwise to the empty relation. This is not "exactly one row has
// attr == v": several rows that all carry v pass through, and a single
// matching row beside any non-matching one yields nothing.
func Unique(r Relation, attr value.Attribute, v value.Value) *Node {
	if !r.Scheme().Contains(attr) {
		panic(fmt.Sprintf("relation: unique on unknown attribute %q", attr))
	}
	n := newNode(OpUnique, r.Scheme(), r)
	n.aggAttr = attr
	n.uniqueVal = v
	return n
}

// Cached wraps r so evaluation serves c's rows while c holds any.
func Cached(r Relation, c Cache) *Node {
	n := newNode(OpCache, r.Scheme(), r)
	n.cache = c
	return n
}

// mutablePredicate holds a mutable select's predicate and the change feed
// announcing predicate swaps.
type mutablePredicate struct {
	mu     sync.RWMutex
	pred   expr.Expr
	source *predicateSource
}

// NewMutableSelect returns a select whose predicate can be replaced with
// SetPredicate.
func NewMutableSelect(r Relation, pred expr.Expr) *Node {
	n := newNode(OpMutableSelect, r.Scheme(), r)
	n.mutable = &mutablePredicate{pred: pred}
	n.mutable.source = &predicateSource{id: NextID(), node: n}
	return n
}

// Predicate returns the node's current select predicate.
func (n *Node) Predicate() expr.Expr {
	if n.mutable != nil {
		n.mutable.mu.RLock()
		defer n.mutable.mu.RUnlock()
		return n.mutable.pred
	}
	return n.pred
}

// SetPredicate replaces a mutable select's predicate. Observers receive
// the rows that start matching as added and the rows that stop matching as
// removed, even though no underlying data changed.
func (n *Node) SetPredicate(pred expr.Expr) error {
	if n.op != OpMutableSelect {
		panic(fmt.Sprintf("relation: SetPredicate on %s node", n.op))
	}
	rows, err := Collect(n.operands[0].Rows())
	if err != nil {
		return err
	}

	n.mutable.mu.Lock()
	old := n.mutable.pred
	n.mutable.pred = pred
	n.mutable.mu.Unlock()
	n.mutable.source.version.Add(1)

	added, removed := value.NewRowSet(), value.NewRowSet()
	for row := range rows.All() {
		was, is := expr.Matches(old, row), expr.Matches(pred, row)
		switch {
		case is && !was:
			added.Add(row)
		case was && !is:
			removed.Add(row)
		}
	}
	src := n.mutable.source
	src.observers.Notify(src, NewChange(added, removed))
	return nil
}

// predicateSource is the pseudo-leaf through which a mutable select
// reports predicate swaps. Dependents observe it like any other variable.
type predicateSource struct {
	id        ID
	node      *Node
	version   atomic.Uint64
	observers ObserverList
}

func (p *predicateSource) ID() ID               { return p.id }
func (p *predicateSource) Scheme() value.Scheme { return p.node.scheme }
func (p *predicateSource) Version() uint64      { return p.version.Load() }

func (p *predicateSource) Rows() iter.Seq2[value.Row, error] {
	return func(func(value.Row, error) bool) {}
}

func (p *predicateSource) Contains(value.Row) (bool, error)  { return false, nil }
func (p *predicateSource) Update(expr.Expr, value.Row) error { return nil }
func (p *predicateSource) AddObserver(o Observer) func()     { return p.observers.Add(o) }

// Variables returns the relations whose changes can change r: every leaf
// reachable from r plus the predicate feed of every mutable select, each
// once, in discovery order.
func Variables(r Relation) []Relation {
	var out []Relation
	seen := make(map[ID]bool)
	var visit func(Relation)
	visit = func(r Relation) {
		if seen[r.ID()] {
			return
		}
		seen[r.ID()] = true
		n, ok := r.(*Node)
		if !ok {
			out = append(out, r)
			return
		}
		for _, o := range n.operands {
			visit(o)
		}
		if n.mutable != nil {
			visit(n.mutable.source)
		}
	}
	visit(r)
	return out
}
