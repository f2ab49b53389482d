package engine

import (
	"sync"

	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/value"
)

// Observer receives an observed relation's net change once per running
// period, during the Stopping state.
//
// A delivery is WillChange, then either Failed or any of Added and
// Removed (each skipped when empty), then DidChange. Relations whose net
// change is empty receive nothing.
type Observer interface {
	WillChange(r relation.Relation)
	Added(r relation.Relation, rows *value.RowSet)
	Removed(r relation.Relation, rows *value.RowSet)
	Failed(r relation.Relation, err error)
	DidChange(r relation.Relation)
}

// Result is the coalesced outcome of one running period for one observed
// relation: its net change, or the error that stopped computing it.
type Result struct {
	Relation relation.Relation
	BatchID  string
	Seq      int64
	Change   relation.Change
	Err      error
}

// QueryResult is a materialized read: sorted (then postprocessed) rows,
// or the error that stopped the read.
type QueryResult struct {
	Rows []value.Row
	Err  error
}

// registration is one observer of an observed relation. Exactly one of
// the callback fields is set.
type registration struct {
	observer  Observer
	coalesced func(Result)
	content   func(QueryResult)
}

// observed is the manager's record of a relation with live observers.
// delta and err are only touched on the execution goroutine.
type observed struct {
	rel    relation.Relation
	seq    uint64
	vars   []relation.Relation
	varIDs map[relation.ID]bool

	regs   map[uint64]*registration
	nextID uint64

	delta *relation.Delta
	err   error
}

func newObserved(r relation.Relation, seq uint64) *observed {
	vars := relation.Variables(r)
	ids := make(map[relation.ID]bool, len(vars))
	for _, v := range vars {
		ids[v.ID()] = true
	}
	return &observed{
		rel:    r,
		seq:    seq,
		vars:   vars,
		varIDs: ids,
		regs:   make(map[uint64]*registration),
		delta:  relation.NewDelta(),
	}
}

// dependsOn reports whether a change to r can change o's relation.
func (o *observed) dependsOn(r relation.Relation) bool {
	if r.ID() == o.rel.ID() {
		return true
	}
	for _, v := range relation.Variables(r) {
		if o.varIDs[v.ID()] {
			return true
		}
	}
	return false
}

// fail records the first error of the period.
func (o *observed) fail(err error) {
	if o.err == nil {
		o.err = err
	}
}

func (o *observed) reset() {
	o.delta = relation.NewDelta()
	o.err = nil
}

// capture collects the changes announced by a set of variables while a
// segment runs.
type capture struct {
	mu      sync.Mutex
	leaves  map[relation.ID]*relation.Delta
	removes []func()
}

func newCapture(watch []*observed) *capture {
	c := &capture{leaves: make(map[relation.ID]*relation.Delta)}
	seen := make(map[relation.ID]bool)
	for _, o := range watch {
		for _, v := range o.vars {
			if seen[v.ID()] {
				continue
			}
			seen[v.ID()] = true
			c.removes = append(c.removes, v.AddObserver(relation.ChangeFunc(c.changed)))
		}
	}
	return c
}

// changed runs synchronously inside the announcing call. That is the
// execution goroutine for the manager's own actions, but a direct write
// from elsewhere lands here too.
func (c *capture) changed(r relation.Relation, ch relation.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.leaves[r.ID()]
	if !ok {
		d = relation.NewDelta()
		c.leaves[r.ID()] = d
	}
	d.MergeChange(ch)
}

// take returns the captured leaf deltas and starts a new collection.
func (c *capture) take() map[relation.ID]*relation.Delta {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.leaves
	c.leaves = make(map[relation.ID]*relation.Delta)
	return out
}

func (c *capture) close() {
	for _, remove := range c.removes {
		remove()
	}
}
