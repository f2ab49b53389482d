// Package changelog wraps storage relations with an in-memory change log.
//
// Mutations are recorded as log entries in a bookmark graph and reflected
// in an overlay over the untouched base relation. Any earlier state can be
// restored by replaying the log between two bookmarks, the difference
// between two states can be extracted and replayed elsewhere, and Save
// writes the net effect of the log back to storage.
package changelog

import (
	"iter"
	"sync"
	"sync/atomic"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/value"
)

// Snapshot marks one state of a Relation.
type Snapshot struct {
	mark Bookmark[[]Entry]
}

// Delta holds the log entries leading between two states, in both
// directions.
type Delta struct {
	Forward []Entry
	Reverse []Entry
}

// Reversed swaps the directions.
func (d Delta) Reversed() Delta {
	return Delta{Forward: d.Reverse, Reverse: d.Forward}
}

// Relation is a change-logging wrapper over a base relation. It satisfies
// relation.MutableRelation.
//
// The base relation is never written except by Save.
type Relation struct {
	id    relation.ID
	name  string
	base  relation.MutableRelation
	graph *Graph[[]Entry]
	zero  Bookmark[[]Entry]

	mu       sync.RWMutex
	baseMark Bookmark[[]Entry]
	current  Bookmark[[]Entry]
	state    overlay

	version   atomic.Uint64
	observers relation.ObserverList
}

// NewRelation wraps base. name is used in logs and errors.
func NewRelation(name string, base relation.MutableRelation) *Relation {
	g := NewGraph[[]Entry]()
	zero := g.AddEmptyNode()
	return &Relation{
		id:       relation.NextID(),
		name:     name,
		base:     base,
		graph:    g,
		zero:     zero,
		baseMark: zero,
		current:  zero,
		state:    newOverlay(),
	}
}

func (r *Relation) ID() relation.ID      { return r.id }
func (r *Relation) Name() string         { return r.name }
func (r *Relation) Scheme() value.Scheme { return r.base.Scheme() }
func (r *Relation) Version() uint64      { return r.version.Load() }

// Base returns the wrapped storage relation.
func (r *Relation) Base() relation.MutableRelation { return r.base }

func (r *Relation) String() string { return r.name }

// Rows enumerates (base − removed) ∪ added.
func (r *Relation) Rows() iter.Seq2[value.Row, error] {
	g := relation.NewGuard(r, r.base)
	return g.Rows(func() ([]value.Row, error) {
		r.mu.RLock()
		state := r.state
		r.mu.RUnlock()
		return state.content(r.base)
	})
}

func (o overlay) content(base relation.Relation) ([]value.Row, error) {
	rows, err := relation.Collect(base.Rows())
	if err != nil {
		return nil, err
	}
	for k := range entries(o.removed) {
		rows.RemoveKey(k)
	}
	for _, row := range entries(o.added) {
		rows.Add(row)
	}
	return rows.Sorted(), nil
}

// Contains answers from the overlay when it can and asks the base
// otherwise.
func (r *Relation) Contains(row value.Row) (bool, error) {
	k := row.Key()
	r.mu.RLock()
	_, added := r.state.added.Get(k)
	_, removed := r.state.removed.Get(k)
	r.mu.RUnlock()
	if added {
		return true, nil
	}
	if removed {
		return false, nil
	}
	return r.base.Contains(row)
}

// Add inserts row. Adding a visible row is a no-op.
func (r *Relation) Add(row value.Row) error {
	if !row.Scheme().Equal(r.Scheme()) {
		panic("changelog: " + r.name + ": row " + row.String() + " does not match scheme " + r.Scheme().String())
	}
	has, err := r.Contains(row)
	if err != nil || has {
		return err
	}
	return r.record([]Entry{unionEntry(row)}, func(relation.Change) []Entry {
		return []Entry{selectEntry(expr.Negate(expr.FromRow(row)))}
	})
}

// Delete removes every visible row matching query.
func (r *Relation) Delete(query expr.Expr) error {
	doomed, err := relation.SelectRows(r, query)
	if err != nil {
		return err
	}
	return r.record([]Entry{selectEntry(expr.Negate(query))}, func(relation.Change) []Entry {
		return []Entry{unionEntry(doomed...)}
	})
}

// Update overwrites newValues on every visible row matching query.
func (r *Relation) Update(query expr.Expr, newValues value.Row) error {
	return r.record([]Entry{updateEntry(query, newValues)}, func(c relation.Change) []Entry {
		var reverse []Entry
		for _, row := range c.Added.Sorted() {
			reverse = append(reverse, selectEntry(expr.Negate(expr.FromRow(row))))
		}
		if !c.Removed.IsEmpty() {
			reverse = append(reverse, unionEntry(c.Removed.Sorted()...))
		}
		return reverse
	})
}

// record replays forward onto the overlay, extends the log with a node
// whose inbound edge is reverse(change), and notifies.
func (r *Relation) record(forward []Entry, reverse func(relation.Change) []Entry) error {
	r.mu.Lock()
	next, c, err := r.state.replay(forward, r.base)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.state = next
	r.current = r.graph.AddNode(r.current, forward, reverse(c))
	if !c.IsEmpty() {
		r.version.Add(1)
	}
	r.mu.Unlock()

	r.observers.Notify(r, c)
	return nil
}

// AddObserver registers o.
func (r *Relation) AddObserver(o relation.Observer) func() {
	return r.observers.Add(o)
}

// TakeSnapshot marks the current state.
func (r *Relation) TakeSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{mark: r.current}
}

// BaseSnapshot marks the state last saved to storage.
func (r *Relation) BaseSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{mark: r.baseMark}
}

// ZeroSnapshot marks the state before any logged change.
func (r *Relation) ZeroSnapshot() Snapshot {
	return Snapshot{mark: r.zero}
}

// ComputeDelta returns the log entries between two snapshots.
func (r *Relation) ComputeDelta(from, to Snapshot) Delta {
	return Delta{
		Forward: flatten(r.graph.Path(from.mark, to.mark)),
		Reverse: flatten(r.graph.Path(to.mark, from.mark)),
	}
}

// RestoreSnapshot returns the relation to the state s marks and notifies
// the resulting change.
func (r *Relation) RestoreSnapshot(s Snapshot) error {
	p, err := r.PrepareRestore(s)
	if err != nil {
		return err
	}
	p.Commit()
	r.observers.Notify(r, p.Change())
	return nil
}

// Apply replays d's forward entries as a new step and notifies the
// resulting change.
func (r *Relation) Apply(d Delta) error {
	p, err := r.PrepareApply(d)
	if err != nil {
		return err
	}
	p.Commit()
	r.observers.Notify(r, p.Change())
	return nil
}

// Pending is a computed but uncommitted state change. Databases prepare
// every relation first and commit only when all preparations succeeded.
//
// CRITICAL: a Pending is computed against the state at preparation time.
// Committing it after another mutation of the same relation discards
// that mutation; callers serialize writers.
type Pending struct {
	r      *Relation
	state  overlay
	change relation.Change

	mark    Bookmark[[]Entry]
	extend  bool // commit adds a log step instead of moving to mark
	forward []Entry
	reverse []Entry
}

// Relation returns the relation the change belongs to.
func (p *Pending) Relation() *Relation { return p.r }

// Change returns the visible change committing will cause.
func (p *Pending) Change() relation.Change { return p.change }

// PrepareRestore computes the move to s.
func (r *Relation) PrepareRestore(s Snapshot) (*Pending, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log := flatten(r.graph.Path(r.current, s.mark))
	next, c, err := r.state.replay(log, r.base)
	if err != nil {
		return nil, err
	}
	return &Pending{r: r, state: next, change: c, mark: s.mark}, nil
}

// PrepareApply computes replaying d as a new step.
func (r *Relation) PrepareApply(d Delta) (*Pending, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next, c, err := r.state.replay(d.Forward, r.base)
	if err != nil {
		return nil, err
	}
	return &Pending{r: r, state: next, change: c, extend: true, forward: d.Forward, reverse: d.Reverse}, nil
}

// PrepareAdopt computes taking over the state of a copy made by Derive.
func (r *Relation) PrepareAdopt(derived *Relation) (*Pending, error) {
	return r.PrepareRestore(derived.TakeSnapshot())
}

// Commit installs the prepared state without notifying.
func (p *Pending) Commit() {
	r := p.r
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = p.state
	if p.extend {
		r.current = r.graph.AddNode(r.current, p.forward, p.reverse)
	} else {
		r.current = p.mark
	}
	if !p.change.IsEmpty() {
		r.version.Add(1)
	}
}

// Derive returns a scratch copy sharing the log and the base. Mutations of
// the copy are invisible to r until r adopts it.
func (r *Relation) Derive() *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Relation{
		id:       relation.NextID(),
		name:     r.name,
		base:     r.base,
		graph:    r.graph,
		zero:     r.zero,
		baseMark: r.baseMark,
		current:  r.current,
		state:    r.state,
	}
}

// Save writes the net effect of the log since the last save to the base
// relation: deletions first, then additions. On error the saved position
// does not move; rows already written stay written, so callers run Save
// inside a storage transaction.
func (r *Relation) Save() error {
	r.mu.RLock()
	log := flatten(r.graph.Path(r.baseMark, r.current))
	target := r.current
	r.mu.RUnlock()

	added, removed, err := changeFromLog(log, r.base)
	if err != nil {
		return err
	}
	for _, row := range removed.Sorted() {
		if err := r.base.Delete(expr.FromRow(row)); err != nil {
			return err
		}
	}
	for _, row := range added.Sorted() {
		if err := r.base.Add(row); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.baseMark = target
	r.mu.Unlock()
	return nil
}

// Began, Changed and Ended deliver a bracket to r's observers. Databases
// use them to announce multi-relation commits.
func (r *Relation) Began()                    { r.observers.Began(r) }
func (r *Relation) Changed(c relation.Change) { r.observers.Changed(r, c) }
func (r *Relation) Ended()                    { r.observers.Ended(r) }
