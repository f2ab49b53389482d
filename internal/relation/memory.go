package relation

import (
	"iter"
	"sync"
	"sync/atomic"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/value"
)

// MemoryTable is an in-memory mutable relation. It is the simplest leaf:
// every mutation notifies observers synchronously with the exact change.
//
// MemoryTable is safe for concurrent use. Observers are called after the
// table's lock is released, on the mutating goroutine.
type MemoryTable struct {
	id        ID
	scheme    value.Scheme
	mu        sync.RWMutex
	rows      *value.RowSet
	version   atomic.Uint64
	observers ObserverList
}

// NewMemoryTable creates an empty table.
func NewMemoryTable(scheme value.Scheme) *MemoryTable {
	return &MemoryTable{id: NextID(), scheme: scheme, rows: value.NewRowSet()}
}

// MakeMemoryTable creates a table holding rows. Every row must match the
// scheme.
func MakeMemoryTable(scheme value.Scheme, rows ...value.Row) *MemoryTable {
	t := NewMemoryTable(scheme)
	for _, r := range rows {
		mustMatchScheme("MakeMemoryTable", scheme, r)
		t.rows.Add(r)
	}
	return t
}

func (t *MemoryTable) ID() ID               { return t.id }
func (t *MemoryTable) Scheme() value.Scheme { return t.scheme }
func (t *MemoryTable) Version() uint64      { return t.version.Load() }

// Rows enumerates a copy of the content taken at first pull.
func (t *MemoryTable) Rows() iter.Seq2[value.Row, error] {
	g := NewGuard(t)
	return g.Rows(func() ([]value.Row, error) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.rows.Sorted(), nil
	})
}

// Contains reports whether row is present.
func (t *MemoryTable) Contains(row value.Row) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows.Contains(row), nil
}

// Add inserts row. Adding a present row is a no-op without notification.
func (t *MemoryTable) Add(row value.Row) error {
	mustMatchScheme("MemoryTable.Add", t.scheme, row)
	t.mu.Lock()
	added := t.rows.Add(row)
	if added {
		t.version.Add(1)
	}
	t.mu.Unlock()

	if added {
		t.observers.Notify(t, NewChange(value.NewRowSet(row), nil))
	}
	return nil
}

// Delete removes every row matching query.
func (t *MemoryTable) Delete(query expr.Expr) error {
	removed := value.NewRowSet()
	t.mu.Lock()
	for k, row := range t.rows.Keyed() {
		if expr.Matches(query, row) {
			removed.Add(row)
			t.rows.RemoveKey(k)
		}
	}
	if !removed.IsEmpty() {
		t.version.Add(1)
	}
	t.mu.Unlock()

	if !removed.IsEmpty() {
		t.observers.Notify(t, NewChange(nil, removed))
	}
	return nil
}

// Update overwrites newValues on every row matching query.
func (t *MemoryTable) Update(query expr.Expr, newValues value.Row) error {
	t.mu.Lock()
	c := UpdateRowSet(t.rows, query, newValues)
	if !c.IsEmpty() {
		t.version.Add(1)
	}
	t.mu.Unlock()

	if !c.IsEmpty() {
		t.observers.Notify(t, c)
	}
	return nil
}

// UpdateRowSet applies an update in place and returns the exact change.
// Rows that collapse onto each other or onto themselves are handled by
// computing the change from membership after the update.
func UpdateRowSet(rows *value.RowSet, query expr.Expr, newValues value.Row) Change {
	var matched []value.Row
	for row := range rows.All() {
		if expr.Matches(query, row) {
			matched = append(matched, row)
		}
	}
	if len(matched) == 0 {
		return Change{}
	}

	before := value.NewRowSet(matched...)
	for _, row := range matched {
		rows.Remove(row)
	}
	added := value.NewRowSet()
	for _, row := range matched {
		updated := row.Merge(newValues)
		if rows.Add(updated) && !before.Contains(updated) {
			added.Add(updated)
		}
	}
	removed := value.NewRowSet()
	for _, row := range matched {
		if !rows.Contains(row) {
			removed.Add(row)
		}
	}
	return NewChange(added, removed)
}

// AddObserver registers o.
func (t *MemoryTable) AddObserver(o Observer) func() {
	return t.observers.Add(o)
}

// Copy returns an independent table with the same rows and no observers.
func (t *MemoryTable) Copy() *MemoryTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := NewMemoryTable(t.scheme)
	out.rows = t.rows.Clone()
	return out
}

// Snapshot returns a copy of the current rows.
func (t *MemoryTable) Snapshot() *value.RowSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows.Clone()
}
