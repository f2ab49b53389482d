package changelog

import (
	"fmt"
	"iter"

	"github.com/benbjohnson/immutable"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/value"
)

type entryOp int

const (
	entryUnion entryOp = iota + 1
	entrySelect
	entryUpdate
)

// Entry is one step of a relation's change log. Entries are replayed onto
// the overlay to move between states, and onto the base relation when
// saving.
type Entry struct {
	op     entryOp
	rows   []value.Row // union
	query  expr.Expr   // select keeps matching rows; update targets matching rows
	values value.Row   // update
}

func unionEntry(rows ...value.Row) Entry { return Entry{op: entryUnion, rows: rows} }

func selectEntry(query expr.Expr) Entry { return Entry{op: entrySelect, query: query} }

func updateEntry(query expr.Expr, values value.Row) Entry {
	return Entry{op: entryUpdate, query: query, values: values}
}

func (e Entry) String() string {
	switch e.op {
	case entryUnion:
		return fmt.Sprintf("union %v", e.rows)
	case entrySelect:
		return "select " + expr.Format(e.query)
	case entryUpdate:
		return fmt.Sprintf("update %s set %s", expr.Format(e.query), e.values)
	default:
		return fmt.Sprintf("Entry(%d)", int(e.op))
	}
}

func flatten(path [][]Entry) []Entry {
	var out []Entry
	for _, step := range path {
		out = append(out, step...)
	}
	return out
}

type rowMap = immutable.SortedMap[string, value.Row]

func newRowMap() *rowMap {
	return immutable.NewSortedMap[string, value.Row](immutable.NewComparer(""))
}

func entries(m *rowMap) iter.Seq2[string, value.Row] {
	return func(yield func(string, value.Row) bool) {
		itr := m.Iterator()
		for !itr.Done() {
			k, row, _ := itr.Next()
			if !yield(k, row) {
				return
			}
		}
	}
}

// overlay is a relation's uncommitted difference from its base: the
// visible content is (base − removed) ∪ added. Both maps are persistent,
// so copying an overlay for a transaction is free and a failed replay
// leaves the original untouched.
type overlay struct {
	added   *rowMap
	removed *rowMap
}

func newOverlay() overlay {
	return overlay{added: newRowMap(), removed: newRowMap()}
}

// replay applies log entries to o and returns the resulting overlay with
// the visible change.
func (o overlay) replay(log []Entry, base relation.Relation) (overlay, relation.Change, error) {
	next := o
	for _, e := range log {
		var err error
		next, err = next.apply(e, base)
		if err != nil {
			return o, relation.Change{}, err
		}
	}
	return next, o.diff(next), nil
}

func (o overlay) apply(e Entry, base relation.Relation) (overlay, error) {
	added, removed := o.added, o.removed
	switch e.op {
	case entryUnion:
		for _, row := range e.rows {
			k := row.Key()
			added = added.Set(k, row)
			removed = removed.Delete(k)
		}

	case entrySelect:
		for k, row := range entries(o.added) {
			if !expr.Matches(e.query, row) {
				added = added.Delete(k)
			}
		}
		dropped, err := relation.SelectRows(base, expr.Negate(e.query))
		if err != nil {
			return o, err
		}
		for _, row := range dropped {
			removed = removed.Set(row.Key(), row)
		}

	case entryUpdate:
		for k, row := range entries(o.added) {
			if expr.Matches(e.query, row) {
				updated := row.Merge(e.values)
				added = added.Delete(k).Set(updated.Key(), updated)
			}
		}
		matched, err := relation.SelectRows(base, e.query)
		if err != nil {
			return o, err
		}
		for _, row := range matched {
			k := row.Key()
			if _, gone := o.removed.Get(k); gone {
				continue
			}
			updated := row.Merge(e.values)
			added = added.Set(updated.Key(), updated)
			removed = removed.Set(k, row)
		}

	default:
		panic(fmt.Sprintf("changelog: unknown entry op %d", e.op))
	}
	return overlay{added: added, removed: removed}, nil
}

// diff reports what became visible and what stopped being visible between
// o and next. A row reported on both sides nets out and is dropped.
func (o overlay) diff(next overlay) relation.Change {
	added, removed := value.NewRowSet(), value.NewRowSet()
	for k, row := range entries(next.added) {
		if _, ok := o.added.Get(k); !ok {
			added.Add(row)
		}
	}
	for k, row := range entries(o.removed) {
		if _, ok := next.removed.Get(k); !ok {
			added.Add(row)
		}
	}
	for k, row := range entries(o.added) {
		if _, ok := next.added.Get(k); !ok {
			removed.Add(row)
		}
	}
	for k, row := range entries(next.removed) {
		if _, ok := o.removed.Get(k); !ok {
			removed.Add(row)
		}
	}
	for k := range added.Keyed() {
		if removed.ContainsKey(k) {
			added.RemoveKey(k)
			removed.RemoveKey(k)
		}
	}
	return relation.NewChange(added, removed)
}

// changeFromLog computes the rows a log adds to and removes from base,
// without touching any overlay. Save replays the result onto the base.
func changeFromLog(log []Entry, base relation.Relation) (added, removed *value.RowSet, err error) {
	added, removed = value.NewRowSet(), value.NewRowSet()
	for _, e := range log {
		switch e.op {
		case entryUnion:
			for _, row := range e.rows {
				if !removed.Remove(row) {
					added.Add(row)
				}
			}

		case entrySelect:
			for k, row := range added.Keyed() {
				if !expr.Matches(e.query, row) {
					added.RemoveKey(k)
				}
			}
			dropped, err := relation.SelectRows(base, expr.Negate(e.query))
			if err != nil {
				return nil, nil, err
			}
			for _, row := range dropped {
				removed.Add(row)
			}

		case entryUpdate:
			next := value.NewRowSet()
			for row := range added.All() {
				if expr.Matches(e.query, row) {
					row = row.Merge(e.values)
				}
				next.Add(row)
			}
			matched, err := relation.SelectRows(base, e.query)
			if err != nil {
				return nil, nil, err
			}
			for _, row := range matched {
				if !removed.Contains(row) {
					next.Add(row.Merge(e.values))
				}
				removed.Add(row)
			}
			added = next
		}
	}
	return added, removed, nil
}
