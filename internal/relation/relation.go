// Package relation defines the Relation contract and the operator graph
// built on top of it.
//
// A Relation is either a leaf (storage, MemoryTable, change-logging or
// transactional relation) or a *Node applying one operator to operand
// relations. Nodes never hold data of their own: their content is computed
// from their operands by an Evaluator, and their changes are derived from
// their leaves' changes by a Differentiator.
package relation

import (
	"iter"
	"sync/atomic"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/value"
)

// ID identifies a relation for the life of the process.
type ID uint64

var lastID atomic.Uint64

// NextID allocates a fresh relation ID. Every relation implementation
// takes one at construction.
func NextID() ID {
	return ID(lastID.Add(1))
}

// Relation is the capability every relation provides.
//
// Rows returns a lazy sequence over the current content. Source versions
// are captured when Rows is called: if the relation is mutated after that
// and before the sequence is drained, the next pull yields
// ErrMutatedDuringEnumeration and the sequence ends. Ranging the same
// sequence again after a write fails the same way; to restart, call Rows
// again.
type Relation interface {
	ID() ID
	Scheme() value.Scheme
	Rows() iter.Seq2[value.Row, error]
	Contains(row value.Row) (bool, error)
	Update(query expr.Expr, newValues value.Row) error

	// AddObserver registers o for change notifications. The returned func
	// removes the registration; calling it more than once is a no-op.
	AddObserver(o Observer) (remove func())
}

// MutableRelation is a Relation that accepts inserts and deletes.
type MutableRelation interface {
	Relation
	Add(row value.Row) error
	Delete(query expr.Expr) error
}

// Versioned is implemented by leaves whose content can change. Version
// increases on every mutation; the enumeration guard compares versions to
// detect mutation during enumeration.
type Versioned interface {
	Version() uint64
}

// Change is one notification's worth of row-level delta. A nil field
// means nothing was added (or removed). A row present in both is an
// update.
type Change struct {
	Added   *value.RowSet
	Removed *value.RowSet
}

// NewChange builds a Change, folding empty sets to nil.
func NewChange(added, removed *value.RowSet) Change {
	if added.IsEmpty() {
		added = nil
	}
	if removed.IsEmpty() {
		removed = nil
	}
	return Change{Added: added, Removed: removed}
}

// IsEmpty reports whether the change carries no rows.
func (c Change) IsEmpty() bool {
	return c.Added.IsEmpty() && c.Removed.IsEmpty()
}

// Collect drains rows into a set, stopping at the first error.
func Collect(rows iter.Seq2[value.Row, error]) (*value.RowSet, error) {
	out := value.NewRowSet()
	for row, err := range rows {
		if err != nil {
			return nil, err
		}
		out.Add(row)
	}
	return out, nil
}

// IsEmpty reports whether r has no rows. It stops at the first row.
func IsEmpty(r Relation) (bool, error) {
	for _, err := range r.Rows() {
		if err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SelectRows returns the rows of r matching query.
func SelectRows(r Relation, query expr.Expr) ([]value.Row, error) {
	var out []value.Row
	for row, err := range r.Rows() {
		if err != nil {
			return nil, err
		}
		if expr.Matches(query, row) {
			out = append(out, row)
		}
	}
	return out, nil
}

func mustMatchScheme(what string, want value.Scheme, row value.Row) {
	if !row.Scheme().Equal(want) {
		panic("relation: " + what + ": row " + row.String() + " does not match scheme " + want.String())
	}
}
