package store

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/value"
)

// MemoryDatabase keeps relation.MemoryTable values by name. Transaction
// restores the content of every table if fn fails.
type MemoryDatabase struct {
	mu     sync.Mutex
	tables map[string]*relation.MemoryTable
	closed bool
}

// NewMemoryDatabase creates an empty database.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{tables: make(map[string]*relation.MemoryTable)}
}

// CreateRelation creates an empty table.
func (db *MemoryDatabase) CreateRelation(name string, scheme value.Scheme) (relation.MutableRelation, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	if _, ok := db.tables[name]; ok {
		return nil, fmt.Errorf("create %q: %w", name, ErrRelationExists)
	}
	t := relation.NewMemoryTable(scheme)
	db.tables[name] = t
	return t, nil
}

// StoredRelation returns the table for name.
func (db *MemoryDatabase) StoredRelation(name string) (relation.MutableRelation, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	t, ok := db.tables[name]
	if !ok {
		return nil, fmt.Errorf("open %q: %w", name, ErrNoRelation)
	}
	return t, nil
}

// Table returns the table for name, or nil.
func (db *MemoryDatabase) Table(name string) *relation.MemoryTable {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tables[name]
}

// Transaction runs fn. If fn fails every table is put back to its content
// from before fn, which notifies observers of the reverting change.
func (db *MemoryDatabase) Transaction(fn func() error) error {
	db.mu.Lock()
	saved := make(map[string]*value.RowSet, len(db.tables))
	for name, t := range db.tables {
		saved[name] = t.Snapshot()
	}
	db.mu.Unlock()

	err := fn()
	if err == nil {
		return nil
	}
	for name, rows := range saved {
		if rerr := restoreTable(db.Table(name), rows); rerr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rerr)
		}
	}
	return err
}

func restoreTable(t *relation.MemoryTable, want *value.RowSet) error {
	have := t.Snapshot()
	for _, row := range have.Minus(want).Sorted() {
		if err := t.Delete(expr.FromRow(row)); err != nil {
			return err
		}
	}
	for _, row := range want.Minus(have).Sorted() {
		if err := t.Add(row); err != nil {
			return err
		}
	}
	return nil
}

// Names lists the tables in sorted order.
func (db *MemoryDatabase) Names() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return slices.Sorted(maps.Keys(db.tables)), nil
}

// Close drops every table.
func (db *MemoryDatabase) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	db.tables = nil
	return nil
}
