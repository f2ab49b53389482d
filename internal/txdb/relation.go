package txdb

import (
	"iter"

	"github.com/roach88/relflow/internal/changelog"
	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/value"
)

// Relation is a named relation of a Database. It satisfies
// relation.MutableRelation and relation.Versioned, so operator graphs can
// be built over it and their reads are guarded by the commit counter.
type Relation struct {
	id   relation.ID
	db   *Database
	name string
	log  *changelog.Relation

	observers relation.ObserverList
}

func newRelation(db *Database, name string, log *changelog.Relation) *Relation {
	r := &Relation{id: relation.NextID(), db: db, name: name, log: log}
	log.AddObserver(forwarder{r})
	return r
}

func (r *Relation) ID() relation.ID      { return r.id }
func (r *Relation) Name() string         { return r.name }
func (r *Relation) Scheme() value.Scheme { return r.log.Scheme() }
func (r *Relation) String() string       { return r.name }

// Version returns the owning database's commit counter.
func (r *Relation) Version() uint64 { return r.db.Version() }

// Database returns the owning database.
func (r *Relation) Database() *Database { return r.db }

// Rows enumerates the committed content.
func (r *Relation) Rows() iter.Seq2[value.Row, error] {
	g := relation.NewGuard(r)
	return g.Rows(func() ([]value.Row, error) {
		r.db.mu.RLock()
		defer r.db.mu.RUnlock()
		rows, err := relation.Collect(r.log.Rows())
		if err != nil {
			return nil, err
		}
		return rows.Sorted(), nil
	})
}

// Contains checks the committed content.
func (r *Relation) Contains(row value.Row) (bool, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	return r.log.Contains(row)
}

// Add inserts row, inside the open transaction if there is one.
func (r *Relation) Add(row value.Row) error {
	if !row.Scheme().Equal(r.Scheme()) {
		panic("txdb: " + r.name + ": row " + row.String() + " does not match scheme " + r.Scheme().String())
	}
	return r.db.mutate(r.name, func(c *changelog.Relation) error { return c.Add(row) })
}

// Delete removes the rows matching query.
func (r *Relation) Delete(query expr.Expr) error {
	return r.db.mutate(r.name, func(c *changelog.Relation) error { return c.Delete(query) })
}

// Update overwrites newValues on the rows matching query.
func (r *Relation) Update(query expr.Expr, newValues value.Row) error {
	return r.db.mutate(r.name, func(c *changelog.Relation) error { return c.Update(query, newValues) })
}

// AddObserver registers o for committed changes.
func (r *Relation) AddObserver(o relation.Observer) func() {
	return r.observers.Add(o)
}

// forwarder re-announces the change-logging relation's brackets as r's.
type forwarder struct{ r *Relation }

func (f forwarder) TransactionBegan(relation.Relation) { f.r.observers.Began(f.r) }

func (f forwarder) RelationChanged(_ relation.Relation, c relation.Change) {
	f.r.observers.Changed(f.r, c)
}

func (f forwarder) TransactionEnded(relation.Relation) { f.r.observers.Ended(f.r) }
