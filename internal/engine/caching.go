package engine

import (
	"sync"

	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/value"
)

// CachingRelation passes its source through unchanged and keeps the
// source's rows in memory while there are at most limit of them. Graphs
// built on Relation() read the cache instead of the source while it is
// filled.
//
// The cache is dropped synchronously when any variable of the source
// begins a transaction, and refilled on the execution goroutine from the
// manager's content observation of the source.
type CachingRelation struct {
	m      *Manager
	source relation.Relation
	node   *relation.Node
	limit  int

	mu   sync.Mutex
	rows *value.RowSet
	gen  uint64

	removes []func()
}

// CachingRelation wraps sub in a cache of up to limit rows and queues the
// initial fill.
func (m *Manager) CachingRelation(sub relation.Relation, limit int) *CachingRelation {
	c := &CachingRelation{m: m, source: sub, limit: limit}
	c.node = relation.Cached(sub, c)
	for _, v := range relation.Variables(sub) {
		c.removes = append(c.removes, v.AddObserver(invalidator{c}))
	}
	c.removes = append(c.removes, m.ObserveContent(sub, func(res QueryResult) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.setLocked(res)
	}))
	c.refill()
	return c
}

// Relation returns the pass-through node to build graphs on.
func (c *CachingRelation) Relation() *relation.Node { return c.node }

// Cache returns the cached rows, or nil while the cache is empty or the
// source holds more than limit rows. The set must be treated as
// read-only.
func (c *CachingRelation) Cache() *value.RowSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

// Cached implements relation.Cache.
func (c *CachingRelation) Cached() (*value.RowSet, bool) {
	rows := c.Cache()
	return rows, rows != nil
}

// Close stops observing the source. The cache keeps its last rows.
func (c *CachingRelation) Close() {
	for _, remove := range c.removes {
		remove()
	}
	c.removes = nil
}

func (c *CachingRelation) setLocked(res QueryResult) {
	if res.Err != nil || len(res.Rows) > c.limit {
		c.rows = nil
		return
	}
	c.rows = value.NewRowSet(res.Rows...)
}

// refill queues a query whose result is kept only if no invalidation
// happened since it was queued.
func (c *CachingRelation) refill() {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.m.Query(c.source, nil, func(res QueryResult) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen {
			c.setLocked(res)
		}
	})
}

func (c *CachingRelation) invalidate() {
	c.mu.Lock()
	c.rows = nil
	c.gen++
	c.mu.Unlock()
	// Content observation only reports changes, so a write that leaves
	// the source as it was would otherwise leave the cache empty.
	c.refill()
}

// invalidator drops the cache when a source variable begins changing.
type invalidator struct{ c *CachingRelation }

func (i invalidator) TransactionBegan(relation.Relation) { i.c.invalidate() }

func (i invalidator) RelationChanged(relation.Relation, relation.Change) {}

func (i invalidator) TransactionEnded(relation.Relation) {}
