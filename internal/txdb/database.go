// Package txdb is the transactional layer over a changelog.Database.
//
// It hands out Relations that take part in operator graphs, batches
// mutations between Begin and End into one notification per relation,
// and guards reads with a read/write lock and a commit counter so a
// reader sees either a whole commit or ErrMutatedDuringEnumeration.
package txdb

import (
	"sync"
	"sync/atomic"

	"github.com/roach88/relflow/internal/changelog"
)

// Database is the single writer over a changelog.Database.
//
// Reads always observe the last committed state, also from inside a
// transaction. Writers are serialized by txMu; installing a commit takes
// mu for writing, and observers are notified after both are released so
// they may read or write again.
type Database struct {
	log *changelog.Database

	mu      sync.RWMutex
	version atomic.Uint64

	txMu sync.Mutex
	tx   *changelog.Tx

	relMu     sync.Mutex
	relations map[string]*Relation
}

// New wraps log.
func New(log *changelog.Database) *Database {
	return &Database{log: log, relations: make(map[string]*Relation)}
}

// Open wraps storage in a fresh changelog.Database.
func Open(storage changelog.Storage) *Database {
	return New(changelog.NewDatabase(storage))
}

// Log returns the underlying change-logging database.
func (db *Database) Log() *changelog.Database { return db.log }

// Version is the commit counter. It moves on every commit, restore and
// apply.
func (db *Database) Version() uint64 { return db.version.Load() }

// Relation returns the transactional relation for name, opening it on
// first use. The same name always yields the same *Relation.
func (db *Database) Relation(name string) (*Relation, error) {
	db.relMu.Lock()
	defer db.relMu.Unlock()
	if r, ok := db.relations[name]; ok {
		return r, nil
	}
	cl, err := db.log.Relation(name)
	if err != nil {
		return nil, err
	}
	r := newRelation(db, name, cl)
	db.relations[name] = r
	return r, nil
}

// Begin opens a transaction. Mutations of this database's relations go
// to the transaction until End.
//
// CRITICAL: transactions do not nest. Begin while one is open panics.
func (db *Database) Begin() {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	if db.tx != nil {
		panic("txdb: Begin called inside an open transaction")
	}
	db.tx = db.log.Begin()
}

// InTransaction reports whether a transaction is open.
func (db *Database) InTransaction() bool {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	return db.tx != nil
}

// End commits the open transaction and notifies one change per touched
// relation. If preparing the commit fails the transaction is discarded.
func (db *Database) End() error {
	b, err := db.endLocked()
	if err != nil {
		return err
	}
	b.Announce()
	return nil
}

func (db *Database) endLocked() (*changelog.Batch, error) {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	tx := db.tx
	if tx == nil {
		panic("txdb: End called without Begin")
	}
	db.tx = nil
	b, err := tx.Prepare()
	if err != nil {
		return nil, err
	}
	db.install(b)
	return b, nil
}

// Rollback discards the open transaction without notifying.
func (db *Database) Rollback() {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	if db.tx == nil {
		panic("txdb: Rollback called without Begin")
	}
	db.tx = nil
}

func (db *Database) install(b *changelog.Batch) {
	db.mu.Lock()
	defer db.mu.Unlock()
	b.Install()
	db.version.Add(1)
}

// Tx is the view of the open transaction passed to Transaction bodies.
type Tx struct {
	tx *changelog.Tx
}

// Relation returns the in-transaction state of name. Unlike the
// database's relations, its reads include the transaction's writes.
func (t *Tx) Relation(name string) (*changelog.Relation, error) {
	return t.tx.Relation(name)
}

// Transaction runs body between Begin and End. A body error or panic
// discards the transaction and leaves the committed state untouched.
func (db *Database) Transaction(body func(tx *Tx) error) (err error) {
	db.Begin()
	db.txMu.Lock()
	tx := &Tx{tx: db.tx}
	db.txMu.Unlock()

	done := false
	defer func() {
		if !done {
			db.Rollback()
		}
	}()
	if err := body(tx); err != nil {
		return err
	}
	done = true
	return db.End()
}

// mutate runs fn against name's state: the open transaction's copy, or a
// single-mutation transaction committed on the spot.
func (db *Database) mutate(name string, fn func(r *changelog.Relation) error) error {
	b, err := db.mutateLocked(name, fn)
	if err != nil {
		return err
	}
	if b != nil {
		b.Announce()
	}
	return nil
}

func (db *Database) mutateLocked(name string, fn func(r *changelog.Relation) error) (*changelog.Batch, error) {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	if db.tx != nil {
		c, err := db.tx.Relation(name)
		if err != nil {
			return nil, err
		}
		return nil, fn(c)
	}

	tx := db.log.Begin()
	c, err := tx.Relation(name)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	b, err := tx.Prepare()
	if err != nil {
		return nil, err
	}
	db.install(b)
	return b, nil
}

// Snapshot marks one committed state of the database.
type Snapshot struct {
	s changelog.DatabaseSnapshot
}

// Delta is the difference between two snapshots.
type Delta struct {
	d changelog.DatabaseDelta
}

// Reversed returns the inverse delta.
func (d Delta) Reversed() Delta { return Delta{d: d.d.Reversed()} }

// IsEmpty reports whether applying d would replay nothing.
func (d Delta) IsEmpty() bool { return d.d.IsEmpty() }

// TakeSnapshot marks the committed state. A snapshot taken inside a
// transaction excludes the transaction's writes.
func (db *Database) TakeSnapshot() Snapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	return Snapshot{s: db.log.TakeSnapshot()}
}

// RestoreSnapshot returns every relation to the state s marks and
// notifies the resulting changes.
func (db *Database) RestoreSnapshot(s Snapshot) error {
	return db.replace("RestoreSnapshot", func() (*changelog.Batch, error) {
		return db.log.PrepareRestore(s.s)
	})
}

// ComputeDelta returns the delta leading from one snapshot to another.
func (db *Database) ComputeDelta(from, to Snapshot) Delta {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return Delta{d: db.log.ComputeDelta(from.s, to.s)}
}

// Apply replays d onto the committed state and notifies the resulting
// changes.
func (db *Database) Apply(d Delta) error {
	return db.replace("Apply", func() (*changelog.Batch, error) {
		return db.log.PrepareApply(d.d)
	})
}

func (db *Database) replace(op string, prepare func() (*changelog.Batch, error)) error {
	b, err := db.replaceLocked(op, prepare)
	if err != nil {
		return err
	}
	b.Announce()
	return nil
}

func (db *Database) replaceLocked(op string, prepare func() (*changelog.Batch, error)) (*changelog.Batch, error) {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	if db.tx != nil {
		panic("txdb: " + op + " called inside an open transaction")
	}
	b, err := prepare()
	if err != nil {
		return nil, err
	}
	db.install(b)
	return b, nil
}

// TransactionWithSnapshots runs Transaction and returns the snapshots of
// the committed state just before and just after it.
func (db *Database) TransactionWithSnapshots(body func(tx *Tx) error) (before, after Snapshot, err error) {
	before = db.TakeSnapshot()
	if err := db.Transaction(body); err != nil {
		return before, before, err
	}
	return before, db.TakeSnapshot(), nil
}

// Save writes the committed state to storage.
func (db *Database) Save() error {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	if db.tx != nil {
		panic("txdb: Save called inside an open transaction")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.log.Save()
}
