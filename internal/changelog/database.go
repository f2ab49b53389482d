package changelog

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/relflow/internal/relation"
)

// Storage is the backend a Database wraps. Implementations live in
// internal/store.
type Storage interface {
	// StoredRelation opens the named relation. It fails if the relation
	// does not exist.
	StoredRelation(name string) (relation.MutableRelation, error)

	// Transaction runs fn inside a storage transaction. A non-nil error
	// from fn rolls the storage transaction back.
	Transaction(fn func() error) error
}

// Database is a named set of change-logging relations over one Storage.
//
// Relations are opened lazily on first use. Multi-relation operations
// (Transaction, RestoreSnapshot, Apply) prepare every relation before
// committing any, so a failure leaves all of them untouched, and announce
// the result as one nested bracket: began for all, then the changes, then
// ended for all.
//
// CRITICAL: Database does not serialize writers. txdb.Database and
// engine.Manager are the single writers above it.
type Database struct {
	storage Storage

	mu        sync.Mutex
	relations map[string]*Relation
}

// NewDatabase wraps storage.
func NewDatabase(storage Storage) *Database {
	return &Database{storage: storage, relations: make(map[string]*Relation)}
}

// Storage returns the wrapped backend.
func (db *Database) Storage() Storage { return db.storage }

// Relation returns the change-logging wrapper for name, opening it on
// first use.
func (db *Database) Relation(name string) (*Relation, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if r, ok := db.relations[name]; ok {
		return r, nil
	}
	base, err := db.storage.StoredRelation(name)
	if err != nil {
		return nil, fmt.Errorf("changelog: opening relation %q: %w", name, err)
	}
	r := NewRelation(name, base)
	db.relations[name] = r
	return r, nil
}

// Names returns the names of the opened relations in sorted order.
func (db *Database) Names() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return slices.Sorted(maps.Keys(db.relations))
}

func (db *Database) opened() map[string]*Relation {
	db.mu.Lock()
	defer db.mu.Unlock()
	return maps.Clone(db.relations)
}

// Tx is the scratch view of a Database inside a transaction.
type Tx struct {
	db     *Database
	copies map[string]*Relation
}

// Begin opens a transaction. Nothing is visible outside it until Prepare
// and Install; dropping the Tx discards it.
func (db *Database) Begin() *Tx {
	return &Tx{db: db, copies: make(map[string]*Relation)}
}

// Relation returns the transaction's copy of name. Reads and writes
// through it are invisible outside the transaction until it commits.
func (tx *Tx) Relation(name string) (*Relation, error) {
	if c, ok := tx.copies[name]; ok {
		return c, nil
	}
	r, err := tx.db.Relation(name)
	if err != nil {
		return nil, err
	}
	c := r.Derive()
	tx.copies[name] = c
	return c, nil
}

// Touched returns the names of the relations the transaction opened,
// sorted.
func (tx *Tx) Touched() []string {
	return slices.Sorted(maps.Keys(tx.copies))
}

// Prepare computes adopting every touched copy into its relation.
func (tx *Tx) Prepare() (*Batch, error) {
	b := &Batch{}
	for _, name := range tx.Touched() {
		r, err := tx.db.Relation(name)
		if err != nil {
			return nil, err
		}
		p, err := r.PrepareAdopt(tx.copies[name])
		if err != nil {
			return nil, fmt.Errorf("changelog: committing %q: %w", name, err)
		}
		b.pending = append(b.pending, p)
	}
	return b, nil
}

// Transaction runs body inside a transaction and commits it if body
// succeeds. A body error discards the transaction without notifying
// anyone.
func (db *Database) Transaction(body func(tx *Tx) error) error {
	tx := db.Begin()
	if err := body(tx); err != nil {
		return err
	}
	b, err := tx.Prepare()
	if err != nil {
		return err
	}
	b.Commit()
	return nil
}

// Batch is a set of prepared relation changes that take effect together.
// Callers that guard reads with their own lock call Install under it and
// Announce after releasing it.
type Batch struct {
	pending []*Pending
}

// Install commits every prepared change without notifying.
func (b *Batch) Install() {
	for _, p := range b.pending {
		p.Commit()
	}
}

// Announce delivers the installed changes as one nested bracket: began
// for every relation, then the changes, then ended for every relation.
func (b *Batch) Announce() {
	for _, p := range b.pending {
		p.r.Began()
	}
	for _, p := range b.pending {
		p.r.Changed(p.Change())
	}
	for _, p := range b.pending {
		p.r.Ended()
	}
}

// Commit installs and announces.
func (b *Batch) Commit() {
	b.Install()
	b.Announce()
}

// Changes returns the visible change per relation name.
func (b *Batch) Changes() map[string]relation.Change {
	out := make(map[string]relation.Change, len(b.pending))
	for _, p := range b.pending {
		out[p.r.Name()] = p.Change()
	}
	return out
}

// DatabaseSnapshot marks one state of every relation opened when it was
// taken.
type DatabaseSnapshot struct {
	marks map[string]Snapshot
}

// Names returns the relations the snapshot covers, sorted.
func (s DatabaseSnapshot) Names() []string {
	return slices.Sorted(maps.Keys(s.marks))
}

// TakeSnapshot marks the current state of every opened relation.
func (db *Database) TakeSnapshot() DatabaseSnapshot {
	marks := make(map[string]Snapshot)
	for name, r := range db.opened() {
		marks[name] = r.TakeSnapshot()
	}
	return DatabaseSnapshot{marks: marks}
}

// RestoreSnapshot moves every opened relation to the state s marks.
// Relations opened after s was taken return to their saved state.
// Restoring the current state is a no-op apart from an empty bracket.
func (db *Database) RestoreSnapshot(s DatabaseSnapshot) error {
	b, err := db.PrepareRestore(s)
	if err != nil {
		return err
	}
	b.Commit()
	return nil
}

// PrepareRestore computes RestoreSnapshot without installing it.
func (db *Database) PrepareRestore(s DatabaseSnapshot) (*Batch, error) {
	rels := db.opened()
	b := &Batch{}
	for _, name := range slices.Sorted(maps.Keys(rels)) {
		r := rels[name]
		target, ok := s.marks[name]
		if !ok {
			target = r.BaseSnapshot()
		}
		p, err := r.PrepareRestore(target)
		if err != nil {
			return nil, fmt.Errorf("changelog: restoring %q: %w", name, err)
		}
		b.pending = append(b.pending, p)
	}
	return b, nil
}

// DatabaseDelta is the per-relation difference between two database
// snapshots.
type DatabaseDelta struct {
	deltas map[string]Delta
}

// Reversed swaps the direction of every relation's delta.
func (d DatabaseDelta) Reversed() DatabaseDelta {
	out := make(map[string]Delta, len(d.deltas))
	for name, rd := range d.deltas {
		out[name] = rd.Reversed()
	}
	return DatabaseDelta{deltas: out}
}

// IsEmpty reports whether no relation has any log entry in either
// direction.
func (d DatabaseDelta) IsEmpty() bool {
	for _, rd := range d.deltas {
		if len(rd.Forward) > 0 || len(rd.Reverse) > 0 {
			return false
		}
	}
	return true
}

// ComputeDelta returns the log entries leading from one snapshot to the
// other. A relation missing from either snapshot is taken at its zero
// state there.
func (db *Database) ComputeDelta(from, to DatabaseSnapshot) DatabaseDelta {
	rels := db.opened()
	deltas := make(map[string]Delta)
	for name, r := range rels {
		a, inFrom := from.marks[name]
		b, inTo := to.marks[name]
		if !inFrom && !inTo {
			continue
		}
		if !inFrom {
			a = r.ZeroSnapshot()
		}
		if !inTo {
			b = r.ZeroSnapshot()
		}
		deltas[name] = r.ComputeDelta(a, b)
	}
	return DatabaseDelta{deltas: deltas}
}

// Apply replays d onto the current state of each relation it names.
func (db *Database) Apply(d DatabaseDelta) error {
	b, err := db.PrepareApply(d)
	if err != nil {
		return err
	}
	b.Commit()
	return nil
}

// PrepareApply computes Apply without installing it.
func (db *Database) PrepareApply(d DatabaseDelta) (*Batch, error) {
	b := &Batch{}
	for _, name := range slices.Sorted(maps.Keys(d.deltas)) {
		r, err := db.Relation(name)
		if err != nil {
			return nil, err
		}
		p, err := r.PrepareApply(d.deltas[name])
		if err != nil {
			return nil, fmt.Errorf("changelog: applying to %q: %w", name, err)
		}
		b.pending = append(b.pending, p)
	}
	return b, nil
}

// TransactionWithSnapshots runs Transaction and returns the snapshots
// taken just before and just after it.
func (db *Database) TransactionWithSnapshots(body func(tx *Tx) error) (before, after DatabaseSnapshot, err error) {
	before = db.TakeSnapshot()
	if err := db.Transaction(body); err != nil {
		return before, before, err
	}
	return before, db.TakeSnapshot(), nil
}

// Save writes every opened relation's log to storage inside one storage
// transaction.
func (db *Database) Save() error {
	rels := db.opened()
	return db.storage.Transaction(func() error {
		for _, name := range slices.Sorted(maps.Keys(rels)) {
			if err := rels[name].Save(); err != nil {
				return fmt.Errorf("changelog: saving %q: %w", name, err)
			}
		}
		return nil
	})
}
