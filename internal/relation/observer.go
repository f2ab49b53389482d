package relation

import (
	"slices"
	"sync"
)

// Observer receives synchronous change notifications.
//
// A mutation is bracketed by TransactionBegan and TransactionEnded. Between
// them RelationChanged delivers the net change, and is skipped when the
// change is empty. Brackets from several relations may nest: a database
// commit announces TransactionBegan for all its relations before any
// RelationChanged, and TransactionEnded for all of them afterwards.
type Observer interface {
	TransactionBegan(r Relation)
	RelationChanged(r Relation, c Change)
	TransactionEnded(r Relation)
}

// FailureObserver is implemented by observers that want to learn when a
// derived relation's change could not be computed. RelationFailed arrives
// inside the bracket, in place of RelationChanged.
type FailureObserver interface {
	RelationFailed(r Relation, err error)
}

// ChangeFunc adapts a plain function into an Observer that ignores the
// transaction brackets.
type ChangeFunc func(r Relation, c Change)

func (f ChangeFunc) TransactionBegan(Relation) {}

func (f ChangeFunc) RelationChanged(r Relation, c Change) { f(r, c) }

func (f ChangeFunc) TransactionEnded(Relation) {}

// ObserveChanges registers fn for r's changes.
func ObserveChanges(r Relation, fn func(Change)) (remove func()) {
	return r.AddObserver(ChangeFunc(func(_ Relation, c Change) { fn(c) }))
}

// ObserverList is the registry embedded by every observable relation.
//
// Notification methods call observers outside the list's lock, on a
// snapshot taken at the start of the call. A removal that happens during a
// notification takes effect from the next notification on.
type ObserverList struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]Observer
}

// Add registers o and returns its idempotent removal func.
func (l *ObserverList) Add(o Observer) (remove func()) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[uint64]Observer)
	}
	l.next++
	id := l.next
	l.entries[id] = o
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.entries, id)
			l.mu.Unlock()
		})
	}
}

// Len returns the number of registered observers.
func (l *ObserverList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// snapshot returns observers in registration order.
func (l *ObserverList) snapshot() []Observer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Observer, len(ids))
	for i, id := range ids {
		out[i] = l.entries[id]
	}
	return out
}

// Began announces the start of a change bracket.
func (l *ObserverList) Began(r Relation) {
	for _, o := range l.snapshot() {
		o.TransactionBegan(r)
	}
}

// Changed delivers c unless it is empty.
func (l *ObserverList) Changed(r Relation, c Change) {
	if c.IsEmpty() {
		return
	}
	for _, o := range l.snapshot() {
		o.RelationChanged(r, c)
	}
}

// Failed delivers err to the observers that implement FailureObserver.
func (l *ObserverList) Failed(r Relation, err error) {
	for _, o := range l.snapshot() {
		if fo, ok := o.(FailureObserver); ok {
			fo.RelationFailed(r, err)
		}
	}
}

// Ended announces the end of a change bracket.
func (l *ObserverList) Ended(r Relation) {
	for _, o := range l.snapshot() {
		o.TransactionEnded(r)
	}
}

// Notify delivers a complete bracket: began, c, ended.
func (l *ObserverList) Notify(r Relation, c Change) {
	obs := l.snapshot()
	for _, o := range obs {
		o.TransactionBegan(r)
	}
	if !c.IsEmpty() {
		for _, o := range obs {
			o.RelationChanged(r, c)
		}
	}
	for _, o := range obs {
		o.TransactionEnded(r)
	}
}
