package engine

import (
	"sync"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/txdb"
	"github.com/roach88/relflow/internal/value"
)

// actionKind distinguishes queued actions.
type actionKind int

const (
	actionAdd actionKind = iota + 1
	actionDelete
	actionUpdate
	actionSetPredicate
	actionRestoreSnapshot
	actionApply
	actionQuery
	actionCheckpoint
)

func (k actionKind) String() string {
	switch k {
	case actionAdd:
		return "add"
	case actionDelete:
		return "delete"
	case actionUpdate:
		return "update"
	case actionSetPredicate:
		return "set_predicate"
	case actionRestoreSnapshot:
		return "restore_snapshot"
	case actionApply:
		return "apply"
	case actionQuery:
		return "query"
	case actionCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// action is one unit of queued work. Only the fields for kind are set.
type action struct {
	kind     actionKind
	target   relation.Relation
	row      value.Row
	query    expr.Expr
	values   value.Row
	node     *relation.Node
	db       *txdb.Database
	snapshot txdb.Snapshot
	delta    txdb.Delta
	post     func([]value.Row) []value.Row
	done     func(QueryResult)
	fn       func()
}

// barrier reports whether the action closes the current mutation segment.
func (a action) barrier() bool {
	switch a.kind {
	case actionCheckpoint, actionRestoreSnapshot, actionApply, actionSetPredicate:
		return true
	default:
		return false
	}
}

// actionQueue is a thread-safe FIFO queue of actions.
//
// The queue is unbounded so callbacks running on the execution goroutine
// can enqueue follow-up work without blocking on themselves.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type actionQueue struct {
	mu      sync.Mutex
	actions []action
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newActionQueue() *actionQueue {
	return &actionQueue{
		actions: make([]action, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a to the back of the queue. Returns false if the queue is
// closed.
func (q *actionQueue) Enqueue(a action) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.actions = append(q.actions, a)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TakeAll removes and returns every queued action in FIFO order.
func (q *actionQueue) TakeAll() []action {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.actions) == 0 {
		return nil
	}
	out := q.actions
	// CRITICAL: hand the backing array to the caller and start a fresh one,
	// so a later Enqueue never writes into the slice being processed.
	q.actions = make([]action, 0, cap(out))
	return out
}

// Wait returns a channel that signals when actions may be available.
func (q *actionQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *actionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Close refuses further actions and wakes any waiter.
func (q *actionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
