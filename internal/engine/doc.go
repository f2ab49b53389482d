// Package engine implements the asynchronous change-propagation manager.
//
// The Manager is the single execution context for a set of relation
// graphs. Producers queue mutations, snapshot restores, delta
// applications, queries and checkpoints from any goroutine; the manager
// applies them on its own goroutine and tells observers what changed.
//
// ARCHITECTURE:
//
// State machine:
// Idle -> Pending -> Running -> Stopping -> Idle. The first queued action
// after an idle period moves to Pending; Run or Drain moves to Running and
// keeps taking from the queue until it stays empty, so work queued by
// callbacks joins the same period. Observers are notified in Stopping.
// Work queued during notification starts a new period.
//
// Running period:
//  1. Queued mutations are grouped into segments. Checkpoints, snapshot
//     restores, delta applications and predicate swaps end a segment.
//  2. A segment runs inside one transaction per involved txdb.Database,
//     so each touched relation announces a single change.
//  3. Announced leaf changes feed one relation.Differentiator, which
//     derives every observed relation's change with a shared memo.
//  4. Derived changes are merged into each observed relation's running
//     relation.Delta: a row added and removed in one period cancels.
//  5. Queries run after the mutations against one shared
//     relation.Evaluator, so a sub-graph read by several queries is
//     evaluated once.
//
// CRITICAL PATTERNS:
//
// Logical clock:
// Every period is stamped with Clock.Next() and a batch ID from the
// IDGenerator. NEVER use wall-clock time for ordering.
//
// Per-node errors:
// A failure reaches the observers of the relations it affects. Sibling
// relations in the same period still receive their changes.
//
// Callbacks:
// Every observer, query completion and checkpoint runs on the execution
// goroutine and may queue more work, but must not call Drain.
package engine
