// Package store provides the storage backends under the change log.
//
// Every backend hands out relation.MutableRelation values and satisfies
// StoredDatabase:
//   - SQLiteDatabase: one table per relation plus a catalog, on
//     mattn/go-sqlite3.
//   - BoltDatabase: one bbolt bucket per relation, one key per row, rows
//     encoded with msgpack and passed through a Codec.
//   - FileDatabase: one YAML file per relation, rewritten only when its
//     xxhash checksum changes.
//   - MemoryDatabase: relation.MemoryTable values, for tests and scratch
//     work.
//
// # Critical Patterns
//
// Deterministic reads: every backend enumerates rows in value order, so
// replays and golden traces are stable whatever the physical layout.
//
// Exact deletes: predicates are evaluated in Go with expr.Matches. SQLite
// only narrows the scan with querysql.Pushdown and deletes by rowid, so a
// delete never hits a row the predicate would not match.
//
// Transactions: Transaction runs a function inside one backend
// transaction. A non-nil error rolls back the writes made inside it.
//
// # SQLite Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
