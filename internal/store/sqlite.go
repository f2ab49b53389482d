package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/querysql"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/value"
)

// Schema version tracking:
// 0 - Empty file
// 1 - Relation catalog (relflow_relations, relflow_attributes)
const currentSchemaVersion = 1

// tablePrefix keeps relation tables apart from the catalog.
const tablePrefix = "rel_"

// SQLiteDatabase stores each relation in its own table and records the
// relations and their attributes in a catalog.
// Uses SQLite with WAL mode for concurrent read access.
type SQLiteDatabase struct {
	db       *sql.DB
	compiler *querysql.SQLCompiler

	txMu sync.Mutex // serializes Transaction
	mu   sync.Mutex
	tx   *sql.Tx

	relations map[string]*SQLiteRelation
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLiteDatabase, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteDatabase{
		db:        db,
		compiler:  querysql.NewSQLCompiler(),
		relations: make(map[string]*SQLiteRelation),
	}, nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - writes made through it bypass observers.
func (s *SQLiteDatabase) DB() *sql.DB {
	return s.db
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 creates the relation catalog.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS relflow_relations (
			name TEXT PRIMARY KEY COLLATE BINARY
		);
		CREATE TABLE IF NOT EXISTS relflow_attributes (
			relation TEXT NOT NULL REFERENCES relflow_relations(name) ON DELETE CASCADE,
			attribute TEXT NOT NULL,
			PRIMARY KEY (relation, attribute)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLiteDatabase) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// reader returns the open transaction, or the pool.
func (s *SQLiteDatabase) reader() querier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// write runs fn inside the open transaction, or inside a transaction of
// its own.
func (s *SQLiteDatabase) write(ctx context.Context, fn func(q querier) error) error {
	s.mu.Lock()
	open := s.tx
	s.mu.Unlock()
	if open != nil {
		return fn(open)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Transaction runs fn inside one SQLite transaction.
func (s *SQLiteDatabase) Transaction(fn func() error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.tx = nil
		s.mu.Unlock()
	}()

	if err := fn(); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rerr)
		}
		s.invalidate()
		return err
	}
	if err := tx.Commit(); err != nil {
		s.invalidate()
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// invalidate moves every relation's version after a rollback so reads
// started before it fail instead of mixing states.
func (s *SQLiteDatabase) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.relations {
		r.version.Add(1)
	}
}

// CreateRelation records name in the catalog and creates its table.
func (s *SQLiteDatabase) CreateRelation(name string, scheme value.Scheme) (relation.MutableRelation, error) {
	if scheme.Len() == 0 {
		return nil, fmt.Errorf("create %q: empty scheme", name)
	}
	ctx := context.Background()
	err := s.write(ctx, func(q querier) error {
		var n int
		if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM relflow_relations WHERE name = ?", name).Scan(&n); err != nil {
			return fmt.Errorf("lookup: %w", err)
		}
		if n > 0 {
			return ErrRelationExists
		}
		if _, err := q.ExecContext(ctx, "INSERT INTO relflow_relations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("insert catalog row: %w", err)
		}
		for _, a := range scheme.Attributes() {
			if _, err := q.ExecContext(ctx,
				"INSERT INTO relflow_attributes (relation, attribute) VALUES (?, ?)", name, string(a)); err != nil {
				return fmt.Errorf("insert attribute %s: %w", a, err)
			}
		}
		if _, err := q.ExecContext(ctx, s.compiler.CreateTable(tablePrefix+name, scheme)); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.newRelation(name, scheme)
	s.relations[name] = r
	return r, nil
}

// StoredRelation opens name from the catalog.
func (s *SQLiteDatabase) StoredRelation(name string) (relation.MutableRelation, error) {
	s.mu.Lock()
	r, ok := s.relations[name]
	s.mu.Unlock()
	if ok {
		return r, nil
	}

	ctx := context.Background()
	q := s.reader()
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM relflow_relations WHERE name = ?", name).Scan(&n); err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("open %q: %w", name, ErrNoRelation)
	}
	rows, err := q.QueryContext(ctx,
		"SELECT attribute FROM relflow_attributes WHERE relation = ? ORDER BY attribute COLLATE BINARY ASC", name)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	defer rows.Close()
	var attrs []value.Attribute
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("open %q: %w", name, err)
		}
		attrs = append(attrs, value.Attribute(a))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.relations[name]; ok {
		return r, nil
	}
	r = s.newRelation(name, value.NewScheme(attrs...))
	s.relations[name] = r
	return r, nil
}

// Names lists the catalog.
func (s *SQLiteDatabase) Names() ([]string, error) {
	rows, err := s.reader().QueryContext(context.Background(),
		"SELECT name FROM relflow_relations ORDER BY name COLLATE BINARY ASC")
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan relation name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteDatabase) newRelation(name string, scheme value.Scheme) *SQLiteRelation {
	return &SQLiteRelation{leaf: leaf{id: relation.NextID(), name: name, scheme: scheme}, db: s, table: tablePrefix + name}
}

// SQLiteRelation is a relation stored in one table.
type SQLiteRelation struct {
	leaf
	db    *SQLiteDatabase
	table string

	mu sync.Mutex // serializes read-modify-write
}

// Rows enumerates the table in value order.
func (r *SQLiteRelation) Rows() iter.Seq2[value.Row, error] {
	g := relation.NewGuard(r)
	return g.Rows(func() ([]value.Row, error) {
		rows, _, err := r.load(nil)
		if err != nil {
			return nil, err
		}
		return rows.Sorted(), nil
	})
}

// Contains looks row up with a narrowed scan.
func (r *SQLiteRelation) Contains(row value.Row) (bool, error) {
	if !row.Scheme().Equal(r.scheme) {
		return false, nil
	}
	rows, _, err := r.load(expr.FromRow(row))
	if err != nil {
		return false, err
	}
	return rows.Contains(row), nil
}

// load reads the rows matching filter along with their rowids. SQLite
// narrows the scan with the pushable part of filter and Go evaluates the
// rest.
func (r *SQLiteRelation) load(filter expr.Expr) (*value.RowSet, map[string]int64, error) {
	query, params, err := r.db.compiler.SelectWithRowID(r.table, r.scheme, querysql.Pushdown(filter))
	if err != nil {
		return nil, nil, r.storageError(err)
	}
	rows, err := r.db.reader().QueryContext(context.Background(), query, params...)
	if err != nil {
		return nil, nil, r.storageError(fmt.Errorf("query: %w", err))
	}
	defer rows.Close()

	attrs := r.scheme.Attributes()
	out := value.NewRowSet()
	ids := make(map[string]int64)
	for rows.Next() {
		var rowid int64
		cols := make([]any, len(attrs))
		dest := make([]any, len(attrs)+1)
		dest[0] = &rowid
		for i := range cols {
			dest[i+1] = &cols[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, r.storageError(fmt.Errorf("scan: %w", err))
		}
		fields := make(map[value.Attribute]value.Value, len(attrs))
		for i, a := range attrs {
			v, err := querysql.Scan(cols[i])
			if err != nil {
				return nil, nil, relation.NewDataError(r.name, "unreadable column "+string(a), err)
			}
			fields[a] = v
		}
		row := value.RowFromMap(fields)
		if expr.Matches(filter, row) && out.Add(row) {
			ids[row.Key()] = rowid
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, r.storageError(err)
	}
	return out, ids, nil
}

// Add inserts row unless it is present.
func (r *SQLiteRelation) Add(row value.Row) error {
	r.checkScheme(row)
	c, err := r.add(row)
	if err != nil {
		return err
	}
	r.notify(r, c)
	return nil
}

func (r *SQLiteRelation) add(row value.Row) (relation.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	present, err := r.Contains(row)
	if err != nil || present {
		return relation.Change{}, err
	}
	query, params, err := r.db.compiler.Insert(r.table, row)
	if err != nil {
		return relation.Change{}, relation.NewDataError(r.name, "row cannot be stored", err)
	}
	err = r.db.write(context.Background(), func(q querier) error {
		_, err := q.ExecContext(context.Background(), query, params...)
		return err
	})
	if err != nil {
		return relation.Change{}, r.storageError(fmt.Errorf("insert: %w", err))
	}
	c := relation.NewChange(value.NewRowSet(row), nil)
	r.bump(c)
	return c, nil
}

// Delete removes the rows matching query.
func (r *SQLiteRelation) Delete(query expr.Expr) error {
	c, err := r.delete(query)
	if err != nil {
		return err
	}
	r.notify(r, c)
	return nil
}

func (r *SQLiteRelation) delete(query expr.Expr) (relation.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed, ids, err := r.load(query)
	if err != nil || removed.IsEmpty() {
		return relation.Change{}, err
	}
	if err := r.writeChange(nil, removed, ids); err != nil {
		return relation.Change{}, err
	}
	c := relation.NewChange(nil, removed)
	r.bump(c)
	return c, nil
}

// Update overwrites newValues on the rows matching query. Rows that
// collapse onto existing rows are merged.
func (r *SQLiteRelation) Update(query expr.Expr, newValues value.Row) error {
	c, err := r.update(query, newValues)
	if err != nil {
		return err
	}
	r.notify(r, c)
	return nil
}

func (r *SQLiteRelation) update(query expr.Expr, newValues value.Row) (relation.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !newValues.Scheme().IsSubset(r.scheme) {
		return relation.Change{}, relation.NewDataError(r.name,
			fmt.Sprintf("update values %s are not in scheme %s", newValues, r.scheme), nil)
	}
	all, ids, err := r.load(nil)
	if err != nil {
		return relation.Change{}, err
	}
	c := relation.UpdateRowSet(all, query, newValues)
	if c.IsEmpty() {
		return c, nil
	}
	if err := r.writeChange(c.Added, c.Removed, ids); err != nil {
		return relation.Change{}, err
	}
	r.bump(c)
	return c, nil
}

// writeChange deletes removed by rowid and inserts added, in one
// transaction.
func (r *SQLiteRelation) writeChange(added, removed *value.RowSet, ids map[string]int64) error {
	ctx := context.Background()
	del := fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", querysql.QuoteIdent(r.table))
	err := r.db.write(ctx, func(q querier) error {
		if removed != nil {
			for _, row := range removed.Sorted() {
				id, ok := ids[row.Key()]
				if !ok {
					return fmt.Errorf("no rowid for %s", row)
				}
				if _, err := q.ExecContext(ctx, del, id); err != nil {
					return fmt.Errorf("delete: %w", err)
				}
			}
		}
		if added != nil {
			for _, row := range added.Sorted() {
				query, params, err := r.db.compiler.Insert(r.table, row)
				if err != nil {
					return err
				}
				if _, err := q.ExecContext(ctx, query, params...); err != nil {
					return fmt.Errorf("insert: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil && !errors.As(err, new(*relation.Error)) {
		return r.storageError(err)
	}
	return err
}
