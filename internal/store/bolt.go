package store

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/value"
)

// BoltDatabase stores every relation in a bbolt bucket with one key per
// row, and the relation schemes in a catalog bucket. Row bytes pass
// through the configured Codec.
type BoltDatabase struct {
	bdb   *bbolt.DB
	codec Codec

	catalog []byte
	prefix  string

	txMu  sync.Mutex // serializes Transaction
	mu    sync.Mutex
	tx    *bbolt.Tx
	txUse sync.Mutex // bolt transactions are not safe for concurrent use

	relations map[string]*BoltRelation
}

// OpenBolt creates or opens a bolt file at path.
func OpenBolt(path string, opts ...Option) (*BoltDatabase, error) {
	o := buildOptions(opts)
	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file: %w", err)
	}
	db := &BoltDatabase{
		bdb:       bdb,
		codec:     o.codec,
		catalog:   []byte(o.bucket + "catalog"),
		prefix:    o.bucket + "rows/",
		relations: make(map[string]*BoltRelation),
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(db.catalog)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}
	return db, nil
}

// Close closes the bolt file.
func (s *BoltDatabase) Close() error {
	return s.bdb.Close()
}

func (s *BoltDatabase) open() *bbolt.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

func (s *BoltDatabase) view(fn func(tx *bbolt.Tx) error) error {
	if tx := s.open(); tx != nil {
		s.txUse.Lock()
		defer s.txUse.Unlock()
		return fn(tx)
	}
	return s.bdb.View(fn)
}

func (s *BoltDatabase) update(fn func(tx *bbolt.Tx) error) error {
	if tx := s.open(); tx != nil {
		s.txUse.Lock()
		defer s.txUse.Unlock()
		return fn(tx)
	}
	return s.bdb.Update(fn)
}

// Transaction runs fn inside one bolt read-write transaction.
func (s *BoltDatabase) Transaction(fn func() error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx, err := s.bdb.Begin(true)
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
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, bbolt.ErrTxClosed) {
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

func (s *BoltDatabase) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.relations {
		r.version.Add(1)
	}
}

// CreateRelation records scheme in the catalog and creates the bucket.
func (s *BoltDatabase) CreateRelation(name string, scheme value.Scheme) (relation.MutableRelation, error) {
	attrs := make([]string, 0, scheme.Len())
	for _, a := range scheme.Attributes() {
		attrs = append(attrs, string(a))
	}
	encoded, err := msgpack.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}
	err = s.update(func(tx *bbolt.Tx) error {
		cat := tx.Bucket(s.catalog)
		if cat.Get([]byte(name)) != nil {
			return ErrRelationExists
		}
		if err := cat.Put([]byte(name), encoded); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(s.bucketName(name))
		return err
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
func (s *BoltDatabase) StoredRelation(name string) (relation.MutableRelation, error) {
	s.mu.Lock()
	r, ok := s.relations[name]
	s.mu.Unlock()
	if ok {
		return r, nil
	}

	var attrs []string
	err := s.view(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(s.catalog).Get([]byte(name))
		if raw == nil {
			return ErrNoRelation
		}
		return msgpack.Unmarshal(raw, &attrs)
	})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	scheme := make([]value.Attribute, len(attrs))
	for i, a := range attrs {
		scheme[i] = value.Attribute(a)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.relations[name]; ok {
		return r, nil
	}
	r = s.newRelation(name, value.NewScheme(scheme...))
	s.relations[name] = r
	return r, nil
}

// Names lists the catalog.
func (s *BoltDatabase) Names() ([]string, error) {
	names := make(map[string]struct{})
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.catalog).ForEach(func(k, _ []byte) error {
			names[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	return slices.Sorted(maps.Keys(names)), nil
}

func (s *BoltDatabase) bucketName(name string) []byte {
	return []byte(s.prefix + name)
}

func (s *BoltDatabase) newRelation(name string, scheme value.Scheme) *BoltRelation {
	return &BoltRelation{leaf: leaf{id: relation.NextID(), name: name, scheme: scheme}, db: s, bucket: s.bucketName(name)}
}

// BoltRelation is a relation stored as one bucket, keyed by rowKey.
type BoltRelation struct {
	leaf
	db     *BoltDatabase
	bucket []byte

	mu sync.Mutex // serializes read-modify-write
}

// Rows enumerates the bucket in value order.
func (r *BoltRelation) Rows() iter.Seq2[value.Row, error] {
	g := relation.NewGuard(r)
	return g.Rows(func() ([]value.Row, error) {
		var rows *value.RowSet
		err := r.db.view(func(tx *bbolt.Tx) error {
			var err error
			rows, err = r.scan(tx)
			return err
		})
		if err != nil {
			return nil, err
		}
		return rows.Sorted(), nil
	})
}

// scan decodes every row of the bucket.
func (r *BoltRelation) scan(tx *bbolt.Tx) (*value.RowSet, error) {
	b := tx.Bucket(r.bucket)
	if b == nil {
		return nil, r.storageError(fmt.Errorf("bucket %q missing", r.bucket))
	}
	rows := value.NewRowSet()
	err := b.ForEach(func(k, v []byte) error {
		row, err := r.decode(v)
		if err != nil {
			return err
		}
		rows.Add(row)
		return nil
	})
	return rows, err
}

func (r *BoltRelation) decode(raw []byte) (value.Row, error) {
	plain, err := r.db.codec.Decode(raw)
	if err != nil {
		return value.Row{}, relation.NewDataError(r.name, "codec failed to decode row", err)
	}
	row, err := decodeRow(plain)
	if err != nil {
		return value.Row{}, relation.NewDataError(r.name, "corrupt row", err)
	}
	return row, nil
}

func (r *BoltRelation) encode(row value.Row) ([]byte, error) {
	plain, err := encodeRow(row)
	if err != nil {
		return nil, relation.NewDataError(r.name, "row cannot be stored", err)
	}
	out, err := r.db.codec.Encode(plain)
	if err != nil {
		return nil, relation.NewDataError(r.name, "codec failed to encode row", err)
	}
	return out, nil
}

// Contains looks up row's key.
func (r *BoltRelation) Contains(row value.Row) (bool, error) {
	if !row.Scheme().Equal(r.scheme) {
		return false, nil
	}
	var found bool
	err := r.db.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket)
		if b == nil {
			return fmt.Errorf("bucket %q missing", r.bucket)
		}
		found = b.Get(rowKey(row)) != nil
		return nil
	})
	return found, r.wrap(err)
}

// wrap leaves relation errors alone and marks the rest as storage
// failures.
func (r *BoltRelation) wrap(err error) error {
	if err == nil || errors.As(err, new(*relation.Error)) {
		return err
	}
	return r.storageError(err)
}

// Add stores row unless it is present.
func (r *BoltRelation) Add(row value.Row) error {
	r.checkScheme(row)
	c, err := r.write(func(b *bbolt.Bucket, _ *value.RowSet) (relation.Change, error) {
		key := rowKey(row)
		if b.Get(key) != nil {
			return relation.Change{}, nil
		}
		raw, err := r.encode(row)
		if err != nil {
			return relation.Change{}, err
		}
		if err := b.Put(key, raw); err != nil {
			return relation.Change{}, err
		}
		return relation.NewChange(value.NewRowSet(row), nil), nil
	}, false)
	if err != nil {
		return err
	}
	r.notify(r, c)
	return nil
}

// Delete removes the rows matching query.
func (r *BoltRelation) Delete(query expr.Expr) error {
	c, err := r.write(func(b *bbolt.Bucket, all *value.RowSet) (relation.Change, error) {
		removed := matching(all, func(row value.Row) bool { return expr.Matches(query, row) })
		for _, row := range removed.Sorted() {
			if err := b.Delete(rowKey(row)); err != nil {
				return relation.Change{}, err
			}
		}
		return relation.NewChange(nil, removed), nil
	}, true)
	if err != nil {
		return err
	}
	r.notify(r, c)
	return nil
}

// Update overwrites newValues on the rows matching query.
func (r *BoltRelation) Update(query expr.Expr, newValues value.Row) error {
	if !newValues.Scheme().IsSubset(r.scheme) {
		return relation.NewDataError(r.name,
			fmt.Sprintf("update values %s are not in scheme %s", newValues, r.scheme), nil)
	}
	c, err := r.write(func(b *bbolt.Bucket, all *value.RowSet) (relation.Change, error) {
		c := relation.UpdateRowSet(all, query, newValues)
		if c.Removed != nil {
			for _, row := range c.Removed.Sorted() {
				if err := b.Delete(rowKey(row)); err != nil {
					return relation.Change{}, err
				}
			}
		}
		if c.Added != nil {
			for _, row := range c.Added.Sorted() {
				raw, err := r.encode(row)
				if err != nil {
					return relation.Change{}, err
				}
				if err := b.Put(rowKey(row), raw); err != nil {
					return relation.Change{}, err
				}
			}
		}
		return c, nil
	}, true)
	if err != nil {
		return err
	}
	r.notify(r, c)
	return nil
}

// write runs fn in a read-write transaction, handing it the bucket and,
// when load is set, the decoded content.
func (r *BoltRelation) write(fn func(b *bbolt.Bucket, all *value.RowSet) (relation.Change, error), load bool) (relation.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c relation.Change
	err := r.db.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket)
		if b == nil {
			return fmt.Errorf("bucket %q missing", r.bucket)
		}
		var all *value.RowSet
		if load {
			var err error
			if all, err = r.scan(tx); err != nil {
				return err
			}
		}
		var err error
		c, err = fn(b, all)
		return err
	})
	if err != nil {
		return relation.Change{}, r.wrap(err)
	}
	r.bump(c)
	return c, nil
}
