package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/value"
)

// StoredDatabase is a named set of stored relations. It satisfies
// changelog.Storage.
type StoredDatabase interface {
	// CreateRelation creates an empty relation. It fails with
	// ErrRelationExists if name is taken.
	CreateRelation(name string, scheme value.Scheme) (relation.MutableRelation, error)

	// StoredRelation opens an existing relation. It fails with
	// ErrNoRelation if name is unknown.
	StoredRelation(name string) (relation.MutableRelation, error)

	// Transaction runs fn inside one backend transaction. A non-nil error
	// from fn rolls back the writes made inside it.
	Transaction(fn func() error) error

	// Names lists the relations in sorted order.
	Names() ([]string, error)

	Close() error
}

var (
	// ErrNoRelation is returned when opening an unknown relation.
	ErrNoRelation = errors.New("no such relation")

	// ErrRelationExists is returned when creating a relation twice.
	ErrRelationExists = errors.New("relation already exists")

	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database is closed")
)

// Codec transforms encoded rows on their way to and from disk, for
// example to compress or encrypt them.
type Codec interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// IdentityCodec stores rows as they are encoded.
type IdentityCodec struct{}

func (IdentityCodec) Encode(data []byte) ([]byte, error) { return data, nil }
func (IdentityCodec) Decode(data []byte) ([]byte, error) { return data, nil }

type options struct {
	codec  Codec
	bucket string
}

// Option configures a backend.
type Option func(*options)

// WithCodec sets the Codec BoltDatabase passes rows through.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithBucket sets the prefix BoltDatabase gives relation buckets. It
// lets several databases share one bolt file.
func WithBucket(prefix string) Option {
	return func(o *options) { o.bucket = prefix }
}

func buildOptions(opts []Option) options {
	o := options{codec: IdentityCodec{}, bucket: "rel/"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// leaf carries the bookkeeping every stored relation shares: identity,
// scheme, version and observers.
type leaf struct {
	id        relation.ID
	name      string
	scheme    value.Scheme
	version   atomic.Uint64
	observers relation.ObserverList
}

func (l *leaf) ID() relation.ID      { return l.id }
func (l *leaf) Name() string         { return l.name }
func (l *leaf) Scheme() value.Scheme { return l.scheme }
func (l *leaf) Version() uint64      { return l.version.Load() }
func (l *leaf) String() string       { return l.name }

// AddObserver registers o for changes written through this relation.
func (l *leaf) AddObserver(o relation.Observer) func() {
	return l.observers.Add(o)
}

func (l *leaf) checkScheme(row value.Row) {
	if !row.Scheme().Equal(l.scheme) {
		panic(fmt.Sprintf("store: %s: row %s does not match scheme %s", l.name, row, l.scheme))
	}
}

// bump moves the version. Callers hold their backend's write lock.
func (l *leaf) bump(c relation.Change) {
	if !c.IsEmpty() {
		l.version.Add(1)
	}
}

func (l *leaf) notify(self relation.Relation, c relation.Change) {
	if !c.IsEmpty() {
		l.observers.Notify(self, c)
	}
}

func (l *leaf) storageError(err error) error {
	if err == nil {
		return nil
	}
	return relation.NewStorageError(l.name, err)
}

// matching splits rows into the ones query matches.
func matching(rows *value.RowSet, match func(value.Row) bool) *value.RowSet {
	out := value.NewRowSet()
	for row := range rows.All() {
		if match(row) {
			out.Add(row)
		}
	}
	return out
}
