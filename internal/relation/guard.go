package relation

import (
	"iter"

	"github.com/roach88/relflow/internal/value"
)

// Guard detects mutation of a relation's sources between the moment a
// read starts and each row it hands out.
//
// CRITICAL: versions are captured when the guard is created, which is when
// Rows() is called, not when the sequence is first pulled. A write that
// lands between Rows() and the first pull is a mutation during enumeration.
type Guard struct {
	sources  []Versioned
	versions []uint64
}

// NewGuard captures the current version of every versioned relation in
// sources. Relations that do not implement Versioned are ignored.
func NewGuard(sources ...Relation) *Guard {
	g := &Guard{}
	for _, r := range sources {
		if v, ok := r.(Versioned); ok {
			g.sources = append(g.sources, v)
			g.versions = append(g.versions, v.Version())
		}
	}
	return g
}

// Changed reports whether any source moved past its captured version.
func (g *Guard) Changed() bool {
	for i, s := range g.sources {
		if s.Version() != g.versions[i] {
			return true
		}
	}
	return false
}

// Rows wraps a materializing read. materialize runs on the first pull;
// the guard is checked before it, after it, and before every yielded row.
// On a detected mutation the sequence yields ErrMutatedDuringEnumeration
// once and stops.
func (g *Guard) Rows(materialize func() ([]value.Row, error)) iter.Seq2[value.Row, error] {
	return func(yield func(value.Row, error) bool) {
		if g.Changed() {
			yield(value.Row{}, ErrMutatedDuringEnumeration)
			return
		}
		rows, err := materialize()
		if err != nil {
			yield(value.Row{}, err)
			return
		}
		for _, row := range rows {
			if g.Changed() {
				yield(value.Row{}, ErrMutatedDuringEnumeration)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}
