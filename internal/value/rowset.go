package value

import (
	"iter"
	"maps"
	"slices"
)

// RowSet is a set of rows keyed by Row.Key. A nil *RowSet is a valid empty
// set for every read method.
type RowSet struct {
	rows map[string]Row
}

// NewRowSet builds a set holding rows.
func NewRowSet(rows ...Row) *RowSet {
	s := &RowSet{rows: make(map[string]Row, len(rows))}
	for _, r := range rows {
		s.rows[r.Key()] = r
	}
	return s
}

// Len returns the number of rows.
func (s *RowSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rows)
}

// IsEmpty reports whether the set holds no rows.
func (s *RowSet) IsEmpty() bool { return s.Len() == 0 }

// Add inserts r, reporting whether it was absent.
func (s *RowSet) Add(r Row) bool {
	if s.rows == nil {
		s.rows = make(map[string]Row)
	}
	k := r.Key()
	if _, ok := s.rows[k]; ok {
		return false
	}
	s.rows[k] = r
	return true
}

// Remove deletes r, reporting whether it was present.
func (s *RowSet) Remove(r Row) bool {
	return s.RemoveKey(r.Key())
}

// RemoveKey deletes the row with key k.
func (s *RowSet) RemoveKey(k string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.rows[k]; !ok {
		return false
	}
	delete(s.rows, k)
	return true
}

// Contains reports whether r is in the set.
func (s *RowSet) Contains(r Row) bool {
	return s.ContainsKey(r.Key())
}

// ContainsKey reports whether a row with key k is in the set.
func (s *RowSet) ContainsKey(k string) bool {
	if s == nil {
		return false
	}
	_, ok := s.rows[k]
	return ok
}

// All iterates the rows in no particular order.
func (s *RowSet) All() iter.Seq[Row] {
	return func(yield func(Row) bool) {
		if s == nil {
			return
		}
		for _, r := range s.rows {
			if !yield(r) {
				return
			}
		}
	}
}

// Keyed iterates key/row pairs in no particular order.
func (s *RowSet) Keyed() iter.Seq2[string, Row] {
	return func(yield func(string, Row) bool) {
		if s == nil {
			return
		}
		for k, r := range s.rows {
			if !yield(k, r) {
				return
			}
		}
	}
}

// Sorted returns the rows ordered by CompareRows.
func (s *RowSet) Sorted() []Row {
	if s == nil {
		return nil
	}
	out := slices.Collect(maps.Values(s.rows))
	slices.SortFunc(out, CompareRows)
	return out
}

// Clone returns an independent copy. Cloning nil yields an empty set.
func (s *RowSet) Clone() *RowSet {
	if s == nil || s.rows == nil {
		return NewRowSet()
	}
	return &RowSet{rows: maps.Clone(s.rows)}
}

// Equal reports whether both sets hold the same rows.
func (s *RowSet) Equal(o *RowSet) bool {
	if s.Len() != o.Len() {
		return false
	}
	for k := range s.Keyed() {
		if !o.ContainsKey(k) {
			return false
		}
	}
	return true
}

// Minus returns the rows of s that are not in o.
func (s *RowSet) Minus(o *RowSet) *RowSet {
	out := NewRowSet()
	for k, r := range s.Keyed() {
		if !o.ContainsKey(k) {
			out.rows[k] = r
		}
	}
	return out
}

// Union returns the rows in either set.
func (s *RowSet) Union(o *RowSet) *RowSet {
	out := s.Clone()
	for k, r := range o.Keyed() {
		out.rows[k] = r
	}
	return out
}

func (s *RowSet) String() string {
	rows := s.Sorted()
	out := "{"
	for i, r := range rows {
		if i > 0 {
			out += ", "
		}
		out += r.String()
	}
	return out + "}"
}
