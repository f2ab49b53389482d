package relation

import (
	"github.com/roach88/relflow/internal/value"
)

// Delta is a signed multiset of rows: positive counts are additions,
// negative counts removals. Merging deltas adds counts, so a row added and
// then removed cancels to nothing and merging is associative.
//
// For set-valued relations every count stays in {-1, 0, +1} as long as the
// merged deltas are consecutive exact changes.
type Delta struct {
	counts map[string]int
	rows   map[string]value.Row
}

// NewDelta returns an empty delta.
func NewDelta() *Delta {
	return &Delta{counts: make(map[string]int), rows: make(map[string]value.Row)}
}

// DeltaFromChange converts a Change into a delta.
func DeltaFromChange(c Change) *Delta {
	d := NewDelta()
	d.MergeChange(c)
	return d
}

func (d *Delta) adjust(row value.Row, by int) {
	k := row.Key()
	n := d.counts[k] + by
	if n == 0 {
		delete(d.counts, k)
		delete(d.rows, k)
		return
	}
	d.counts[k] = n
	d.rows[k] = row
}

// Add records one addition of row.
func (d *Delta) Add(row value.Row) { d.adjust(row, 1) }

// Remove records one removal of row.
func (d *Delta) Remove(row value.Row) { d.adjust(row, -1) }

// MergeChange folds a Change into d.
func (d *Delta) MergeChange(c Change) {
	for row := range c.Removed.All() {
		d.Remove(row)
	}
	for row := range c.Added.All() {
		d.Add(row)
	}
}

// Merge folds o into d.
func (d *Delta) Merge(o *Delta) {
	if o == nil {
		return
	}
	for k, n := range o.counts {
		d.adjust(o.rows[k], n)
	}
}

// Count returns row's signed count.
func (d *Delta) Count(row value.Row) int {
	return d.CountKey(row.Key())
}

// CountKey returns the signed count for a row key.
func (d *Delta) CountKey(k string) int {
	if d == nil {
		return 0
	}
	return d.counts[k]
}

// IsEmpty reports whether every count is zero.
func (d *Delta) IsEmpty() bool {
	return d == nil || len(d.counts) == 0
}

// Len returns the number of rows with a non-zero count.
func (d *Delta) Len() int {
	if d == nil {
		return 0
	}
	return len(d.counts)
}

// Added returns the rows with a positive count.
func (d *Delta) Added() *value.RowSet {
	return d.filter(func(n int) bool { return n > 0 })
}

// Removed returns the rows with a negative count.
func (d *Delta) Removed() *value.RowSet {
	return d.filter(func(n int) bool { return n < 0 })
}

func (d *Delta) filter(keep func(int) bool) *value.RowSet {
	out := value.NewRowSet()
	if d == nil {
		return out
	}
	for k, n := range d.counts {
		if keep(n) {
			out.Add(d.rows[k])
		}
	}
	return out
}

// Change converts the delta into a notification.
func (d *Delta) Change() Change {
	return NewChange(d.Added(), d.Removed())
}

// Clone returns an independent copy.
func (d *Delta) Clone() *Delta {
	out := NewDelta()
	out.Merge(d)
	return out
}

// Negate returns the inverse delta.
func (d *Delta) Negate() *Delta {
	out := NewDelta()
	if d == nil {
		return out
	}
	for k, n := range d.counts {
		out.adjust(d.rows[k], -n)
	}
	return out
}

func (d *Delta) String() string {
	return "+" + d.Added().String() + " -" + d.Removed().String()
}
