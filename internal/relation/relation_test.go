package relation

import (
	"errors"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/testutil"
	"github.com/roach88/relflow/internal/value"
)

var row = testutil.Row

func rowStrings(rows *value.RowSet) []string { return testutil.Strings(rows) }

// recorder is an Observer logging every callback.
type recorder struct {
	events  []string
	changes []Change
}

func (r *recorder) TransactionBegan(Relation) { r.events = append(r.events, "began") }

func (r *recorder) RelationChanged(_ Relation, c Change) {
	r.events = append(r.events, "changed")
	r.changes = append(r.changes, c)
}

func (r *recorder) TransactionEnded(Relation) { r.events = append(r.events, "ended") }

// failingTable is a leaf whose reads fail.
type failingTable struct {
	id     ID
	scheme value.Scheme
	reads  int
}

func newFailingTable(scheme value.Scheme) *failingTable {
	return &failingTable{id: NextID(), scheme: scheme}
}

func (f *failingTable) ID() ID               { return f.id }
func (f *failingTable) Scheme() value.Scheme { return f.scheme }

func (f *failingTable) Rows() iter.Seq2[value.Row, error] {
	return func(yield func(value.Row, error) bool) {
		f.reads++
		yield(value.Row{}, NewStorageError("failing", errors.New("disk on fire")))
	}
}

func (f *failingTable) Contains(value.Row) (bool, error) {
	return false, NewStorageError("failing", nil)
}

func (f *failingTable) Update(expr.Expr, value.Row) error { return nil }
func (f *failingTable) AddObserver(Observer) func()       { return func() {} }

func TestMemoryTable_AddDeleteUpdate(t *testing.T) {
	tbl := NewMemoryTable(testutil.Scheme("id", "name"))
	rec := &recorder{}
	tbl.AddObserver(rec)

	require.NoError(t, tbl.Add(row("id", 1, "name", "cat")))
	require.NoError(t, tbl.Add(row("id", 2, "name", "dog")))
	require.NoError(t, tbl.Add(row("id", 1, "name", "cat")))
	assert.Len(t, rec.changes, 2, "re-adding a present row is silent")

	require.NoError(t, tbl.Update(expr.AttrEq("id", 1), row("name", "kat")))
	c := rec.changes[2]
	assert.Equal(t, []string{`[id: 1, name: "kat"]`}, rowStrings(c.Added))
	assert.Equal(t, []string{`[id: 1, name: "cat"]`}, rowStrings(c.Removed))

	require.NoError(t, tbl.Delete(expr.AttrEq("id", 2)))
	c = rec.changes[3]
	assert.Nil(t, c.Added)
	assert.Equal(t, []string{`[id: 2, name: "dog"]`}, rowStrings(c.Removed))

	require.NoError(t, tbl.Delete(expr.AttrEq("id", 99)))
	assert.Len(t, rec.changes, 4, "deleting nothing is silent")

	rows, err := Collect(tbl.Rows())
	require.NoError(t, err)
	assert.Equal(t, []string{`[id: 1, name: "kat"]`}, rowStrings(rows))
}

func TestMemoryTable_UpdateCollapsingRows(t *testing.T) {
	tbl := MakeMemoryTable(testutil.Scheme("id", "v"),
		row("id", 1, "v", 0),
		row("id", 1, "v", 1),
	)
	var got Change
	ObserveChanges(tbl, func(c Change) { got = c })

	require.NoError(t, tbl.Update(nil, row("v", 1)))
	assert.Nil(t, got.Added, "the surviving row already existed")
	assert.Equal(t, []string{"[id: 1, v: 0]"}, rowStrings(got.Removed))
	assert.Equal(t, 1, tbl.Snapshot().Len())
}

func TestMemoryTable_AddWrongSchemePanics(t *testing.T) {
	tbl := NewMemoryTable(testutil.Scheme("id"))
	assert.Panics(t, func() { _ = tbl.Add(row("name", "x")) })
}

func TestObserverList_RemovalIsIdempotent(t *testing.T) {
	tbl := NewMemoryTable(testutil.Scheme("id"))
	rec := &recorder{}
	remove := tbl.AddObserver(rec)

	require.NoError(t, tbl.Add(row("id", 1)))
	remove()
	remove()
	require.NoError(t, tbl.Add(row("id", 2)))

	assert.Equal(t, []string{"began", "changed", "ended"}, rec.events)
	assert.Equal(t, 0, tbl.observers.Len())
}

func TestObserverList_RemovalDuringNotification(t *testing.T) {
	tbl := NewMemoryTable(testutil.Scheme("id"))
	calls := 0
	var remove func()
	remove = ObserveChanges(tbl, func(Change) {
		calls++
		remove()
	})

	require.NoError(t, tbl.Add(row("id", 1)))
	require.NoError(t, tbl.Add(row("id", 2)))
	assert.Equal(t, 1, calls)
}

func TestGuard_MutationDuringEnumeration(t *testing.T) {
	tbl := MakeMemoryTable(testutil.Scheme("id"), row("id", 1), row("id", 2), row("id", 3))

	t.Run("mutation before first pull", func(t *testing.T) {
		rows := tbl.Rows()
		require.NoError(t, tbl.Add(row("id", 4)))

		var errs []error
		for _, err := range rows {
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		assert.True(t, IsMutatedDuringEnumeration(errs[0]))
		assert.ErrorIs(t, errs[0], ErrMutatedDuringEnumeration)
	})

	t.Run("mutation mid enumeration", func(t *testing.T) {
		n := Select(tbl, expr.Gt(expr.A("id"), expr.C(0)))
		var got []value.Row
		var gotErr error
		for r, err := range n.Rows() {
			if err != nil {
				gotErr = err
				break
			}
			got = append(got, r)
			if len(got) == 1 {
				require.NoError(t, tbl.Delete(expr.AttrEq("id", 4)))
			}
		}
		assert.Len(t, got, 1)
		assert.True(t, IsMutatedDuringEnumeration(gotErr))
	})

	t.Run("restartable after mutation", func(t *testing.T) {
		rows, err := Collect(tbl.Rows())
		require.NoError(t, err)
		assert.Equal(t, 3, rows.Len())
	})

	t.Run("same sequence is stale after a write", func(t *testing.T) {
		seq := tbl.Rows()
		first, err := Collect(seq)
		require.NoError(t, err)
		assert.Equal(t, 3, first.Len())

		require.NoError(t, tbl.Add(row("id", 5)))
		_, err = Collect(seq)
		assert.True(t, IsMutatedDuringEnumeration(err))

		fresh, err := Collect(tbl.Rows())
		require.NoError(t, err)
		assert.Equal(t, 4, fresh.Len())
	})
}

func TestDelta_Cancellation(t *testing.T) {
	x := row("id", 1, "v", "a")
	y := row("id", 1, "v", "b")

	d := NewDelta()
	d.Add(x)
	d.Remove(x)
	d.Add(x)
	d.Remove(x)
	assert.True(t, d.IsEmpty(), "add then delete nets to nothing")

	// add X, update X to Y, delete Y
	d.MergeChange(NewChange(value.NewRowSet(x), nil))
	d.MergeChange(NewChange(value.NewRowSet(y), value.NewRowSet(x)))
	d.MergeChange(NewChange(nil, value.NewRowSet(y)))
	assert.True(t, d.IsEmpty())
	assert.True(t, d.Change().IsEmpty())
}

func TestDelta_MergeIsAssociative(t *testing.T) {
	a, b, c := NewDelta(), NewDelta(), NewDelta()
	a.Add(row("id", 1))
	b.Remove(row("id", 1))
	b.Add(row("id", 2))
	c.Remove(row("id", 2))
	c.Add(row("id", 3))

	left := a.Clone()
	left.Merge(b)
	left.Merge(c)

	bc := b.Clone()
	bc.Merge(c)
	right := a.Clone()
	right.Merge(bc)

	assert.Equal(t, left.String(), right.String())
	assert.Equal(t, []string{"[id: 3]"}, rowStrings(left.Added()))
	assert.True(t, left.Removed().IsEmpty())

	neg := left.Negate()
	assert.Equal(t, []string{"[id: 3]"}, rowStrings(neg.Removed()))
	neg.Merge(left)
	assert.True(t, neg.IsEmpty())
}

func TestErrors_Classification(t *testing.T) {
	cause := errors.New("io")
	err := fmt.Errorf("loading pilots: %w", NewStorageError("pilots", cause))

	assert.True(t, IsStorageError(err))
	assert.False(t, IsDataError(err))
	assert.False(t, IsMutatedDuringEnumeration(err))
	assert.ErrorIs(t, err, cause)

	assert.True(t, IsDataError(NewDataError("pilots", "bad blob", nil)))
}
