package txdb

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/store"
	"github.com/roach88/relflow/internal/testutil"
	"github.com/roach88/relflow/internal/value"
)

var row = testutil.Row

// openDB creates a memory-backed database holding empty relations with
// the given schemes.
func openDB(t *testing.T, schemes map[string]value.Scheme) *Database {
	t.Helper()
	mem := store.NewMemoryDatabase()
	for name, scheme := range schemes {
		_, err := mem.CreateRelation(name, scheme)
		require.NoError(t, err)
	}
	return Open(mem)
}

func mustRelation(t *testing.T, db *Database, name string) *Relation {
	t.Helper()
	r, err := db.Relation(name)
	require.NoError(t, err)
	return r
}

func content(t *testing.T, r relation.Relation) []string {
	t.Helper()
	rows, err := relation.Collect(r.Rows())
	require.NoError(t, err)
	return testutil.Strings(rows)
}

func flightsAndPilots(t *testing.T) (*Database, *Relation, *Relation) {
	t.Helper()
	db := openDB(t, map[string]value.Scheme{
		"flights": testutil.Scheme("number", "pilot", "equipment"),
		"pilots":  testutil.Scheme("name", "home"),
	})
	return db, mustRelation(t, db, "flights"), mustRelation(t, db, "pilots")
}

func TestTransaction_OneNotificationPerRelation(t *testing.T) {
	db, flights, pilots := flightsAndPilots(t)

	var flightChanges, pilotChanges []relation.Change
	relation.ObserveChanges(flights, func(c relation.Change) { flightChanges = append(flightChanges, c) })
	relation.ObserveChanges(pilots, func(c relation.Change) { pilotChanges = append(pilotChanges, c) })

	db.Begin()
	require.NoError(t, flights.Add(row("number", 1, "pilot", "Jones", "equipment", "777")))
	require.NoError(t, flights.Add(row("number", 2, "pilot", "Smith", "equipment", "787")))
	require.NoError(t, flights.Add(row("number", 3, "pilot", "Johnson", "equipment", "797")))
	require.NoError(t, pilots.Add(row("name", "Jones", "home", "New York")))
	require.NoError(t, pilots.Add(row("name", "Smith", "home", "Chicago")))
	require.NoError(t, pilots.Add(row("name", "Johnson", "home", "Seattle")))
	assert.Empty(t, content(t, flights), "reads see the committed state")
	assert.Empty(t, flightChanges)
	require.NoError(t, db.End())

	require.Len(t, flightChanges, 1)
	assert.Equal(t, []string{
		`[equipment: "777", number: 1, pilot: "Jones"]`,
		`[equipment: "787", number: 2, pilot: "Smith"]`,
		`[equipment: "797", number: 3, pilot: "Johnson"]`,
	}, testutil.Strings(flightChanges[0].Added))
	assert.Nil(t, flightChanges[0].Removed)
	require.Len(t, pilotChanges, 1)
	assert.Len(t, pilotChanges[0].Added.Sorted(), 3)
	assert.Nil(t, pilotChanges[0].Removed)

	db.Begin()
	require.NoError(t, flights.Add(row("number", 4, "pilot", "Jones", "equipment", "DC-10")))
	require.NoError(t, flights.Update(expr.AttrEq("number", 1), row("pilot", "Smith")))
	require.NoError(t, flights.Delete(expr.AttrEq("equipment", "797")))
	require.NoError(t, pilots.Add(row("name", "Horton", "home", "Miami")))
	require.NoError(t, pilots.Update(expr.AttrEq("name", "Jones"), row("home", "Boston")))
	require.NoError(t, pilots.Delete(expr.AttrEq("home", "Seattle")))
	require.NoError(t, db.End())

	require.Len(t, flightChanges, 2)
	assert.Equal(t, []string{
		`[equipment: "777", number: 1, pilot: "Smith"]`,
		`[equipment: "DC-10", number: 4, pilot: "Jones"]`,
	}, testutil.Strings(flightChanges[1].Added))
	assert.Equal(t, []string{
		`[equipment: "777", number: 1, pilot: "Jones"]`,
		`[equipment: "797", number: 3, pilot: "Johnson"]`,
	}, testutil.Strings(flightChanges[1].Removed))

	require.Len(t, pilotChanges, 2)
	assert.Equal(t, []string{
		`[home: "Boston", name: "Jones"]`,
		`[home: "Miami", name: "Horton"]`,
	}, testutil.Strings(pilotChanges[1].Added))
	assert.Equal(t, []string{
		`[home: "New York", name: "Jones"]`,
		`[home: "Seattle", name: "Johnson"]`,
	}, testutil.Strings(pilotChanges[1].Removed))
}

func TestTransaction_NetChangeCancels(t *testing.T) {
	db := openDB(t, map[string]value.Scheme{"a": testutil.Scheme("id", "v")})
	a := mustRelation(t, db, "a")
	rec := &recorder{}
	a.AddObserver(rec)

	db.Begin()
	require.NoError(t, a.Add(row("id", 1, "v", "x")))
	require.NoError(t, a.Update(expr.AttrEq("id", 1), row("v", "y")))
	require.NoError(t, a.Delete(expr.AttrEq("id", 1)))
	require.NoError(t, db.End())

	assert.Equal(t, []string{"began", "ended"}, rec.events, "add, update, delete nets to nothing")
}

func TestTransaction_NestedBeginPanics(t *testing.T) {
	db := openDB(t, nil)
	db.Begin()
	assert.Panics(t, db.Begin)
	require.NoError(t, db.End())
	assert.False(t, db.InTransaction())
	assert.Panics(t, func() { _ = db.End() })
}

func TestTransaction_BodyErrorDiscards(t *testing.T) {
	db := openDB(t, map[string]value.Scheme{"a": testutil.Scheme("n")})
	a := mustRelation(t, db, "a")
	require.NoError(t, a.Add(row("n", 1)))
	version := db.Version()

	rec := &recorder{}
	a.AddObserver(rec)
	boom := errors.New("boom")
	err := db.Transaction(func(tx *Tx) error {
		require.NoError(t, a.Add(row("n", 2)))
		inTx, err := tx.Relation("a")
		require.NoError(t, err)
		assert.Equal(t, []string{"[n: 1]", "[n: 2]"}, content(t, inTx))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.events)
	assert.Equal(t, []string{"[n: 1]"}, content(t, a))
	assert.Equal(t, version, db.Version())
	assert.False(t, db.InTransaction())

	assert.Panics(t, func() {
		_ = db.Transaction(func(*Tx) error { panic("body bug") })
	})
	assert.False(t, db.InTransaction(), "a panicking body still closes the transaction")
}

func TestRelation_AutoTransaction(t *testing.T) {
	db := openDB(t, map[string]value.Scheme{"a": testutil.Scheme("id", "v")})
	a := mustRelation(t, db, "a")
	rec := &recorder{}
	a.AddObserver(rec)

	require.NoError(t, a.Add(row("id", 1, "v", "x")))
	require.NoError(t, a.Update(expr.AttrEq("id", 1), row("v", "y")))
	require.NoError(t, a.Delete(nil))

	require.Len(t, rec.changes, 3)
	assert.Equal(t, []string{`[id: 1, v: "x"]`}, testutil.Strings(rec.changes[0].Added))
	assert.Equal(t, []string{`[id: 1, v: "y"]`}, testutil.Strings(rec.changes[1].Added))
	assert.Equal(t, []string{`[id: 1, v: "x"]`}, testutil.Strings(rec.changes[1].Removed))
	assert.Equal(t, []string{`[id: 1, v: "y"]`}, testutil.Strings(rec.changes[2].Removed))
	assert.Equal(t, uint64(3), db.Version())

	assert.Panics(t, func() { _ = a.Add(row("name", "x")) })
	require.NoError(t, a.Add(row("id", 2, "v", "z")), "a scheme panic leaves the writer lock free")
}

func TestSnapshots(t *testing.T) {
	db, flights, pilots := flightsAndPilots(t)

	before, after, err := db.TransactionWithSnapshots(func(*Tx) error {
		for _, r := range []value.Row{
			row("number", 1, "pilot", "Jones", "equipment", "777"),
			row("number", 2, "pilot", "Smith", "equipment", "787"),
			row("number", 3, "pilot", "Johnson", "equipment", "797"),
		} {
			if err := flights.Add(r); err != nil {
				return err
			}
		}
		for _, r := range []value.Row{
			row("name", "Jones", "home", "New York"),
			row("name", "Smith", "home", "Chicago"),
			row("name", "Johnson", "home", "Seattle"),
		} {
			if err := pilots.Add(r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	full := content(t, pilots)
	require.Len(t, full, 3)
	require.Len(t, content(t, flights), 3)

	require.NoError(t, db.RestoreSnapshot(before))
	assert.Empty(t, content(t, flights))
	assert.Empty(t, content(t, pilots))

	require.NoError(t, db.RestoreSnapshot(after))
	assert.Len(t, content(t, flights), 3)
	assert.Equal(t, full, content(t, pilots))

	require.NoError(t, db.Transaction(func(*Tx) error {
		return pilots.Delete(expr.AttrEq("name", "Jones"))
	}))
	assert.Equal(t, []string{`[home: "Chicago", name: "Smith"]`, `[home: "Seattle", name: "Johnson"]`}, content(t, pilots))

	require.NoError(t, db.RestoreSnapshot(after))
	assert.Equal(t, full, content(t, pilots))
}

func TestRestoreSnapshot_IdempotentNotification(t *testing.T) {
	db := openDB(t, map[string]value.Scheme{"a": testutil.Scheme("n")})
	a := mustRelation(t, db, "a")
	s := db.TakeSnapshot()
	require.NoError(t, a.Add(row("n", 1)))

	rec := &recorder{}
	a.AddObserver(rec)
	require.NoError(t, db.RestoreSnapshot(s))
	require.Len(t, rec.changes, 1)
	assert.Equal(t, []string{"[n: 1]"}, testutil.Strings(rec.changes[0].Removed))

	require.NoError(t, db.RestoreSnapshot(s))
	assert.Len(t, rec.changes, 1, "the second restore changes nothing")
	assert.Equal(t, []string{"began", "changed", "ended", "began", "ended"}, rec.events)
}

func TestRestoreSnapshot_JoinedRelationsNotifyOnce(t *testing.T) {
	db := openDB(t, map[string]value.Scheme{
		"object":   testutil.Scheme("id", "name", "type"),
		"doc_item": testutil.Scheme("id"),
	})
	objects := mustRelation(t, db, "object")
	docItems := mustRelation(t, db, "doc_item")
	docObjects := relation.Project(relation.Join(docItems, objects), "id", "name")

	var changes []relation.Change
	remove := relation.ObserveChanges(docObjects, func(c relation.Change) { changes = append(changes, c) })
	defer remove()

	require.NoError(t, db.Transaction(func(*Tx) error {
		require.NoError(t, objects.Add(row("id", 1, "name", "One", "type", 0)))
		require.NoError(t, docItems.Add(row("id", 1)))
		require.NoError(t, objects.Add(row("id", 2, "name", "Two", "type", 0)))
		return docItems.Add(row("id", 2))
	}))
	require.Len(t, changes, 1)
	assert.Equal(t, []string{`[id: 1, name: "One"]`, `[id: 2, name: "Two"]`}, testutil.Strings(changes[0].Added))
	assert.Nil(t, changes[0].Removed)

	preDelete := db.TakeSnapshot()
	require.NoError(t, db.Transaction(func(*Tx) error {
		require.NoError(t, objects.Delete(expr.AttrEq("id", 1)))
		return docItems.Delete(expr.AttrEq("id", 1))
	}))
	require.Len(t, changes, 2)
	assert.Nil(t, changes[1].Added)
	assert.Equal(t, []string{`[id: 1, name: "One"]`}, testutil.Strings(changes[1].Removed))

	require.NoError(t, db.RestoreSnapshot(preDelete))
	require.Len(t, changes, 3)
	assert.Equal(t, []string{`[id: 1, name: "One"]`}, testutil.Strings(changes[2].Added))
	assert.Nil(t, changes[2].Removed)
}

func TestTransaction_IntersectingUpdatesThroughGraph(t *testing.T) {
	db := openDB(t, map[string]value.Scheme{"t": testutil.Scheme("id", "A", "B")})
	tbl := mustRelation(t, db, "t")
	fixture := [][3]int{
		{1, 1, 0}, {2, 0, 0}, {3, 0, 0}, {4, 1, 0}, {5, 0, 1}, {6, 0, 0},
		{7, 0, 0}, {8, 1, 1}, {9, 0, 0}, {10, 0, 1}, {11, 1, 1}, {12, 1, 1},
	}
	require.NoError(t, db.Transaction(func(*Tx) error {
		for _, f := range fixture {
			if err := tbl.Add(row("id", f[0], "A", f[1], "B", f[2])); err != nil {
				return err
			}
		}
		return nil
	}))

	a := relation.Select(tbl, expr.AttrEq("A", 1))
	b := relation.Select(tbl, expr.AttrEq("B", 1))
	combined := relation.Union(a, b)
	var got []relation.Change
	relation.ObserveChanges(combined, func(c relation.Change) { got = append(got, c) })

	updates := []struct {
		id     int
		values value.Row
	}{
		{1, row("A", 1)},
		{3, row("B", 1)},
		{4, row("A", 0)},
		{5, row("B", 1)},
		{6, row("A", 1)},
		{7, row("A", 1, "B", 1)},
		{8, row("A", 1)},
		{9, row("A", 1)},
		{9, row("A", 0)},
		{10, row("B", 0)},
		{11, row("B", 1)},
		{12, row("A", 0, "B", 0)},
	}
	db.Begin()
	for _, u := range updates {
		require.NoError(t, tbl.Update(expr.AttrEq("id", u.id), u.values))
	}
	require.NoError(t, db.End())

	require.Len(t, got, 1)
	assert.Equal(t, []string{"[A: 0, B: 1, id: 3]", "[A: 1, B: 0, id: 6]", "[A: 1, B: 1, id: 7]"}, testutil.Strings(got[0].Added))
	assert.Equal(t, []string{"[A: 0, B: 1, id: 10]", "[A: 1, B: 0, id: 4]", "[A: 1, B: 1, id: 12]"}, testutil.Strings(got[0].Removed))
}

func TestDeltas(t *testing.T) {
	db := openDB(t, map[string]value.Scheme{"a": testutil.Scheme("n")})
	a := mustRelation(t, db, "a")

	snap1 := db.TakeSnapshot()
	require.NoError(t, a.Add(row("n", 1)))
	snap2 := db.TakeSnapshot()
	delta1 := db.ComputeDelta(snap1, snap2)

	require.NoError(t, a.Add(row("n", 2)))
	snap3 := db.TakeSnapshot()
	delta2 := db.ComputeDelta(snap2, snap3)

	require.NoError(t, db.Apply(delta1.Reversed()))
	assert.Equal(t, []string{"[n: 2]"}, content(t, a))

	require.NoError(t, db.Apply(delta2.Reversed()))
	assert.Empty(t, content(t, a))

	require.NoError(t, db.Apply(delta1))
	assert.Equal(t, []string{"[n: 1]"}, content(t, a))

	require.NoError(t, db.Apply(delta2))
	assert.Equal(t, []string{"[n: 1]", "[n: 2]"}, content(t, a))
}

func TestDelta_InverseLaw(t *testing.T) {
	db, flights, pilots := flightsAndPilots(t)
	require.NoError(t, pilots.Add(row("name", "Jones", "home", "New York")))
	require.NoError(t, flights.Add(row("number", 1, "pilot", "Jones", "equipment", "777")))

	stateA := db.TakeSnapshot()
	pilotsA, flightsA := content(t, pilots), content(t, flights)

	require.NoError(t, db.Transaction(func(*Tx) error {
		require.NoError(t, pilots.Update(expr.AttrEq("name", "Jones"), row("home", "Boston")))
		require.NoError(t, pilots.Add(row("name", "Horton", "home", "Miami")))
		return flights.Delete(nil)
	}))
	require.NoError(t, flights.Add(row("number", 2, "pilot", "Horton", "equipment", "DC-10")))
	stateB := db.TakeSnapshot()
	pilotsB, flightsB := content(t, pilots), content(t, flights)

	d := db.ComputeDelta(stateA, stateB)
	assert.False(t, d.IsEmpty())

	require.NoError(t, db.Apply(d.Reversed()))
	assert.Equal(t, pilotsA, content(t, pilots))
	assert.Equal(t, flightsA, content(t, flights))
	require.NoError(t, db.Apply(d))
	assert.Equal(t, pilotsB, content(t, pilots))
	assert.Equal(t, flightsB, content(t, flights))

	require.NoError(t, db.Apply(d.Reversed()))
	require.NoError(t, db.Apply(d))
	require.NoError(t, db.Apply(d.Reversed()))
	assert.Equal(t, pilotsA, content(t, pilots))
	assert.Equal(t, flightsA, content(t, flights))

	assert.True(t, db.ComputeDelta(stateA, stateA).IsEmpty())
}

func TestRows_TransactionWhileReading(t *testing.T) {
	db := openDB(t, map[string]value.Scheme{"a": testutil.Scheme("n")})
	a := mustRelation(t, db, "a")
	assert.Empty(t, content(t, a))

	rows := a.Rows()
	db.Begin()
	require.NoError(t, a.Add(row("n", 1)))
	require.NoError(t, db.End())

	for _, err := range rows {
		assert.True(t, relation.IsMutatedDuringEnumeration(err))
	}
	assert.Equal(t, []string{"[n: 1]"}, content(t, a))
}

func TestRows_ConcurrentReadWhileInTransaction(t *testing.T) {
	db := openDB(t, map[string]value.Scheme{"a": testutil.Scheme("n")})
	a := mustRelation(t, db, "a")

	db.Begin()
	require.NoError(t, a.Add(row("n", 1)))
	var wg sync.WaitGroup
	var seen []string
	wg.Add(1)
	go func() {
		defer wg.Done()
		rows, err := relation.Collect(a.Rows())
		if err == nil {
			seen = testutil.Strings(rows)
		}
	}()
	wg.Wait()
	require.NoError(t, db.End())
	assert.Equal(t, []string{}, seen, "an open transaction does not block readers")
}

func TestRows_ConcurrentReadAndWriteTransactions(t *testing.T) {
	db := openDB(t, map[string]value.Scheme{
		"a": testutil.Scheme("n"),
		"b": testutil.Scheme("n"),
	})
	a := mustRelation(t, db, "a")
	b := mustRelation(t, db, "b")
	inter := relation.Intersection(a, b)

	writerErr := make(chan error, 1)
	go func() {
		writerErr <- func() error {
			for range 100 {
				if err := db.Transaction(func(*Tx) error {
					if err := a.Add(row("n", 1)); err != nil {
						return err
					}
					return b.Delete(expr.AttrEq("n", 1))
				}); err != nil {
					return err
				}
				if err := db.Transaction(func(*Tx) error {
					if err := b.Add(row("n", 1)); err != nil {
						return err
					}
					return a.Delete(expr.AttrEq("n", 1))
				}); err != nil {
					return err
				}
			}
			return db.Transaction(func(*Tx) error {
				if err := a.Add(row("n", 2)); err != nil {
					return err
				}
				return b.Add(row("n", 2))
			})
		}()
	}()

	done := false
	for !done {
		for r, err := range inter.Rows() {
			if relation.IsMutatedDuringEnumeration(err) {
				continue
			}
			require.NoError(t, err)
			require.False(t, done)
			assert.Equal(t, "[n: 2]", r.String())
			done = true
		}
	}
	require.NoError(t, <-writerErr)
}

func TestSave_WritesCommittedState(t *testing.T) {
	mem := store.NewMemoryDatabase()
	base, err := mem.CreateRelation("a", testutil.Scheme("n"))
	require.NoError(t, err)
	db := Open(mem)
	a := mustRelation(t, db, "a")

	require.NoError(t, a.Add(row("n", 1)))
	empty, err := relation.IsEmpty(base)
	require.NoError(t, err)
	assert.True(t, empty, "storage is untouched until Save")

	require.NoError(t, db.Save())
	assert.Equal(t, []string{"[n: 1]"}, content(t, base))

	db.Begin()
	assert.Panics(t, func() { _ = db.Save() })
	db.Rollback()
}

// recorder logs every callback from one relation.
type recorder struct {
	events  []string
	changes []relation.Change
}

func (r *recorder) TransactionBegan(relation.Relation) { r.events = append(r.events, "began") }

func (r *recorder) RelationChanged(_ relation.Relation, c relation.Change) {
	r.events = append(r.events, "changed")
	r.changes = append(r.changes, c)
}

func (r *recorder) TransactionEnded(relation.Relation) { r.events = append(r.events, "ended") }
