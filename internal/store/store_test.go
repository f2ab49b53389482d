package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/testutil"
	"github.com/roach88/relflow/internal/value"
)

var row = testutil.Row

type backend struct {
	name string
	open func(t *testing.T) StoredDatabase
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) StoredDatabase { return NewMemoryDatabase() }},
		{"sqlite", func(t *testing.T) StoredDatabase { return createTestSQLite(t) }},
		{"bolt", func(t *testing.T) StoredDatabase { return createTestBolt(t) }},
		{"file", func(t *testing.T) StoredDatabase { return createTestFiles(t) }},
	}
}

// createTestSQLite creates a new SQLite database in a temp dir.
func createTestSQLite(t *testing.T) *SQLiteDatabase {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestBolt(t *testing.T, opts ...Option) *BoltDatabase {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.bolt")
	s, err := OpenBolt(path, opts...)
	if err != nil {
		t.Fatalf("OpenBolt() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestFiles(t *testing.T) *FileDatabase {
	t.Helper()
	s, err := OpenFileDatabase(filepath.Join(t.TempDir(), "rels"))
	if err != nil {
		t.Fatalf("OpenFileDatabase() failed: %v", err)
	}
	return s
}

func content(t *testing.T, r relation.Relation) []string {
	t.Helper()
	rows, err := relation.Collect(r.Rows())
	require.NoError(t, err)
	return testutil.Strings(rows)
}

func TestBackends_CreateAndOpen(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			db := b.open(t)
			_, err := db.CreateRelation("pilots", testutil.Scheme("id", "name"))
			require.NoError(t, err)
			_, err = db.CreateRelation("flights", testutil.Scheme("number", "pilot"))
			require.NoError(t, err)

			_, err = db.CreateRelation("pilots", testutil.Scheme("id"))
			assert.True(t, errors.Is(err, ErrRelationExists), "got %v", err)

			_, err = db.StoredRelation("crew")
			assert.True(t, errors.Is(err, ErrNoRelation), "got %v", err)

			r, err := db.StoredRelation("pilots")
			require.NoError(t, err)
			assert.True(t, r.Scheme().Equal(testutil.Scheme("id", "name")))

			names, err := db.Names()
			require.NoError(t, err)
			assert.Equal(t, []string{"flights", "pilots"}, names)
		})
	}
}

func TestBackends_Mutations(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			db := b.open(t)
			r, err := db.CreateRelation("pilots", testutil.Scheme("id", "name"))
			require.NoError(t, err)

			var changes []relation.Change
			relation.ObserveChanges(r, func(c relation.Change) { changes = append(changes, c) })

			require.NoError(t, r.Add(row("id", 1, "name", "Amelia")))
			require.NoError(t, r.Add(row("id", 2, "name", "Chuck")))
			require.NoError(t, r.Add(row("id", 2, "name", "Chuck")))
			require.NoError(t, r.Add(row("id", 3, "name", "Bessie")))
			assert.Equal(t, []string{
				`[id: 1, name: "Amelia"]`,
				`[id: 2, name: "Chuck"]`,
				`[id: 3, name: "Bessie"]`,
			}, content(t, r))
			assert.Len(t, changes, 3, "re-adding a present row is silent")

			ok, err := r.Contains(row("id", 2, "name", "Chuck"))
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = r.Contains(row("id", 2, "name", "Amelia"))
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, r.Update(expr.Eq(expr.A("id"), expr.C(int64(2))), row("name", "Charles")))
			last := changes[len(changes)-1]
			assert.Equal(t, []string{`[id: 2, name: "Charles"]`}, testutil.Strings(last.Added))
			assert.Equal(t, []string{`[id: 2, name: "Chuck"]`}, testutil.Strings(last.Removed))

			require.NoError(t, r.Delete(expr.Gt(expr.A("id"), expr.C(int64(1)))))
			last = changes[len(changes)-1]
			assert.Nil(t, last.Added)
			assert.Equal(t, []string{`[id: 2, name: "Charles"]`, `[id: 3, name: "Bessie"]`}, testutil.Strings(last.Removed))
			assert.Equal(t, []string{`[id: 1, name: "Amelia"]`}, content(t, r))

			n := len(changes)
			require.NoError(t, r.Delete(expr.Eq(expr.A("id"), expr.C(int64(42)))))
			assert.Len(t, changes, n, "deleting nothing is silent")
		})
	}
}

func TestBackends_UpdateCollapsesRows(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			db := b.open(t)
			r, err := db.CreateRelation("seats", testutil.Scheme("row", "class"))
			require.NoError(t, err)
			require.NoError(t, r.Add(row("row", 1, "class", "coach")))
			require.NoError(t, r.Add(row("row", 1, "class", "first")))
			require.NoError(t, r.Add(row("row", 2, "class", "coach")))

			var got relation.Change
			relation.ObserveChanges(r, func(c relation.Change) { got = c })
			require.NoError(t, r.Update(expr.Eq(expr.A("row"), expr.C(int64(1))), row("class", "coach")))

			assert.Nil(t, got.Added)
			assert.Equal(t, []string{`[class: "first", row: 1]`}, testutil.Strings(got.Removed))
			assert.Equal(t, []string{`[class: "coach", row: 1]`, `[class: "coach", row: 2]`}, content(t, r))
		})
	}
}

func TestBackends_ValueKindsSurvive(t *testing.T) {
	want := value.NewRow(
		value.F("i", value.Integer(-7)),
		value.F("f", value.Real(2)),
		value.F("s", value.Text("12")),
		value.F("b", value.Blob([]byte{0, 1, 2})),
		value.F("n", value.Null{}),
	)
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			db := b.open(t)
			r, err := db.CreateRelation("kinds", want.Scheme())
			require.NoError(t, err)
			require.NoError(t, r.Add(want))

			rows, err := relation.Collect(r.Rows())
			require.NoError(t, err)
			require.Equal(t, 1, rows.Len())
			got := rows.Sorted()[0]
			assert.True(t, got.Equal(want), "got %s", got)
			assert.Equal(t, value.KindReal, got.Get("f").Kind())
			assert.Equal(t, value.KindText, got.Get("s").Kind())
			assert.Equal(t, value.KindBlob, got.Get("b").Kind())
		})
	}
}

func TestBackends_IntegerAndRealStayDistinct(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			db := b.open(t)
			r, err := db.CreateRelation("n", testutil.Scheme("v"))
			require.NoError(t, err)
			require.NoError(t, r.Add(row("v", 1)))
			require.NoError(t, r.Add(row("v", 1.0)))
			require.Len(t, content(t, r), 2)

			require.NoError(t, r.Delete(expr.FromRow(row("v", 1))))
			rows, err := relation.Collect(r.Rows())
			require.NoError(t, err)
			require.Equal(t, 1, rows.Len())
			assert.Equal(t, value.KindReal, rows.Sorted()[0].Get("v").Kind())
		})
	}
}

func TestBackends_TransactionRollsBack(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			db := b.open(t)
			_, err := db.CreateRelation("pilots", testutil.Scheme("id"))
			require.NoError(t, err)
			r, err := db.StoredRelation("pilots")
			require.NoError(t, err)
			require.NoError(t, r.Add(row("id", 1)))

			boom := errors.New("boom")
			err = db.Transaction(func() error {
				require.NoError(t, r.Add(row("id", 2)))
				require.NoError(t, r.Delete(expr.Eq(expr.A("id"), expr.C(int64(1)))))
				return boom
			})
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, []string{"[id: 1]"}, content(t, r))

			require.NoError(t, db.Transaction(func() error {
				return r.Add(row("id", 3))
			}))
			assert.Equal(t, []string{"[id: 1]", "[id: 3]"}, content(t, r))
		})
	}
}

func TestBackends_ReadDuringWriteIsGuarded(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			db := b.open(t)
			r, err := db.CreateRelation("n", testutil.Scheme("v"))
			require.NoError(t, err)
			require.NoError(t, r.Add(row("v", 1)))

			rows := r.Rows()
			require.NoError(t, r.Add(row("v", 2)))
			var errs []error
			for _, err := range rows {
				if err != nil {
					errs = append(errs, err)
				}
			}
			require.Len(t, errs, 1)
			assert.True(t, relation.IsMutatedDuringEnumeration(errs[0]))
		})
	}
}

func TestAddWrongSchemePanics(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			db := b.open(t)
			r, err := db.CreateRelation("n", testutil.Scheme("v"))
			require.NoError(t, err)
			assert.Panics(t, func() { _ = r.Add(row("w", 1)) })
		})
	}
}
