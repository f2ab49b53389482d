package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/testutil"
	"github.com/roach88/relflow/internal/value"
)

func TestFileRelation_FileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilots.yaml")
	r, err := CreateFileRelation(path, testutil.Scheme("id", "name"))
	require.NoError(t, err)
	require.NoError(t, r.Add(row("id", 2, "name", "Chuck")))
	require.NoError(t, r.Add(row("id", 1, "name", "Amelia")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "attributes: [id, name]")
	assert.Contains(t, text, "- {id: 1, name: Amelia}")
	assert.Contains(t, text, "- {id: 2, name: Chuck}")
	assert.Less(t, strings.Index(text, "Amelia"), strings.Index(text, "Chuck"), "rows are written in value order")
}

func TestFileRelation_OpenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
attributes: [number, fare, note]
rows:
  - {number: 100, fare: !!float 250, note: "007"}
  - {number: 0x10, fare: 99.5, note: ~}
`), 0o644))

	r, err := OpenFileRelation(path)
	require.NoError(t, err)
	assert.Equal(t, "flights", r.Name())
	rows, err := relation.Collect(r.Rows())
	require.NoError(t, err)
	assert.True(t, rows.Contains(value.NewRow(
		value.F("number", value.Integer(100)),
		value.F("fare", value.Real(250)),
		value.F("note", value.Text("007")),
	)))
	assert.True(t, rows.Contains(value.NewRow(
		value.F("number", value.Integer(16)),
		value.F("fare", value.Real(99.5)),
		value.F("note", value.Null{}),
	)))
}

func TestFileRelation_RejectsMismatchedRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("attributes: [a]\nrows:\n  - {b: 1}\n"), 0o644))
	_, err := OpenFileRelation(path)
	assert.Error(t, err)
}

func TestFileRelation_ReloadNotifiesExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilots.yaml")
	r, err := CreateFileRelation(path, testutil.Scheme("id"))
	require.NoError(t, err)
	require.NoError(t, r.Add(row("id", 1)))

	var changes []relation.Change
	relation.ObserveChanges(r, func(c relation.Change) { changes = append(changes, c) })

	require.NoError(t, r.Reload())
	assert.Empty(t, changes, "unchanged checksum is a no-op")

	require.NoError(t, os.WriteFile(path, []byte("attributes: [id]\nrows:\n  - {id: 2}\n"), 0o644))
	require.NoError(t, r.Reload())
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"[id: 2]"}, testutil.Strings(changes[0].Added))
	assert.Equal(t, []string{"[id: 1]"}, testutil.Strings(changes[0].Removed))
	assert.Equal(t, []string{"[id: 2]"}, content(t, r))
}

func TestFileDatabase_TransactionDefersWrites(t *testing.T) {
	db := createTestFiles(t)
	r, err := db.CreateRelation("pilots", testutil.Scheme("id"))
	require.NoError(t, err)
	fr := r.(*FileRelation)
	before, err := os.ReadFile(fr.Path())
	require.NoError(t, err)

	require.NoError(t, db.Transaction(func() error {
		require.NoError(t, r.Add(row("id", 1)))
		during, err := os.ReadFile(fr.Path())
		require.NoError(t, err)
		assert.Equal(t, before, during, "no write before the transaction succeeds")
		return nil
	}))

	reopened, err := OpenFileRelation(fr.Path())
	require.NoError(t, err)
	assert.Equal(t, []string{"[id: 1]"}, content(t, reopened))
}

func TestFileDatabase_InvalidNames(t *testing.T) {
	db := createTestFiles(t)
	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := db.CreateRelation(name, testutil.Scheme("id"))
		assert.Error(t, err, "name %q", name)
	}
}
