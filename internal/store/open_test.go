package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relflow/internal/testutil"
)

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		backend  string
		location string
		want     any
	}{
		{"", "", &MemoryDatabase{}},
		{BackendMemory, "", &MemoryDatabase{}},
		{BackendSQLite, "", &SQLiteDatabase{}},
		{BackendSQLite, filepath.Join(dir, "open.db"), &SQLiteDatabase{}},
		{BackendBolt, filepath.Join(dir, "open.bolt"), &BoltDatabase{}},
		{BackendFile, filepath.Join(dir, "rels"), &FileDatabase{}},
	}
	for _, tt := range tests {
		t.Run(tt.backend+"/"+filepath.Base(tt.location), func(t *testing.T) {
			db, err := Open(tt.backend, tt.location)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			assert.IsType(t, tt.want, db)

			_, err = db.CreateRelation("r", testutil.Scheme("a"))
			require.NoError(t, err)
			names, err := db.Names()
			require.NoError(t, err)
			assert.Equal(t, []string{"r"}, names)
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(BackendBolt, "")
	assert.ErrorContains(t, err, "requires a file path")

	_, err = Open(BackendFile, "")
	assert.ErrorContains(t, err, "requires a directory")

	_, err = Open("postgres", "x")
	assert.ErrorContains(t, err, `unknown backend "postgres"`)
}
