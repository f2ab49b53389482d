package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relflow/internal/harness"
)

var (
	stepsFile    = filepath.Join("testdata", "steps.yaml")
	badStepsFile = filepath.Join("testdata", "bad_steps.yaml")
)

func TestExecWatch(t *testing.T) {
	out, err := execute(t, "--schema", airlineSchema, "exec", stepsFile, "--watch", "flight_count")
	require.NoError(t, err)

	assert.Contains(t, out, "change flight_count\n  + [count: 3]\n  - [count: 2]\n")
	assert.Contains(t, out, "change flight_count\n  + [count: 2]\n  - [count: 3]\n")
	assert.Contains(t, out, "query flight_count\n  = [count: 2]\n")
	assert.Contains(t, out, "✓ Applied 5 step(s) in ")
}

func TestExecJSON(t *testing.T) {
	out, err := execute(t, "--schema", airlineSchema, "--format", "json", "exec", stepsFile, "-W", "schedule")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   ExecResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 5, resp.Data.Steps)
	assert.GreaterOrEqual(t, resp.Data.Batches, 2)
	assert.Empty(t, resp.Data.Errors)

	var added, removed []string
	for _, e := range resp.Data.Events {
		if e.Relation == "schedule" && e.Type == harness.EventChange {
			added = append(added, e.Added...)
			removed = append(removed, e.Removed...)
		}
	}
	assert.Equal(t, []string{`[home: "Chicago", name: "Smith", number: 3, pilot: "Smith"]`}, added)
	assert.Equal(t, []string{`[home: "New York", name: "Jones", number: 1, pilot: "Jones"]`}, removed)
}

func TestExecPersistsAcrossRuns(t *testing.T) {
	for _, backend := range []string{"sqlite", "bolt", "file"} {
		t.Run(backend, func(t *testing.T) {
			db := filepath.Join(t.TempDir(), "data")
			global := []string{"--schema", airlineSchema, "--db", db, "--backend", backend}

			_, err := execute(t, append(global, "exec", stepsFile)...)
			require.NoError(t, err)

			out, err := execute(t, append(global, "query", "flights")...)
			require.NoError(t, err)
			assert.Equal(t, "[number: 2, pilot: \"Smith\"]\n[number: 3, pilot: \"Smith\"]\n", out)

			out, err = execute(t, append(global, "query", "pilots", "--where", "{match: {name: Johnson}}")...)
			require.NoError(t, err)
			assert.Equal(t, "[home: \"Seattle\", name: \"Johnson\"]\n", out)
		})
	}
}

func TestExecNoSave(t *testing.T) {
	db := filepath.Join(t.TempDir(), "data.sqlite")
	global := []string{"--schema", airlineSchema, "--db", db}

	_, err := execute(t, append(global, "exec", stepsFile, "--no-save")...)
	require.NoError(t, err)

	out, err := execute(t, append(global, "query", "flights")...)
	require.NoError(t, err)
	assert.Equal(t, "[number: 1, pilot: \"Jones\"]\n[number: 2, pilot: \"Smith\"]\n", out)
}

func TestExecQueryMismatchFails(t *testing.T) {
	out, err := execute(t, "--schema", airlineSchema, "exec", badStepsFile)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ 1 failure(s) applying 2 step(s)")
	assert.Contains(t, out, "Assertion failed: query")
}

func TestExecStepErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "no steps",
			content: "steps: []\n",
			want:    "has no steps",
		},
		{
			name:    "unknown field",
			content: "steps:\n  - insert: {relation: flights}\n",
			want:    "field insert not found",
		},
		{
			name:    "unknown table",
			content: "steps:\n  - add: {relation: crew, row: {name: x}}\n",
			want:    `step 0: unknown table "crew"`,
		},
		{
			name:    "wrong scheme",
			content: "steps:\n  - add: {relation: flights, row: {number: 9}}\n",
			want:    "step 0: add: row [number: 9] does not match flights[number, pilot]",
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := write(fmt.Sprintf("steps%d.yaml", i), tt.content)
			_, err := execute(t, "--schema", airlineSchema, "exec", path)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExecUnknownWatch(t *testing.T) {
	_, err := execute(t, "--schema", airlineSchema, "exec", stepsFile, "--watch", "crew")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `observe: unknown relation "crew"`)
}
