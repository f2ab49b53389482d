package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	harnessScenarios = filepath.Join("..", "harness", "testdata", "scenarios")
	harnessGolden    = filepath.Join("..", "harness", "testdata", "golden")
)

func TestTestCommandPassesWithGolden(t *testing.T) {
	out, err := execute(t, "test", harnessScenarios, "--golden", harnessGolden)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ flight_schedule\n")
	assert.Contains(t, out, "✓ predicate_switch\n")
	assert.Contains(t, out, "✓ snapshot_restore\n")
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandFilterJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "test", harnessScenarios,
		"--golden", harnessGolden, "--filter", "flight_*")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "flight_schedule", resp.Data.Scenarios[0].Name)
}

func TestTestCommandFilterMatchesNothing(t *testing.T) {
	out, err := execute(t, "test", harnessScenarios, "--filter", "cargo_*")
	require.NoError(t, err)
	assert.Equal(t, "No scenarios found.\n", out)
}

func TestTestCommandUpdateThenCompare(t *testing.T) {
	golden := t.TempDir()
	scenario := filepath.Join(harnessScenarios, "flight_schedule.yaml")

	out, err := execute(t, "test", scenario, "--golden", golden, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ flight_schedule (golden updated)")

	written, err := os.ReadFile(filepath.Join(golden, "flight_schedule.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(harnessGolden, "flight_schedule.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	// A stale golden file fails the scenario.
	require.NoError(t, os.WriteFile(filepath.Join(golden, "flight_schedule.golden"), []byte("scenario: stale\n"), 0644))
	out, err = execute(t, "test", scenario, "--golden", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ flight_schedule\n")
	assert.Contains(t, out, "trace does not match golden file")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommandFailingAssertion(t *testing.T) {
	dir := t.TempDir()
	schemaPath, err := filepath.Abs(filepath.Join(airlineSchema, "airline.cue"))
	require.NoError(t, err)
	scenario := `name: wrong_count
description: Expects the wrong flight count
schema: ` + schemaPath + `
observe: [flight_count]
steps:
  - add: {relation: flights, row: {number: 3, pilot: Smith}}
assertions:
  - type: final_state
    relation: flight_count
    rows: [{count: 7}]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong_count.yaml"), []byte(scenario), 0644))

	out, err := execute(t, "--format", "json", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 1, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	require.Len(t, resp.Data.Scenarios, 1)
	require.NotEmpty(t, resp.Data.Scenarios[0].Errors)
	assert.Contains(t, resp.Data.Scenarios[0].Errors[0], "Assertion failed: final_state")
}

func TestTestCommandMissingPath(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios not found")
}
