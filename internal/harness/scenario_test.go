package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenario writes a scenario next to a copy of the airline schema
// and returns its path.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	schema, err := os.ReadFile(filepath.Join("testdata", "airline.cue"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "airline.cue"), schema, 0644))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
schema: airline.cue
observe: [schedule]
steps:
  - add: {relation: flights, row: {number: 3, pilot: Smith}}
  - commit: true
  - delete: {relation: flights, where: {match: {number: 3}}}
assertions:
  - type: trace_count
    relation: schedule
    count: 2
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "airline.cue"), scenario.Schema)
	assert.Equal(t, []string{"schedule"}, scenario.Observe)
	require.Len(t, scenario.Steps, 3)
	require.NotNil(t, scenario.Steps[0].Add)
	assert.Equal(t, "flights", scenario.Steps[0].Add.Relation)
	assert.Equal(t, "Smith", scenario.Steps[0].Add.Row["pilot"])
	assert.True(t, scenario.Steps[1].Commit)
	require.NotNil(t, scenario.Steps[2].Delete)
	assert.Equal(t, map[string]any{"number": 3}, scenario.Steps[2].Delete.Where.Match)
	assert.Equal(t, 2, scenario.Assertions[0].Count)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: d
schema: airline.cue
steps:
  - commit: true
assertion:
  - type: no_errors
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
	assert.Contains(t, err.Error(), "assertion")
}

func TestLoadScenario_Invalid(t *testing.T) {
	base := "name: n\ndescription: d\nschema: airline.cue\n"
	steps := "steps:\n  - commit: true\n"
	asserts := "assertions:\n  - type: no_errors\n"

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no name", "description: d\nschema: airline.cue\n" + steps + asserts, "name is required"},
		{"no description", "name: n\nschema: airline.cue\n" + steps + asserts, "description is required"},
		{"no schema", "name: n\ndescription: d\n" + steps + asserts, "schema is required"},
		{"missing schema", "name: n\ndescription: d\nschema: nope.cue\n" + steps + asserts, "schema not found"},
		{"bad backend", base + "backend: redis\n" + steps + asserts, `unknown backend "redis"`},
		{"no steps", base + asserts, "steps list is required"},
		{"no assertions", base + steps, "assertions list is required"},
		{"two actions", base + "steps:\n  - {commit: true, save: true}\n" + asserts, "steps[0]: exactly one action is required, got 2"},
		{"empty step", base + "steps:\n  - {}\n" + asserts, "steps[0]: exactly one action is required, got 0"},
		{"add without row", base + "steps:\n  - add: {relation: flights}\n" + asserts, "steps[0].add: relation and row are required"},
		{"update without set", base + "steps:\n  - update: {relation: pilots}\n" + asserts, "steps[0].update: relation and set are required"},
		{"query without relation", base + "steps:\n  - query: {}\n" + asserts, "steps[0].query: relation is required"},
		{"unknown assertion", base + steps + "assertions:\n  - type: trace_order\n", `unknown assertion type "trace_order"`},
		{"assertion without type", base + steps + "assertions:\n  - relation: flights\n", "assertions[0]: type is required"},
		{"trace_contains without rows", base + steps + "assertions:\n  - {type: trace_contains, relation: flights}\n", "relation and rows are required"},
		{"final_state without relation", base + steps + "assertions:\n  - {type: final_state}\n", "relation is required for final_state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenarioWithBasePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: based
description: schema relative to a different base
schema: airline.cue
steps:
  - commit: true
assertions:
  - type: no_errors
`), 0644))

	abs, err := filepath.Abs("testdata")
	require.NoError(t, err)
	scenario, err := LoadScenarioWithBasePath(path, abs)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(abs, "airline.cue"), scenario.Schema)
}

func TestLoadScenario_Testdata(t *testing.T) {
	scenarios, err := LoadScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)

	var names []string
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"flight_schedule", "predicate_switch", "snapshot_restore"}, names)
}
