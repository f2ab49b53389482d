package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_Testdata(t *testing.T) {
	scenarios, err := LoadScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRunWithGolden_Deterministic(t *testing.T) {
	s := loadTestdata(t, "flight_schedule")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	a := TraceSnapshot{ScenarioName: s.Name, Trace: first.Trace}.Format()
	b := TraceSnapshot{ScenarioName: s.Name, Trace: second.Trace}.Format()
	assert.Equal(t, string(a), string(b))
}

func TestTraceSnapshot_Format(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "fmt",
		Trace: []TraceEvent{
			{Type: EventChange, Seq: 1, BatchID: "batch-0001", Relation: "r",
				Added: []string{"[a: 1]"}, Removed: []string{"[a: 0]"}},
			{Type: EventQuery, Seq: 1, Relation: "r"},
			{Type: EventError, Seq: 2, BatchID: "batch-0002", Relation: "r", Error: "boom"},
		},
	}
	want := "scenario: fmt\n" +
		"[seq 1 batch-0001] change r\n" +
		"  + [a: 1]\n" +
		"  - [a: 0]\n" +
		"[seq 1] query r\n" +
		"  = (empty)\n" +
		"[seq 2 batch-0002] error r\n" +
		"  ! boom\n"
	assert.Equal(t, want, string(snap.Format()))
}
