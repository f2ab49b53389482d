package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relflow/internal/schema"
)

func airlineGraph(t *testing.T) *schema.Graph {
	t.Helper()
	loaded, err := schema.Load(filepath.Join("testdata", "airline.cue"))
	require.NoError(t, err)
	g, err := schema.Build(loaded.Schema, schema.InMemory())
	require.NoError(t, err)
	return g
}

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Type: EventChange, Seq: 1, BatchID: "batch-0001", Relation: "flights",
			Added: []string{`[number: 3, pilot: "Smith"]`, `[number: 4, pilot: "Jones"]`}},
		{Type: EventQuery, Seq: 1, Relation: "flights", Rows: []string{`[number: 1, pilot: "Jones"]`}},
		{Type: EventChange, Seq: 2, BatchID: "batch-0002", Relation: "flights",
			Removed: []string{`[number: 3, pilot: "Smith"]`}},
		{Type: EventError, Seq: 3, BatchID: "batch-0003", Relation: "pilots", Error: "ACTION_FAILED: add failed"},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	err := assertTraceContains(trace, Assertion{
		Relation: "flights",
		Rows:     []map[string]any{{"number": 4, "pilot": "Jones"}},
	})
	assert.NoError(t, err)

	err = assertTraceContains(trace, Assertion{
		Relation: "flights",
		Removed:  true,
		Rows:     []map[string]any{{"number": 3, "pilot": "Smith"}},
	})
	assert.NoError(t, err)

	// Every row must come from the same notification.
	err = assertTraceContains(trace, Assertion{
		Relation: "flights",
		Rows: []map[string]any{
			{"number": 4, "pilot": "Jones"},
			{"number": 1, "pilot": "Jones"},
		},
	})
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertTraceContains, aerr.Type)
	assert.Equal(t, "not found in trace", aerr.Actual)

	// Query rows are not changes.
	err = assertTraceContains(trace, Assertion{
		Relation: "flights",
		Rows:     []map[string]any{{"number": 1, "pilot": "Jones"}},
	})
	assert.Error(t, err)
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceCount(trace, Assertion{Relation: "flights", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Relation: "pilots", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Relation: "schedule", Count: 0}))

	err := assertTraceCount(trace, Assertion{Relation: "flights", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected: 3 notifications of flights")
	assert.Contains(t, err.Error(), "Actual: 2 notifications")
}

func TestAssertNoErrors(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertNoErrors(trace[:3]))

	err := assertNoErrors(trace)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error pilots: ACTION_FAILED: add failed")
}

func TestAssertFinalState(t *testing.T) {
	g := airlineGraph(t)

	err := assertFinalState(nil, g, Assertion{
		Relation: "flight_count",
		Rows:     []map[string]any{{"count": 2}},
	})
	assert.NoError(t, err)

	// Order of expected rows does not matter.
	err = assertFinalState(nil, g, Assertion{
		Relation: "pilots",
		Rows: []map[string]any{
			{"name": "Smith", "home": "Chicago"},
			{"name": "Jones", "home": "New York"},
		},
	})
	assert.NoError(t, err)

	err = assertFinalState(nil, g, Assertion{
		Relation: "pilots",
		Rows:     []map[string]any{{"name": "Smith", "home": "Chicago"}},
	})
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertFinalState, aerr.Type)
	assert.Contains(t, aerr.Actual, `[home: "New York", name: "Jones"]`)

	err = assertFinalState(nil, g, Assertion{Relation: "ghost"})
	assert.ErrorContains(t, err, `unknown relation "ghost"`)
}

func TestEvaluateAssertions_PrefixesIndex(t *testing.T) {
	result := NewResult("s")
	result.Trace = sampleTrace()

	failures := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Relation: "flights", Count: 2},
		{Type: AssertNoErrors},
		{Type: "bogus"},
	}, airlineGraph(t))

	require.Len(t, failures, 2)
	assert.Contains(t, failures[0], "assertions[1]: Assertion failed: no_errors")
	assert.Equal(t, `assertions[2]: unknown assertion type "bogus"`, failures[1])
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "1 notifications of flights",
		Actual:   "2 notifications",
		Trace:    sampleTrace()[:2],
	}
	want := "Assertion failed: trace_count\n" +
		"  Expected: 1 notifications of flights\n" +
		"  Actual: 2 notifications\n" +
		"\nFull trace:\n" +
		`  [1] seq 1 change flights +[[number: 3, pilot: "Smith"] [number: 4, pilot: "Jones"]] -[]` + "\n" +
		`  [2] seq 1 query flights = [[number: 1, pilot: "Jones"]]` + "\n"
	assert.Equal(t, want, err.Error())
}
