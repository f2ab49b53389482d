package harness

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot is the part of a result that golden files pin down. The
// run ID is left out so reruns compare equal.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// Format renders the snapshot as text, one event header per line with its
// rows indented below it:
//
//	scenario: flight_schedule
//	[seq 1 batch-0001] change schedule
//	  + [name: "Jones", number: 4]
//	[seq 1] query flight_count
//	  = [count: 4]
func (s TraceSnapshot) Format() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", s.ScenarioName)
	for _, e := range s.Trace {
		WriteEvent(&buf, e)
	}
	return buf.Bytes()
}

// WriteEvent renders one event the way Format does.
func WriteEvent(w io.Writer, e TraceEvent) {
	if e.BatchID != "" {
		fmt.Fprintf(w, "[seq %d %s] %s %s\n", e.Seq, e.BatchID, e.Type, e.Relation)
	} else {
		fmt.Fprintf(w, "[seq %d] %s %s\n", e.Seq, e.Type, e.Relation)
	}
	if e.Error != "" {
		fmt.Fprintf(w, "  ! %s\n", e.Error)
		return
	}
	for _, r := range e.Added {
		fmt.Fprintf(w, "  + %s\n", r)
	}
	for _, r := range e.Removed {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	if e.Type == EventQuery {
		if len(e.Rows) == 0 {
			io.WriteString(w, "  = (empty)\n")
		}
		for _, r := range e.Rows {
			fmt.Fprintf(w, "  = %s\n", r)
		}
	}
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snapshot.Format())
}
