package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/schema"
	"github.com/roach88/relflow/internal/value"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event.summary())
		}
	}
	return buf.String()
}

func (e TraceEvent) summary() string {
	switch {
	case e.Error != "":
		return fmt.Sprintf("seq %d %s %s: %s", e.Seq, e.Type, e.Relation, e.Error)
	case e.Type == EventQuery:
		return fmt.Sprintf("seq %d query %s = %v", e.Seq, e.Relation, e.Rows)
	default:
		return fmt.Sprintf("seq %d change %s +%v -%v", e.Seq, e.Relation, e.Added, e.Removed)
	}
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. final_state reads the relation's committed content from
// graph.
func EvaluateAssertions(result *Result, assertions []Assertion, graph *schema.Graph) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertFinalState:
			err = assertFinalState(result.Trace, graph, a)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertNoErrors:
			err = assertNoErrors(result.Trace)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

// assertFinalState compares the relation's whole content with the
// expected rows.
func assertFinalState(trace []TraceEvent, graph *schema.Graph, a Assertion) error {
	r, ok := graph.Relation(a.Relation)
	if !ok {
		return fmt.Errorf("final_state: unknown relation %q", a.Relation)
	}
	want, err := nativeRowStrings(a.Rows)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}
	rows, err := relation.NewEvaluator().Content(r)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("content of %s", a.Relation),
			Actual:   fmt.Sprintf("read error: %v", err),
			Trace:    trace,
		}
	}
	got := rowStrings(rows.Sorted())
	if !equalStrings(got, want) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s content %v", a.Relation, want),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceContains checks that one notification of the relation added
// (or removed) every expected row.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	want, err := nativeRowStrings(a.Rows)
	if err != nil {
		return fmt.Errorf("trace_contains: %w", err)
	}
	side := "added"
	if a.Removed {
		side = "removed"
	}
	for _, event := range trace {
		if event.Type != EventChange || event.Relation != a.Relation {
			continue
		}
		rows := event.Added
		if a.Removed {
			rows = event.Removed
		}
		if containsAll(rows, want) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("a change to %s that %s %v", a.Relation, side, want),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks the relation was notified exactly Count times,
// failed notifications included.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type != EventQuery && event.Relation == a.Relation {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d notifications of %s", a.Count, a.Relation),
			Actual:   fmt.Sprintf("%d notifications", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertNoErrors(trace []TraceEvent) error {
	for _, event := range trace {
		if event.Error != "" {
			return &AssertionError{
				Type:     AssertNoErrors,
				Expected: "no failed notifications or queries",
				Actual:   fmt.Sprintf("%s %s: %s", event.Type, event.Relation, event.Error),
				Trace:    trace,
			}
		}
	}
	return nil
}

// nativeRowStrings converts YAML rows to sorted row strings, the form the
// trace records.
func nativeRowStrings(rows []map[string]any) ([]string, error) {
	converted := make([]value.Row, 0, len(rows))
	for i, m := range rows {
		r, err := value.RowFromNative(m)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		converted = append(converted, r)
	}
	slices.SortFunc(converted, value.CompareRows)
	return rowStrings(converted), nil
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// equalStrings treats nil and empty alike.
func equalStrings(a, b []string) bool {
	return len(a) == len(b) && (len(a) == 0 || slices.Equal(a, b))
}
