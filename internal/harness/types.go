package harness

import "github.com/roach88/relflow/internal/engine"

// Trace event types.
const (
	EventChange = "change"
	EventError  = "error"
	EventQuery  = "query"
)

// TraceEvent is one notification or query completion, with rows in
// sorted order and rendered as value.Row strings.
type TraceEvent struct {
	Type     string   `json:"type"` // "change", "error" or "query"
	Seq      int64    `json:"seq"`
	BatchID  string   `json:"batch_id,omitempty"`
	Relation string   `json:"relation"`
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Rows     []string `json:"rows,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ChangeEvent converts a notification of the named relation.
func ChangeEvent(name string, res engine.Result) TraceEvent {
	e := TraceEvent{
		Type:     EventChange,
		Seq:      res.Seq,
		BatchID:  res.BatchID,
		Relation: name,
	}
	if res.Err != nil {
		e.Type = EventError
		e.Error = res.Err.Error()
	} else {
		e.Added = rowStrings(res.Change.Added.Sorted())
		e.Removed = rowStrings(res.Change.Removed.Sorted())
	}
	return e
}

// QueryEvent converts a query completion. Queries have no batch ID of
// their own; seq is the period they completed in.
func QueryEvent(name string, seq int64, res engine.QueryResult) TraceEvent {
	e := TraceEvent{Type: EventQuery, Seq: seq, Relation: name}
	if res.Err != nil {
		e.Error = res.Err.Error()
	} else {
		e.Rows = rowStrings(res.Rows)
	}
	return e
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// RunID distinguishes executions in logs. It is not part of the
	// golden trace.
	RunID string `json:"run_id"`

	// Scenario is the name of the scenario that ran.
	Scenario string `json:"scenario"`

	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace holds notifications and query completions in delivery order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures and step errors.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final sorted content of every observed relation.
	State map[string][]string `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario: scenario,
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		State:    make(map[string][]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event to the trace.
func (r *Result) AddTrace(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
