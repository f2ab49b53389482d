package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/roach88/relflow/internal/engine"
	"github.com/roach88/relflow/internal/schema"
	"github.com/roach88/relflow/internal/store"
	"github.com/roach88/relflow/internal/testutil"
)

// Harness executes one scenario against a real engine. Batch IDs come
// from a sequential generator and sequence numbers from a deterministic
// clock, so traces are reproducible.
type Harness struct {
	scenario *Scenario
	logger   *slog.Logger
	clock    *testutil.DeterministicClock
	session  *Session
	result   *Result
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger the harness and its engine write to.
// Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against fresh storage for isolation:
//  1. Open the backend and install the schema's tables
//  2. Build the views over a transactional database
//  3. Register observers and execute the steps
//  4. Record the final content and evaluate assertions
//
// An error is returned when the scenario cannot be executed at all; a
// failed assertion only marks the result as failed.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:    testutil.NewDeterministicClock(),
		result:   NewResult(scenario.Name),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.result.RunID = uuid.NewString()
	h.logger = h.logger.With("scenario", scenario.Name, "run_id", h.result.RunID)

	cleanup, err := h.open()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := h.session.Observe(scenario.Observe, h.recordChange); err != nil {
		return nil, err
	}
	for i, step := range scenario.Steps {
		if err := h.session.Execute(step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	m := h.session.Manager()
	m.Drain()
	m.Close()

	for _, name := range scenario.Observe {
		rows, err := h.session.Content(name)
		if err != nil {
			return nil, fmt.Errorf("reading final state: %w", err)
		}
		h.result.State[name] = rowStrings(rows)
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, h.session.Graph()) {
		h.result.AddError(msg)
	}
	h.logger.Info("scenario complete",
		"pass", h.result.Pass,
		"events", len(h.result.Trace),
		"errors", len(h.result.Errors),
	)
	return h.result, nil
}

// open sets up storage, the schema and the engine. The returned cleanup
// closes storage and removes any temporary files.
func (h *Harness) open() (func(), error) {
	loaded, err := schema.Load(h.scenario.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}

	var dir string
	location := ""
	if h.scenario.Backend != "" && h.scenario.Backend != store.BackendMemory {
		dir, err = os.MkdirTemp("", "relflow-harness-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		location = filepath.Join(dir, "data."+h.scenario.Backend)
	}
	storage, err := store.Open(h.scenario.Backend, location)
	if err != nil {
		if dir != "" {
			os.RemoveAll(dir)
		}
		return nil, fmt.Errorf("failed to open %s store: %w", h.scenario.Backend, err)
	}
	cleanup := func() {
		storage.Close()
		if dir != "" {
			os.RemoveAll(dir)
		}
	}

	m := engine.NewManager(
		engine.WithLogger(h.logger),
		engine.WithClock(h.clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("batch")),
	)
	h.session, err = NewSession(loaded.Schema, storage, m, h.logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	h.session.Queried = h.recordQuery
	h.session.Failed = h.recordFailure
	return cleanup, nil
}

func (h *Harness) recordChange(name string, res engine.Result) {
	h.result.AddTrace(ChangeEvent(name, res))
}

// recordQuery stamps the query with the running batch's sequence number.
func (h *Harness) recordQuery(name string, res engine.QueryResult) {
	h.result.AddTrace(QueryEvent(name, h.clock.Current(), res))
}

func (h *Harness) recordFailure(err error) {
	var aerr *AssertionError
	if errors.As(err, &aerr) {
		aerr.Trace = h.result.Trace
	}
	h.result.AddError(err.Error())
}
