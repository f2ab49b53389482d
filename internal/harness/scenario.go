package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/store"
)

// Scenario drives a schema through a sequence of steps and checks the
// changes the engine reports.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden
	// file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is the CUE file or directory defining tables and views.
	// LoadScenario resolves it relative to the scenario file.
	Schema string `yaml:"schema"`

	// Backend selects the storage the tables live in: memory (default),
	// sqlite, bolt or file. Non-memory backends use a temporary location.
	Backend string `yaml:"backend,omitempty"`

	// Observe lists the tables and views whose changes are recorded in
	// the trace, in registration order.
	Observe []string `yaml:"observe"`

	// Steps run in order. Consecutive mutations join one batch until a
	// commit step (or the end of the scenario) drains the engine.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the final content.
	// Supported types: final_state, trace_contains, trace_count, no_errors
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one thing the scenario does. Exactly one field is set.
type Step struct {
	Add          *RowStep       `yaml:"add,omitempty"`
	Delete       *DeleteStep    `yaml:"delete,omitempty"`
	Update       *UpdateStep    `yaml:"update,omitempty"`
	SetPredicate *PredicateStep `yaml:"set_predicate,omitempty"`
	Query        *QueryStep     `yaml:"query,omitempty"`

	// Snapshot records the committed state under a name.
	Snapshot string `yaml:"snapshot,omitempty"`

	// Restore queues a restore of a named snapshot.
	Restore string `yaml:"restore,omitempty"`

	// Commit drains the engine, ending the current batch.
	Commit bool `yaml:"commit,omitempty"`

	// Save writes the committed state through to the backend.
	Save bool `yaml:"save,omitempty"`
}

// RowStep adds one row to a table.
type RowStep struct {
	Relation string         `yaml:"relation"`
	Row      map[string]any `yaml:"row"`
}

// DeleteStep deletes the rows of a table matching Where.
type DeleteStep struct {
	Relation string    `yaml:"relation"`
	Where    expr.Spec `yaml:"where"`
}

// UpdateStep sets Values on the rows of a relation matching Where.
type UpdateStep struct {
	Relation string         `yaml:"relation"`
	Where    expr.Spec      `yaml:"where"`
	Set      map[string]any `yaml:"set"`
}

// PredicateStep replaces the predicate of a mutable_select view.
type PredicateStep struct {
	View  string    `yaml:"view"`
	Where expr.Spec `yaml:"where"`
}

// QueryStep reads a relation's content in the current batch.
type QueryStep struct {
	Relation string `yaml:"relation"`

	// Expect, when set, is the exact content the query must return.
	Expect []map[string]any `yaml:"expect,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "final_state": relation content equals Rows exactly
	// - "trace_contains": some change to Relation added (or removed) Rows
	// - "trace_count": Relation was notified exactly Count times
	// - "no_errors": no notification carried an error
	Type string `yaml:"type"`

	// Relation is the observed or queried relation.
	Relation string `yaml:"relation,omitempty"`

	// Rows are the expected rows.
	Rows []map[string]any `yaml:"rows,omitempty"`

	// Removed switches trace_contains from added to removed rows.
	Removed bool `yaml:"removed,omitempty"`

	// Count is the expected number of notifications (trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState    = "final_state"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertNoErrors      = "no_errors"
)

// LoadScenario reads and parses a scenario YAML file, resolving the
// schema path relative to the file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the schema path relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, basePath)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) && basePath != "" {
		scenario.Schema = filepath.Join(basePath, scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Schema == "" {
		return fmt.Errorf("schema is required")
	}
	if _, err := os.Stat(s.Schema); os.IsNotExist(err) {
		return fmt.Errorf("schema not found: %s", s.Schema)
	}
	if s.Backend != "" && !slices.Contains(store.Backends(), s.Backend) {
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st Step) error {
	set := 0
	count := func(ok bool) {
		if ok {
			set++
		}
	}
	count(st.Add != nil)
	count(st.Delete != nil)
	count(st.Update != nil)
	count(st.SetPredicate != nil)
	count(st.Query != nil)
	count(st.Snapshot != "")
	count(st.Restore != "")
	count(st.Commit)
	count(st.Save)
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}

	switch {
	case st.Add != nil:
		if st.Add.Relation == "" || st.Add.Row == nil {
			return fmt.Errorf("steps[%d].add: relation and row are required", index)
		}
	case st.Delete != nil:
		if st.Delete.Relation == "" {
			return fmt.Errorf("steps[%d].delete: relation is required", index)
		}
	case st.Update != nil:
		if st.Update.Relation == "" || len(st.Update.Set) == 0 {
			return fmt.Errorf("steps[%d].update: relation and set are required", index)
		}
	case st.SetPredicate != nil:
		if st.SetPredicate.View == "" {
			return fmt.Errorf("steps[%d].set_predicate: view is required", index)
		}
	case st.Query != nil:
		if st.Query.Relation == "" {
			return fmt.Errorf("steps[%d].query: relation is required", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if a.Relation == "" {
			return fmt.Errorf("assertions[%d]: relation is required for final_state", index)
		}
	case AssertTraceContains:
		if a.Relation == "" || len(a.Rows) == 0 {
			return fmt.Errorf("assertions[%d]: relation and rows are required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Relation == "" {
			return fmt.Errorf("assertions[%d]: relation is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertNoErrors:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
