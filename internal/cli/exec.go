package cli

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/relflow/internal/engine"
	"github.com/roach88/relflow/internal/harness"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Watch  []string // relations whose changes are printed
	NoSave bool
}

// StepFile is a list of steps applied to the database in order.
type StepFile struct {
	Steps []harness.Step `yaml:"steps"`
}

// ExecResult is the JSON output of exec.
type ExecResult struct {
	Steps   int                  `json:"steps"`
	Batches int                  `json:"batches"`
	Events  []harness.TraceEvent `json:"events"`
	Errors  []string             `json:"errors,omitempty"`
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <steps.yaml>",
		Short: "Apply a file of steps to the database",
		Long: `Exec applies add, delete, update, set_predicate, query, snapshot, restore
and commit steps, written the way scenarios write them, then saves.

Changes to the relations named by --watch are printed as they are
delivered, along with every query result.

Example steps file:

  steps:
    - add: {relation: flights, row: {number: 9, pilot: "Smith"}}
    - commit: true
    - query: {relation: flight_count}`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Watch, "watch", "W", nil, "relations whose changes to print")
	cmd.Flags().BoolVar(&opts.NoSave, "no-save", false, "leave storage untouched")

	return cmd
}

// LoadStepFile reads and decodes a steps file. Unknown fields are errors.
func LoadStepFile(path string) (*StepFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read steps file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f StepFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse steps file: %w", err)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("steps file %s has no steps", path)
	}
	return &f, nil
}

func runExec(opts *ExecOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	file, err := LoadStepFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid steps file", err)
	}

	e, err := openEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	var (
		mu     sync.Mutex
		result = &ExecResult{Steps: len(file.Steps), Events: []harness.TraceEvent{}}
	)
	record := func(ev harness.TraceEvent) {
		mu.Lock()
		defer mu.Unlock()
		result.Events = append(result.Events, ev)
		if formatter.Format == "text" {
			harness.WriteEvent(formatter.Writer, ev)
		}
	}

	s := e.session
	if err := s.Observe(opts.Watch, func(name string, res engine.Result) {
		record(harness.ChangeEvent(name, res))
	}); err != nil {
		return WrapExitError(ExitCommandError, "invalid --watch", err)
	}
	s.Queried = func(name string, res engine.QueryResult) {
		record(harness.QueryEvent(name, e.clock.Current(), res))
	}
	s.Failed = func(err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Errors = append(result.Errors, err.Error())
	}

	err = e.run(cmd.Context(), func() error {
		for i, st := range file.Steps {
			if err := s.Execute(st); err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("step %d", i), err)
			}
		}
		if !opts.NoSave {
			return s.Execute(harness.Step{Save: true})
		}
		return nil
	})
	if err != nil {
		return err
	}
	result.Batches = e.batches()
	formatter.VerboseLog("Applied %d step(s) in %d batch(es)", result.Steps, result.Batches)

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		outputExecSummary(formatter, result)
	}
	if len(result.Errors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d step(s) failed", len(result.Errors)))
	}
	return nil
}

func outputExecSummary(formatter *OutputFormatter, result *ExecResult) {
	if len(result.Errors) == 0 {
		fmt.Fprintf(formatter.Writer, "✓ Applied %d step(s) in %d batch(es)\n", result.Steps, result.Batches)
		return
	}
	fmt.Fprintf(formatter.Writer, "✗ %d failure(s) applying %d step(s)\n", len(result.Errors), result.Steps)
	for _, msg := range result.Errors {
		fmt.Fprintf(formatter.Writer, "  %s\n", msg)
	}
}
