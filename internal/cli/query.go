package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/relflow/internal/engine"
	"github.com/roach88/relflow/internal/expr"
	"github.com/roach88/relflow/internal/relation"
	"github.com/roach88/relflow/internal/schema"
	"github.com/roach88/relflow/internal/value"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Where string // YAML predicate
	Limit int
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <relation>",
		Short: "Print the content of a table or view",
		Long: `Query reads the committed content of a table or view, sorted.

--where takes a predicate in the same YAML form scenarios use, for example

  relflow query schedule --where '{match: {home: "New York"}}'
  relflow query flights --where '{op: gt, args: [{attr: number}, {const: 1}]}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Where, "where", "w", "", "predicate rows must match (YAML)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "print at most n rows (0 for all)")

	return cmd
}

func runQuery(opts *QueryOptions, name string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	e, err := openEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	r, ok := e.session.Graph().Relation(name)
	if !ok {
		_ = formatter.Error(schema.ErrUnknownRelation, fmt.Sprintf("unknown relation %q", name), e.session.Graph().Names())
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown relation %q", name))
	}
	if opts.Where != "" {
		pred, err := parsePredicate(opts.Where, r.Scheme())
		if err != nil {
			_ = formatter.Error(schema.ErrInvalidWhere, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid --where", err)
		}
		r = relation.Select(r, pred)
	}

	var post func([]value.Row) []value.Row
	if opts.Limit > 0 {
		post = func(rows []value.Row) []value.Row {
			if len(rows) > opts.Limit {
				return rows[:opts.Limit]
			}
			return rows
		}
	}

	var res engine.QueryResult
	err = e.run(cmd.Context(), func() error {
		e.session.Manager().Query(r, post, func(qr engine.QueryResult) { res = qr })
		return nil
	})
	if err != nil {
		return err
	}
	if res.Err != nil {
		_ = formatter.Error(schema.ErrCodeGeneric, res.Err.Error(), nil)
		return WrapExitError(ExitFailure, fmt.Sprintf("query %s failed", name), res.Err)
	}

	formatter.VerboseLog("%d row(s) from %s", len(res.Rows), name)
	return formatter.Rows(res.Rows)
}

// parsePredicate decodes a YAML predicate and checks it only names
// attributes of scheme.
func parsePredicate(src string, scheme value.Scheme) (expr.Expr, error) {
	var spec expr.Spec
	if err := yaml.Unmarshal([]byte(src), &spec); err != nil {
		return nil, fmt.Errorf("parsing predicate: %w", err)
	}
	pred, err := spec.Build()
	if err != nil {
		return nil, err
	}
	if attrs := expr.Attributes(pred); !attrs.IsSubset(scheme) {
		return nil, fmt.Errorf("predicate names attributes %s not in %s", attrs.Minus(scheme), scheme)
	}
	return pred, nil
}
