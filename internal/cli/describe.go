package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/relflow/internal/schema"
)

// DescribeOptions holds flags for the describe command.
type DescribeOptions struct {
	*RootOptions
	Output string // output file path
}

// Description lists every table and view of a schema with its scheme.
type Description struct {
	Tables []TableInfo `json:"tables"`
	Views  []ViewInfo  `json:"views"`
}

// TableInfo describes one table.
type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
	Rows    int          `json:"seed_rows"`
}

// ColumnInfo describes one table column.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ViewInfo describes one view and the scheme it derives.
type ViewInfo struct {
	Name   string   `json:"name"`
	Op     string   `json:"op"`
	From   []string `json:"from"`
	Scheme []string `json:"scheme"`
}

// NewDescribeCommand creates the describe command.
func NewDescribeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DescribeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "describe [schema]",
		Short: "List tables and views with their schemes",
		Long: `Describe compiles a schema, builds every view in memory and lists each
table and view with the attributes it carries.

With --output the JSON description is also written to a file.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Schema
			if len(args) == 1 {
				path = args[0]
			}
			return runDescribe(opts, path, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runDescribe(opts *DescribeOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	loaded, err := schema.Load(path)
	if err != nil {
		var loadErr *schema.LoadError
		if errors.As(err, &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputValidateError(formatter, schema.ErrCodeGeneric, err.Error(), nil)
	}

	g, err := schema.Build(loaded.Schema, schema.InMemory())
	if err != nil {
		var verrs schema.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return outputValidationErrors(formatter, verrs)
		}
		return outputValidateError(formatter, schema.ErrCodeGeneric, err.Error(), nil)
	}

	desc := describe(loaded.Schema, g)

	if opts.Output != "" {
		if err := writeJSONFile(desc, opts.Output); err != nil {
			return WrapExitError(ExitCommandError, "writing output file", err)
		}
		formatter.VerboseLog("Wrote description to %s", opts.Output)
	}

	return outputDescribeSuccess(formatter, desc)
}

func describe(s *schema.Schema, g *schema.Graph) *Description {
	desc := &Description{
		Tables: make([]TableInfo, 0, len(s.Tables)),
		Views:  make([]ViewInfo, 0, len(s.Views)),
	}
	for _, t := range s.Tables {
		info := TableInfo{Name: t.Name, Rows: len(t.Rows)}
		for _, c := range t.Columns {
			info.Columns = append(info.Columns, ColumnInfo{Name: c.Name, Type: string(c.Type)})
		}
		desc.Tables = append(desc.Tables, info)
	}
	for _, v := range s.Views {
		info := ViewInfo{Name: v.Name, Op: string(v.Op), From: v.From}
		if r, ok := g.Relation(v.Name); ok {
			for _, a := range r.Scheme().Attributes() {
				info.Scheme = append(info.Scheme, string(a))
			}
		}
		desc.Views = append(desc.Views, info)
	}
	return desc
}

// writeJSONFile writes v to path as indented JSON.
func writeJSONFile(v any, path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0644)
}

// outputDescribeSuccess outputs the description.
func outputDescribeSuccess(formatter *OutputFormatter, desc *Description) error {
	if formatter.Format == "json" {
		return formatter.Success(desc)
	}

	fmt.Fprintf(formatter.Writer, "Tables (%d):\n", len(desc.Tables))
	for _, t := range desc.Tables {
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Name + " " + c.Type
		}
		fmt.Fprintf(formatter.Writer, "  %s [%s] (%d seed rows)\n", t.Name, strings.Join(cols, ", "), t.Rows)
	}
	fmt.Fprintln(formatter.Writer)

	fmt.Fprintf(formatter.Writer, "Views (%d):\n", len(desc.Views))
	for _, v := range desc.Views {
		fmt.Fprintf(formatter.Writer, "  %s = %s(%s) [%s]\n",
			v.Name, v.Op, strings.Join(v.From, ", "), strings.Join(v.Scheme, ", "))
	}
	return nil
}
