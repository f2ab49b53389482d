package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/relflow/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Schema  string // CUE file or directory
	DB      string // storage location; empty means in memory
	Backend string // store backend used when DB is set
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the relflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "relflow",
		Short: "relflow - observable relational views",
		Long: `relflow keeps relational views up to date as their tables change and
reports each change as rows added and removed.

Tables and views are declared in CUE; data lives in memory, SQLite, a bolt
file or a directory of YAML files.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if !slices.Contains(store.Backends(), opts.Backend) {
				return fmt.Errorf("invalid backend %q: must be one of %v", opts.Backend, store.Backends())
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Schema, "schema", "schema", "CUE schema file or directory")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "storage location (in memory if empty)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", store.BackendSQLite, "storage backend for --db (sqlite|bolt|file|memory)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewDescribeCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}
