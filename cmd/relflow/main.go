// Command relflow validates relation schemas, queries and changes their
// data, and runs YAML scenarios against the engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/relflow/internal/cli"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return cli.ExitSuccess
	}
	// Subcommands print their own results; the error carries the summary.
	fmt.Fprintln(os.Stderr, "relflow:", err)
	return cli.GetExitCode(err)
}
