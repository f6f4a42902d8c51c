// Package cli wires the command line: serve runs the HTTP server, worker is
// the hidden entry point of worker processes, list prints the registered
// functions.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/insight-technology/restful-functions/internal/job"
)

// NewCommand builds the root command for a binary serving reg.
func NewCommand(reg *job.Registry) *cobra.Command {
	command := &cobra.Command{
		Use:           "restful-functions",
		Short:         "Expose registered functions as RESTful tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	command.AddCommand(serveCmd(reg))
	command.AddCommand(workerCmd(reg))
	command.AddCommand(listCmd(reg))

	return command
}

// Run executes the command line and exits non-zero on failure.
func Run(reg *job.Registry) {
	if err := NewCommand(reg).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "restful-functions: %v\n", err)
		os.Exit(1)
	}
}
