package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/insight-technology/restful-functions/internal/backend/process"
	"github.com/insight-technology/restful-functions/internal/job"
	"github.com/insight-technology/restful-functions/internal/runner"
)

func workerCmd(reg *job.Registry) *cobra.Command {
	return &cobra.Command{
		Use:    process.WorkerCommand,
		Short:  "Run one task read from stdin (started by the process supervisor)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := runner.New(reg, os.Stderr).Main(); code != runner.ExitOK {
				os.Exit(code)
			}
			return nil
		},
	}
}
