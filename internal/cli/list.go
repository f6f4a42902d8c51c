package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/insight-technology/restful-functions/internal/job"
)

func listCmd(reg *job.Registry) *cobra.Command {
	var asJSON bool

	command := &cobra.Command{
		Use:   "list",
		Short: "Print the registered functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs := reg.List()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(defs)
			}
			_, err := cmd.OutOrStdout().Write([]byte(job.FormatText(defs)))
			return err
		},
	}

	command.Flags().BoolVar(&asJSON, "json", false, "Print definitions as JSON")

	return command
}
