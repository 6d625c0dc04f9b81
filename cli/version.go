package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/osiris-pipelines/osiris/pkg/version"
)

// VersionCmd builds `osiris version`.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the osiris version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if st := stateFrom(cmd); st != nil && st.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"version": version.Version,
					"commit":  version.CommitSHA,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "osiris %s (%s)\n", version.Version, version.CommitSHA)
			return nil
		},
	}
}
