package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/osiris-pipelines/osiris/engine/session"
)

// LogsCmd builds `osiris logs` with its session maintenance subcommands.
func LogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect and maintain recorded sessions",
	}
	cmd.AddCommand(
		logsListCmd(),
		logsShowCmd(),
		logsLastCmd(),
		logsBundleCmd(),
		logsGCCmd(),
	)
	return cmd
}

func reader(cmd *cobra.Command) *session.Reader {
	return session.NewReader(stateFrom(cmd).cfg.SessionsDir)
}

func logsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions newest-first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			sessions, err := reader(cmd).ListSessions(limit)
			if err != nil {
				return err
			}
			if stateFrom(cmd).jsonOut {
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			out := cmd.OutOrStdout()
			for _, s := range sessions {
				fmt.Fprintf(out, "%-40s  %-8s  %-8s  steps=%d/%d  rows=%d\n",
					s.ID, s.Kind, s.Status, s.StepsOK, s.StepsTotal, s.RowsOut)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum sessions to list, 0 for all")
	return cmd
}

func logsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one session's summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("session")
			s := reader(cmd).ReadSession(id)
			if s == nil {
				return fmt.Errorf("session %s not found", id)
			}
			return printSummary(cmd, s)
		},
	}
	cmd.Flags().String("session", "", "session id")
	cmd.MarkFlagRequired("session")
	return cmd
}

func logsLastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Show the most recent session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := reader(cmd).LastSession()
			if err != nil {
				return err
			}
			if s == nil {
				return fmt.Errorf("no sessions recorded")
			}
			return printSummary(cmd, s)
		},
	}
}

func printSummary(cmd *cobra.Command, s *session.Summary) error {
	if stateFrom(cmd).jsonOut {
		return printJSON(cmd.OutOrStdout(), s)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session   %s\n", s.ID)
	fmt.Fprintf(out, "kind      %s\n", s.Kind)
	fmt.Fprintf(out, "status    %s\n", s.Status)
	fmt.Fprintf(out, "started   %s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "steps     %d ok, %d failed of %d\n", s.StepsOK, s.StepsFailed, s.StepsTotal)
	fmt.Fprintf(out, "rows      in=%d out=%d\n", s.RowsIn, s.RowsOut)
	fmt.Fprintf(out, "issues    %d warnings, %d errors\n", s.Warnings, s.Errors)
	if len(s.Tables) > 0 {
		fmt.Fprintf(out, "tables    %v\n", s.Tables)
	}
	fmt.Fprintf(out, "path      %s\n", s.Path)
	return nil
}

func logsBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Copy a session with credentials scrubbed, for sharing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("session")
			dest, _ := cmd.Flags().GetString("out")
			if dest == "" {
				dest = id + "_bundle"
			}
			if err := reader(cmd).Bundle(id, dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundled %s -> %s\n", id, dest)
			return nil
		},
	}
	cmd.Flags().String("session", "", "session id")
	cmd.Flags().String("out", "", "bundle destination (default <session>_bundle)")
	cmd.MarkFlagRequired("session")
	return cmd
}

func logsGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Prune old sessions by age and total size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			days, _ := cmd.Flags().GetInt("days")
			maxGB, _ := cmd.Flags().GetFloat64("max-gb")
			removed, err := reader(cmd).GC(time.Duration(days)*24*time.Hour, maxGB)
			if err != nil {
				return err
			}
			if stateFrom(cmd).jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]any{"removed": removed})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d sessions\n", len(removed))
			return nil
		},
	}
	cmd.Flags().Int("days", 30, "delete sessions older than this many days")
	cmd.Flags().Float64("max-gb", 0, "delete oldest sessions over this total size, 0 to skip")
	return cmd
}
