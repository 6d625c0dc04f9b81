// Package cli wires the osiris commands: compile, run, logs, version.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/osiris-pipelines/osiris/pkg/config"
	"github.com/osiris-pipelines/osiris/pkg/logger"
)

type state struct {
	cfg     *config.Config
	jsonOut bool
}

type stateKey struct{}

func stateFrom(cmd *cobra.Command) *state {
	st, _ := cmd.Context().Value(stateKey{}).(*state)
	return st
}

// Root builds the osiris root command.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "osiris",
		Short:         "Declarative data pipelines: compile OML, run manifests, audit sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "override the configured log level (debug|info|warn|error)")
	root.PersistentFlags().String("env-file", ".env", "env file loaded before connection resolution")
	root.PersistentFlags().Bool("json", false, "machine-readable output")
	root.PersistentPreRunE = setup
	root.AddCommand(
		CompileCmd(),
		RunCmd(),
		LogsCmd(),
		VersionCmd(),
	)
	return root
}

func setup(cmd *cobra.Command, _ []string) error {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if envFile != "" {
		if _, statErr := os.Stat(envFile); statErr == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	jsonOut, _ := cmd.Flags().GetBool("json")
	out := cmd.ErrOrStderr()
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.LogFile, err)
		}
		out = f
	}
	logger.Init(&logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		Output:     out,
		JSON:       jsonOut,
		TimeFormat: "15:04:05",
	})
	ctx := context.WithValue(cmd.Context(), stateKey{}, &state{cfg: cfg, jsonOut: jsonOut})
	ctx = logger.ContextWith(ctx, logger.GetDefault())
	cmd.SetContext(ctx)
	return nil
}
