package cli

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/osiris-pipelines/osiris/engine/compiler"
	"github.com/osiris-pipelines/osiris/engine/component"
	"github.com/osiris-pipelines/osiris/engine/connection"
	"github.com/osiris-pipelines/osiris/engine/driver"
	"github.com/osiris-pipelines/osiris/engine/drivers"
	"github.com/osiris-pipelines/osiris/engine/manifest"
	"github.com/osiris-pipelines/osiris/engine/runner"
	"github.com/osiris-pipelines/osiris/engine/session"
	"github.com/osiris-pipelines/osiris/pkg/logger"
)

// RunCmd builds `osiris run`. The argument is either an OML pipeline, which
// is compiled first, or an already compiled manifest.yaml.
func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml|manifest.yaml>",
		Short: "Execute a pipeline end to end",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	addCompileFlags(cmd.Flags())
	cmd.Flags().Bool("dry-run", false, "print the execution plan without running drivers")
	cmd.Flags().BoolP("verbose", "v", false, "debug logging")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	st := stateFrom(cmd)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.Init(&logger.Config{
			Level:      logger.DebugLevel,
			Output:     cmd.ErrOrStderr(),
			JSON:       st.jsonOut,
			TimeFormat: "15:04:05",
		})
	}
	s, err := session.New(st.cfg.SessionsDir, session.KindRun)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := session.ContextWith(cmd.Context(), s)

	specs, err := component.LoadSpecs(ctx, st.cfg.ComponentsDir)
	if err != nil {
		return err
	}
	manifestPath, err := resolveManifest(ctx, cmd, specs, args[0], s)
	if err != nil {
		return err
	}
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return printPlan(cmd, manifestPath)
	}

	reg := driver.NewRegistry()
	reg.RegisterFromSpecs(ctx, specs, drivers.Builtins())
	conns := connection.NewStore(st.cfg.ConnectionsFile)
	if err := runner.New(reg, specs, conns).Run(ctx, manifestPath); err != nil {
		return err
	}
	if st.jsonOut {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"status":  "success",
			"session": s.ID(),
			"logs":    s.Dir(),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run complete, session %s (%s)\n", s.ID(), s.Dir())
	return nil
}

// resolveManifest compiles the OML when needed and snapshots the compiled
// directory into the session so the run is auditable after the cache churns.
func resolveManifest(
	ctx context.Context,
	cmd *cobra.Command,
	specs *component.Registry,
	arg string,
	s *session.Session,
) (string, error) {
	if filepath.Base(arg) == "manifest.yaml" {
		return arg, nil
	}
	opts, err := compileOptions(cmd, arg)
	if err != nil {
		return "", err
	}
	res, err := compiler.New(specs).Compile(ctx, opts)
	if err != nil {
		return "", err
	}
	if err := snapshotBuild(res.OutDir, filepath.Join(s.Dir(), "compiled")); err != nil {
		return "", err
	}
	data, err := os.ReadFile(res.ManifestPath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "manifest.yaml"), data, 0o644); err != nil {
		return "", err
	}
	return res.ManifestPath, nil
}

func snapshotBuild(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

func printPlan(cmd *cobra.Command, manifestPath string) error {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}
	st := stateFrom(cmd)
	if st.jsonOut {
		return printJSON(cmd.OutOrStdout(), m)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pipeline %s (%d steps)\n", m.Pipeline.ID, len(m.Steps))
	for _, step := range m.Steps {
		needs := ""
		if len(step.Needs) > 0 {
			needs = fmt.Sprintf("  needs=%v", step.Needs)
		}
		fmt.Fprintf(out, "  %s  driver=%s%s\n", step.ID, step.Driver, needs)
	}
	return nil
}
