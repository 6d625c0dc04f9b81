package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/osiris-pipelines/osiris/engine/compiler"
	"github.com/osiris-pipelines/osiris/engine/component"
	"github.com/osiris-pipelines/osiris/engine/core"
	"github.com/osiris-pipelines/osiris/engine/session"
)

// CompileCmd builds `osiris compile`.
func CompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <pipeline.yaml>",
		Short: "Compile an OML pipeline into a deterministic manifest",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompile,
	}
	addCompileFlags(cmd.Flags())
	return cmd
}

// addCompileFlags registers the flags shared by compile and run.
func addCompileFlags(flags *pflag.FlagSet) {
	flags.String("out", "", "output directory (default compiled/<name>-<fp>)")
	flags.String("profile", "", "profile to apply")
	flags.StringArray("param", nil, "parameter override, key=value (repeatable)")
	flags.String("compile", "auto", "manifest cache mode: auto|force|never")
}

func runCompile(cmd *cobra.Command, args []string) error {
	st := stateFrom(cmd)
	s, err := session.New(st.cfg.SessionsDir, session.KindCompile)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := session.ContextWith(cmd.Context(), s)

	opts, err := compileOptions(cmd, args[0])
	if err != nil {
		return err
	}
	specs, err := component.LoadSpecs(ctx, st.cfg.ComponentsDir)
	if err != nil {
		return err
	}
	res, err := compiler.New(specs).Compile(ctx, opts)
	if err != nil {
		return err
	}
	if st.jsonOut {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"manifest":  res.ManifestPath,
			"out_dir":   res.OutDir,
			"reused":    res.Reused,
			"steps":     len(res.Manifest.Steps),
			"oml_fp":    res.Manifest.Pipeline.Fingerprints.OMLFP,
			"params_fp": res.Manifest.Pipeline.Fingerprints.ParamsFP,
			"session":   s.ID(),
		})
	}
	verb := "compiled"
	if res.Reused {
		verb = "reused"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d steps) -> %s\n",
		verb, res.Manifest.Pipeline.ID, len(res.Manifest.Steps), res.ManifestPath)
	return nil
}

func compileOptions(cmd *cobra.Command, omlPath string) (*compiler.Options, error) {
	outDir, _ := cmd.Flags().GetString("out")
	profile, _ := cmd.Flags().GetString("profile")
	rawParams, _ := cmd.Flags().GetStringArray("param")
	params, err := parseParams(rawParams)
	if err != nil {
		return nil, err
	}
	mode, err := parseMode(cmd)
	if err != nil {
		return nil, err
	}
	return &compiler.Options{
		OMLPath:   omlPath,
		OutDir:    outDir,
		Profile:   profile,
		CLIParams: params,
		Mode:      mode,
	}, nil
}

func parseMode(cmd *cobra.Command) (compiler.Mode, error) {
	raw, _ := cmd.Flags().GetString("compile")
	switch mode := compiler.Mode(raw); mode {
	case compiler.ModeAuto, compiler.ModeForce, compiler.ModeNever:
		return mode, nil
	default:
		return "", core.NewError(nil, core.CodeInvalidParamFormat, map[string]any{
			"flag":     "compile",
			"value":    raw,
			"expected": "auto|force|never",
		})
	}
}
