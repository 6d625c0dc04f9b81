package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osiris-pipelines/osiris/engine/component"
	"github.com/osiris-pipelines/osiris/engine/core"
	"github.com/osiris-pipelines/osiris/engine/manifest"
	"github.com/osiris-pipelines/osiris/engine/oml"
	"github.com/osiris-pipelines/osiris/engine/session"
)

// Mode controls manifest cache behavior.
type Mode string

const (
	// ModeAuto reuses an existing manifest with matching fingerprints.
	ModeAuto Mode = "auto"
	// ModeForce always rewrites.
	ModeForce Mode = "force"
	// ModeNever requires an existing manifest with matching fingerprints.
	ModeNever Mode = "never"
)

// Options parameterize one compilation.
type Options struct {
	OMLPath   string
	OutDir    string
	Profile   string
	CLIParams map[string]string
	Mode      Mode
}

// Result reports a successful compilation.
type Result struct {
	Manifest     *manifest.Manifest
	ManifestPath string
	OutDir       string
	Reused       bool
}

// Compiler turns an OML document into a deterministic, secret-free manifest
// plus per-step config files.
type Compiler struct {
	specs *component.Registry
}

func New(specs *component.Registry) *Compiler {
	return &Compiler{specs: specs}
}

// Compile runs the full pipeline: load and validate the OML, resolve
// parameters by precedence, substitute references, reject inline secrets,
// validate step configs, order the DAG, fingerprint, and emit outputs.
// Two compilations with identical inputs produce byte-identical outputs
// except the generated_at timestamp.
func (c *Compiler) Compile(ctx context.Context, opts *Options) (*Result, error) {
	start := time.Now()
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	session.Event(ctx, "compile_start", map[string]any{
		"oml_path": opts.OMLPath,
		"profile":  opts.Profile,
		"mode":     string(opts.Mode),
	})
	res, err := c.compile(ctx, opts, start)
	if err != nil {
		session.Event(ctx, "compile_error", map[string]any{
			"level":      "error",
			"error_type": core.CodeOf(err),
			"message":    core.RedactError(err),
		})
		return nil, err
	}
	return res, nil
}

func (c *Compiler) compile(ctx context.Context, opts *Options, start time.Time) (*Result, error) {
	doc, err := oml.Load(opts.OMLPath)
	if err != nil {
		return nil, err
	}
	if err := c.checkComponents(doc); err != nil {
		return nil, err
	}
	session.Event(ctx, "oml_validated", map[string]any{
		"oml_version": doc.OMLVersion,
		"pipeline":    doc.Name,
	})

	params, err := resolveParams(doc, opts.Profile, opts.CLIParams)
	if err != nil {
		return nil, err
	}
	stepConfigs, err := c.resolveStepConfigs(doc, params)
	if err != nil {
		return nil, err
	}
	if err := c.rejectInlineSecrets(doc, stepConfigs); err != nil {
		return nil, err
	}
	if err := c.validateStepConfigs(doc, stepConfigs); err != nil {
		return nil, err
	}

	needs := effectiveNeeds(ctx, doc)
	sorted, err := topoSort(doc.Steps, needs)
	if err != nil {
		return nil, err
	}

	omlFP := core.Fingerprint(c.fingerprintProjection(doc, stepConfigs, needs))
	paramsFP := core.Fingerprint(paramsProjection(params))

	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Join("compiled", fmt.Sprintf("%s-%s", doc.Name, omlFP[:12]))
	}
	manifestPath := filepath.Join(outDir, "manifest.yaml")

	if cached := loadCached(manifestPath, omlFP, paramsFP); cached != nil && opts.Mode != ModeForce {
		session.Event(ctx, "compile_complete", map[string]any{
			"duration_seconds": time.Since(start).Seconds(),
			"oml_fp":           omlFP,
			"params_fp":        paramsFP,
			"cached":           true,
		})
		return &Result{Manifest: cached, ManifestPath: manifestPath, OutDir: outDir, Reused: true}, nil
	}
	if opts.Mode == ModeNever {
		return nil, core.NewError(nil, core.CodeCacheMissForCompileNever, map[string]any{
			"manifest":  manifestPath,
			"oml_fp":    omlFP,
			"params_fp": paramsFP,
		})
	}

	m := &manifest.Manifest{
		Pipeline: manifest.Pipeline{
			ID:      doc.Name,
			Version: manifest.FormatVersion,
			Fingerprints: manifest.Fingerprints{
				OMLFP:    omlFP,
				ParamsFP: paramsFP,
			},
		},
		Meta: manifest.Meta{
			OMLVersion:  doc.OMLVersion,
			Profile:     opts.Profile,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
	for _, id := range sorted {
		m.Steps = append(m.Steps, manifest.StepRef{
			ID:      id,
			Driver:  doc.Step(id).Component,
			CfgPath: filepath.Join("cfg", id+".json"),
			Needs:   needs[id],
		})
	}

	if err := c.emit(outDir, m, doc, stepConfigs, params, opts.Profile); err != nil {
		return nil, err
	}
	session.Event(ctx, "compile_complete", map[string]any{
		"duration_seconds": time.Since(start).Seconds(),
		"oml_fp":           omlFP,
		"params_fp":        paramsFP,
		"steps":            len(m.Steps),
	})
	return &Result{Manifest: m, ManifestPath: manifestPath, OutDir: outDir}, nil
}

func (c *Compiler) checkComponents(doc *oml.Document) error {
	for _, step := range doc.Steps {
		spec, ok := c.specs.Get(step.Component)
		if !ok {
			return core.NewError(nil, core.CodeUnknownComponent, map[string]any{
				"step_id":   step.ID,
				"component": step.Component,
				"known":     c.specs.Names(),
			})
		}
		if !spec.HasMode(step.Mode) {
			return core.NewError(nil, core.CodeInvalidMode, map[string]any{
				"step_id":   step.ID,
				"component": step.Component,
				"mode":      step.Mode,
				"declared":  spec.Modes,
			})
		}
	}
	return nil
}

func (c *Compiler) resolveStepConfigs(doc *oml.Document, params map[string]ParamValue) (map[string]map[string]any, error) {
	configs := make(map[string]map[string]any, len(doc.Steps))
	for _, step := range doc.Steps {
		cfg := step.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		substituted, err := substituteParams(cfg, params)
		if err != nil {
			return nil, err
		}
		configs[step.ID] = substituted.(map[string]any)
	}
	return configs, nil
}

// rejectInlineSecrets requires every value at a secret pointer to be absent
// or a reference expression ("@..." connection ref or "${...}" env ref).
func (c *Compiler) rejectInlineSecrets(doc *oml.Document, configs map[string]map[string]any) error {
	for _, step := range doc.Steps {
		spec, _ := c.specs.Get(step.Component)
		for _, pointer := range spec.Secrets {
			v, present := core.LookupPointer(configs[step.ID], pointer)
			if !present {
				continue
			}
			if s, ok := v.(string); ok {
				if strings.HasPrefix(s, "@") || strings.HasPrefix(s, "${") {
					continue
				}
			}
			return core.NewError(nil, core.CodeInlineSecret, map[string]any{
				"step_id": step.ID,
				"pointer": pointer,
			})
		}
	}
	return nil
}

func (c *Compiler) validateStepConfigs(doc *oml.Document, configs map[string]map[string]any) error {
	for _, step := range doc.Steps {
		spec, _ := c.specs.Get(step.Component)
		if err := spec.ValidateConfig(configs[step.ID]); err != nil {
			if details := core.DetailsOf(err); details != nil {
				details["step_id"] = step.ID
			}
			return err
		}
	}
	return nil
}

// fingerprintProjection is the canonical view behind oml_fp: the document
// after parameter substitution with secret-pointer values removed.
func (c *Compiler) fingerprintProjection(doc *oml.Document, configs map[string]map[string]any, needs map[string][]string) map[string]any {
	steps := make([]any, 0, len(doc.Steps))
	for _, step := range doc.Steps {
		cfg, _ := core.DeepCopyValue(configs[step.ID]).(map[string]any)
		spec, _ := c.specs.Get(step.Component)
		for _, pointer := range spec.Secrets {
			core.DeletePointer(cfg, pointer)
		}
		needsAny := make([]any, 0, len(needs[step.ID]))
		for _, n := range needs[step.ID] {
			needsAny = append(needsAny, n)
		}
		steps = append(steps, map[string]any{
			"id":        step.ID,
			"component": step.Component,
			"mode":      step.Mode,
			"needs":     needsAny,
			"config":    cfg,
		})
	}
	return map[string]any{
		"oml_version": doc.OMLVersion,
		"name":        doc.Name,
		"steps":       steps,
	}
}

func loadCached(manifestPath, omlFP, paramsFP string) *manifest.Manifest {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil
	}
	if m.Pipeline.Fingerprints.OMLFP != omlFP || m.Pipeline.Fingerprints.ParamsFP != paramsFP {
		return nil
	}
	return m
}

// emit writes manifest.yaml, cfg/<id>.json per step, and
// effective_config.json. Step configs carry everything the driver needs
// except secrets; secret-pointer keys are dropped and the runner injects
// resolved_connection at execution time.
func (c *Compiler) emit(
	outDir string,
	m *manifest.Manifest,
	doc *oml.Document,
	configs map[string]map[string]any,
	params map[string]ParamValue,
	profile string,
) error {
	if err := os.MkdirAll(filepath.Join(outDir, "cfg"), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	for _, stepRef := range m.Steps {
		step := doc.Step(stepRef.ID)
		cfg, _ := core.DeepCopyValue(configs[step.ID]).(map[string]any)
		spec, _ := c.specs.Get(step.Component)
		for _, pointer := range spec.Secrets {
			core.DeletePointer(cfg, pointer)
		}
		cfg["component"] = step.Component
		data, err := core.StableJSONIndent(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode config for step %s: %w", step.ID, err)
		}
		if err := os.WriteFile(filepath.Join(outDir, stepRef.CfgPath), data, 0o644); err != nil {
			return fmt.Errorf("failed to write config for step %s: %w", step.ID, err)
		}
	}
	effective := map[string]any{
		"params":  paramsProjection(params),
		"profile": profile,
		"fingerprints": map[string]any{
			"oml_fp":    m.Pipeline.Fingerprints.OMLFP,
			"params_fp": m.Pipeline.Fingerprints.ParamsFP,
		},
	}
	data, err := core.StableJSONIndent(effective)
	if err != nil {
		return fmt.Errorf("failed to encode effective config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "effective_config.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write effective config: %w", err)
	}
	return m.Write(filepath.Join(outDir, "manifest.yaml"))
}
