package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osiris-pipelines/osiris/engine/component"
	"github.com/osiris-pipelines/osiris/engine/connection"
	"github.com/osiris-pipelines/osiris/engine/core"
	"github.com/osiris-pipelines/osiris/engine/driver"
	"github.com/osiris-pipelines/osiris/engine/manifest"
	"github.com/osiris-pipelines/osiris/engine/session"
)

// Runner executes a compiled manifest: per step it resolves the connection,
// strips meta keys, invokes the driver, passes in-memory results downstream,
// and records the audit trail on the ambient session.
type Runner struct {
	drivers *driver.Registry
	specs   *component.Registry
	conns   *connection.Store
}

func New(drivers *driver.Registry, specs *component.Registry, conns *connection.Store) *Runner {
	return &Runner{drivers: drivers, specs: specs, conns: conns}
}

// Run executes the manifest at manifestPath. It stops on the first failure,
// emitting step_error and run_error before returning.
func (r *Runner) Run(ctx context.Context, manifestPath string) error {
	start := time.Now()
	m, err := manifest.Load(manifestPath)
	if err != nil {
		session.Event(ctx, "run_error", map[string]any{
			"level":      "error",
			"error_type": core.CodeOf(err),
			"message":    core.RedactError(err),
		})
		return err
	}
	session.Event(ctx, "drivers_registered", map[string]any{
		"drivers": r.drivers.Names(),
	})
	session.Event(ctx, "run_start", map[string]any{
		"pipeline": m.Pipeline.ID,
		"profile":  m.Meta.Profile,
		"manifest": manifestPath,
	})

	exec := &execution{
		runner:    r,
		manifest:  m,
		baseDir:   filepath.Dir(manifestPath),
		results:   make(map[string]driver.Result, len(m.Steps)),
		consumers: consumerCounts(m),
	}
	var executed int
	var totalRows int64
	for i := range m.Steps {
		step := &m.Steps[i]
		rows, err := exec.runStep(ctx, step)
		if err != nil {
			session.Event(ctx, "run_error", map[string]any{
				"level":      "error",
				"error_type": core.CodeOf(err),
				"message":    core.RedactError(err),
				"step_id":    step.ID,
			})
			session.Event(ctx, "run_end", map[string]any{
				"status":           "failed",
				"duration_seconds": time.Since(start).Seconds(),
				"steps_executed":   executed,
			})
			return err
		}
		executed++
		if isWriterStep(step) {
			totalRows += rows
		}
	}
	// Only writer rows count, so a linear extract->write pipeline reports
	// its row volume once.
	session.Event(ctx, "cleanup_complete", map[string]any{
		"total_rows": totalRows,
	})
	session.Event(ctx, "run_end", map[string]any{
		"status":           "success",
		"duration_seconds": time.Since(start).Seconds(),
		"steps_executed":   executed,
	})
	return nil
}

type execution struct {
	runner    *Runner
	manifest  *manifest.Manifest
	baseDir   string
	results   map[string]driver.Result
	consumers map[string]int
}

func consumerCounts(m *manifest.Manifest) map[string]int {
	counts := make(map[string]int, len(m.Steps))
	for _, step := range m.Steps {
		for _, need := range step.Needs {
			counts[need]++
		}
	}
	return counts
}

// runStep executes one step and returns the rows it processed: the explicit
// rows_written metric when the driver reported one, else the row count of
// the driver's return value, else the row volume of its inputs.
func (e *execution) runStep(ctx context.Context, step *manifest.StepRef) (int64, error) {
	stepStart := time.Now()
	session.Event(ctx, "step_start", map[string]any{
		"step_id": step.ID,
		"driver":  step.Driver,
	})
	rows, err := e.invoke(ctx, step, stepStart)
	if err != nil {
		session.Event(ctx, "step_error", map[string]any{
			"level":            "error",
			"step_id":          step.ID,
			"driver":           step.Driver,
			"duration_seconds": time.Since(stepStart).Seconds(),
			"error_type":       core.CodeOf(err),
			"message":          core.RedactError(err),
		})
		return 0, err
	}
	return rows, nil
}

func (e *execution) invoke(ctx context.Context, step *manifest.StepRef, stepStart time.Time) (int64, error) {
	cfg, err := e.loadConfig(step)
	if err != nil {
		return 0, err
	}
	spec, hasSpec := e.runner.specs.Get(step.Driver)
	if err := e.resolveConnection(ctx, step, cfg); err != nil {
		return 0, err
	}
	e.stripMetaKeys(ctx, step, cfg)
	if err := e.writeCleanedConfig(ctx, step, spec, hasSpec, cfg); err != nil {
		return 0, err
	}
	inputs := e.collectInputs(ctx, step)

	d, err := e.runner.drivers.Get(step.Driver)
	if err != nil {
		return 0, err
	}
	rc := &runContext{ctx: ctx, stepID: step.ID}
	out, err := d.Run(ctx, &driver.Request{
		StepID: step.ID,
		Config: cfg,
		Inputs: inputs,
	}, rc)
	if err != nil {
		if core.CodeOf(err) == core.CodeInternal {
			err = core.NewError(err, core.CodeDriverFailure, map[string]any{
				"step_id": step.ID,
				"driver":  step.Driver,
			})
		}
		return 0, err
	}
	e.results[step.ID] = out

	fields := map[string]any{
		"step_id":          step.ID,
		"duration_seconds": time.Since(stepStart).Seconds(),
	}
	rows := rc.rowsWritten
	if n, ok := core.ResultRows(out); ok {
		fields["rows_processed"] = n
		session.Metric(ctx, "rows_processed", float64(n), "", step.ID)
		if rows == 0 {
			rows = int64(n)
		}
	}
	if rows == 0 {
		rows = inputRowTotal(inputs, step)
	}
	e.release(step)
	session.Metric(ctx, "step_duration", time.Since(stepStart).Seconds(), "s", step.ID)
	session.Event(ctx, "step_complete", fields)
	return rows, nil
}

func (e *execution) loadConfig(step *manifest.StepRef) (map[string]any, error) {
	path := filepath.Join(e.baseDir, step.CfgPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read step config %s: %w", path, err)
	}
	cfg := map[string]any{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse step config %s: %w", path, err)
	}
	return cfg, nil
}

// resolveConnection applies §connection semantics: an explicit "@family.alias"
// reference is resolved and must match the driver's family; without a
// reference, remote families fall back to their default connection. duckdb
// and other local components skip resolution entirely.
func (e *execution) resolveConnection(ctx context.Context, step *manifest.StepRef, cfg map[string]any) error {
	driverFamily := component.FamilyOf(step.Driver)
	ref, _ := cfg["connection"].(string)
	family, alias, hasRef, err := connection.ParseReference(ref)
	if err != nil {
		return err
	}
	if !hasRef {
		if !e.wantsImplicitConnection(step, driverFamily) {
			return nil
		}
		family, alias = driverFamily, ""
	} else if family != driverFamily {
		return core.NewError(nil, core.CodeConnectionFamilyMismatch, map[string]any{
			"step_id":           step.ID,
			"driver":            step.Driver,
			"driver_family":     driverFamily,
			"connection_family": family,
		})
	}
	rec, err := e.runner.conns.Resolve(ctx, family, alias)
	if err != nil {
		return err
	}
	resolved := make(map[string]any, len(rec))
	for k, v := range rec {
		resolved[k] = v
	}
	cfg["resolved_connection"] = resolved
	return nil
}

// wantsImplicitConnection reports whether a step without an explicit
// connection reference should resolve its family default. duckdb never does
// (in-process semantics); other components do when their spec declares a
// connection property.
func (e *execution) wantsImplicitConnection(step *manifest.StepRef, family string) bool {
	if family == "duckdb" {
		return false
	}
	spec, ok := e.runner.specs.Get(step.Driver)
	if !ok {
		return false
	}
	props, _ := spec.ConfigSchema["properties"].(map[string]any)
	_, declaresConnection := props["connection"]
	return declaresConnection
}

var metaKeys = []string{"component", "connection"}

func (e *execution) stripMetaKeys(ctx context.Context, step *manifest.StepRef, cfg map[string]any) {
	var stripped []string
	for _, key := range metaKeys {
		if _, ok := cfg[key]; ok {
			delete(cfg, key)
			stripped = append(stripped, key)
		}
	}
	if len(stripped) > 0 {
		session.Event(ctx, "config_meta_stripped", map[string]any{
			"step_id": step.ID,
			"keys":    stripped,
		})
	}
}

// writeCleanedConfig persists the audit copy of what the driver will see,
// with secret pointers masked both at the config root and inside the
// injected resolved_connection.
func (e *execution) writeCleanedConfig(ctx context.Context, step *manifest.StepRef, spec *component.Spec, hasSpec bool, cfg map[string]any) error {
	pointers := []string{}
	if hasSpec {
		for _, p := range spec.Secrets {
			pointers = append(pointers, p, "/resolved_connection"+p)
		}
	}
	cleaned := core.MaskSecrets(cfg, pointers)
	if rc, ok := cleaned["resolved_connection"].(map[string]any); ok {
		maskSensitiveFields(rc)
	}
	data, err := core.StableJSONIndent(cleaned)
	if err != nil {
		return fmt.Errorf("failed to encode cleaned config for %s: %w", step.ID, err)
	}
	if s := session.FromContext(ctx); s != nil {
		return s.WriteArtifact(step.ID, "cleaned_config.json", data)
	}
	return nil
}

// Connection records carry credentials under well-known field names even
// when a component forgot to declare them as secret pointers.
var sensitiveConnectionFields = []string{
	"password", "api_key", "service_role_key", "key", "token", "secret",
}

func maskSensitiveFields(rec map[string]any) {
	for _, field := range sensitiveConnectionFields {
		if _, ok := rec[field]; ok {
			rec[field] = core.MaskedValue
		}
	}
}

func (e *execution) collectInputs(ctx context.Context, step *manifest.StepRef) map[string]driver.Result {
	inputs := make(map[string]driver.Result, len(step.Needs))
	for _, need := range step.Needs {
		out, ok := e.results[need]
		if !ok {
			continue
		}
		inputs[need] = out
		for key, value := range out {
			fields := map[string]any{
				"step_id":     step.ID,
				"from_step":   need,
				"key":         key,
				"from_memory": true,
			}
			if n, countable := core.RowCount(value); countable {
				fields["rows"] = n
			}
			session.Event(ctx, "inputs_resolved", fields)
		}
	}
	return inputs
}

// release drops upstream results no longer needed by any remaining step.
func (e *execution) release(step *manifest.StepRef) {
	for _, need := range step.Needs {
		e.consumers[need]--
		if e.consumers[need] <= 0 {
			delete(e.results, need)
		}
	}
}

func inputRowTotal(inputs map[string]driver.Result, step *manifest.StepRef) int64 {
	var total int64
	for _, need := range step.Needs {
		if out, ok := inputs[need]; ok {
			if n, countable := core.ResultRows(out); countable {
				total += int64(n)
			}
		}
	}
	return total
}

// isWriterStep applies the writer heuristic: component name suffix first,
// step-id pattern as fallback.
func isWriterStep(step *manifest.StepRef) bool {
	name := step.Driver
	if strings.HasSuffix(name, ".writer") || strings.HasSuffix(name, ".load") ||
		strings.Contains(name, "_writer") {
		return true
	}
	return strings.Contains(step.ID, "write") || strings.Contains(step.ID, "load")
}

// runContext is the driver-facing callback surface, bound to one step.
type runContext struct {
	ctx         context.Context
	stepID      string
	rowsWritten int64
}

func (rc *runContext) LogEvent(name string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	if _, ok := fields["step_id"]; !ok {
		fields["step_id"] = rc.stepID
	}
	session.Event(rc.ctx, name, fields)
}

func (rc *runContext) LogMetric(name string, value float64, unit, stepID string) {
	if stepID == "" {
		stepID = rc.stepID
	}
	if name == "rows_written" && stepID == rc.stepID {
		rc.rowsWritten += int64(value)
	}
	session.Metric(rc.ctx, name, value, unit, stepID)
}

func (rc *runContext) DBConnection() (any, error) {
	if s := session.FromContext(rc.ctx); s != nil {
		if conn := s.DBConnection(); conn != nil {
			return conn, nil
		}
	}
	return nil, errors.New("no in-process database configured for this run")
}
