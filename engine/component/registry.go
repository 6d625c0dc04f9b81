package component

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/osiris-pipelines/osiris/engine/core"
	"github.com/osiris-pipelines/osiris/pkg/logger"
)

//go:embed metaschema.json
var metaSchemaJSON []byte

var (
	metaSchemaOnce sync.Once
	metaSchema     *jsonschema.Schema
	metaSchemaErr  error
)

func compiledMetaSchema() (*jsonschema.Schema, error) {
	metaSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		metaSchema, metaSchemaErr = compiler.Compile(metaSchemaJSON)
	})
	return metaSchema, metaSchemaErr
}

// Registry holds the loaded component specs, keyed by component name.
type Registry struct {
	specs map[string]*Spec
}

// LoadSpecs scans each immediate subdirectory of root for spec.yaml or
// spec.json (yaml wins) and validates every candidate against the bundled
// meta-schema. Invalid specs are logged and skipped so one broken component
// cannot abort startup.
func LoadSpecs(ctx context.Context, root string) (*Registry, error) {
	log := logger.FromContext(ctx)
	matches, err := doublestar.FilepathGlob(filepath.Join(root, "*", "spec.{yaml,json}"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan components root %s: %w", root, err)
	}
	// Pick one spec file per component directory, preferring spec.yaml.
	byDir := make(map[string]string)
	for _, m := range matches {
		dir := filepath.Dir(m)
		if prev, ok := byDir[dir]; ok && strings.HasSuffix(prev, ".yaml") {
			continue
		}
		byDir[dir] = m
	}
	reg := &Registry{specs: make(map[string]*Spec, len(byDir))}
	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		path := byDir[dir]
		spec, err := loadSpecFile(path)
		if err != nil {
			log.Warn("skipping invalid component spec", "path", path, "error", err)
			continue
		}
		if prev, exists := reg.specs[spec.Name]; exists {
			log.Warn("skipping duplicate component spec", "name", spec.Name, "path", path, "kept_version", prev.Version)
			continue
		}
		reg.specs[spec.Name] = spec
	}
	return reg, nil
}

func loadSpecFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse spec: %w", err)
	}
	schema, err := compiledMetaSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile meta-schema: %w", err)
	}
	if result := schema.Validate(raw); !result.Valid {
		return nil, fmt.Errorf("spec does not satisfy meta-schema: %v", result.Errors)
	}
	spec := &Spec{}
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, spec)
	} else {
		err = yaml.Unmarshal(data, spec)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w", err)
	}
	if _, err := spec.CompiledConfigSchema(); err != nil {
		return nil, err
	}
	return spec, nil
}

// CompiledConfigSchema compiles the component's configSchema.
func (s *Spec) CompiledConfigSchema() (*jsonschema.Schema, error) {
	data, err := json.Marshal(s.ConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configSchema for %s: %w", s.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("configSchema for %s is not a valid schema: %w", s.Name, err)
	}
	return schema, nil
}

// ValidateConfig validates a step config against the component's
// configSchema, returning a SchemaValidation error with the failure list.
func (s *Spec) ValidateConfig(cfg map[string]any) error {
	schema, err := s.CompiledConfigSchema()
	if err != nil {
		return err
	}
	result := schema.Validate(cfg)
	if result.Valid {
		return nil
	}
	failures := make([]string, 0, len(result.Errors))
	for _, evalErr := range result.Errors {
		failures = append(failures, evalErr.Error())
	}
	sort.Strings(failures)
	return core.NewError(nil, core.CodeSchemaValidation, map[string]any{
		"component": s.Name,
		"failures":  failures,
	})
}

// Get returns the spec for a component name.
func (r *Registry) Get(name string) (*Spec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns all component names sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of loaded specs.
func (r *Registry) Len() int { return len(r.specs) }

// Fingerprint computes a SHA-256 over a canonical projection of the loaded
// specs: per component its version, sorted modes, and the sorted required and
// property names of its configSchema. Downstream caches key on this.
func (r *Registry) Fingerprint() string {
	projection := make(map[string]any, len(r.specs))
	for name, spec := range r.specs {
		modes := append([]string(nil), spec.Modes...)
		sort.Strings(modes)
		var required []string
		if raw, ok := spec.ConfigSchema["required"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
		}
		sort.Strings(required)
		var properties []string
		if raw, ok := spec.ConfigSchema["properties"].(map[string]any); ok {
			for k := range raw {
				properties = append(properties, k)
			}
		}
		sort.Strings(properties)
		projection[name] = map[string]any{
			"version":    spec.Version,
			"modes":      modes,
			"required":   required,
			"properties": properties,
		}
	}
	return core.Fingerprint(projection)
}
