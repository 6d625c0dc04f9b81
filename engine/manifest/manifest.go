package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/osiris-pipelines/osiris/engine/core"
)

// FormatVersion identifies the manifest layout produced by this compiler.
const FormatVersion = "1"

// Fingerprints address a compilation by its inputs.
type Fingerprints struct {
	OMLFP    string `yaml:"oml_fp"    json:"oml_fp"`
	ParamsFP string `yaml:"params_fp" json:"params_fp"`
}

// Pipeline identifies the compiled pipeline.
type Pipeline struct {
	ID           string       `yaml:"id"           json:"id"`
	Version      string       `yaml:"version"      json:"version"`
	Fingerprints Fingerprints `yaml:"fingerprints" json:"fingerprints"`
}

// StepRef points one manifest step at its driver and config file. CfgPath is
// relative to the manifest file.
type StepRef struct {
	ID      string   `yaml:"id"       json:"id"`
	Driver  string   `yaml:"driver"   json:"driver"`
	CfgPath string   `yaml:"cfg_path" json:"cfg_path"`
	Needs   []string `yaml:"needs"    json:"needs"`
}

// Meta carries compilation provenance. GeneratedAt is the only field allowed
// to differ between byte-identical compilations.
type Meta struct {
	OMLVersion  string `yaml:"oml_version"  json:"oml_version"`
	Profile     string `yaml:"profile"      json:"profile"`
	GeneratedAt string `yaml:"generated_at" json:"generated_at"`
}

// Manifest is the deterministic, secret-free execution plan. Steps are
// topologically sorted.
type Manifest struct {
	Pipeline Pipeline  `yaml:"pipeline" json:"pipeline"`
	Steps    []StepRef `yaml:"steps"    json:"steps"`
	Meta     Meta      `yaml:"meta"     json:"meta"`
}

// Load reads and topology-checks a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := m.VerifyTopology(); err != nil {
		return nil, err
	}
	return m, nil
}

// Write serializes the manifest to path, creating parent directories.
func (m *Manifest) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest dir: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// VerifyTopology re-checks that every step's needs appear earlier in the
// list. The compiler guarantees this; the runner still refuses to execute a
// hand-edited manifest that violates it.
func (m *Manifest) VerifyTopology() error {
	seen := make(map[string]bool, len(m.Steps))
	for _, step := range m.Steps {
		for _, need := range step.Needs {
			if !seen[need] {
				return core.NewError(nil, core.CodeGraphCycle, map[string]any{
					"step_id": step.ID,
					"needs":   need,
					"reason":  "steps are not topologically sorted",
				})
			}
		}
		seen[step.ID] = true
	}
	return nil
}

// Step returns the step with the given id, or nil.
func (m *Manifest) Step(id string) *StepRef {
	for i := range m.Steps {
		if m.Steps[i].ID == id {
			return &m.Steps[i]
		}
	}
	return nil
}
