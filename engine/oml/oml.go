package oml

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/osiris-pipelines/osiris/engine/core"
)

// SupportedVersionPrefix gates which oml_version values this runtime
// accepts.
const SupportedVersionPrefix = "0.1"

// Param declares a pipeline parameter with its default value.
type Param struct {
	Default any `yaml:"default"`
}

// Profile overrides parameter values for a named environment.
type Profile struct {
	Params map[string]any `yaml:"params"`
}

// Needs captures a step's upstream dependencies. Declared distinguishes an
// explicit empty list (no dependency) from an omitted field (implicit
// dependency on the previous step).
type Needs struct {
	Declared bool
	IDs      []string
}

// UnmarshalYAML accepts both the list form (`needs: [a, b]`) and the dict
// form (`needs: {a: {}, b: {}}`), preserving document order for the latter.
// An explicit null is treated as omitted.
func (n *Needs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		n.Declared = true
		return node.Decode(&n.IDs)
	case yaml.MappingNode:
		n.Declared = true
		for i := 0; i < len(node.Content); i += 2 {
			n.IDs = append(n.IDs, node.Content[i].Value)
		}
		return nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil
		}
		return fmt.Errorf("needs must be a list or mapping, got scalar %q", node.Value)
	default:
		return fmt.Errorf("needs must be a list or mapping")
	}
}

// Step is one node of the pipeline graph.
type Step struct {
	ID        string         `yaml:"id"`
	Component string         `yaml:"component"`
	Mode      string         `yaml:"mode"`
	Needs     Needs          `yaml:"needs"`
	Config    map[string]any `yaml:"config"`
}

// Document is a parsed OML pipeline definition.
type Document struct {
	OMLVersion string             `yaml:"oml_version"`
	Name       string             `yaml:"name"`
	Params     map[string]Param   `yaml:"params"`
	Profiles   map[string]Profile `yaml:"profiles"`
	Steps      []*Step            `yaml:"steps"`
}

var stepIDRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Load parses and structurally validates an OML file. Component existence
// and mode checks happen later in the compiler, where the component registry
// is available.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewError(err, core.CodeInvalidOML, map[string]any{
			"path": path,
		})
	}
	return Parse(data, path)
}

// Parse decodes and validates OML from raw YAML bytes.
func Parse(data []byte, path string) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, core.NewError(err, core.CodeInvalidOML, map[string]any{
			"path":   path,
			"reason": "invalid YAML",
		})
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Document) validate() error {
	if !strings.HasPrefix(d.OMLVersion, SupportedVersionPrefix) {
		return core.NewError(nil, core.CodeInvalidOML, map[string]any{
			"reason":      "unsupported oml_version",
			"oml_version": d.OMLVersion,
			"supported":   SupportedVersionPrefix + ".x",
		})
	}
	if d.Name == "" {
		return core.NewError(nil, core.CodeInvalidOML, map[string]any{
			"reason": "pipeline name is required",
		})
	}
	if len(d.Steps) == 0 {
		return core.NewError(nil, core.CodeInvalidOML, map[string]any{
			"reason":   "pipeline has no steps",
			"pipeline": d.Name,
		})
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" || !stepIDRe.MatchString(step.ID) {
			return core.NewError(nil, core.CodeInvalidOML, map[string]any{
				"reason":  "invalid step id",
				"step_id": step.ID,
			})
		}
		if seen[step.ID] {
			return core.NewError(nil, core.CodeDuplicateStepID, map[string]any{
				"step_id": step.ID,
			})
		}
		seen[step.ID] = true
		if step.Component == "" {
			return core.NewError(nil, core.CodeInvalidOML, map[string]any{
				"reason":  "step has no component",
				"step_id": step.ID,
			})
		}
		if step.Mode == "" {
			return core.NewError(nil, core.CodeInvalidOML, map[string]any{
				"reason":  "step has no mode",
				"step_id": step.ID,
			})
		}
	}
	for _, step := range d.Steps {
		for _, need := range step.Needs.IDs {
			if !seen[need] {
				return core.NewError(nil, core.CodeInvalidOML, map[string]any{
					"reason":  "needs references unknown step",
					"step_id": step.ID,
					"needs":   need,
				})
			}
		}
	}
	return nil
}

// Step returns the step with the given id, or nil.
func (d *Document) Step(id string) *Step {
	for _, s := range d.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}
