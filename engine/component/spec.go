package component

import "strings"

// Modes a component may declare.
const (
	ModeExtract   = "extract"
	ModeTransform = "transform"
	ModeWrite     = "write"
	ModeDiscover  = "discover"
	ModeAnalyze   = "analyze"
)

// RuntimeSpec is the x-runtime block: a driver reference the host resolves
// to a concrete factory.
type RuntimeSpec struct {
	Driver string `yaml:"driver" json:"driver"`
}

// Spec describes one component: its modes, the JSON Schema its step configs
// must satisfy, and which config paths hold secrets. LLM hints are carried
// for external tooling and ignored by the core.
type Spec struct {
	Name         string          `yaml:"name"                 json:"name"`
	Version      string          `yaml:"version"              json:"version"`
	Modes        []string        `yaml:"modes"                json:"modes"`
	Capabilities map[string]bool `yaml:"capabilities"         json:"capabilities,omitempty"`
	ConfigSchema map[string]any  `yaml:"configSchema"         json:"configSchema"`
	Secrets      []string        `yaml:"secrets"              json:"secrets,omitempty"`
	XRuntime     *RuntimeSpec    `yaml:"x-runtime"            json:"x-runtime,omitempty"`
	LLMHints     map[string]any  `yaml:"llmHints"             json:"llmHints,omitempty"`
}

// Family returns the dotted-prefix namespace, e.g. "mysql" for
// "mysql.extractor".
func (s *Spec) Family() string {
	if i := strings.Index(s.Name, "."); i > 0 {
		return s.Name[:i]
	}
	return s.Name
}

// HasMode reports whether the component declares mode.
func (s *Spec) HasMode(mode string) bool {
	for _, m := range s.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// DriverRef returns the x-runtime driver reference, or "".
func (s *Spec) DriverRef() string {
	if s.XRuntime == nil {
		return ""
	}
	return s.XRuntime.Driver
}

// FamilyOf returns the dotted-prefix namespace of any component name.
func FamilyOf(name string) string {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i]
	}
	return name
}
