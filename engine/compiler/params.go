package compiler

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"dario.cat/mergo"

	"github.com/osiris-pipelines/osiris/engine/core"
	"github.com/osiris-pipelines/osiris/engine/oml"
)

// Parameter provenance, highest precedence first: CLI > OSIRIS_PARAM_* env >
// profile > OML default.
const (
	SourceCLI     = "cli"
	SourceEnv     = "env"
	SourceProfile = "profile"
	SourceDefault = "default"
)

// ParamValue is a resolved parameter with its provenance, recorded in
// effective_config.json.
type ParamValue struct {
	Value  any    `json:"value"`
	Source string `json:"source"`
}

// EnvParamPrefix is the prefix for parameter-override environment variables.
const EnvParamPrefix = "OSIRIS_PARAM_"

func resolveParams(doc *oml.Document, profile string, cliParams map[string]string) (map[string]ParamValue, error) {
	values := make(map[string]any, len(doc.Params))
	sources := make(map[string]string, len(doc.Params))
	for name, p := range doc.Params {
		values[name] = p.Default
		sources[name] = SourceDefault
	}
	if profile != "" {
		prof, ok := doc.Profiles[profile]
		if !ok {
			available := make([]string, 0, len(doc.Profiles))
			for name := range doc.Profiles {
				available = append(available, name)
			}
			return nil, core.NewError(nil, core.CodeUnknownProfile, map[string]any{
				"profile":  profile,
				"profiles": available,
			})
		}
		overlay := make(map[string]any, len(prof.Params))
		for name, v := range prof.Params {
			if _, declared := values[name]; !declared {
				return nil, core.NewError(nil, core.CodeInvalidParamFormat, map[string]any{
					"profile": profile,
					"param":   name,
					"reason":  "profile overrides an undeclared parameter",
				})
			}
			overlay[name] = v
			sources[name] = SourceProfile
		}
		if err := mergo.Merge(&values, overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge profile params: %w", err)
		}
	}
	for name := range doc.Params {
		if v, ok := os.LookupEnv(EnvParamPrefix + strings.ToUpper(name)); ok {
			values[name] = v
			sources[name] = SourceEnv
		}
	}
	for name, v := range cliParams {
		if _, declared := values[name]; !declared {
			return nil, core.NewError(nil, core.CodeInvalidParamFormat, map[string]any{
				"param":  name,
				"reason": "unknown parameter",
			})
		}
		values[name] = v
		sources[name] = SourceCLI
	}
	resolved := make(map[string]ParamValue, len(values))
	for name, v := range values {
		resolved[name] = ParamValue{Value: v, Source: sources[name]}
	}
	return resolved, nil
}

var paramRefRe = regexp.MustCompile(`\$\{params\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteParams replaces ${params.name} references through strings, lists
// and maps. A string that is exactly one reference takes the parameter's
// typed value; embedded references interpolate as text.
func substituteParams(v any, params map[string]ParamValue) (any, error) {
	switch t := v.(type) {
	case string:
		if m := paramRefRe.FindStringSubmatch(t); m != nil && m[0] == t {
			p, ok := params[m[1]]
			if !ok {
				return nil, unknownParamErr(m[1])
			}
			return p.Value, nil
		}
		var substErr error
		out := paramRefRe.ReplaceAllStringFunc(t, func(ref string) string {
			name := paramRefRe.FindStringSubmatch(ref)[1]
			p, ok := params[name]
			if !ok {
				if substErr == nil {
					substErr = unknownParamErr(name)
				}
				return ""
			}
			return fmt.Sprintf("%v", p.Value)
		})
		if substErr != nil {
			return nil, substErr
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			sub, err := substituteParams(e, params)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			sub, err := substituteParams(e, params)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

func unknownParamErr(name string) error {
	return core.NewError(nil, core.CodeInvalidParamFormat, map[string]any{
		"param":  name,
		"reason": "reference to undeclared parameter",
	})
}

// paramsProjection builds the canonical structure behind params_fp.
func paramsProjection(params map[string]ParamValue) map[string]any {
	out := make(map[string]any, len(params))
	for name, p := range params {
		out[name] = map[string]any{"value": p.Value, "source": p.Source}
	}
	return out
}
