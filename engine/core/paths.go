package core

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"
)

// DefaultTimestampFormat is the strftime-style layout applied to {ts}
// placeholders when the caller does not supply one.
const DefaultTimestampFormat = "%Y%m%d-%H%M%S"

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// strftime layouts used by path templates. Only the directives the template
// surface needs are supported.
var strftimeMap = []struct {
	directive string
	layout    string
}{
	{"%Y", "2006"},
	{"%m", "01"},
	{"%d", "02"},
	{"%H", "15"},
	{"%M", "04"},
	{"%S", "05"},
}

func formatTimestamp(ts time.Time, format string) string {
	layout := format
	for _, m := range strftimeMap {
		layout = strings.ReplaceAll(layout, m.directive, m.layout)
	}
	return ts.Format(layout)
}

// RenderPath substitutes {name} placeholders from ctx into template and
// returns a normalized relative path. Values of type time.Time bound to a
// placeholder are formatted with tsFormat. Missing keys render empty and the
// resulting double slashes collapse.
//
// Any ".." segment in the template or in a substituted value fails with
// UnsafePath; a leading "/" is stripped so results never leave the base
// directory. Non-templated paths that already exist on disk under baseDir get
// a unique suffix derived from ctx["session_id"] so reruns do not overwrite
// prior output. Templated paths are assumed unique by construction and never
// auto-suffix.
func RenderPath(template string, ctx map[string]any, tsFormat string, baseDir string) (string, error) {
	if tsFormat == "" {
		tsFormat = DefaultTimestampFormat
	}
	if containsDotDot(template) {
		return "", NewError(nil, CodeUnsafePath, map[string]any{
			"template": template,
			"reason":   "parent directory reference",
		})
	}
	templated := placeholderRe.MatchString(template)
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := ctx[name]
		if !ok || v == nil {
			return ""
		}
		if ts, ok := v.(time.Time); ok {
			return formatTimestamp(ts, tsFormat)
		}
		return fmt.Sprintf("%v", v)
	})
	if containsDotDot(rendered) {
		return "", NewError(nil, CodeUnsafePath, map[string]any{
			"template": template,
			"rendered": rendered,
			"reason":   "parent directory reference",
		})
	}
	rendered = strings.TrimPrefix(rendered, "/")
	if rendered == "" || strings.HasSuffix(rendered, "/") {
		return "", NewError(nil, CodeUnsafePath, map[string]any{
			"template": template,
			"reason":   "empty basename after substitution",
		})
	}
	rendered = path.Clean(rendered)
	if !templated {
		rendered = suffixIfExists(rendered, ctx, baseDir)
	}
	return rendered, nil
}

func containsDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func suffixIfExists(rel string, ctx map[string]any, baseDir string) string {
	full := rel
	if baseDir != "" {
		full = path.Join(baseDir, rel)
	}
	if _, err := os.Stat(full); err != nil {
		return rel
	}
	suffix := "1"
	if sid, ok := ctx["session_id"].(string); ok && sid != "" {
		suffix = sid
		if len(suffix) > 12 {
			suffix = suffix[len(suffix)-12:]
		}
	}
	ext := path.Ext(rel)
	return strings.TrimSuffix(rel, ext) + "_" + suffix + ext
}
