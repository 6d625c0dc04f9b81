package connection

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osiris-pipelines/osiris/engine/core"
	"github.com/osiris-pipelines/osiris/engine/session"
)

// DefaultStorePath is the connection store file resolved from the working
// directory.
const DefaultStorePath = "osiris_connections.yaml"

// Record is a resolved connection: its fields with ${ENV} placeholders
// substituted, the internal default flag stripped, and _family/_alias
// annotations added for diagnostics.
type Record map[string]any

func (r Record) Family() string { f, _ := r["_family"].(string); return f }
func (r Record) Alias() string  { a, _ := r["_alias"].(string); return a }

type storeDoc struct {
	Version     int                                  `yaml:"version"`
	Connections map[string]map[string]map[string]any `yaml:"connections"`
}

// Store loads osiris_connections.yaml and resolves connection references.
// The parsed file is cached and reloaded only when its mtime changes.
type Store struct {
	path string

	mu     sync.Mutex
	doc    *storeDoc
	loaded time.Time
}

func NewStore(path string) *Store {
	if path == "" {
		path = DefaultStorePath
	}
	return &Store{path: path}
}

var referenceRe = regexp.MustCompile(`^@([^.@]+)\.(.+)$`)

// ParseReference parses "@family.alias". An empty string is not a reference
// (ok=false, no error), as is any string not starting with "@". Malformed
// references ("@family", "@.alias", "@family.") fail. The split happens on
// the first dot only; the remainder is the alias.
func ParseReference(ref string) (family, alias string, ok bool, err error) {
	if ref == "" || !strings.HasPrefix(ref, "@") {
		return "", "", false, nil
	}
	m := referenceRe.FindStringSubmatch(ref)
	if m == nil {
		return "", "", false, core.NewError(nil, core.CodeInvalidConnectionRef, map[string]any{
			"reference": ref,
			"expected":  "@family.alias",
		})
	}
	return m[1], m[2], true, nil
}

// FormatReference renders the canonical "@family.alias" form.
func FormatReference(family, alias string) string {
	return fmt.Sprintf("@%s.%s", family, alias)
}

func (s *Store) load() (*storeDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, core.NewError(err, core.CodeMissingConnectionsFile, map[string]any{
			"path": s.path,
		})
	}
	if s.doc != nil && info.ModTime().Equal(s.loaded) {
		return s.doc, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, core.NewError(err, core.CodeMissingConnectionsFile, map[string]any{
			"path": s.path,
		})
	}
	doc := &storeDoc{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	s.doc = doc
	s.loaded = info.ModTime()
	return doc, nil
}

// Resolve selects and materializes one connection. Alias selection order:
// the explicit alias, then the single record flagged default, then an alias
// literally named "default". Resolution substitutes ${ENV_VAR} placeholders
// from the process environment; an unset or empty variable is an error naming
// family, alias, field, and variable. Secret values are never logged.
func (s *Store) Resolve(ctx context.Context, family, alias string) (Record, error) {
	session.Event(ctx, "connection_resolve_start", map[string]any{
		"family": family,
		"alias":  alias,
	})
	rec, err := s.resolve(family, alias)
	if err != nil {
		fields := map[string]any{"family": family, "alias": alias, "ok": false}
		if details := core.DetailsOf(err); details != nil {
			if v, ok := details["env_var"]; ok {
				fields["env_var"] = v
			}
		}
		session.Event(ctx, "connection_resolve_complete", fields)
		return nil, err
	}
	session.Event(ctx, "connection_resolve_complete", map[string]any{
		"family": family,
		"alias":  rec.Alias(),
		"ok":     true,
	})
	return rec, nil
}

func (s *Store) resolve(family, alias string) (Record, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	aliases, ok := doc.Connections[family]
	if !ok {
		return nil, core.NewError(nil, core.CodeUnknownConnectionFamily, map[string]any{
			"family":   family,
			"families": sortedKeys(doc.Connections),
		})
	}
	if alias == "" {
		alias, err = selectDefault(family, aliases)
		if err != nil {
			return nil, err
		}
	}
	raw, ok := aliases[alias]
	if !ok {
		return nil, core.NewError(nil, core.CodeUnknownConnectionAlias, map[string]any{
			"family":  family,
			"alias":   alias,
			"aliases": sortedKeys(aliases),
		})
	}
	resolved, err := substituteEnv(raw, family, alias, "")
	if err != nil {
		return nil, err
	}
	rec, _ := resolved.(map[string]any)
	delete(rec, "default")
	rec["_family"] = family
	rec["_alias"] = alias
	return Record(rec), nil
}

func selectDefault(family string, aliases map[string]map[string]any) (string, error) {
	var flagged []string
	for name, fields := range aliases {
		if isDefault, ok := fields["default"].(bool); ok && isDefault {
			flagged = append(flagged, name)
		}
	}
	if len(flagged) == 1 {
		return flagged[0], nil
	}
	if _, ok := aliases["default"]; ok && len(flagged) == 0 {
		return "default", nil
	}
	return "", core.NewError(nil, core.CodeNoDefaultConnection, map[string]any{
		"family":  family,
		"aliases": sortedKeys(aliases),
	})
}

var envPlaceholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv walks strings, lists, and maps replacing ${NAME} from the
// environment. field tracks the config path for diagnostics.
func substituteEnv(v any, family, alias, field string) (any, error) {
	switch t := v.(type) {
	case string:
		var missing error
		out := envPlaceholderRe.ReplaceAllStringFunc(t, func(m string) string {
			name := envPlaceholderRe.FindStringSubmatch(m)[1]
			val := os.Getenv(name)
			if val == "" {
				// Empty counts as unset: an empty password is a
				// misconfiguration, not a credential.
				if missing == nil {
					missing = core.NewError(nil, core.CodeMissingEnvVar, map[string]any{
						"family":  family,
						"alias":   alias,
						"field":   strings.TrimPrefix(field, "."),
						"env_var": name,
					})
				}
				return ""
			}
			return val
		})
		if missing != nil {
			return nil, missing
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		// Sorted so the first missing variable reported is stable.
		for _, k := range sortedKeys(t) {
			sub, err := substituteEnv(t[k], family, alias, field+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			sub, err := substituteEnv(e, family, alias, fmt.Sprintf("%s[%d]", field, i))
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

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
