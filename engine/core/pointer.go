package core

import (
	"strconv"
	"strings"
)

// MaskedValue replaces config values at secret pointers wherever they are
// persisted or presented.
const MaskedValue = "***MASKED***"

// decodePointer splits an RFC 6901 JSON Pointer into its reference tokens.
// The empty pointer addresses the whole document.
func decodePointer(pointer string) ([]string, bool) {
	if pointer == "" {
		return nil, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}
	parts := strings.Split(pointer[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		parts[i] = p
	}
	return parts, true
}

// LookupPointer evaluates a JSON Pointer against a decoded JSON document
// (maps, slices, scalars). The second result reports whether the pointer
// addressed an existing node.
func LookupPointer(doc any, pointer string) (any, bool) {
	tokens, ok := decodePointer(pointer)
	if !ok {
		return nil, false
	}
	node := doc
	for _, tok := range tokens {
		switch t := node.(type) {
		case map[string]any:
			child, ok := t[tok]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			node = t[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// SetPointer writes value at pointer inside doc, returning whether the
// pointer's parent existed. It never creates intermediate containers.
func SetPointer(doc any, pointer string, value any) bool {
	tokens, ok := decodePointer(pointer)
	if !ok || len(tokens) == 0 {
		return false
	}
	parent := doc
	if len(tokens) > 1 {
		parent, ok = LookupPointer(doc, "/"+strings.Join(tokens[:len(tokens)-1], "/"))
		if !ok {
			return false
		}
	}
	last := tokens[len(tokens)-1]
	switch t := parent.(type) {
	case map[string]any:
		if _, exists := t[last]; !exists {
			return false
		}
		t[last] = value
		return true
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(t) {
			return false
		}
		t[idx] = value
		return true
	}
	return false
}

// DeletePointer removes the map entry addressed by pointer, reporting
// whether anything was removed. Array elements are not deletable.
func DeletePointer(doc any, pointer string) bool {
	tokens, ok := decodePointer(pointer)
	if !ok || len(tokens) == 0 {
		return false
	}
	parent := doc
	if len(tokens) > 1 {
		parent, ok = LookupPointer(doc, "/"+strings.Join(tokens[:len(tokens)-1], "/"))
		if !ok {
			return false
		}
	}
	m, ok := parent.(map[string]any)
	if !ok {
		return false
	}
	last := tokens[len(tokens)-1]
	if _, exists := m[last]; !exists {
		return false
	}
	delete(m, last)
	return true
}

// MaskSecrets returns a deep copy of cfg with every value addressed by a
// secret pointer replaced by MaskedValue. Pointers that address nothing are
// ignored.
func MaskSecrets(cfg map[string]any, pointers []string) map[string]any {
	out, _ := DeepCopyValue(cfg).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	for _, p := range pointers {
		if _, present := LookupPointer(out, p); present {
			SetPointer(out, p, MaskedValue)
		}
	}
	return out
}

// DeepCopyValue copies decoded-JSON shaped values (maps, slices, scalars).
func DeepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = DeepCopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
