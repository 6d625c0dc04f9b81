package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// WriteStableJSON writes a canonical JSON representation of v into b.
// Objects have keys sorted recursively so the bytes are stable across
// processes; arrays preserve order. This is the byte stream behind every
// fingerprint in the system.
func WriteStableJSON(b *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		writeStableMap(b, t)
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			WriteStableJSON(b, e)
		}
		b.WriteByte(']')
	default:
		bs, err := json.Marshal(t)
		if err != nil {
			b.WriteString("null")
			return
		}
		b.Write(bs)
	}
}

func writeStableMap(b *bytes.Buffer, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			continue
		}
		b.Write(kb)
		b.WriteByte(':')
		WriteStableJSON(b, m[k])
	}
	b.WriteByte('}')
}

// StableJSONBytes returns the canonical JSON bytes for v.
func StableJSONBytes(v any) []byte {
	var b bytes.Buffer
	WriteStableJSON(&b, v)
	return b.Bytes()
}

// StableJSONIndent renders v as pretty JSON with sorted keys, 2-space indent
// and a trailing newline. Per-step config files and effective_config.json use
// this so identical inputs produce byte-identical outputs.
func StableJSONIndent(v any) ([]byte, error) {
	var compact bytes.Buffer
	WriteStableJSON(&compact, v)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, compact.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	pretty.WriteByte('\n')
	return pretty.Bytes(), nil
}

// Fingerprint returns the SHA-256 hex digest of the canonical JSON form of v.
func Fingerprint(v any) string {
	sum := sha256.Sum256(StableJSONBytes(v))
	return hex.EncodeToString(sum[:])
}
