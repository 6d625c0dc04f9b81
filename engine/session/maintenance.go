package session

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osiris-pipelines/osiris/engine/core"
)

// GC prunes sessions older than maxAge and then deletes oldest-first until
// the sessions root fits under maxGB. The newest session always survives.
// Returns the ids removed.
func (r *Reader) GC(maxAge time.Duration, maxGB float64) ([]string, error) {
	sessions, err := r.ListSessions(0)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	cutoff := time.Now().Add(-maxAge)
	var removed []string
	kept := sessions[:1]
	for _, s := range sessions[1:] {
		if maxAge > 0 && s.StartedAt.Before(cutoff) {
			if err := os.RemoveAll(s.Path); err != nil {
				return removed, fmt.Errorf("failed to remove session %s: %w", s.ID, err)
			}
			removed = append(removed, s.ID)
			continue
		}
		kept = append(kept, s)
	}
	if maxGB <= 0 {
		return removed, nil
	}
	budget := int64(maxGB * 1024 * 1024 * 1024)
	sizes := make(map[string]int64, len(kept))
	var total int64
	for _, s := range kept {
		sizes[s.ID] = dirSize(s.Path)
		total += sizes[s.ID]
	}
	// kept is newest-first; trim from the tail.
	for i := len(kept) - 1; i > 0 && total > budget; i-- {
		s := kept[i]
		if err := os.RemoveAll(s.Path); err != nil {
			return removed, fmt.Errorf("failed to remove session %s: %w", s.ID, err)
		}
		total -= sizes[s.ID]
		removed = append(removed, s.ID)
	}
	return removed, nil
}

func dirSize(path string) int64 {
	var size int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}

// textArtifacts are redacted when bundling; everything else copies verbatim.
var textArtifacts = map[string]bool{
	"events.jsonl":  true,
	"metrics.jsonl": true,
	"osiris.log":    true,
}

// Bundle copies one session into destDir with credential-bearing text
// scrubbed, for sharing outside the machine that ran the pipeline.
func (r *Reader) Bundle(id, destDir string) error {
	src := filepath.Join(r.root, id)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("session %s not found: %w", id, err)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if textArtifacts[d.Name()] || strings.HasSuffix(d.Name(), ".json") {
			data = []byte(core.Redact(string(data)))
		}
		return os.WriteFile(target, data, 0o644)
	})
}
