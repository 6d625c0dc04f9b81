package session

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSession(t *testing.T, root, id string, events, metrics []string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeJSONL(t, filepath.Join(dir, "events.jsonl"), events)
	writeJSONL(t, filepath.Join(dir, "metrics.jsonl"), metrics)
}

func writeJSONL(t *testing.T, path string, lines []string) {
	t.Helper()
	var data string
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func evt(ts, session, event, extra string) string {
	if extra != "" {
		extra = "," + extra
	}
	return fmt.Sprintf(`{"ts":"%s","session":"%s","event":"%s"%s}`, ts, session, event, extra)
}

func TestReadSession(t *testing.T) {
	t.Run("Should derive success status and step counts", func(t *testing.T) {
		root := t.TempDir()
		writeSession(t, root, "run_001", []string{
			evt("2026-01-02T10:00:00Z", "run_001", "run_start", `"pipeline":"demo"`),
			evt("2026-01-02T10:00:01Z", "run_001", "step_start", `"step_id":"extract"`),
			evt("2026-01-02T10:00:02Z", "run_001", "step_complete", `"step_id":"extract"`),
			evt("2026-01-02T10:00:03Z", "run_001", "step_start", `"step_id":"write"`),
			evt("2026-01-02T10:00:04Z", "run_001", "step_complete", `"step_id":"write"`),
			evt("2026-01-02T10:00:05Z", "run_001", "run_end", `"status":"success"`),
		}, nil)
		reader := NewReader(root)
		s := reader.ReadSession("run_001")
		require.NotNil(t, s)
		assert.Equal(t, StatusSuccess, s.Status)
		assert.Equal(t, 2, s.StepsTotal)
		assert.Equal(t, 2, s.StepsOK)
		assert.Equal(t, 0, s.StepsFailed)
		assert.Equal(t, KindRun, s.Kind)
	})

	t.Run("Should derive failed status from step_error", func(t *testing.T) {
		root := t.TempDir()
		writeSession(t, root, "run_002", []string{
			evt("2026-01-02T10:00:00Z", "run_002", "run_start", ""),
			evt("2026-01-02T10:00:01Z", "run_002", "step_start", `"step_id":"extract"`),
			evt("2026-01-02T10:00:02Z", "run_002", "step_error", `"step_id":"extract","level":"error"`),
			evt("2026-01-02T10:00:03Z", "run_002", "run_end", `"status":"failed"`),
		}, nil)
		s := NewReader(root).ReadSession("run_002")
		require.NotNil(t, s)
		assert.Equal(t, StatusFailed, s.Status)
		assert.Equal(t, 1, s.StepsFailed)
		assert.Equal(t, 1, s.Errors)
	})

	t.Run("Should report running without a terminal event", func(t *testing.T) {
		root := t.TempDir()
		writeSession(t, root, "run_003", []string{
			evt("2026-01-02T10:00:00Z", "run_003", "run_start", ""),
		}, nil)
		assert.Equal(t, StatusRunning, NewReader(root).ReadSession("run_003").Status)
	})

	t.Run("Should prefer cleanup_complete total_rows for rows_out", func(t *testing.T) {
		root := t.TempDir()
		writeSession(t, root, "run_004", []string{
			evt("2026-01-02T10:00:00Z", "run_004", "run_start", ""),
			evt("2026-01-02T10:00:05Z", "run_004", "cleanup_complete", `"total_rows":2`),
			evt("2026-01-02T10:00:06Z", "run_004", "run_end", `"status":"success"`),
		}, []string{
			`{"ts":"2026-01-02T10:00:01Z","session":"run_004","metric":"rows_read","value":4,"step_id":"extract"}`,
			`{"ts":"2026-01-02T10:00:03Z","session":"run_004","metric":"rows_written","value":2,"step_id":"write"}`,
		})
		s := NewReader(root).ReadSession("run_004")
		require.NotNil(t, s)
		assert.Equal(t, int64(2), s.RowsOut)
		assert.Equal(t, int64(4), s.RowsIn)
	})

	t.Run("Should fall back to tagged rows_written then rows_read", func(t *testing.T) {
		root := t.TempDir()
		writeSession(t, root, "run_005", nil, []string{
			`{"ts":"2026-01-02T10:00:01Z","session":"run_005","metric":"rows_written","value":7,"step_id":"write"}`,
		})
		assert.Equal(t, int64(7), NewReader(root).ReadSession("run_005").RowsOut)

		writeSession(t, root, "run_006", nil, []string{
			`{"ts":"2026-01-02T10:00:01Z","session":"run_006","metric":"rows_read","value":5,"step_id":"extract"}`,
		})
		s := NewReader(root).ReadSession("run_006")
		assert.Equal(t, int64(5), s.RowsOut)
		assert.Equal(t, int64(5), s.RowsIn)
	})

	t.Run("Should ignore metrics without step_id", func(t *testing.T) {
		root := t.TempDir()
		writeSession(t, root, "run_007", nil, []string{
			`{"ts":"2026-01-02T10:00:01Z","session":"run_007","metric":"rows_written","value":99}`,
		})
		assert.Equal(t, int64(0), NewReader(root).ReadSession("run_007").RowsOut)
	})

	t.Run("Should collect deduplicated sorted tables", func(t *testing.T) {
		root := t.TempDir()
		writeSession(t, root, "run_008", []string{
			evt("2026-01-02T10:00:00Z", "run_008", "table_discovered", `"table":"movies"`),
			evt("2026-01-02T10:00:01Z", "run_008", "table_discovered", `"table":"actors"`),
			evt("2026-01-02T10:00:02Z", "run_008", "table_discovered", `"table":"movies"`),
		}, nil)
		assert.Equal(t, []string{"actors", "movies"}, NewReader(root).ReadSession("run_008").Tables)
	})

	t.Run("Should return nil for a missing session", func(t *testing.T) {
		assert.Nil(t, NewReader(t.TempDir()).ReadSession("run_missing"))
	})
}

func TestListSessions(t *testing.T) {
	t.Run("Should sort newest first and honor the limit", func(t *testing.T) {
		root := t.TempDir()
		for i, ts := range []string{"2026-01-01T00:00:00Z", "2026-01-03T00:00:00Z", "2026-01-02T00:00:00Z"} {
			id := fmt.Sprintf("run_%03d", i)
			writeSession(t, root, id, []string{evt(ts, id, "run_start", "")}, nil)
		}
		reader := NewReader(root)
		all, err := reader.ListSessions(0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "run_001", all[0].ID)
		assert.Equal(t, "run_002", all[1].ID)
		limited, err := reader.ListSessions(2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("Should skip dot and at-prefixed directories", func(t *testing.T) {
		root := t.TempDir()
		writeSession(t, root, "run_ok", []string{evt("2026-01-01T00:00:00Z", "run_ok", "run_start", "")}, nil)
		require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "@index"), 0o755))
		all, err := NewReader(root).ListSessions(0)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "run_ok", all[0].ID)
	})

	t.Run("Should return nothing for a missing root", func(t *testing.T) {
		all, err := NewReader(filepath.Join(t.TempDir(), "none")).ListSessions(0)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestGC(t *testing.T) {
	t.Run("Should prune old sessions but keep the newest", func(t *testing.T) {
		root := t.TempDir()
		old := time.Now().Add(-96 * time.Hour).UTC().Format(time.RFC3339)
		recent := time.Now().UTC().Format(time.RFC3339)
		writeSession(t, root, "run_old", []string{evt(old, "run_old", "run_start", "")}, nil)
		writeSession(t, root, "run_new", []string{evt(recent, "run_new", "run_start", "")}, nil)
		removed, err := NewReader(root).GC(48*time.Hour, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"run_old"}, removed)
		_, statErr := os.Stat(filepath.Join(root, "run_new"))
		assert.NoError(t, statErr)
	})
}

func TestBundle(t *testing.T) {
	t.Run("Should copy with secrets redacted", func(t *testing.T) {
		root := t.TempDir()
		writeSession(t, root, "run_b", []string{
			evt("2026-01-01T00:00:00Z", "run_b", "run_start", `"dsn":"mysql://root:hunter2@db/x"`),
		}, nil)
		dest := filepath.Join(t.TempDir(), "bundle")
		require.NoError(t, NewReader(root).Bundle("run_b", dest))
		data, err := os.ReadFile(filepath.Join(dest, "events.jsonl"))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hunter2")
	})
}
