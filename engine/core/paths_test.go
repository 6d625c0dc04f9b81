package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPath(t *testing.T) {
	t.Run("Should substitute placeholders", func(t *testing.T) {
		got, err := RenderPath("out/{table}/data.csv", map[string]any{"table": "actors"}, "", "")
		require.NoError(t, err)
		assert.Equal(t, "out/actors/data.csv", got)
	})

	t.Run("Should format timestamps with the default layout", func(t *testing.T) {
		ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
		got, err := RenderPath("runs/{ts}.csv", map[string]any{"ts": ts}, "", "")
		require.NoError(t, err)
		assert.Equal(t, "runs/20260314-092653.csv", got)
	})

	t.Run("Should normalize away missing placeholders", func(t *testing.T) {
		got, err := RenderPath("a/{missing}/b.csv", map[string]any{}, "", "")
		require.NoError(t, err)
		assert.Equal(t, "a/b.csv", got)
	})

	t.Run("Should reject parent references in the template", func(t *testing.T) {
		_, err := RenderPath("../escape.csv", map[string]any{}, "", "")
		require.Error(t, err)
		assert.Equal(t, CodeUnsafePath, CodeOf(err))
	})

	t.Run("Should reject parent references in substituted values", func(t *testing.T) {
		_, err := RenderPath("out/{name}.csv", map[string]any{"name": "../../etc/passwd"}, "", "")
		require.Error(t, err)
		assert.Equal(t, CodeUnsafePath, CodeOf(err))
	})

	t.Run("Should strip a leading slash", func(t *testing.T) {
		got, err := RenderPath("/abs/file.csv", map[string]any{}, "", "")
		require.NoError(t, err)
		assert.Equal(t, "abs/file.csv", got)
	})

	t.Run("Should fail on empty basename", func(t *testing.T) {
		_, err := RenderPath("out/{name}", map[string]any{}, "", "")
		require.Error(t, err)
		assert.Equal(t, CodeUnsafePath, CodeOf(err))
	})

	t.Run("Should suffix non-templated paths that already exist", func(t *testing.T) {
		base := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(base, "out"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(base, "out", "data.csv"), []byte("x"), 0o644))
		got, err := RenderPath("out/data.csv", map[string]any{"session_id": "run_20260314_abc"}, "", base)
		require.NoError(t, err)
		assert.Equal(t, "out/data_20260314_abc.csv", got)
	})

	t.Run("Should never suffix templated paths", func(t *testing.T) {
		base := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(base, "out"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(base, "out", "actors.csv"), []byte("x"), 0o644))
		got, err := RenderPath("out/{table}.csv", map[string]any{"table": "actors"}, "", base)
		require.NoError(t, err)
		assert.Equal(t, "out/actors.csv", got)
	})
}
