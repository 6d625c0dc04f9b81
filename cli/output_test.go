package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiris-pipelines/osiris/engine/core"
)

func TestParseParams(t *testing.T) {
	t.Run("Should parse key=value pairs", func(t *testing.T) {
		params, err := parseParams([]string{"table=actors", "limit=10"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"table": "actors", "limit": "10"}, params)
	})

	t.Run("Should keep equals signs inside the value", func(t *testing.T) {
		params, err := parseParams([]string{"filter=a=b"})
		require.NoError(t, err)
		assert.Equal(t, "a=b", params["filter"])
	})

	t.Run("Should reject pairs without a key or separator", func(t *testing.T) {
		for _, bad := range []string{"table", "=actors"} {
			_, err := parseParams([]string{bad})
			require.Error(t, err, bad)
			assert.Equal(t, core.CodeInvalidParamFormat, core.CodeOf(err))
		}
	})

	t.Run("Should return nil for no flags", func(t *testing.T) {
		params, err := parseParams(nil)
		require.NoError(t, err)
		assert.Nil(t, params)
	})
}

func TestPrintError(t *testing.T) {
	t.Run("Should emit a structured json error", func(t *testing.T) {
		var buf bytes.Buffer
		err := core.NewError(nil, core.CodeInlineSecret, map[string]any{"step_id": "extract"})
		PrintError(&buf, err, true)
		out := map[string]any{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
		assert.Equal(t, "error", out["status"])
		assert.Equal(t, core.CodeInlineSecret, out["error_type"])
	})

	t.Run("Should scrub credentials from text errors", func(t *testing.T) {
		var buf bytes.Buffer
		err := core.NewError(nil, core.CodeDriverFailure, map[string]any{
			"dsn": "mysql://root:hunter2@db/x",
		})
		PrintError(&buf, err, false)
		assert.NotContains(t, buf.String(), "hunter2")
	})
}
