package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {
	t.Run("Should write structured fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(&Config{Level: InfoLevel, Output: &buf})
		l.Info("compile complete", "pipeline", "demo")
		assert.Contains(t, buf.String(), "compile complete")
		assert.Contains(t, buf.String(), "pipeline")
	})

	t.Run("Should suppress levels below the threshold", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(&Config{Level: ErrorLevel, Output: &buf})
		l.Info("quiet")
		assert.Empty(t, buf.String())
	})

	t.Run("Should carry bound fields through With", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(&Config{Level: InfoLevel, Output: &buf}).With("session", "run_x")
		l.Info("hello")
		assert.Contains(t, buf.String(), "run_x")
	})
}

func TestFromContext(t *testing.T) {
	t.Run("Should return the context logger when installed", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(&Config{Level: InfoLevel, Output: &buf})
		ctx := ContextWith(context.Background(), l)
		FromContext(ctx).Info("via ctx")
		assert.Contains(t, buf.String(), "via ctx")
	})

	t.Run("Should fall back to the default logger", func(t *testing.T) {
		assert.NotNil(t, FromContext(context.Background()))
		assert.NotNil(t, FromContext(nil)) //nolint:staticcheck
	})
}
