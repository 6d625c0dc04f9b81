package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiris-pipelines/osiris/engine/component"
	"github.com/osiris-pipelines/osiris/engine/core"
)

type fakeDriver struct{ id int }

func (d *fakeDriver) Run(_ context.Context, _ *Request, _ RunContext) (Result, error) {
	return Result{}, nil
}

func TestRegistry(t *testing.T) {
	t.Run("Should instantiate lazily and cache the instance", func(t *testing.T) {
		reg := NewRegistry()
		calls := 0
		reg.Register("mysql.extractor", func() (Driver, error) {
			calls++
			return &fakeDriver{id: calls}, nil
		})
		a, err := reg.Get("mysql.extractor")
		require.NoError(t, err)
		b, err := reg.Get("mysql.extractor")
		require.NoError(t, err)
		assert.Same(t, a, b)
		assert.Equal(t, 1, calls)
	})

	t.Run("Should fail with DriverNotRegistered for unknown components", func(t *testing.T) {
		reg := NewRegistry()
		_, err := reg.Get("supabase.writer")
		require.Error(t, err)
		assert.Equal(t, core.CodeDriverNotRegistered, core.CodeOf(err))
	})

	t.Run("Should wrap factory failures as DriverFailure", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register("mysql.extractor", func() (Driver, error) {
			return nil, errors.New("dial failed")
		})
		_, err := reg.Get("mysql.extractor")
		require.Error(t, err)
		assert.Equal(t, core.CodeDriverFailure, core.CodeOf(err))
	})
}

func TestRegisterFromSpecs(t *testing.T) {
	writeSpec := func(t *testing.T, root, dir, content string) {
		t.Helper()
		full := filepath.Join(root, dir)
		require.NoError(t, os.MkdirAll(full, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(full, "spec.yaml"), []byte(content), 0o644))
	}

	t.Run("Should bind resolvable drivers and skip the rest", func(t *testing.T) {
		root := t.TempDir()
		writeSpec(t, root, "filesystem.csv_writer", `
name: filesystem.csv_writer
version: 0.1.0
modes: [write]
configSchema:
  type: object
x-runtime:
  driver: filesystem.csv_writer
`)
		writeSpec(t, root, "mysql.extractor", `
name: mysql.extractor
version: 0.1.0
modes: [extract]
configSchema:
  type: object
x-runtime:
  driver: mysql.extractor
`)
		specs, err := component.LoadSpecs(context.Background(), root)
		require.NoError(t, err)
		reg := NewRegistry()
		reg.RegisterFromSpecs(context.Background(), specs, map[string]Factory{
			"filesystem.csv_writer": func() (Driver, error) { return &fakeDriver{}, nil },
		})
		assert.Equal(t, []string{"filesystem.csv_writer"}, reg.Names())
		_, err = reg.Get("mysql.extractor")
		assert.Equal(t, core.CodeDriverNotRegistered, core.CodeOf(err))
	})
}
