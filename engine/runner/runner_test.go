package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiris-pipelines/osiris/engine/component"
	"github.com/osiris-pipelines/osiris/engine/connection"
	"github.com/osiris-pipelines/osiris/engine/core"
	"github.com/osiris-pipelines/osiris/engine/driver"
	"github.com/osiris-pipelines/osiris/engine/manifest"
	"github.com/osiris-pipelines/osiris/engine/session"
)

type driverFunc func(ctx context.Context, req *driver.Request, rc driver.RunContext) (driver.Result, error)

func (f driverFunc) Run(ctx context.Context, req *driver.Request, rc driver.RunContext) (driver.Result, error) {
	return f(ctx, req, rc)
}

func factory(f driverFunc) driver.Factory {
	return func() (driver.Driver, error) { return f, nil }
}

const runnerExtractorSpec = `
name: mysql.extractor
version: 1.0.0
modes: [extract]
configSchema:
  type: object
  properties:
    query: {type: string}
    connection: {type: string}
    password: {type: string}
secrets:
  - /password
x-runtime:
  driver: mysql.extractor
`

const runnerWriterSpec = `
name: filesystem.csv_writer
version: 0.2.0
modes: [write]
configSchema:
  type: object
  properties:
    path: {type: string}
x-runtime:
  driver: filesystem.csv_writer
`

func loadSpecs(t *testing.T) *component.Registry {
	t.Helper()
	root := t.TempDir()
	for dir, spec := range map[string]string{
		"mysql.extractor":       runnerExtractorSpec,
		"filesystem.csv_writer": runnerWriterSpec,
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, dir, "spec.yaml"), []byte(spec), 0o644))
	}
	reg, err := component.LoadSpecs(context.Background(), root)
	require.NoError(t, err)
	return reg
}

func writeConnections(t *testing.T) *connection.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "osiris_connections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
connections:
  mysql:
    primary:
      default: true
      host: db.example.com
      user: root
      password: ${MYSQL_PASSWORD}
`), 0o644))
	return connection.NewStore(path)
}

// writeManifest lays out a compiled directory: manifest.yaml plus one
// cfg/<id>.json per step.
func writeManifest(t *testing.T, steps []manifest.StepRef, configs map[string]map[string]any) string {
	t.Helper()
	outDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "cfg"), 0o755))
	for id, cfg := range configs {
		data, err := json.Marshal(cfg)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(outDir, "cfg", id+".json"), data, 0o644))
	}
	m := &manifest.Manifest{
		Pipeline: manifest.Pipeline{
			ID:      "demo",
			Version: manifest.FormatVersion,
			Fingerprints: manifest.Fingerprints{
				OMLFP:    strings.Repeat("a", 64),
				ParamsFP: strings.Repeat("b", 64),
			},
		},
		Steps: steps,
		Meta:  manifest.Meta{OMLVersion: "0.1.0", GeneratedAt: "2026-01-02T00:00:00Z"},
	}
	path := filepath.Join(outDir, "manifest.yaml")
	require.NoError(t, m.Write(path))
	return path
}

func newSession(t *testing.T) (context.Context, *session.Session) {
	t.Helper()
	s, err := session.New(t.TempDir(), session.KindRun)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return session.ContextWith(context.Background(), s), s
}

func readEvents(t *testing.T, s *session.Session) []map[string]any {
	t.Helper()
	require.NoError(t, s.Close())
	data, err := os.ReadFile(filepath.Join(s.Dir(), "events.jsonl"))
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		rec := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func findEvent(events []map[string]any, name string) map[string]any {
	for _, e := range events {
		if e["event"] == name {
			return e
		}
	}
	return nil
}

func linearSteps() []manifest.StepRef {
	return []manifest.StepRef{
		{ID: "extract", Driver: "mysql.extractor", CfgPath: "cfg/extract.json"},
		{ID: "write", Driver: "filesystem.csv_writer", CfgPath: "cfg/write.json", Needs: []string{"extract"}},
	}
}

func TestRun(t *testing.T) {
	t.Run("Should execute a linear pipeline and report writer rows", func(t *testing.T) {
		t.Setenv("MYSQL_PASSWORD", "hunter2")
		drivers := driver.NewRegistry()
		drivers.Register("mysql.extractor", factory(func(_ context.Context, req *driver.Request, rc driver.RunContext) (driver.Result, error) {
			rc.LogMetric("rows_read", 3, "", req.StepID)
			return driver.Result{"df": []map[string]any{
				{"id": 1}, {"id": 2}, {"id": 3},
			}}, nil
		}))
		var gotInputs map[string]driver.Result
		drivers.Register("filesystem.csv_writer", factory(func(_ context.Context, req *driver.Request, rc driver.RunContext) (driver.Result, error) {
			gotInputs = req.Inputs
			rc.LogMetric("rows_written", 3, "", req.StepID)
			return driver.Result{}, nil
		}))
		r := New(drivers, loadSpecs(t), writeConnections(t))
		ctx, s := newSession(t)

		path := writeManifest(t, linearSteps(), map[string]map[string]any{
			"extract": {"component": "mysql.extractor", "query": "SELECT 1"},
			"write":   {"component": "filesystem.csv_writer", "path": "out.csv"},
		})
		require.NoError(t, r.Run(ctx, path))

		require.Contains(t, gotInputs, "extract")
		events := readEvents(t, s)
		assert.NotNil(t, findEvent(events, "run_start"))
		stripped := findEvent(events, "config_meta_stripped")
		require.NotNil(t, stripped)
		assert.Equal(t, "extract", stripped["step_id"])
		assert.Equal(t, []any{"component"}, stripped["keys"])
		resolved := findEvent(events, "inputs_resolved")
		require.NotNil(t, resolved)
		assert.Equal(t, "write", resolved["step_id"])
		assert.Equal(t, "extract", resolved["from_step"])
		assert.Equal(t, "df", resolved["key"])
		assert.Equal(t, true, resolved["from_memory"])
		assert.Equal(t, float64(3), resolved["rows"])
		cleanup := findEvent(events, "cleanup_complete")
		require.NotNil(t, cleanup)
		assert.Equal(t, float64(3), cleanup["total_rows"])
		end := findEvent(events, "run_end")
		require.NotNil(t, end)
		assert.Equal(t, "success", end["status"])
		assert.Equal(t, float64(2), end["steps_executed"])
	})

	t.Run("Should resolve the family default connection and mask the audit copy", func(t *testing.T) {
		t.Setenv("MYSQL_PASSWORD", "hunter2")
		drivers := driver.NewRegistry()
		var resolved map[string]any
		drivers.Register("mysql.extractor", factory(func(_ context.Context, req *driver.Request, _ driver.RunContext) (driver.Result, error) {
			resolved, _ = req.Config["resolved_connection"].(map[string]any)
			_, hasMeta := req.Config["component"]
			assert.False(t, hasMeta)
			return driver.Result{}, nil
		}))
		r := New(drivers, loadSpecs(t), writeConnections(t))
		ctx, s := newSession(t)

		path := writeManifest(t,
			[]manifest.StepRef{{ID: "extract", Driver: "mysql.extractor", CfgPath: "cfg/extract.json"}},
			map[string]map[string]any{"extract": {"component": "mysql.extractor", "query": "SELECT 1"}})
		require.NoError(t, r.Run(ctx, path))

		require.NotNil(t, resolved)
		assert.Equal(t, "hunter2", resolved["password"])
		assert.Equal(t, "primary", resolved["_alias"])

		cleaned, err := os.ReadFile(filepath.Join(s.Dir(), "artifacts", "extract", "cleaned_config.json"))
		require.NoError(t, err)
		assert.NotContains(t, string(cleaned), "hunter2")
		assert.Contains(t, string(cleaned), core.MaskedValue)
	})

	t.Run("Should reject a connection outside the driver family", func(t *testing.T) {
		drivers := driver.NewRegistry()
		drivers.Register("mysql.extractor", factory(func(_ context.Context, _ *driver.Request, _ driver.RunContext) (driver.Result, error) {
			return driver.Result{}, nil
		}))
		r := New(drivers, loadSpecs(t), writeConnections(t))
		ctx, s := newSession(t)

		path := writeManifest(t,
			[]manifest.StepRef{{ID: "extract", Driver: "mysql.extractor", CfgPath: "cfg/extract.json"}},
			map[string]map[string]any{"extract": {"connection": "@supabase.main", "query": "SELECT 1"}})
		err := r.Run(ctx, path)
		require.Error(t, err)
		assert.Equal(t, core.CodeConnectionFamilyMismatch, core.CodeOf(err))

		events := readEvents(t, s)
		assert.NotNil(t, findEvent(events, "step_error"))
		end := findEvent(events, "run_end")
		require.NotNil(t, end)
		assert.Equal(t, "failed", end["status"])
	})

	t.Run("Should wrap plain driver errors as driver failures", func(t *testing.T) {
		t.Setenv("MYSQL_PASSWORD", "hunter2")
		drivers := driver.NewRegistry()
		drivers.Register("mysql.extractor", factory(func(_ context.Context, _ *driver.Request, _ driver.RunContext) (driver.Result, error) {
			return nil, errors.New("connection reset")
		}))
		r := New(drivers, loadSpecs(t), writeConnections(t))
		ctx, _ := newSession(t)

		path := writeManifest(t,
			[]manifest.StepRef{{ID: "extract", Driver: "mysql.extractor", CfgPath: "cfg/extract.json"}},
			map[string]map[string]any{"extract": {"query": "SELECT 1"}})
		err := r.Run(ctx, path)
		require.Error(t, err)
		assert.Equal(t, core.CodeDriverFailure, core.CodeOf(err))
	})

	t.Run("Should fail on an unregistered driver", func(t *testing.T) {
		r := New(driver.NewRegistry(), loadSpecs(t), writeConnections(t))
		ctx, _ := newSession(t)
		path := writeManifest(t,
			[]manifest.StepRef{{ID: "write", Driver: "filesystem.csv_writer", CfgPath: "cfg/write.json"}},
			map[string]map[string]any{"write": {"path": "out.csv"}})
		err := r.Run(ctx, path)
		require.Error(t, err)
		assert.Equal(t, core.CodeDriverNotRegistered, core.CodeOf(err))
	})

	t.Run("Should fall back to input rows for writers without metrics", func(t *testing.T) {
		t.Setenv("MYSQL_PASSWORD", "hunter2")
		drivers := driver.NewRegistry()
		drivers.Register("mysql.extractor", factory(func(_ context.Context, _ *driver.Request, _ driver.RunContext) (driver.Result, error) {
			return driver.Result{"df": []map[string]any{{"id": 1}, {"id": 2}}}, nil
		}))
		drivers.Register("filesystem.csv_writer", factory(func(_ context.Context, _ *driver.Request, _ driver.RunContext) (driver.Result, error) {
			return driver.Result{}, nil
		}))
		r := New(drivers, loadSpecs(t), writeConnections(t))
		ctx, s := newSession(t)

		path := writeManifest(t, linearSteps(), map[string]map[string]any{
			"extract": {"query": "SELECT 1"},
			"write":   {"path": "out.csv"},
		})
		require.NoError(t, r.Run(ctx, path))
		cleanup := findEvent(readEvents(t, s), "cleanup_complete")
		require.NotNil(t, cleanup)
		assert.Equal(t, float64(2), cleanup["total_rows"])
	})
}
