package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osiris-pipelines/osiris/pkg/logger"
)

// Kind names the top-level command a session records.
type Kind string

const (
	KindCompile   Kind = "compile"
	KindRun       Kind = "run"
	KindChat      Kind = "chat"
	KindEphemeral Kind = "ephemeral"
)

// Session is the per-invocation record: a directory holding events.jsonl,
// metrics.jsonl, osiris.log and per-step artifacts. One session is ambient
// for the duration of a top-level command.
type Session struct {
	id        string
	kind      Kind
	dir       string
	startedAt time.Time

	mu      sync.Mutex
	events  *os.File
	metrics *os.File
	logFile *os.File
	log     logger.Logger
	allowed map[string]bool
	closed  bool

	// Run-scoped shared DB handle, installed by the runner when a driver
	// family needs an in-process database.
	dbConn any
}

// Option configures a new session.
type Option func(*Session)

// WithAllowedEvents installs an allow-list; events not named are dropped
// silently. Metrics are unaffected.
func WithAllowedEvents(names []string) Option {
	return func(s *Session) {
		s.allowed = make(map[string]bool, len(names))
		for _, n := range names {
			s.allowed[n] = true
		}
	}
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// New creates the session directory under root and opens its files.
func New(root string, kind Kind, opts ...Option) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		id:        fmt.Sprintf("%s_%s_%s", kind, now.Format("20060102150405"), uuid.NewString()[:8]),
		kind:      kind,
		startedAt: now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dir = filepath.Join(root, s.id)
	if err := os.MkdirAll(filepath.Join(s.dir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	var err error
	if s.events, err = openAppend(filepath.Join(s.dir, "events.jsonl")); err != nil {
		return nil, err
	}
	if s.metrics, err = openAppend(filepath.Join(s.dir, "metrics.jsonl")); err != nil {
		s.events.Close()
		return nil, err
	}
	if s.logFile, err = openAppend(filepath.Join(s.dir, "osiris.log")); err != nil {
		s.events.Close()
		s.metrics.Close()
		return nil, err
	}
	s.log = logger.NewLogger(&logger.Config{
		Level:      logger.DebugLevel,
		Output:     s.logFile,
		TimeFormat: time.RFC3339,
	}).With("session", s.id)
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Kind() Kind           { return s.kind }
func (s *Session) Dir() string          { return s.dir }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// ArtifactsDir returns (and creates) the artifact directory for a step.
func (s *Session) ArtifactsDir(stepID string) (string, error) {
	dir := filepath.Join(s.dir, "artifacts", stepID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifacts dir for %s: %w", stepID, err)
	}
	return dir, nil
}

// WriteArtifact persists data under artifacts/<step_id>/<name>.
func (s *Session) WriteArtifact(stepID, name string, data []byte) error {
	dir, err := s.ArtifactsDir(stepID)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// LogEvent appends one JSON object to events.jsonl and mirrors a human line
// to osiris.log. Writes are serialized so parallel step execution stays safe.
func (s *Session) LogEvent(name string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.allowed != nil && !s.allowed[name] {
		return
	}
	rec := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		rec[k] = v
	}
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["session"] = s.id
	rec["event"] = name
	line, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("failed to encode event", "event", name, "error", err)
		return
	}
	s.events.Write(append(line, '\n'))
	keyvals := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		keyvals = append(keyvals, k, v)
	}
	s.log.Info(name, keyvals...)
}

// LogMetric appends one JSON object to metrics.jsonl.
func (s *Session) LogMetric(name string, value float64, unit, stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	rec := map[string]any{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"session": s.id,
		"metric":  name,
		"value":   value,
	}
	if unit != "" {
		rec["unit"] = unit
	}
	if stepID != "" {
		rec["step_id"] = stepID
	}
	line, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("failed to encode metric", "metric", name, "error", err)
		return
	}
	s.metrics.Write(append(line, '\n'))
}

// Logger returns the osiris.log sink for ad-hoc human-readable lines.
func (s *Session) Logger() logger.Logger { return s.log }

// SetDBConnection installs the run-scoped shared database handle.
func (s *Session) SetDBConnection(conn any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbConn = conn
}

// DBConnection returns the run-scoped shared database handle, if any.
func (s *Session) DBConnection() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dbConn
}

// Close flushes and closes the session files. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for _, f := range []*os.File{s.events, s.metrics, s.logFile} {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type ctxKey struct{}

// ContextWith returns a context carrying s as the current session.
func ContextWith(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the ambient session, or nil when none is installed.
// Callers must tolerate nil: code paths exercised outside a top-level command
// (unit tests, library use) run without a session.
func FromContext(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

// Event emits an event on the ambient session when one is present.
func Event(ctx context.Context, name string, fields map[string]any) {
	if s := FromContext(ctx); s != nil {
		s.LogEvent(name, fields)
	}
}

// Metric records a metric on the ambient session when one is present.
func Metric(ctx context.Context, name string, value float64, unit, stepID string) {
	if s := FromContext(ctx); s != nil {
		s.LogMetric(name, value, unit, stepID)
	}
}
