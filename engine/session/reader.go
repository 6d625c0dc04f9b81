package session

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Status of a recorded session as derived from its event stream.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusRunning Status = "running"
	StatusUnknown Status = "unknown"
)

// Summary aggregates one session's events and metrics.
type Summary struct {
	ID          string
	Kind        Kind
	Path        string
	StartedAt   time.Time
	Status      Status
	StepsTotal  int
	StepsOK     int
	StepsFailed int
	RowsIn      int64
	RowsOut     int64
	Warnings    int
	Errors      int
	Tables      []string
}

// Reader reads recorded sessions from a sessions root directory.
type Reader struct {
	root string
}

func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// ListSessions enumerates sessions newest-first, skipping dotfiles and
// directories starting with "@". A limit <= 0 means no limit.
func (r *Reader) ListSessions(limit int) ([]*Summary, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	summaries := make([]*Summary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "@") {
			continue
		}
		if s := r.ReadSession(name); s != nil {
			summaries = append(summaries, s)
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].StartedAt.Equal(summaries[j].StartedAt) {
			return summaries[i].StartedAt.After(summaries[j].StartedAt)
		}
		return summaries[i].ID > summaries[j].ID
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// LastSession returns the newest session, or nil when none exist.
func (r *Reader) LastSession() (*Summary, error) {
	list, err := r.ListSessions(1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

type aggregate struct {
	stepStarts    map[string]bool
	stepsOK       int
	stepsFailed   int
	warnings      int
	errors        int
	errorEvents   int
	sawRunStart   bool
	sawRunEnd     bool
	runEndStatus  string
	cleanupTotal  int64
	sawCleanup    bool
	rowsWritten   int64
	sawWritten    bool
	rowsRead      int64
	sawRead       bool
	tables        map[string]bool
	firstTS       time.Time
}

// ReadSession parses one session's events.jsonl and metrics.jsonl into a
// Summary. Returns nil when the session directory does not exist.
func (r *Reader) ReadSession(id string) *Summary {
	dir := filepath.Join(r.root, id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil
	}
	agg := &aggregate{stepStarts: map[string]bool{}, tables: map[string]bool{}}
	forEachLine(filepath.Join(dir, "events.jsonl"), agg.addEvent)
	forEachLine(filepath.Join(dir, "metrics.jsonl"), agg.addMetric)

	s := &Summary{
		ID:          id,
		Kind:        kindOf(id),
		Path:        dir,
		StartedAt:   agg.firstTS,
		StepsTotal:  len(agg.stepStarts),
		StepsOK:     agg.stepsOK,
		StepsFailed: agg.stepsFailed,
		Warnings:    agg.warnings,
		Errors:      agg.errors,
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = info.ModTime().UTC()
	}
	s.Status = agg.status()
	s.RowsIn, s.RowsOut = agg.rows()
	for tbl := range agg.tables {
		s.Tables = append(s.Tables, tbl)
	}
	sort.Strings(s.Tables)
	return s
}

func kindOf(id string) Kind {
	if i := strings.Index(id, "_"); i > 0 {
		return Kind(id[:i])
	}
	return Kind("")
}

func forEachLine(path string, fn func(line []byte)) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
}

func (a *aggregate) addEvent(line []byte) {
	if a.firstTS.IsZero() {
		if ts, err := time.Parse(time.RFC3339Nano, gjson.GetBytes(line, "ts").String()); err == nil {
			a.firstTS = ts
		}
	}
	event := gjson.GetBytes(line, "event").String()
	switch event {
	case "step_start":
		if id := gjson.GetBytes(line, "step_id").String(); id != "" {
			a.stepStarts[id] = true
		}
	case "step_complete":
		a.stepsOK++
	case "step_error":
		a.stepsFailed++
	case "run_start":
		a.sawRunStart = true
	case "run_end":
		a.sawRunEnd = true
		a.runEndStatus = gjson.GetBytes(line, "status").String()
	case "cleanup_complete":
		if total := gjson.GetBytes(line, "total_rows"); total.Exists() {
			a.sawCleanup = true
			a.cleanupTotal = total.Int()
		}
	case "rows_written":
		if gjson.GetBytes(line, "step_id").Exists() {
			a.sawWritten = true
			a.rowsWritten += gjson.GetBytes(line, "value").Int()
		}
	case "rows_read":
		if gjson.GetBytes(line, "step_id").Exists() {
			a.sawRead = true
			a.rowsRead += gjson.GetBytes(line, "value").Int()
		}
	}
	if strings.HasSuffix(event, "_error") {
		a.errorEvents++
	}
	switch strings.ToLower(gjson.GetBytes(line, "level").String()) {
	case "warning", "warn":
		a.warnings++
	case "error":
		a.errors++
	}
	if tbl := gjson.GetBytes(line, "table").String(); tbl != "" {
		a.tables[tbl] = true
	}
}

// addMetric folds metrics.jsonl lines. Metrics without a step_id are ignored
// so they cannot double-count against event-derived totals.
func (a *aggregate) addMetric(line []byte) {
	if !gjson.GetBytes(line, "step_id").Exists() {
		return
	}
	value := gjson.GetBytes(line, "value").Int()
	switch gjson.GetBytes(line, "metric").String() {
	case "rows_written":
		a.sawWritten = true
		a.rowsWritten += value
	case "rows_read":
		a.sawRead = true
		a.rowsRead += value
	}
}

func (a *aggregate) status() Status {
	switch {
	case a.sawRunEnd:
		if a.runEndStatus == "success" && a.stepsFailed == 0 && a.errorEvents == 0 {
			return StatusSuccess
		}
		return StatusFailed
	case a.stepsFailed > 0 || a.errorEvents > 0:
		return StatusFailed
	case a.sawRunStart:
		return StatusRunning
	default:
		return StatusUnknown
	}
}

// rows applies the precedence rule: cleanup_complete.total_rows wins for
// rows_out, then tagged rows_written, then tagged rows_read. rows_in always
// follows rows_read.
func (a *aggregate) rows() (rowsIn, rowsOut int64) {
	if a.sawRead {
		rowsIn = a.rowsRead
	}
	switch {
	case a.sawCleanup:
		rowsOut = a.cleanupTotal
	case a.sawWritten:
		rowsOut = a.rowsWritten
	case a.sawRead:
		rowsOut = a.rowsRead
	}
	return rowsIn, rowsOut
}
