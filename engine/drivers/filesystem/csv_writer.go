package filesystem

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/osiris-pipelines/osiris/engine/core"
	"github.com/osiris-pipelines/osiris/engine/driver"
	"github.com/osiris-pipelines/osiris/engine/session"
)

// CSVWriter writes its upstream rows as a CSV file. The header lists the
// union of row columns sorted lexicographically; rows keep input order.
// Config:
//
//	path       (required) output path, may contain {name} placeholders
//	base_dir   (optional) directory the path is rendered under
//	delimiter  (optional) single-character field delimiter, default ","
//	header     (optional) write the header line, default true
type CSVWriter struct{}

func NewCSVWriter() (driver.Driver, error) {
	return &CSVWriter{}, nil
}

func (w *CSVWriter) Run(ctx context.Context, req *driver.Request, rc driver.RunContext) (driver.Result, error) {
	template, _ := req.Config["path"].(string)
	if template == "" {
		return nil, fmt.Errorf("csv_writer step %s: config.path is required", req.StepID)
	}
	baseDir, _ := req.Config["base_dir"].(string)
	pathCtx := map[string]any{
		"step_id": req.StepID,
		"ts":      time.Now().UTC(),
	}
	if s := session.FromContext(ctx); s != nil {
		pathCtx["session_id"] = s.ID()
	}
	rel, err := core.RenderPath(template, pathCtx, "", baseDir)
	if err != nil {
		return nil, err
	}
	target := rel
	if baseDir != "" {
		target = filepath.Join(baseDir, rel)
	}

	rows := collectRows(req.Inputs)
	columns := columnUnion(rows)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("csv_writer step %s: %w", req.StepID, err)
	}
	f, err := os.Create(target)
	if err != nil {
		return nil, fmt.Errorf("csv_writer step %s: %w", req.StepID, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if delim, _ := req.Config["delimiter"].(string); len(delim) == 1 {
		cw.Comma = rune(delim[0])
	}
	writeHeader := true
	if v, ok := req.Config["header"].(bool); ok {
		writeHeader = v
	}
	if writeHeader {
		if err := cw.Write(columns); err != nil {
			return nil, fmt.Errorf("csv_writer step %s: %w", req.StepID, err)
		}
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col]; ok && v != nil {
				record[i] = fmt.Sprintf("%v", v)
			}
		}
		if err := cw.Write(record); err != nil {
			return nil, fmt.Errorf("csv_writer step %s: %w", req.StepID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("csv_writer step %s: %w", req.StepID, err)
	}

	rc.LogMetric("rows_written", float64(len(rows)), "", req.StepID)
	rc.LogEvent("csv_written", map[string]any{
		"path": target,
		"rows": len(rows),
	})
	return driver.Result{}, nil
}

func collectRows(inputs map[string]driver.Result) []map[string]any {
	// Deterministic input order: sorted upstream ids, then output keys.
	upstream := make([]string, 0, len(inputs))
	for id := range inputs {
		upstream = append(upstream, id)
	}
	sort.Strings(upstream)
	var rows []map[string]any
	for _, id := range upstream {
		keys := make([]string, 0, len(inputs[id]))
		for k := range inputs[id] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rows = append(rows, asRows(inputs[id][k])...)
		}
	}
	return rows
}

func asRows(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		rows := make([]map[string]any, 0, len(t))
		for _, e := range t {
			if row, ok := e.(map[string]any); ok {
				rows = append(rows, row)
			}
		}
		return rows
	default:
		return nil
	}
}

func columnUnion(rows []map[string]any) []string {
	seen := map[string]bool{}
	for _, row := range rows {
		for col := range row {
			seen[col] = true
		}
	}
	columns := make([]string, 0, len(seen))
	for col := range seen {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}
