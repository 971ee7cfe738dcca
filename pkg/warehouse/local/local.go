// Package local is a file-backed warehouse: signups come from a CSV file and
// every destination is a JSON Lines file in an output directory.
package local

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/orbit-sync/signup-enricher/pkg/pipeline/core"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/schema"
	"github.com/orbit-sync/signup-enricher/pkg/record"
)

// ReadCSV reads a CSV document into rows keyed by lower-cased header name.
// The header must satisfy contract.
func ReadCSV(r io.Reader, contract schema.TableContract) ([]map[string]any, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("read header: empty input")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
	}
	if err := contract.RequireColumns(header); err != nil {
		return nil, err
	}

	var rows []map[string]any
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FilterWindow turns CSV rows into records and keeps those created inside window.
// Rows without a valid created_at never match, as with a SQL range predicate.
func FilterWindow(rows []map[string]any, window core.TimeWindow) []record.Record {
	out := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		rec := core.RecordFromRow(row)
		if rec.CreatedAt == nil || !window.Contains(*rec.CreatedAt) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Warehouse implements core.Accessor and core.Integrator on the local filesystem.
type Warehouse struct {
	InputPath string
	OutputDir string

	mu sync.Mutex
}

// New returns a warehouse reading inputPath and writing under outputDir.
func New(inputPath, outputDir string) *Warehouse {
	return &Warehouse{InputPath: inputPath, OutputDir: outputDir}
}

// Fetch reads the input CSV and returns the records created inside window.
func (w *Warehouse) Fetch(_ context.Context, window core.TimeWindow) ([]record.Record, error) {
	f, err := os.Open(w.InputPath)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	rows, err := ReadCSV(f, schema.Signups())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", w.InputPath, err)
	}
	return FilterWindow(rows, window), nil
}

// Prepare creates the destination file if it does not exist yet.
func (w *Warehouse) Prepare(_ context.Context, destination string, _ schema.TableContract) error {
	p, err := w.path(destination)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	return f.Close()
}

// Append writes one JSON line per row to <OutputDir>/<destination>.jsonl.
// Rows that cannot be encoded are reported and the rest are still written.
func (w *Warehouse) Append(_ context.Context, destination string, rows []map[string]any) ([]core.Failure, error) {
	p, err := w.path(destination)
	if err != nil {
		return nil, err
	}

	var (
		buf      strings.Builder
		failures []core.Failure
	)
	for i, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			failures = append(failures, core.Failure{Index: i, Reason: fmt.Sprintf("encode row: %v", err)})
			continue
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	if _, err := io.WriteString(f, buf.String()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", p, err)
	}
	return failures, nil
}

func (w *Warehouse) path(destination string) (string, error) {
	d := strings.TrimSpace(destination)
	if d == "" || d == "." || d == ".." || strings.ContainsAny(d, `/\`) {
		return "", fmt.Errorf("invalid local destination %q", destination)
	}
	return filepath.Join(w.OutputDir, d+".jsonl"), nil
}
