// Package bigquerywh backs the enrichment run with Google BigQuery: signups
// come from a parameterized query and outputs are streamed in with the
// insertAll API, which reports failures per row.
package bigquerywh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/orbit-sync/signup-enricher/pkg/pipeline/core"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/redact"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/schema"
	"github.com/orbit-sync/signup-enricher/pkg/record"
)

type Options struct {
	// Project is the GCP project that runs queries and owns unqualified tables.
	Project string

	// CredentialsFile is a service-account JSON key path. Empty uses application default credentials.
	CredentialsFile string

	// CredentialsJSON is an inline service-account key. Takes precedence over CredentialsFile.
	CredentialsJSON []byte

	// Query selects candidate signups. It is wrapped with a time-window predicate.
	Query string

	// TimeColumn is the column the window applies to. Defaults to created_at.
	TimeColumn string

	Logger *slog.Logger
}

// Warehouse implements core.Accessor and core.Integrator on BigQuery.
type Warehouse struct {
	client     *bigquery.Client
	project    string
	query      string
	timeColumn string
	logger     *slog.Logger
}

// New connects to BigQuery.
func New(ctx context.Context, opts Options) (*Warehouse, error) {
	project := strings.TrimSpace(opts.Project)
	if project == "" {
		project = bigquery.DetectProjectID
	}

	var copts []option.ClientOption
	switch {
	case len(opts.CredentialsJSON) > 0:
		copts = append(copts, option.WithCredentialsJSON(opts.CredentialsJSON))
	case strings.TrimSpace(opts.CredentialsFile) != "":
		copts = append(copts, option.WithCredentialsFile(strings.TrimSpace(opts.CredentialsFile)))
	}

	client, err := bigquery.NewClient(ctx, project, copts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %s", redact.Secrets(err.Error()))
	}

	col := strings.TrimSpace(opts.TimeColumn)
	if col == "" {
		col = record.FieldCreatedAt
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Warehouse{
		client:     client,
		project:    client.Project(),
		query:      strings.TrimSpace(opts.Query),
		timeColumn: col,
		logger:     logger.With("component", "bigquery"),
	}, nil
}

// Close releases the underlying client.
func (w *Warehouse) Close() error {
	return w.client.Close()
}

// WindowQuery wraps query so it only returns rows whose column lies in [@lower, @upper).
// The bounds are TIMESTAMP parameters, so the column is cast to TIMESTAMP to
// accept DATE, DATETIME and string columns as well.
func WindowQuery(query, column string) string {
	col := "CAST(`" + strings.ReplaceAll(column, "`", "") + "` AS TIMESTAMP)"
	query = strings.TrimRight(strings.TrimSpace(query), ";")
	return fmt.Sprintf("SELECT * FROM (%s) WHERE %s >= @lower AND %s < @upper", query, col, col)
}

// Fetch runs the configured query for window. An empty query is a no-op.
func (w *Warehouse) Fetch(ctx context.Context, window core.TimeWindow) ([]record.Record, error) {
	if w.query == "" {
		w.logger.Warn("no signup query configured; nothing to fetch")
		return nil, nil
	}

	q := w.client.Query(WindowQuery(w.query, w.timeColumn))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "lower", Value: window.Start.UTC()},
		{Name: "upper", Value: window.End.UTC()},
	}
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query signups: %w", err)
	}

	var out []record.Record
	for {
		var row map[string]bigquery.Value
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read signup row: %w", err)
		}
		out = append(out, core.RecordFromRow(normalizeRow(row)))
	}
	w.logger.Info("signups fetched", "rows", len(out), "window", window.String())
	return out, nil
}

// normalizeRow converts BigQuery values into the plain Go values records accept.
// DATE and DATETIME columns arrive as civil types and are read as UTC.
func normalizeRow(row map[string]bigquery.Value) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if c, ok := v.(interface{ In(*time.Location) time.Time }); ok {
			v = c.In(time.UTC)
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

// TableRef is a fully qualified BigQuery table.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

func (r TableRef) String() string {
	return r.Project + "." + r.Dataset + "." + r.Table
}

// ParseTable resolves "project.dataset.table" or "dataset.table" against defaultProject.
func ParseTable(destination, defaultProject string) (TableRef, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(destination), "`"), ".")
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return TableRef{}, fmt.Errorf("invalid bigquery table %q", destination)
		}
	}
	switch len(parts) {
	case 2:
		return TableRef{Project: defaultProject, Dataset: parts[0], Table: parts[1]}, nil
	case 3:
		return TableRef{Project: parts[0], Dataset: parts[1], Table: parts[2]}, nil
	default:
		return TableRef{}, fmt.Errorf("invalid bigquery table %q (expected [project.]dataset.table)", destination)
	}
}

func (w *Warehouse) table(destination string) (*bigquery.Table, TableRef, error) {
	ref, err := ParseTable(destination, w.project)
	if err != nil {
		return nil, TableRef{}, err
	}
	return w.client.DatasetInProject(ref.Project, ref.Dataset).Table(ref.Table), ref, nil
}

// Schema renders contract as a BigQuery schema.
func Schema(contract schema.TableContract) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(contract.Fields))
	for _, f := range contract.Fields {
		out = append(out, &bigquery.FieldSchema{
			Name:     f.Name,
			Type:     fieldType(f.Type),
			Required: !f.Nullable,
		})
	}
	return out
}

func fieldType(t schema.FieldType) bigquery.FieldType {
	switch t {
	case schema.TypeInteger:
		return bigquery.IntegerFieldType
	case schema.TypeFloat:
		return bigquery.FloatFieldType
	case schema.TypeTimestamp:
		return bigquery.TimestampFieldType
	default:
		return bigquery.StringFieldType
	}
}

// Prepare creates destination from contract when it does not exist.
func (w *Warehouse) Prepare(ctx context.Context, destination string, contract schema.TableContract) error {
	t, ref, err := w.table(destination)
	if err != nil {
		return err
	}
	_, err = t.Metadata(ctx)
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusNotFound {
		return fmt.Errorf("get table %s: %w", ref, err)
	}
	if err := t.Create(ctx, &bigquery.TableMetadata{Schema: Schema(contract)}); err != nil {
		return fmt.Errorf("create table %s: %w", ref, err)
	}
	w.logger.Info("table created", "table", ref.String())
	return nil
}

// rowSaver hands one row to the inserter without a dedupe id, so a re-run
// appends rather than being silently collapsed.
type rowSaver map[string]any

func (r rowSaver) Save() (map[string]bigquery.Value, string, error) {
	out := make(map[string]bigquery.Value, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out, bigquery.NoDedupeID, nil
}

// Append streams rows into destination. Rows rejected by BigQuery are
// returned as failures; the rest are committed.
func (w *Warehouse) Append(ctx context.Context, destination string, rows []map[string]any) ([]core.Failure, error) {
	t, _, err := w.table(destination)
	if err != nil {
		return nil, err
	}
	savers := make([]bigquery.ValueSaver, len(rows))
	for i, row := range rows {
		savers[i] = rowSaver(row)
	}
	return Failures(t.Inserter().Put(ctx, savers))
}

// Failures splits an Inserter.Put error into per-row failures. Errors that are
// not row-scoped are returned as-is.
func Failures(err error) ([]core.Failure, error) {
	if err == nil {
		return nil, nil
	}
	var multi bigquery.PutMultiError
	if !errors.As(err, &multi) {
		return nil, err
	}
	out := make([]core.Failure, 0, len(multi))
	for _, rowErr := range multi {
		reasons := make([]string, 0, len(rowErr.Errors))
		for _, e := range rowErr.Errors {
			reasons = append(reasons, e.Error())
		}
		out = append(out, core.Failure{Index: rowErr.RowIndex, Reason: strings.Join(reasons, "; ")})
	}
	return out, nil
}
