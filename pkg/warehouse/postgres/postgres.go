// Package postgres backs the enrichment run with a Postgres database through a
// pgx connection pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbit-sync/signup-enricher/pkg/pipeline/core"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/redact"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/schema"
	"github.com/orbit-sync/signup-enricher/pkg/record"
)

// Querier is the subset of *pgxpool.Pool the warehouse uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Options struct {
	// Query selects candidate signups. It is wrapped with a time-window predicate.
	Query string

	// TimeColumn is the column the window applies to. Defaults to created_at.
	TimeColumn string

	Logger *slog.Logger
}

// Warehouse implements core.Accessor and core.Integrator on Postgres.
type Warehouse struct {
	db         Querier
	query      string
	timeColumn string
	logger     *slog.Logger
}

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %s", redact.Secrets(err.Error()))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %s", redact.Secrets(err.Error()))
	}
	return pool, nil
}

// New returns a warehouse on db.
func New(db Querier, opts Options) *Warehouse {
	col := strings.TrimSpace(opts.TimeColumn)
	if col == "" {
		col = record.FieldCreatedAt
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Warehouse{
		db:         db,
		query:      strings.TrimSpace(opts.Query),
		timeColumn: col,
		logger:     logger.With("component", "postgres"),
	}
}

// WindowQuery wraps query so it only returns rows whose column lies in [$1, $2).
func WindowQuery(query, column string) string {
	col := pgx.Identifier{column}.Sanitize()
	query = strings.TrimRight(strings.TrimSpace(query), ";")
	return fmt.Sprintf("SELECT * FROM (%s) AS signups WHERE %s >= $1 AND %s < $2", query, col, col)
}

// Fetch runs the configured query for window. An empty query is a no-op.
func (w *Warehouse) Fetch(ctx context.Context, window core.TimeWindow) ([]record.Record, error) {
	if w.query == "" {
		w.logger.Warn("no signup query configured; nothing to fetch")
		return nil, nil
	}

	rows, err := w.db.Query(ctx, WindowQuery(w.query, w.timeColumn), window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("query signups: %w", err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("scan signups: %w", err)
	}

	out := make([]record.Record, 0, len(maps))
	for _, m := range maps {
		out = append(out, core.RecordFromRow(m))
	}
	w.logger.Info("signups fetched", "rows", len(out), "window", window.String())
	return out, nil
}

// ParseTable splits "schema.table" (or "table") into a sanitizable identifier.
func ParseTable(destination string) (pgx.Identifier, error) {
	parts := strings.Split(strings.TrimSpace(destination), ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid postgres table %q (expected [schema.]table)", destination)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("invalid postgres table %q (expected [schema.]table)", destination)
		}
	}
	return pgx.Identifier(parts), nil
}

// InsertSQL builds a single-row INSERT for columns.
func InsertSQL(table pgx.Identifier, columns []string) string {
	cols := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = pgx.Identifier{c}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table.Sanitize(), strings.Join(cols, ", "), strings.Join(params, ", "))
}

// CreateTableSQL renders contract as a CREATE TABLE IF NOT EXISTS statement.
func CreateTableSQL(table pgx.Identifier, contract schema.TableContract) string {
	defs := make([]string, len(contract.Fields))
	for i, f := range contract.Fields {
		def := pgx.Identifier{f.Name}.Sanitize() + " " + columnType(f.Type)
		if !f.Nullable {
			def += " NOT NULL"
		}
		defs[i] = def
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table.Sanitize(), strings.Join(defs, ",\n\t"))
}

func columnType(t schema.FieldType) string {
	switch t {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// Prepare creates destination from contract when it does not exist.
func (w *Warehouse) Prepare(ctx context.Context, destination string, contract schema.TableContract) error {
	table, err := ParseTable(destination)
	if err != nil {
		return err
	}
	if _, err := w.db.Exec(ctx, CreateTableSQL(table, contract)); err != nil {
		return fmt.Errorf("create table %s: %w", destination, err)
	}
	return nil
}

// Append inserts rows one statement at a time so every row commits or fails on
// its own. Rows left when ctx ends are reported as failures next to the rows
// already committed.
func (w *Warehouse) Append(ctx context.Context, destination string, rows []map[string]any) ([]core.Failure, error) {
	table, err := ParseTable(destination)
	if err != nil {
		return nil, err
	}

	var failures []core.Failure
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return append(failures, core.Unattempted(i, len(rows), err)...), nil
		}
		if len(row) == 0 {
			failures = append(failures, core.Failure{Index: i, Reason: "empty row"})
			continue
		}
		columns := make([]string, 0, len(row))
		for k := range row {
			columns = append(columns, k)
		}
		slices.Sort(columns)
		args := make([]any, len(columns))
		for j, c := range columns {
			args[j] = row[c]
		}
		if _, err := w.db.Exec(ctx, InsertSQL(table, columns), args...); err != nil {
			failures = append(failures, core.Failure{Index: i, Reason: redact.Secrets(err.Error())})
		}
	}
	return failures, nil
}
