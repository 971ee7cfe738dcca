package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-sync/signup-enricher/pkg/pipeline/core"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/schema"
	"github.com/orbit-sync/signup-enricher/pkg/warehouse/postgres"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	failArg any

	// cancel runs once cancelAfter statements have executed.
	cancel      context.CancelFunc
	cancelAfter int
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.cancel != nil && len(f.execs) == f.cancelAfter {
		f.cancel()
	}
	for _, a := range args {
		if f.failArg != nil && a == f.failArg {
			return pgconn.CommandTag{}, errors.New(`ERROR: value too long for type character varying(8) (SQLSTATE 22001)`)
		}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestWindowQuery(t *testing.T) {
	t.Parallel()

	got := postgres.WindowQuery("SELECT email, name, github, created_at FROM users;", "created_at")
	assert.Equal(t,
		`SELECT * FROM (SELECT email, name, github, created_at FROM users) AS signups WHERE "created_at" >= $1 AND "created_at" < $2`,
		got)

	// Column names cannot break out of the identifier.
	got = postgres.WindowQuery("SELECT 1", `x" OR 1=1 --`)
	assert.Contains(t, got, `"x"" OR 1=1 --"`)
}

func TestParseTable(t *testing.T) {
	t.Parallel()

	id, err := postgres.ParseTable("analytics.orbit_profiles")
	require.NoError(t, err)
	assert.Equal(t, `"analytics"."orbit_profiles"`, id.Sanitize())

	id, err = postgres.ParseTable("languages")
	require.NoError(t, err)
	assert.Equal(t, `"languages"`, id.Sanitize())

	for _, bad := range []string{"", "a..b", "a.b.c", ".x"} {
		_, err := postgres.ParseTable(bad)
		assert.Error(t, err, bad)
	}
}

func TestCreateTableSQL(t *testing.T) {
	t.Parallel()

	got := postgres.CreateTableSQL(pgx.Identifier{"languages"}, schema.Languages())
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS \"languages\" (\n"+
		"\t\"github\" TEXT,\n"+
		"\t\"language\" TEXT NOT NULL,\n"+
		"\t\"rank\" BIGINT NOT NULL\n)", got)

	assert.Contains(t, postgres.CreateTableSQL(pgx.Identifier{"p"}, schema.Profiles()), `"signup_date" TIMESTAMPTZ`)
}

func TestAppend_RowsFailIndependently(t *testing.T) {
	t.Parallel()

	db := &fakeDB{failArg: "averyveryverylongname"}
	wh := postgres.New(db, postgres.Options{})

	failures, err := wh.Append(context.Background(), "public.languages", []map[string]any{
		{"github": "octocat", "language": "Go", "rank": 1},
		{"github": "averyveryverylongname", "language": "Go", "rank": 1},
		{},
		{"github": "octocat", "language": "Rust", "rank": 2},
	})
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, 1, failures[0].Index)
	assert.Contains(t, failures[0].Reason, "SQLSTATE 22001")
	assert.Equal(t, core.Failure{Index: 2, Reason: "empty row"}, failures[1])

	require.Len(t, db.execs, 3)
	assert.Equal(t, `INSERT INTO "public"."languages" ("github", "language", "rank") VALUES ($1, $2, $3)`, db.execs[0].sql)
	assert.Equal(t, []any{"octocat", "Rust", 2}, db.execs[2].args)
}

func TestAppend_CancelledMidwayKeepsCommittedRows(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := &fakeDB{cancel: cancel, cancelAfter: 2}
	wh := postgres.New(db, postgres.Options{})

	failures, err := wh.Append(ctx, "profiles", []map[string]any{
		{"github": "a"}, {"github": "b"}, {"github": "c"}, {"github": "d"},
	})
	require.NoError(t, err)
	require.Len(t, db.execs, 2)
	require.Len(t, failures, 2)
	assert.Equal(t, 2, failures[0].Index)
	assert.Equal(t, 3, failures[1].Index)
	assert.Contains(t, failures[0].Reason, context.Canceled.Error())
}

func TestAppend_InvalidDestination(t *testing.T) {
	t.Parallel()

	_, err := postgres.New(&fakeDB{}, postgres.Options{}).Append(context.Background(), "a.b.c", []map[string]any{{"x": 1}})
	assert.Error(t, err)
}

func TestPrepare_CreatesTable(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	require.NoError(t, postgres.New(db, postgres.Options{}).Prepare(context.Background(), "profiles", schema.Profiles()))
	require.Len(t, db.execs, 1)
	assert.True(t, strings.HasPrefix(db.execs[0].sql, `CREATE TABLE IF NOT EXISTS "profiles"`))
}

func TestFetch_EmptyQueryIsNoop(t *testing.T) {
	t.Parallel()

	recs, err := postgres.New(&fakeDB{}, postgres.Options{}).Fetch(context.Background(), core.DefaultTimeWindow(time.Now()))
	require.NoError(t, err)
	assert.Empty(t, recs)
}
