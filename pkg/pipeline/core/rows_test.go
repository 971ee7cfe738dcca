package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-sync/signup-enricher/pkg/pipeline/core"
)

func TestRecordFromRow(t *testing.T) {
	t.Parallel()

	rec := core.RecordFromRow(map[string]any{
		"email":      " alice@example.com ",
		"name":       "Alice",
		"github":     "",
		"created_at": "2024-01-02 03:04:05",
		"extra":      "ignored",
	})
	require.NotNil(t, rec.Email)
	assert.Equal(t, "alice@example.com", *rec.Email)
	assert.Nil(t, rec.GitHub)
	require.NotNil(t, rec.CreatedAt)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), *rec.CreatedAt)
	assert.Empty(t, rec.Diagnostics)
}

func TestRecordFromRow_InvalidValuesAreDiagnosed(t *testing.T) {
	t.Parallel()

	rec := core.RecordFromRow(map[string]any{
		"email":      "not-an-email",
		"github":     int64(7),
		"created_at": "yesterday",
	})
	assert.Nil(t, rec.Email)
	assert.Nil(t, rec.GitHub)
	assert.Nil(t, rec.CreatedAt)
	assert.Len(t, rec.Diagnostics, 3)
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"2024-01-02T03:04:05Z",
		"2024-01-02T03:04:05.123456Z",
		"2024-01-02 03:04:05+00:00",
		"2024-01-02 03:04:05 UTC",
		"2024-01-02",
	} {
		got, ok := core.ParseTime(in)
		assert.True(t, ok, in)
		assert.Equal(t, 2024, got.Year(), in)
	}
	_, ok := core.ParseTime("02/01/2024")
	assert.False(t, ok)
}
