package core

import (
	"strings"
	"time"

	"github.com/orbit-sync/signup-enricher/pkg/record"
)

// timeLayouts are the created_at renderings seen in CSV exports and text columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses a textual timestamp. Timestamps without a zone are UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// RecordFromRow builds a record from a warehouse row keyed by column name.
//
// Empty strings count as absent. A textual created_at is parsed here; values
// that still are not timestamps are left for record validation to reject.
func RecordFromRow(row map[string]any) record.Record {
	created := blankToNil(row[record.FieldCreatedAt])
	if s, ok := created.(string); ok {
		if t, ok := ParseTime(s); ok {
			created = t
		}
	}
	return record.New(record.Fields{
		Email:     blankToNil(row[record.FieldEmail]),
		Name:      blankToNil(row[record.FieldName]),
		GitHub:    blankToNil(row[record.FieldGitHub]),
		CreatedAt: created,
	})
}

func blankToNil(v any) any {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return strings.TrimSpace(t)
	case *string:
		if t == nil || strings.TrimSpace(*t) == "" {
			return nil
		}
		return strings.TrimSpace(*t)
	}
	return v
}
