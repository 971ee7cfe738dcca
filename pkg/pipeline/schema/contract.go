// Package schema holds the logical table contracts shared by the warehouse
// adapters: the signup input table and the two enrichment outputs.
package schema

import (
	"fmt"
	"strings"
)

// FieldType is a warehouse-neutral column type.
type FieldType string

const (
	TypeString    FieldType = "STRING"
	TypeInteger   FieldType = "INTEGER"
	TypeFloat     FieldType = "FLOAT"
	TypeTimestamp FieldType = "TIMESTAMP"
)

// Field captures the minimal behavior-relevant schema fields.
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// TableContract is the logical schema of one table.
type TableContract struct {
	Name   string
	Fields []Field
}

// Columns returns the field names in order.
func (c TableContract) Columns() []string {
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Name
	}
	return out
}

// Field looks up a field by name, case-insensitively.
func (c TableContract) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// RequireColumns checks that header carries every non-nullable field of c.
func (c TableContract) RequireColumns(header []string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.ToLower(strings.TrimSpace(h))] = true
	}
	var missing []string
	for _, f := range c.Fields {
		if !f.Nullable && !have[strings.ToLower(f.Name)] {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing required column(s) %s", c.Name, strings.Join(missing, ", "))
	}
	return nil
}

// Signups is the input table. Any one of email or github is enough to enrich a
// row, so only created_at (the window column) is required.
func Signups() TableContract {
	return TableContract{Name: "signups", Fields: []Field{
		{Name: "email", Type: TypeString, Nullable: true},
		{Name: "name", Type: TypeString, Nullable: true},
		{Name: "github", Type: TypeString, Nullable: true},
		{Name: "created_at", Type: TypeTimestamp},
	}}
}

// Profiles is the enriched member profile output.
func Profiles() TableContract {
	return TableContract{Name: "profiles", Fields: []Field{
		{Name: "github", Type: TypeString, Nullable: true},
		{Name: "name", Type: TypeString, Nullable: true},
		{Name: "company", Type: TypeString, Nullable: true},
		{Name: "location", Type: TypeString, Nullable: true},
		{Name: "bio", Type: TypeString, Nullable: true},
		{Name: "birthday", Type: TypeString, Nullable: true},
		{Name: "orbit_love", Type: TypeString, Nullable: true},
		{Name: "orbit_level", Type: TypeInteger, Nullable: true},
		{Name: "orbit_activities", Type: TypeInteger, Nullable: true},
		{Name: "orbit_reach", Type: TypeInteger, Nullable: true},
		{Name: "github_followers", Type: TypeInteger, Nullable: true},
		{Name: "twitter_followers", Type: TypeInteger, Nullable: true},
		{Name: "twitter", Type: TypeString, Nullable: true},
		{Name: "linkedin", Type: TypeString, Nullable: true},
		{Name: "discourse", Type: TypeString, Nullable: true},
		{Name: "email", Type: TypeString, Nullable: true},
		{Name: "devto", Type: TypeString, Nullable: true},
		{Name: "signup_date", Type: TypeTimestamp, Nullable: true},
	}}
}

// Languages is the ranked language output, one row per member and language.
func Languages() TableContract {
	return TableContract{Name: "languages", Fields: []Field{
		{Name: "github", Type: TypeString, Nullable: true},
		{Name: "language", Type: TypeString},
		{Name: "rank", Type: TypeInteger},
	}}
}
