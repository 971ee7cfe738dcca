// Package record holds the validated in-memory representation of one signup
// pending enrichment.
package record

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Field names as they appear in warehouse rows and serialized payloads.
const (
	FieldEmail     = "email"
	FieldName      = "name"
	FieldGitHub    = "github"
	FieldCreatedAt = "created_at"
)

var emailRe = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// Diagnostic describes a field value that was rejected during validation.
type Diagnostic struct {
	Field  string
	Reason string
}

func (d Diagnostic) String() string {
	return d.Field + ": " + d.Reason
}

// Fields carries raw, unvalidated field values. A nil value means absent.
type Fields struct {
	Email     any
	Name      any
	GitHub    any
	CreatedAt any
}

// Record is one signup. Fields that failed validation are nil and the reason is
// kept in Diagnostics.
type Record struct {
	Email     *string
	Name      *string
	GitHub    *string
	CreatedAt *time.Time

	Diagnostics []Diagnostic
}

// New validates f and returns a Record. It never fails: invalid values are
// dropped and recorded as diagnostics.
func New(f Fields) Record {
	var r Record
	r.SetEmail(f.Email)
	r.SetName(f.Name)
	r.SetGitHub(f.GitHub)
	r.SetCreatedAt(f.CreatedAt)
	return r
}

// SetEmail validates v as an email address.
func (r *Record) SetEmail(v any) {
	s, ok := r.stringField(FieldEmail, v)
	if !ok {
		r.Email = nil
		return
	}
	if s == nil {
		r.Email = nil
		return
	}
	addr := strings.TrimSpace(*s)
	if !emailRe.MatchString(addr) {
		r.reject(FieldEmail, fmt.Sprintf("%q is not a valid email address", addr))
		r.Email = nil
		return
	}
	r.Email = &addr
}

// SetName validates v as a display name.
func (r *Record) SetName(v any) {
	s, _ := r.stringField(FieldName, v)
	r.Name = s
}

// SetGitHub validates v as a GitHub handle.
func (r *Record) SetGitHub(v any) {
	s, _ := r.stringField(FieldGitHub, v)
	r.GitHub = s
}

// SetCreatedAt validates v as a timestamp.
func (r *Record) SetCreatedAt(v any) {
	switch t := v.(type) {
	case nil:
		r.CreatedAt = nil
	case time.Time:
		r.CreatedAt = &t
	case *time.Time:
		if t == nil {
			r.CreatedAt = nil
			return
		}
		c := *t
		r.CreatedAt = &c
	default:
		r.reject(FieldCreatedAt, fmt.Sprintf("must be a timestamp, not %T", v))
		r.CreatedAt = nil
	}
}

// stringField returns (value, true) for string-typed input, (nil, true) for an
// absent value and (nil, false) after recording a diagnostic.
func (r *Record) stringField(field string, v any) (*string, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case string:
		return &t, true
	case *string:
		if t == nil {
			return nil, true
		}
		c := *t
		return &c, true
	default:
		r.reject(field, fmt.Sprintf("must be a string, not %T", v))
		return nil, false
	}
}

func (r *Record) reject(field, reason string) {
	r.Diagnostics = append(r.Diagnostics, Diagnostic{Field: field, Reason: reason})
	slog.Warn("record field rejected", "field", field, "reason", reason)
}

// Identifier returns the lookup key used against the enrichment API: the GitHub
// handle when present, else the email.
func (r Record) Identifier() (string, bool) {
	if r.GitHub != nil {
		return *r.GitHub, true
	}
	if r.Email != nil {
		return *r.Email, true
	}
	return "", false
}

// Serialize returns only the present fields. created_at is rendered as RFC 3339.
func (r Record) Serialize() map[string]any {
	out := make(map[string]any, 4)
	if r.Email != nil {
		out[FieldEmail] = *r.Email
	}
	if r.Name != nil {
		out[FieldName] = *r.Name
	}
	if r.GitHub != nil {
		out[FieldGitHub] = *r.GitHub
	}
	if r.CreatedAt != nil {
		out[FieldCreatedAt] = r.CreatedAt.Format(time.RFC3339)
	}
	return out
}

func (r Record) String() string {
	id, ok := r.Identifier()
	if !ok {
		return "record(<anonymous>)"
	}
	return "record(" + id + ")"
}
