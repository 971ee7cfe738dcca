package orbit

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/orbit-sync/signup-enricher/pkg/record"
)

// Kind tags the variant held by a Response.
type Kind int

const (
	// KindFailure is a non-2xx status or a transport error.
	KindFailure Kind = iota
	// KindMalformed is a 2xx status whose body is not a JSON object.
	KindMalformed
	// KindSuccess is a 2xx status with a JSON object body.
	KindSuccess
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindMalformed:
		return "malformed"
	default:
		return "failure"
	}
}

// Response is the outcome of one Orbit call.
type Response struct {
	Kind       Kind
	StatusCode int
	Body       map[string]any
	Err        error
}

// OK reports whether the call succeeded.
func (r Response) OK() bool {
	return r.Kind == KindSuccess
}

// Attributes returns data.attributes from a successful response.
func (r Response) Attributes() (map[string]any, bool) {
	if r.Kind != KindSuccess {
		return nil, false
	}
	data, ok := r.Body["data"].(map[string]any)
	if !ok {
		return nil, false
	}
	attrs, ok := data["attributes"].(map[string]any)
	return attrs, ok
}

// Decode classifies a raw HTTP status and body.
func Decode(status int, body []byte) Response {
	if status/100 != 2 {
		return Response{Kind: KindFailure, StatusCode: status, Err: fmt.Errorf("orbit api status %d", status)}
	}
	if len(body) == 0 {
		return Response{Kind: KindSuccess, StatusCode: status, Body: map[string]any{}}
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return Response{Kind: KindMalformed, StatusCode: status, Err: fmt.Errorf("decode orbit response: %w", err)}
	}
	if m == nil {
		m = map[string]any{}
	}
	return Response{Kind: KindSuccess, StatusCode: status, Body: m}
}

// Language is one ranked language of a member.
type Language struct {
	GitHub   any
	Language string
	Rank     int
}

// Row renders l as a warehouse row.
func (l Language) Row() map[string]any {
	return map[string]any{
		"github":   l.GitHub,
		"language": l.Language,
		"rank":     l.Rank,
	}
}

// Outcome is the parsed (profile, languages) pair of one response. Both are nil
// when the response carried nothing usable.
type Outcome struct {
	Profile   map[string]any
	Languages []Language
}

// Empty reports whether o should be skipped by downstream aggregation.
func (o Outcome) Empty() bool {
	return o.Profile == nil && o.Languages == nil
}

// DefaultKeys is the allow-list of member attributes kept in a profile.
func DefaultKeys() []string {
	return []string{
		"github",
		"name",
		"company",
		"location",
		"bio",
		"birthday",
		"love",
		"orbit_level",
		"activities_count",
		"reach",
		"github_followers",
		"twitter_followers",
		"twitter",
		"linkedin",
		"discourse",
		"email",
		"devto",
	}
}

// DefaultRename maps response attribute names onto warehouse column names.
func DefaultRename() map[string]string {
	return map[string]string{
		"activities_count": "orbit_activities",
		"reach":            "orbit_reach",
		"love":             "orbit_love",
	}
}

// ParseOptions customizes Parse. Nil fields fall back to the defaults.
type ParseOptions struct {
	Keys   []string
	Rename map[string]string
}

// Parse extracts the profile and ranked languages from resp using the default
// allow-list and rename table. rec is the signup the call was made for; its
// creation time becomes the profile's signup_date.
func Parse(rec record.Record, resp Response) Outcome {
	return ParseWith(rec, resp, ParseOptions{})
}

// ParseWith is Parse with a custom allow-list and rename table.
func ParseWith(rec record.Record, resp Response, opts ParseOptions) Outcome {
	attrs, ok := resp.Attributes()
	if !ok {
		return Outcome{}
	}
	keys := opts.Keys
	if keys == nil {
		keys = DefaultKeys()
	}
	rename := opts.Rename
	if rename == nil {
		rename = DefaultRename()
	}

	profile := make(map[string]any, len(keys)+1)
	for _, k := range keys {
		profile[k] = attrs[k]
	}
	// Collect first so chained or swapped renames see the original values.
	renamed := make(map[string]any, len(rename))
	for from, to := range rename {
		if v, ok := profile[from]; ok {
			renamed[to] = v
		}
	}
	for from := range rename {
		delete(profile, from)
	}
	maps.Copy(profile, renamed)
	if rec.CreatedAt != nil {
		profile["signup_date"] = rec.CreatedAt.UTC().Format(time.RFC3339)
	}

	github := attrs["github"]
	langs := []Language{}
	if raw, ok := attrs["languages"].([]any); ok {
		for i, v := range raw {
			name, ok := v.(string)
			if !ok {
				name = fmt.Sprint(v)
			}
			langs = append(langs, Language{GitHub: github, Language: name, Rank: i + 1})
		}
	}

	return Outcome{Profile: profile, Languages: langs}
}
