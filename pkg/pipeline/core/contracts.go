// Package core defines the warehouse contracts the enrichment run is written
// against: an Accessor that yields signup records for a time window and an
// Integrator that appends rows to a named destination.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orbit-sync/signup-enricher/pkg/pipeline/redact"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/schema"
	"github.com/orbit-sync/signup-enricher/pkg/record"
)

// Accessor loads signup records created inside a time window.
type Accessor interface {
	Fetch(ctx context.Context, window TimeWindow) ([]record.Record, error)
}

// Integrator appends rows to a destination table or stream.
//
// Each row succeeds or fails on its own; failed rows are returned, never retried.
// A non-nil error means the call as a whole could not be made.
type Integrator interface {
	Append(ctx context.Context, destination string, rows []map[string]any) ([]Failure, error)
}

// Preparer is implemented by integrators that can create a destination ahead
// of the first append.
type Preparer interface {
	Prepare(ctx context.Context, destination string, contract schema.TableContract) error
}

// Failure describes one row that could not be appended.
type Failure struct {
	// Index is the row's position in the appended slice, or -1 when unknown.
	Index  int
	Reason string
}

// Unattempted reports rows [from, total) as failed because of cause. Integrators
// use it when ctx ends mid-append: earlier rows already landed and must not be
// reported with them.
func Unattempted(from, total int, cause error) []Failure {
	if from >= total {
		return nil
	}
	reason := "not attempted: " + redact.Secrets(cause.Error())
	out := make([]Failure, 0, total-from)
	for i := from; i < total; i++ {
		out = append(out, Failure{Index: i, Reason: reason})
	}
	return out
}

func (f Failure) String() string {
	if f.Index < 0 {
		return f.Reason
	}
	return fmt.Sprintf("row %d: %s", f.Index, f.Reason)
}

// TimeWindow is the half-open interval [Start, End) used to select new signups.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// DefaultTimeWindow spans the day before now: previous midnight to today's midnight
// in now's location.
func DefaultTimeWindow(now time.Time) TimeWindow {
	y, m, d := now.Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return TimeWindow{Start: end.AddDate(0, 0, -1), End: end}
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w TimeWindow) String() string {
	return w.Start.Format(time.RFC3339) + "/" + w.End.Format(time.RFC3339)
}

// Rower is implemented by values that render themselves as a warehouse row.
type Rower interface {
	Row() map[string]any
}

// InsertJob is one batch of rows bound for a destination.
type InsertJob struct {
	Name        string
	Destination string
	Rows        []map[string]any

	// Diagnostics lists coercions applied while building the job.
	Diagnostics []string
}

// NewInsertJob builds a job from loosely typed input. A destination that is not
// a string becomes "" and a payload that is not a list of rows becomes empty;
// both leave a diagnostic instead of failing.
func NewInsertJob(name string, destination any, payload any) InsertJob {
	job := InsertJob{Name: name}

	switch d := destination.(type) {
	case string:
		job.Destination = d
	default:
		job.Diagnostics = append(job.Diagnostics, fmt.Sprintf("destination must be a string, not %T; using empty destination", destination))
	}

	switch p := payload.(type) {
	case nil:
		job.Rows = []map[string]any{}
	case []map[string]any:
		job.Rows = p
	case []Rower:
		job.Rows = make([]map[string]any, 0, len(p))
		for _, r := range p {
			job.Rows = append(job.Rows, r.Row())
		}
	case []any:
		job.Rows = make([]map[string]any, 0, len(p))
		for i, v := range p {
			switch row := v.(type) {
			case map[string]any:
				job.Rows = append(job.Rows, row)
			case Rower:
				job.Rows = append(job.Rows, row.Row())
			default:
				job.Diagnostics = append(job.Diagnostics, fmt.Sprintf("payload item %d must be a row mapping, not %T; skipped", i, v))
			}
		}
	default:
		job.Rows = []map[string]any{}
		job.Diagnostics = append(job.Diagnostics, fmt.Sprintf("payload must be a list of rows, not %T; using empty payload", payload))
	}
	return job
}

// Execute appends job through integ and returns the rows that failed.
//
// Execute never returns an error: a whole-call failure is reported as one
// Failure per row so the caller's report stays per-row.
func Execute(ctx context.Context, integ Integrator, job InsertJob, logger *slog.Logger) []Failure {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job", job.Name, "destination", job.Destination)

	for _, d := range job.Diagnostics {
		logger.Warn("insert job coerced", "diagnostic", d)
	}
	if job.Destination == "" {
		logger.Warn("insert job has no destination; skipping", "rows", len(job.Rows))
		return nil
	}
	if len(job.Rows) == 0 {
		logger.Info("insert job has no rows; skipping")
		return nil
	}

	start := time.Now()
	failures, err := integ.Append(ctx, job.Destination, job.Rows)
	if err != nil {
		reason := redact.Secrets(err.Error())
		logger.Error("append failed", "rows", len(job.Rows), "error", reason)
		failures = make([]Failure, len(job.Rows))
		for i := range job.Rows {
			failures[i] = Failure{Index: i, Reason: reason}
		}
		return failures
	}
	logger.Info("append complete",
		"rows", len(job.Rows),
		"failed", len(failures),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return failures
}
