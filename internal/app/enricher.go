// Package app runs one enrichment pass: signups are read from the warehouse,
// submitted to Orbit window by window, and the resulting profiles and ranked
// languages are appended back to the warehouse.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orbit-sync/signup-enricher/pkg/orbit"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/batch"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/core"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/schema"
	"github.com/orbit-sync/signup-enricher/pkg/record"
)

// Enricher submits one record to the enrichment API. *orbit.Client satisfies it.
type Enricher interface {
	AddMember(ctx context.Context, rec record.Record) orbit.Response
}

// Deduper remembers identifiers that were already enriched. *dedup.Filter satisfies it.
type Deduper interface {
	Seen(ctx context.Context, ids []string) ([]bool, error)
	Mark(ctx context.Context, ids []string) error
}

type Deps struct {
	Accessor   core.Accessor
	Integrator core.Integrator
	Orbit      Enricher

	// Dedup is optional. When set, identifiers enriched by an earlier run are skipped.
	Dedup Deduper

	Logger *slog.Logger
}

type Options struct {
	Window core.TimeWindow

	ProfilesTable  string
	LanguagesTable string

	Batch batch.Options

	// FlushPerWindow appends each window's rows as soon as it is processed
	// instead of once at the end of the run.
	FlushPerWindow bool

	Parse orbit.ParseOptions

	// RunID tags every log line. A random id is used when empty.
	RunID string
}

// Report summarizes one run.
type Report struct {
	RunID string

	Fetched      int
	Skipped      int
	Enriched     int
	EnrichFailed int
	Profiles     int
	Languages    int

	// Failures lists rows that could not be appended, by destination.
	Failures map[string][]core.Failure

	Batch    batch.Stats
	Duration time.Duration
}

// FailedRows is the number of rows that did not persist across all destinations.
func (r Report) FailedRows() int {
	n := 0
	for _, f := range r.Failures {
		n += len(f)
	}
	return n
}

// Log writes the run summary and every persistence failure.
func (r Report) Log(logger *slog.Logger) {
	logger.Info("run complete",
		"run", r.RunID,
		"fetched", r.Fetched,
		"skipped", r.Skipped,
		"enriched", r.Enriched,
		"enrich_failed", r.EnrichFailed,
		"profiles", r.Profiles,
		"languages", r.Languages,
		"windows", r.Batch.Windows,
		"duration", r.Duration.Round(time.Millisecond).String(),
	)
	for dest, failures := range r.Failures {
		logger.Warn("rows failed to persist", "run", r.RunID, "destination", dest, "failed", len(failures))
		for _, f := range failures {
			logger.Warn("row failure", "run", r.RunID, "destination", dest, "failure", f.String())
		}
	}
}

// run holds the state accumulated by the processing task. Only that task
// touches it, so it needs no locking.
type run struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	report Report

	profiles   []map[string]any
	languages  []core.Rower
	profileIDs []string
}

// Run executes one enrichment pass. It returns an error only when the run
// cannot proceed at all; per-item and per-row problems end up in the Report.
func Run(ctx context.Context, deps Deps, opts Options) (Report, error) {
	start := time.Now()
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run", opts.RunID)

	r := &run{
		deps:   deps,
		opts:   opts,
		logger: logger,
		report: Report{RunID: opts.RunID, Failures: map[string][]core.Failure{}},
	}

	logger.Info("run start",
		"window", opts.Window.String(),
		"profiles_table", opts.ProfilesTable,
		"languages_table", opts.LanguagesTable,
		"window_size", opts.Batch.WindowSize,
		"cooldown", opts.Batch.Cooldown.String(),
		"mode", opts.Batch.Mode.String(),
		"flush_per_window", opts.FlushPerWindow,
	)

	fetchStart := time.Now()
	recs, err := deps.Accessor.Fetch(ctx, opts.Window)
	if err != nil {
		return r.report, fmt.Errorf("fetch signups: %w", err)
	}
	r.report.Fetched = len(recs)
	diagnostics := 0
	for _, rec := range recs {
		diagnostics += len(rec.Diagnostics)
	}
	logger.Info("signups loaded", "records", len(recs), "diagnostics", diagnostics, "duration", time.Since(fetchStart).Round(time.Millisecond).String())

	recs = r.skipSeen(ctx, recs)
	if len(recs) == 0 {
		r.report.Duration = time.Since(start)
		return r.report, nil
	}

	if err := r.prepare(ctx); err != nil {
		return r.report, err
	}

	bopts := opts.Batch
	bopts.Logger = logger
	stats, err := batch.Run(ctx, recs, newTracedEnricher(deps.Orbit, logger).AddMember, r.process, bopts)
	r.report.Batch = stats
	if err != nil {
		return r.report, err
	}
	if !opts.FlushPerWindow {
		r.flush(ctx)
	}
	r.report.Duration = time.Since(start)
	return r.report, nil
}

// skipSeen drops records whose identifier was enriched by an earlier run. A
// dedup outage is logged and every record is kept.
func (r *run) skipSeen(ctx context.Context, recs []record.Record) []record.Record {
	if r.deps.Dedup == nil || len(recs) == 0 {
		return recs
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i], _ = rec.Identifier()
	}
	seen, err := r.deps.Dedup.Seen(ctx, ids)
	if err != nil {
		r.logger.Warn("dedup lookup failed; enriching all records", "error", err)
		return recs
	}
	kept := recs[:0:0]
	for i, rec := range recs {
		if seen[i] && ids[i] != "" {
			r.report.Skipped++
			continue
		}
		kept = append(kept, rec)
	}
	if r.report.Skipped > 0 {
		r.logger.Info("skipping already enriched signups", "skipped", r.report.Skipped, "remaining", len(kept))
	}
	return kept
}

func (r *run) prepare(ctx context.Context) error {
	p, ok := r.deps.Integrator.(core.Preparer)
	if !ok {
		return nil
	}
	for _, t := range []struct {
		dest     string
		contract schema.TableContract
	}{
		{r.opts.ProfilesTable, schema.Profiles()},
		{r.opts.LanguagesTable, schema.Languages()},
	} {
		if t.dest == "" {
			continue
		}
		if err := p.Prepare(ctx, t.dest, t.contract); err != nil {
			return fmt.Errorf("prepare %s: %w", t.dest, err)
		}
	}
	return nil
}

// process is the scheduler's processing task for one window.
func (r *run) process(ctx context.Context, w batch.Window[record.Record, orbit.Response]) error {
	for i, resp := range w.Results {
		rec := w.Items[i]
		out := orbit.ParseWith(rec, resp, r.opts.Parse)
		if out.Empty() {
			r.report.EnrichFailed++
			r.logger.Debug("no enrichment outcome", "record", rec.String(), "kind", resp.Kind.String(), "status", resp.StatusCode)
			continue
		}
		r.report.Enriched++
		r.profiles = append(r.profiles, out.Profile)
		id, _ := rec.Identifier()
		r.profileIDs = append(r.profileIDs, id)
		for _, l := range out.Languages {
			r.languages = append(r.languages, l)
		}
	}
	r.logger.Info("window processed",
		"window", w.Index,
		"items", len(w.Items),
		"enriched", r.report.Enriched,
		"enrich_failed", r.report.EnrichFailed,
	)
	if r.opts.FlushPerWindow {
		r.flush(ctx)
	}
	return ctx.Err()
}

// flush appends everything accumulated since the last flush and marks the
// identifiers whose profile row persisted.
func (r *run) flush(ctx context.Context) {
	profiles, languages, ids := r.profiles, r.languages, r.profileIDs
	r.profiles, r.languages, r.profileIDs = nil, nil, nil

	pjob := core.NewInsertJob("profiles", r.opts.ProfilesTable, profiles)
	pfail := core.Execute(ctx, r.deps.Integrator, pjob, r.logger)
	r.record(pjob, pfail)

	ljob := core.NewInsertJob("languages", r.opts.LanguagesTable, languages)
	lfail := core.Execute(ctx, r.deps.Integrator, ljob, r.logger)
	r.record(ljob, lfail)

	r.markEnriched(ctx, pjob, ids, pfail)
}

func (r *run) record(job core.InsertJob, failures []core.Failure) {
	n := len(job.Rows) - len(failures)
	if job.Destination == "" {
		n = 0
	}
	switch job.Name {
	case "profiles":
		r.report.Profiles += n
	case "languages":
		r.report.Languages += n
	}
	if len(failures) > 0 {
		r.report.Failures[job.Destination] = append(r.report.Failures[job.Destination], failures...)
	}
}

func (r *run) markEnriched(ctx context.Context, job core.InsertJob, ids []string, failures []core.Failure) {
	if r.deps.Dedup == nil || job.Destination == "" || len(ids) == 0 {
		return
	}
	failed := make(map[int]bool, len(failures))
	for _, f := range failures {
		failed[f.Index] = true
	}
	done := make([]string, 0, len(ids))
	for i, id := range ids {
		if id != "" && !failed[i] {
			done = append(done, id)
		}
	}
	if err := r.deps.Dedup.Mark(ctx, done); err != nil {
		r.logger.Warn("dedup mark failed", "ids", len(done), "error", err)
	}
}
