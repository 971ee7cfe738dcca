package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/orbit-sync/signup-enricher/pkg/orbit"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/redact"
	"github.com/orbit-sync/signup-enricher/pkg/record"
)

// tracedEnricher logs every enrichment request and its outcome at debug level.
type tracedEnricher struct {
	next   Enricher
	logger *slog.Logger
}

func newTracedEnricher(next Enricher, logger *slog.Logger) *tracedEnricher {
	return &tracedEnricher{next: next, logger: logger}
}

func (t *tracedEnricher) AddMember(ctx context.Context, rec record.Record) orbit.Response {
	reqJSON, _ := json.Marshal(rec.Serialize())

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logger.Debug("enrich request", "record", rec.String(), "deadline_in", deadlineIn, "request", string(reqJSON))

	start := time.Now()
	resp := t.next.AddMember(ctx, rec)
	elapsed := time.Since(start).Round(time.Millisecond)

	if !resp.OK() {
		errText := ""
		if resp.Err != nil {
			errText = redact.Secrets(resp.Err.Error())
		}
		t.logger.Debug("enrich response",
			"record", rec.String(),
			"duration", elapsed.String(),
			"kind", resp.Kind.String(),
			"status", resp.StatusCode,
			"error", errText,
		)
		return resp
	}

	attrs, _ := resp.Attributes()
	t.logger.Debug("enrich response",
		"record", rec.String(),
		"duration", elapsed.String(),
		"kind", resp.Kind.String(),
		"status", resp.StatusCode,
		"attributes", len(attrs),
	)
	return resp
}
