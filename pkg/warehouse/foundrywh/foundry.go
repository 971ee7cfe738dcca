// Package foundrywh backs the enrichment run with Foundry: signups are read
// from a dataset via readTable and outputs are appended to streams, one JSON
// record per row.
package foundrywh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/orbit-sync/signup-enricher/pkg/foundry"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/core"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/redact"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/schema"
	"github.com/orbit-sync/signup-enricher/pkg/record"
	"github.com/orbit-sync/signup-enricher/pkg/warehouse/local"
)

// Resolver maps a table name (alias or RID) onto a dataset reference.
// foundry.Env implements it.
type Resolver interface {
	Ref(name string) (foundry.DatasetRef, error)
}

// Warehouse implements core.Accessor and core.Integrator against Foundry.
type Warehouse struct {
	client *foundry.Client
	refs   Resolver
	logger *slog.Logger
}

// New returns a warehouse using client. refs resolves foundry.InputAlias and
// the destination names handed to Prepare and Append.
func New(client *foundry.Client, refs Resolver, logger *slog.Logger) *Warehouse {
	if logger == nil {
		logger = slog.Default()
	}
	return &Warehouse{
		client: client,
		refs:   refs,
		logger: logger.With("component", "foundry"),
	}
}

// Fetch reads the input dataset and returns the records created inside window.
func (w *Warehouse) Fetch(ctx context.Context, window core.TimeWindow) ([]record.Record, error) {
	ref, err := w.refs.Ref(foundry.InputAlias)
	if err != nil {
		return nil, err
	}

	var body []byte
	err = retryTransient(ctx, 8, 200*time.Millisecond, func() error {
		var err error
		body, err = w.client.ReadSignupsCSV(ctx, ref)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read input dataset: %w", err)
	}

	rows, err := local.ReadCSV(bytes.NewReader(body), schema.Signups())
	if err != nil {
		return nil, fmt.Errorf("parse input dataset: %w", err)
	}
	recs := local.FilterWindow(rows, window)
	w.logger.Info("input dataset read", "rid", ref.RID, "rows", len(rows), "in_window", len(recs))
	return recs, nil
}

// Prepare checks that destination resolves to a stream.
func (w *Warehouse) Prepare(ctx context.Context, destination string, _ schema.TableContract) error {
	ref, err := w.refs.Ref(destination)
	if err != nil {
		return err
	}
	var ok bool
	err = retryTransient(ctx, 8, 200*time.Millisecond, func() error {
		var err error
		ok, err = w.client.StreamExists(ctx, ref)
		return err
	})
	if err != nil {
		return fmt.Errorf("check stream %s: %w", destination, err)
	}
	if !ok {
		return fmt.Errorf("foundry destination %q (%s) is not a stream", destination, ref.RID)
	}
	return nil
}

// Append publishes each row as one stream record. A rejected row is reported
// and the remaining rows are still published; nothing is retried. Once ctx is
// done the rows not yet published are reported as failures, so rows already
// on the stream keep counting as persisted.
func (w *Warehouse) Append(ctx context.Context, destination string, rows []map[string]any) ([]core.Failure, error) {
	ref, err := w.refs.Ref(destination)
	if err != nil {
		return nil, err
	}

	var failures []core.Failure
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return append(failures, core.Unattempted(i, len(rows), err)...), nil
		}
		if err := w.client.AppendRow(ctx, ref, row); err != nil {
			failures = append(failures, core.Failure{Index: i, Reason: redact.Secrets(err.Error())})
		}
	}
	return failures, nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *foundry.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

// retryTransient retries f with capped exponential backoff. Only read paths use it.
func retryTransient(ctx context.Context, attempts int, initialSleep time.Duration, f func() error) error {
	sleep := initialSleep
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = f()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || i == attempts-1 {
			return lastErr
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		sleep = min(sleep*2, 2*time.Second)
	}
	return lastErr
}
