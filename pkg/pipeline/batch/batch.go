// Package batch runs a dispatch function over an input slice in fixed-size
// windows separated by a mandatory cooldown.
//
// Each window is dispatched as a unit (concurrently by default) and joined
// before anything else happens. The cooldown for the next window then runs
// concurrently with processing of the window that just completed, so the wall
// clock per window is roughly max(cooldown, processing) rather than their sum.
// Windows never overlap: window N+1 is dispatched only after window N's
// processing and cooldown have both finished.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultWindowSize = 120
	DefaultCooldown   = time.Minute
)

// Mode selects how the items of one window are dispatched.
type Mode int

const (
	// ModeConcurrent issues every request of a window at once.
	ModeConcurrent Mode = iota
	// ModeSequential issues the requests of a window one after another.
	ModeSequential
)

func (m Mode) String() string {
	if m == ModeSequential {
		return "sequential"
	}
	return "concurrent"
}

// ParseMode maps "concurrent" (default) or "sequential" onto a Mode.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "concurrent", "async":
		return ModeConcurrent, nil
	case "sequential", "sync":
		return ModeSequential, nil
	default:
		return ModeConcurrent, fmt.Errorf("invalid dispatch mode %q (expected concurrent|sequential)", raw)
	}
}

type Options struct {
	// WindowSize is the number of items dispatched per window. Defaults to 120.
	WindowSize int

	// Cooldown is the pause enforced between dispatching successive windows.
	// Defaults to one minute. Set <0 to disable.
	Cooldown time.Duration

	Mode Mode

	// RequestRPS paces individual dispatches inside a window. Set to <=0 to disable.
	RequestRPS float64

	// Sleep waits for d or until ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.Cooldown == 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Window is one contiguous slice of the input together with its results.
// Results[i] belongs to Items[i].
type Window[In any, Out any] struct {
	Index   int
	Lower   int
	Items   []In
	Results []Out
}

// Upper is the exclusive upper bound of the window in the input slice.
func (w Window[In, Out]) Upper() int {
	return w.Lower + len(w.Items)
}

// Stats summarizes a run.
type Stats struct {
	Items       int
	Windows     int
	Cooldowns   int
	WindowSizes []int
}

// Run dispatches items window by window and hands every completed window to
// process.
//
// dispatch must not fail: per-item failures are encoded in Out. An error from
// process aborts the run; windows already processed are not rolled back.
func Run[In any, Out any](
	ctx context.Context,
	items []In,
	dispatch func(context.Context, In) Out,
	process func(context.Context, Window[In, Out]) error,
	opts Options,
) (Stats, error) {
	opts = opts.withDefaults()
	logger := opts.Logger

	var limiter *rate.Limiter
	if opts.RequestRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestRPS), 1)
	}

	stats := Stats{Items: len(items)}
	for lower, idx := 0, 0; lower < len(items); lower, idx = lower+opts.WindowSize, idx+1 {
		upper := min(lower+opts.WindowSize, len(items))
		win := Window[In, Out]{
			Index: idx,
			Lower: lower,
			Items: items[lower:upper],
		}

		logger.Info("dispatching window",
			"window", idx,
			"from", lower+1,
			"to", upper,
			"mode", opts.Mode.String(),
		)
		dispatchStart := time.Now()
		results, err := dispatchWindow(ctx, win.Items, dispatch, limiter, opts.Mode)
		if err != nil {
			return stats, err
		}
		win.Results = results
		stats.Windows++
		stats.WindowSizes = append(stats.WindowSizes, len(win.Items))
		logger.Info("window dispatched",
			"window", idx,
			"from", lower+1,
			"to", upper,
			"duration", time.Since(dispatchStart).Round(time.Millisecond),
		)

		final := lower+opts.WindowSize >= len(items)

		coolCtx, cancelCool := context.WithCancel(ctx)
		var cooling errgroup.Group
		if !final && opts.Cooldown > 0 {
			stats.Cooldowns++
			cooling.Go(func() error {
				logger.Info("cooling down to stay under the rate limit", "window", idx, "cooldown", opts.Cooldown)
				if err := opts.Sleep(coolCtx, opts.Cooldown); err != nil {
					return err
				}
				logger.Info("cooldown complete", "window", idx)
				return nil
			})
		}

		var processing errgroup.Group
		processing.Go(func() error {
			return process(ctx, win)
		})

		if err := processing.Wait(); err != nil {
			cancelCool()
			_ = cooling.Wait()
			return stats, fmt.Errorf("process window %d (%d-%d): %w", idx, lower+1, upper, err)
		}
		logger.Info("window processed", "window", idx, "from", lower+1, "to", upper)

		err = cooling.Wait()
		cancelCool()
		if err != nil {
			return stats, fmt.Errorf("cooldown after window %d: %w", idx, err)
		}
	}
	return stats, nil
}

func dispatchWindow[In any, Out any](
	ctx context.Context,
	items []In,
	dispatch func(context.Context, In) Out,
	limiter *rate.Limiter,
	mode Mode,
) ([]Out, error) {
	out := make([]Out, len(items))
	if len(items) == 0 {
		return out, nil
	}

	var g errgroup.Group
	if mode == ModeSequential {
		g.SetLimit(1)
	} else {
		g.SetLimit(len(items))
	}
	for i, item := range items {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
			}
			out[i] = dispatch(ctx, item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
