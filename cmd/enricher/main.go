package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/orbit-sync/signup-enricher/internal/app"
	"github.com/orbit-sync/signup-enricher/internal/config"
	"github.com/orbit-sync/signup-enricher/internal/logging"
	"github.com/orbit-sync/signup-enricher/internal/version"
	"github.com/orbit-sync/signup-enricher/pkg/orbit"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/redact"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
	case "version", "--version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
	case "run":
		code = runCommand(ctx, os.Args[2:])
	case "schedule":
		code = scheduleCommand(ctx, os.Args[2:])
	case "member":
		code = memberCommand(ctx, os.Args[2:], os.Stdout)
	case "credentials":
		code = credentialsCommand(os.Args[2:])
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		code = 2
	}
	stop()
	os.Exit(code)
}

func configError(err error) int {
	_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
	return 2
}

// loadConfig loads the environment config and lets the caller's flags
// override it. The flag set is parsed before validation.
func loadConfig(fs *flag.FlagSet, args []string, bind func(*flag.FlagSet, *config.Config)) (config.Config, *slog.Logger, int) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, configError(err)
	}
	fs.SetOutput(os.Stderr)
	if bind != nil {
		bind(fs, &cfg)
	}
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, 2
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, configError(err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, configError(err)
	}
	// Record diagnostics log through the default logger.
	slog.SetDefault(logger)
	return cfg, logger, 0
}

func bindRunFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Window.Start, "window-start", cfg.Window.Start, "First signup day, YYYY-MM-DD (env: WINDOW_START; default yesterday)")
	fs.StringVar(&cfg.Window.End, "window-end", cfg.Window.End, "Day after the last signup day, YYYY-MM-DD (env: WINDOW_END; default today)")
	fs.IntVar(&cfg.Batch.WindowSize, "window-size", cfg.Batch.WindowSize, "Requests per window (env: WINDOW_SIZE)")
	fs.DurationVar(&cfg.Batch.Cooldown, "cooldown", cfg.Batch.Cooldown, "Pause between windows, 0 disables (env: COOLDOWN)")
	fs.StringVar(&cfg.Batch.Mode, "mode", cfg.Batch.Mode, "Dispatch mode within a window: concurrent|sequential (env: DISPATCH_MODE)")
	fs.Float64Var(&cfg.Batch.RequestRPS, "request-rps", cfg.Batch.RequestRPS, "Per-request pacing inside a window, 0 disables (env: REQUEST_RPS)")
	fs.BoolVar(&cfg.Batch.FlushPerWindow, "flush-per-window", cfg.Batch.FlushPerWindow, "Append outcomes after every window instead of at the end (env: FLUSH_PER_WINDOW)")
	fs.StringVar(&cfg.Tables.Profiles, "profiles-table", cfg.Tables.Profiles, "Profiles destination (env: PROFILES_TABLE)")
	fs.StringVar(&cfg.Tables.Languages, "languages-table", cfg.Tables.Languages, "Languages destination (env: LANGUAGES_TABLE)")
}

func runCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cfg, logger, code := loadConfig(fs, args, bindRunFlags)
	if code != 0 {
		return code
	}

	report, err := runOnce(ctx, cfg, logger, time.Now())
	if err != nil {
		logger.Error("run failed", "run", report.RunID, "error", redact.Secrets(err.Error()))
		return 1
	}
	return 0
}

func scheduleCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	cfg, logger, code := loadConfig(fs, args, func(fs *flag.FlagSet, cfg *config.Config) {
		bindRunFlags(fs, cfg)
		fs.StringVar(&cfg.Schedule, "cron", cfg.Schedule, "Standard 5-field cron expression (env: SCHEDULE)")
	})
	if code != 0 {
		return code
	}
	if cfg.Window.Start != "" || cfg.Window.End != "" {
		logger.Warn("fixed time window configured; every scheduled run will select the same signups")
	}

	cl := cronLogger{logger.With("component", "cron")}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	id, err := c.AddFunc(cfg.Schedule, func() {
		if _, err := runOnce(ctx, cfg, logger, time.Now()); err != nil {
			logger.Error("scheduled run failed", "error", redact.Secrets(err.Error()))
		}
	})
	if err != nil {
		return configError(fmt.Errorf("invalid SCHEDULE=%q: %w", cfg.Schedule, err))
	}

	c.Start()
	logger.Info("scheduler started", "schedule", cfg.Schedule, "next", c.Entry(id).Next.Format(time.RFC3339))
	<-ctx.Done()
	logger.Info("scheduler stopping; waiting for the running pass")
	<-c.Stop().Done()
	return 0
}

// runOnce performs one enrichment pass with everything cfg describes.
func runOnce(ctx context.Context, cfg config.Config, logger *slog.Logger, now time.Time) (app.Report, error) {
	window, err := cfg.TimeWindow(now)
	if err != nil {
		return app.Report{}, err
	}
	bopts, err := cfg.BatchOptions()
	if err != nil {
		return app.Report{}, err
	}

	client, err := newOrbitClient(ctx, cfg, logger)
	if err != nil {
		return app.Report{}, err
	}
	wh, closeWarehouse, err := openWarehouse(ctx, cfg, logger)
	if err != nil {
		return app.Report{}, err
	}
	defer closeWarehouse()

	deps := app.Deps{
		Accessor:   wh,
		Integrator: wh,
		Orbit:      client,
		Logger:     logger,
	}
	filter, closeDedup := openDedup(ctx, cfg, logger)
	defer closeDedup()
	if filter != nil {
		deps.Dedup = filter
	}

	report, err := app.Run(ctx, deps, app.Options{
		Window:         window,
		ProfilesTable:  cfg.Tables.Profiles,
		LanguagesTable: cfg.Tables.Languages,
		Batch:          bopts,
		FlushPerWindow: cfg.Batch.FlushPerWindow,
	})
	if err != nil {
		return report, err
	}
	report.Log(logger)
	return report, nil
}

func newOrbitClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (*orbit.Client, error) {
	return orbit.New(ctx, orbit.Config{
		APIKey:    cfg.Orbit.APIKey,
		Workspace: cfg.Orbit.Workspace,
		BaseURL:   cfg.Orbit.BaseURL,
		Timeout:   cfg.Orbit.Timeout,
		UserAgent: version.UserAgent(),
		Logger:    logger,
	})
}

// memberCommand looks up or deletes a single Orbit member and prints the
// response body.
func memberCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("member", flag.ContinueOnError)
	cfg, logger, code := loadConfig(fs, args, nil)
	if code != 0 {
		return code
	}
	rest := fs.Args()
	if len(rest) != 2 || (rest[0] != "get" && rest[0] != "delete") {
		_, _ = fmt.Fprintln(os.Stderr, "usage: enricher member get|delete <id>")
		return 2
	}

	client, err := newOrbitClient(ctx, cfg, logger)
	if err != nil {
		return configError(err)
	}
	var resp orbit.Response
	if rest[0] == "get" {
		resp = client.GetMember(ctx, rest[1])
	} else {
		resp = client.DeleteMember(ctx, rest[1])
	}
	return printResponse(out, resp)
}

func printResponse(out io.Writer, resp orbit.Response) int {
	if !resp.OK() {
		msg := resp.Kind.String()
		if resp.Err != nil {
			msg = redact.Secrets(resp.Err.Error())
		}
		_, _ = fmt.Fprintf(os.Stderr, "member request failed: %s\n", msg)
		return 1
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp.Body); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "write response: %v\n", err)
		return 1
	}
	return 0
}

// credentialsCommand writes the service-account key held in BQ_CREDENTIALS to
// a file so tools that only accept GOOGLE_APPLICATION_CREDENTIALS can use it.
func credentialsCommand(args []string) int {
	fs := flag.NewFlagSet("credentials", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	outPath := fs.String("out", "bq_credentials.json", "Destination file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := writeCredentials(*outPath, os.Getenv("BQ_CREDENTIALS")); err != nil {
		return configError(err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "wrote %s\n", *outPath)
	return 0
}

func writeCredentials(path, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("BQ_CREDENTIALS is required")
	}
	var key map[string]any
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return fmt.Errorf("BQ_CREDENTIALS is not a JSON object: %w", err)
	}
	b, err := json.Marshal(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `enricher: enrich new signups with Orbit member data

Usage:
  enricher <command> [flags]

Commands:
  run                    Enrich the signups of one time window (default: yesterday)
  schedule               Run on a cron schedule until interrupted
  member get|delete ID   Look up or remove one Orbit member
  credentials            Write BQ_CREDENTIALS to a key file (-out)
  version                Print the version

Environment:
  ORBIT_KEY          Orbit API key (required)
  ORBIT_WORKSPACE    Orbit workspace slug (default gitpod)
  WAREHOUSE          bigquery|postgres|foundry|local (default bigquery)
  BQ_QUERY           Signup query; rows need email, name, github, created_at
  WINDOW_SIZE        Requests per window (default 120)
  COOLDOWN           Pause between windows (default 1m)
  PROFILES_TABLE     Profiles destination
  LANGUAGES_TABLE    Languages destination
  REDIS_URL          Optional; skips signups enriched by earlier runs
  CONFIG_PATH        Optional YAML file with the same settings

Examples:
  enricher run --window-start 2024-05-01 --window-end 2024-05-02
  enricher member get octocat

`)
}
