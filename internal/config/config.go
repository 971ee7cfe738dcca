// Package config loads the enricher's runtime settings from an optional YAML
// file and the environment. Environment variables win over the file; command
// line flags are layered on top by cmd/enricher.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orbit-sync/signup-enricher/pkg/pipeline/batch"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/core"
)

// Warehouse backends.
const (
	WarehouseBigQuery = "bigquery"
	WarehousePostgres = "postgres"
	WarehouseFoundry  = "foundry"
	WarehouseLocal    = "local"
)

// DateLayout is the format of WINDOW_START and WINDOW_END.
const DateLayout = "2006-01-02"

type Orbit struct {
	APIKey    string        `yaml:"api_key"`
	Workspace string        `yaml:"workspace"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Tables struct {
	Profiles  string `yaml:"profiles"`
	Languages string `yaml:"languages"`
}

type Batch struct {
	WindowSize     int           `yaml:"window_size"`
	Cooldown       time.Duration `yaml:"cooldown"`
	Mode           string        `yaml:"mode"`
	RequestRPS     float64       `yaml:"request_rps"`
	FlushPerWindow bool          `yaml:"flush_per_window"`
}

// Window bounds the signups selected for a run. Empty values fall back to
// the previous day.
type Window struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type BigQuery struct {
	Project         string `yaml:"project"`
	CredentialsFile string `yaml:"credentials_file"`
	CredentialsJSON string `yaml:"credentials_json"`
}

type Postgres struct {
	URL string `yaml:"url"`
}

type Local struct {
	Input     string `yaml:"input"`
	OutputDir string `yaml:"output_dir"`
}

type Redis struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full set of settings for one enricher process.
type Config struct {
	Orbit      Orbit    `yaml:"orbit"`
	Warehouse  string   `yaml:"warehouse"`
	Query      string   `yaml:"query"`
	TimeColumn string   `yaml:"time_column"`
	Window     Window   `yaml:"window"`
	Tables     Tables   `yaml:"tables"`
	Batch      Batch    `yaml:"batch"`
	BigQuery   BigQuery `yaml:"bigquery"`
	Postgres   Postgres `yaml:"postgres"`
	Local      Local    `yaml:"local"`
	Redis      Redis    `yaml:"redis"`
	Log        Log      `yaml:"log"`

	// Schedule is a cron expression used by the schedule command.
	Schedule string `yaml:"schedule"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Orbit: Orbit{
			Workspace: "gitpod",
			Timeout:   60 * time.Second,
		},
		Warehouse:  WarehouseBigQuery,
		TimeColumn: "created_at",
		Batch: Batch{
			WindowSize: batch.DefaultWindowSize,
			Cooldown:   batch.DefaultCooldown,
			Mode:       batch.ModeConcurrent.String(),
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Schedule: "0 6 * * *",
	}
}

// Load reads CONFIG_PATH (if set) and then the environment.
func Load() (Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv("CONFIG_PATH")))
}

// LoadFile reads the YAML file at path (skipped when empty), applies
// environment overrides and validates the result.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyTableDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString(&c.Orbit.APIKey, "ORBIT_KEY")
	envString(&c.Orbit.Workspace, "ORBIT_WORKSPACE")
	envString(&c.Orbit.BaseURL, "ORBIT_BASE_URL")
	envString(&c.Warehouse, "WAREHOUSE")
	envString(&c.Query, "BQ_QUERY")
	envString(&c.TimeColumn, "TIME_COLUMN")
	envString(&c.Window.Start, "WINDOW_START")
	envString(&c.Window.End, "WINDOW_END")
	envString(&c.Tables.Profiles, "PROFILES_TABLE")
	envString(&c.Tables.Languages, "LANGUAGES_TABLE")
	envString(&c.Batch.Mode, "DISPATCH_MODE")
	envString(&c.BigQuery.Project, "GCP_PROJECT")
	envString(&c.BigQuery.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	envString(&c.BigQuery.CredentialsJSON, "BQ_CREDENTIALS")
	envString(&c.Postgres.URL, "DATABASE_URL")
	envString(&c.Local.Input, "LOCAL_INPUT")
	envString(&c.Local.OutputDir, "LOCAL_OUTPUT_DIR")
	envString(&c.Redis.URL, "REDIS_URL")
	envString(&c.Log.Level, "LOG_LEVEL")
	envString(&c.Log.Format, "LOG_FORMAT")
	envString(&c.Schedule, "SCHEDULE")

	var err error
	if c.Orbit.Timeout, err = envDuration("ORBIT_TIMEOUT", c.Orbit.Timeout); err != nil {
		return err
	}
	if c.Batch.WindowSize, err = envInt("WINDOW_SIZE", c.Batch.WindowSize); err != nil {
		return err
	}
	if c.Batch.Cooldown, err = envDuration("COOLDOWN", c.Batch.Cooldown); err != nil {
		return err
	}
	if c.Batch.RequestRPS, err = envFloat("REQUEST_RPS", c.Batch.RequestRPS); err != nil {
		return err
	}
	if c.Batch.FlushPerWindow, err = envBool("FLUSH_PER_WINDOW", c.Batch.FlushPerWindow); err != nil {
		return err
	}
	if c.Redis.TTL, err = envDuration("DEDUP_TTL", c.Redis.TTL); err != nil {
		return err
	}
	return nil
}

// applyTableDefaults fills destinations that were not configured with the
// backend's conventional names.
func (c *Config) applyTableDefaults() {
	profiles, languages := "profiles", "languages"
	switch c.Warehouse {
	case WarehouseBigQuery:
		profiles, languages = "gitpod-growth.orbit.users", "gitpod-growth.orbit.languages"
	case WarehousePostgres:
		profiles, languages = "orbit.users", "orbit.languages"
	}
	if strings.TrimSpace(c.Tables.Profiles) == "" {
		c.Tables.Profiles = profiles
	}
	if strings.TrimSpace(c.Tables.Languages) == "" {
		c.Tables.Languages = languages
	}
}

// Validate reports settings that make a run impossible. A missing query is
// not an error: the warehouse treats it as an empty fetch.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Orbit.APIKey) == "" {
		errs = append(errs, errors.New("ORBIT_KEY is required"))
	}
	if strings.TrimSpace(c.Orbit.Workspace) == "" {
		errs = append(errs, errors.New("ORBIT_WORKSPACE must not be empty"))
	}
	switch c.Warehouse {
	case WarehouseBigQuery, WarehouseFoundry:
	case WarehousePostgres:
		if strings.TrimSpace(c.Postgres.URL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres warehouse"))
		}
	case WarehouseLocal:
		if strings.TrimSpace(c.Local.Input) == "" || strings.TrimSpace(c.Local.OutputDir) == "" {
			errs = append(errs, errors.New("LOCAL_INPUT and LOCAL_OUTPUT_DIR are required for the local warehouse"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid WAREHOUSE=%q (expected bigquery|postgres|foundry|local)", c.Warehouse))
	}
	if c.Batch.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("WINDOW_SIZE must be positive (got %d)", c.Batch.WindowSize))
	}
	if c.Batch.RequestRPS < 0 {
		errs = append(errs, fmt.Errorf("REQUEST_RPS must not be negative (got %g)", c.Batch.RequestRPS))
	}
	if _, err := batch.ParseMode(c.Batch.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TimeWindow(time.Now()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// BatchOptions converts the batch section into scheduler options.
func (c Config) BatchOptions() (batch.Options, error) {
	mode, err := batch.ParseMode(c.Batch.Mode)
	if err != nil {
		return batch.Options{}, err
	}
	cooldown := c.Batch.Cooldown
	if cooldown == 0 {
		// Zero means "none" here; the scheduler reads zero as "default".
		cooldown = -1
	}
	return batch.Options{
		WindowSize: c.Batch.WindowSize,
		Cooldown:   cooldown,
		Mode:       mode,
		RequestRPS: c.Batch.RequestRPS,
	}, nil
}

// TimeWindow resolves the configured bounds. Unset bounds default to the day
// before now, in now's location.
func (c Config) TimeWindow(now time.Time) (core.TimeWindow, error) {
	w := core.DefaultTimeWindow(now)
	if s := strings.TrimSpace(c.Window.Start); s != "" {
		t, err := time.ParseInLocation(DateLayout, s, now.Location())
		if err != nil {
			return core.TimeWindow{}, fmt.Errorf("invalid WINDOW_START=%q: %w", s, err)
		}
		w.Start = t
	}
	if s := strings.TrimSpace(c.Window.End); s != "" {
		t, err := time.ParseInLocation(DateLayout, s, now.Location())
		if err != nil {
			return core.TimeWindow{}, fmt.Errorf("invalid WINDOW_END=%q: %w", s, err)
		}
		w.End = t
	}
	if !w.Start.Before(w.End) {
		return core.TimeWindow{}, fmt.Errorf("time window start %s must be before end %s", w.Start.Format(DateLayout), w.End.Format(DateLayout))
	}
	return w, nil
}

func envString(dst *string, varName string) {
	if v, ok := os.LookupEnv(varName); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
