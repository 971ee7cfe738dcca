package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-sync/signup-enricher/internal/config"
	"github.com/orbit-sync/signup-enricher/pkg/pipeline/batch"
)

var envVars = []string{
	"CONFIG_PATH", "ORBIT_KEY", "ORBIT_WORKSPACE", "ORBIT_BASE_URL", "ORBIT_TIMEOUT",
	"WAREHOUSE", "BQ_QUERY", "TIME_COLUMN", "WINDOW_START", "WINDOW_END",
	"PROFILES_TABLE", "LANGUAGES_TABLE", "DISPATCH_MODE", "WINDOW_SIZE", "COOLDOWN",
	"REQUEST_RPS", "FLUSH_PER_WINDOW", "GCP_PROJECT", "GOOGLE_APPLICATION_CREDENTIALS",
	"BQ_CREDENTIALS", "DATABASE_URL", "LOCAL_INPUT", "LOCAL_OUTPUT_DIR", "REDIS_URL",
	"DEDUP_TTL", "LOG_LEVEL", "LOG_FORMAT", "SCHEDULE",
}

// clearEnv blanks every variable the loader reads so host settings do not leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORBIT_KEY", "k")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "gitpod", cfg.Orbit.Workspace)
	assert.Equal(t, config.WarehouseBigQuery, cfg.Warehouse)
	assert.Equal(t, 120, cfg.Batch.WindowSize)
	assert.Equal(t, time.Minute, cfg.Batch.Cooldown)
	assert.Equal(t, "gitpod-growth.orbit.users", cfg.Tables.Profiles)
	assert.Equal(t, "gitpod-growth.orbit.languages", cfg.Tables.Languages)
	assert.Equal(t, "created_at", cfg.TimeColumn)
	assert.Empty(t, cfg.Query)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORBIT_KEY", "k")
	t.Setenv("WAREHOUSE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/signups")
	t.Setenv("WINDOW_SIZE", "50")
	t.Setenv("COOLDOWN", "5s")
	t.Setenv("DISPATCH_MODE", "sequential")
	t.Setenv("REQUEST_RPS", "2.5")
	t.Setenv("FLUSH_PER_WINDOW", "true")
	t.Setenv("BQ_QUERY", "SELECT * FROM users")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "orbit.users", cfg.Tables.Profiles)
	assert.True(t, cfg.Batch.FlushPerWindow)
	assert.Equal(t, "SELECT * FROM users", cfg.Query)

	opts, err := cfg.BatchOptions()
	require.NoError(t, err)
	assert.Equal(t, 50, opts.WindowSize)
	assert.Equal(t, 5*time.Second, opts.Cooldown)
	assert.Equal(t, batch.ModeSequential, opts.Mode)
	assert.InDelta(t, 2.5, opts.RequestRPS, 1e-9)
}

func TestLoad_YAMLFileWithEnvExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORBIT_KEY", "from-env")
	t.Setenv("OUT_DIR", "/tmp/out")

	path := filepath.Join(t.TempDir(), "enricher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
warehouse: local
local:
  input: signups.csv
  output_dir: ${OUT_DIR}
orbit:
  workspace: acme
batch:
  window_size: 10
  cooldown: 30s
tables:
  profiles: members
`), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Orbit.APIKey)
	assert.Equal(t, "acme", cfg.Orbit.Workspace)
	assert.Equal(t, "/tmp/out", cfg.Local.OutputDir)
	assert.Equal(t, 10, cfg.Batch.WindowSize)
	assert.Equal(t, 30*time.Second, cfg.Batch.Cooldown)
	assert.Equal(t, "members", cfg.Tables.Profiles)
	assert.Equal(t, "languages", cfg.Tables.Languages)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing key", env: map[string]string{}},
		{name: "bad int", env: map[string]string{"ORBIT_KEY": "k", "WINDOW_SIZE": "many"}},
		{name: "bad duration", env: map[string]string{"ORBIT_KEY": "k", "COOLDOWN": "soon"}},
		{name: "bad bool", env: map[string]string{"ORBIT_KEY": "k", "FLUSH_PER_WINDOW": "perhaps"}},
		{name: "bad warehouse", env: map[string]string{"ORBIT_KEY": "k", "WAREHOUSE": "snowflake"}},
		{name: "postgres without url", env: map[string]string{"ORBIT_KEY": "k", "WAREHOUSE": "postgres"}},
		{name: "local without paths", env: map[string]string{"ORBIT_KEY": "k", "WAREHOUSE": "local"}},
		{name: "bad mode", env: map[string]string{"ORBIT_KEY": "k", "DISPATCH_MODE": "parallel"}},
		{name: "bad window", env: map[string]string{"ORBIT_KEY": "k", "WINDOW_START": "2024-05-02", "WINDOW_END": "2024-05-01"}},
		{name: "bad date", env: map[string]string{"ORBIT_KEY": "k", "WINDOW_START": "May 1st"}},
		{name: "zero window", env: map[string]string{"ORBIT_KEY": "k", "WINDOW_SIZE": "0"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORBIT_KEY", "k")
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestTimeWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC)
	cfg := config.Default()

	w, err := cfg.TimeWindow(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), w.End)

	cfg.Window = config.Window{Start: "2024-04-01", End: "2024-05-01"}
	w, err = cfg.TimeWindow(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), w.End)
}

func TestBatchOptions_ZeroCooldownDisables(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Batch.Cooldown = 0
	opts, err := cfg.BatchOptions()
	require.NoError(t, err)
	assert.Negative(t, opts.Cooldown)
}
