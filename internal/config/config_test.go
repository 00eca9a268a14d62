package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldsim/internal/config"
	"worldsim/internal/llm"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(nil)
	require.NoError(t, err)

	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, llm.DefaultBaseURL, cfg.LLM.BaseURL)
	assert.Equal(t, 10*time.Minute, cfg.Engine.StalePendingAfter)
	assert.Equal(t, "./completions.db", cfg.CompletionLog.Path)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(`
llm:
  narration_model: nousresearch/hermes-3-llama-3.1-405b
  timeout: 30s
store:
  driver: sqlite
  dsn: /tmp/world.db
engine:
  stale_pending_after: 0s
seed:
  path: worlds.yaml
`))
	require.NoError(t, err)

	assert.Equal(t, "nousresearch/hermes-3-llama-3.1-405b", cfg.LLM.NarrationModel)
	assert.Equal(t, llm.DefaultStructuredModel, cfg.LLM.ExtractionModel)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/world.db", cfg.Store.DSN)
	assert.Zero(t, cfg.Engine.StalePendingAfter)
	assert.Equal(t, "worlds.yaml", cfg.Seed.Path)
}

func TestUnknownFieldRejected(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("llm:\n  modle: gpt\n"))
	assert.ErrorContains(t, err, "modle")
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("WORLDSIM_STORE_DRIVER", "postgres")
	t.Setenv("WORLDSIM_STORE_DSN", "postgres://localhost/worldsim")
	t.Setenv("DEBUG", "1")
	t.Setenv("WORLDSIM_STALE_PENDING_AFTER", "90s")

	cfg, err := config.LoadFromReader(strings.NewReader("store:\n  driver: sqlite\n  dsn: world.db\n"))
	require.NoError(t, err)

	assert.Equal(t, config.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/worldsim", cfg.Store.DSN)
	assert.True(t, cfg.Debug.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Engine.StalePendingAfter)
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "mongo"
	cfg.Debug.Level = "loud"
	cfg.Tracing.Enabled = true
	cfg.Engine.StalePendingAfter = -time.Second

	err := config.Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{"store.driver", "debug.level", "tracing.public_key", "stale_pending_after"} {
		assert.ErrorContains(t, err, want)
	}

	cfg = config.Default()
	cfg.Store.Driver = config.DriverSQLite
	assert.ErrorContains(t, config.Validate(cfg), "store.dsn is required")
}
