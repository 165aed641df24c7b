package infra

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity_ledger/pkg/quant"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
app:
  name: ledgerd
storage:
  data_dir: /var/lib/ledgerd
  snapshot_schedule: "*/15 * * * *"
  snapshot_keep: 4
pool:
  minimum_liquidity: 500
  ratio_tolerance: "0.005"
coordinator:
  lock_timeout_ms: 250
ledger:
  large_transfer_warn: "1000000"
logging:
  level: debug
  format: json
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ledgerd", cfg.App.Name)
	assert.Equal(t, "/var/lib/ledgerd/ledger.db", cfg.DBPath())
	assert.Equal(t, "/var/lib/ledgerd/snapshots", cfg.SnapshotDir())
	assert.Equal(t, int64(500), cfg.Pool.MinimumLiquidity)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout())
	assert.Equal(t, 10*time.Millisecond, cfg.RetryBase())

	tol, err := cfg.RatioTolerance()
	require.NoError(t, err)
	assert.Equal(t, quant.MustRate("0.005"), tol)
	fee, err := cfg.MaxFeeRate()
	require.NoError(t, err)
	assert.Equal(t, quant.MustRate("0.1"), fee)

	warn, err := cfg.LargeTransferWarn()
	require.NoError(t, err)
	assert.Equal(t, "1000000", warn.String())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "app:\n  name: ledgerd\n")
	t.Setenv("LEDGER_DATA_DIR", "/tmp/ledger")
	t.Setenv("LEDGER_OPS_ADDR", ":9999")
	t.Setenv("LEDGER_LOG_LEVEL", "WARN")
	t.Setenv("LEDGER_LOCK_TIMEOUT_MS", "42")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ledger", cfg.Storage.DataDir)
	assert.Equal(t, ":9999", cfg.Ops.ListenAddr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 42*time.Millisecond, cfg.LockTimeout())

	t.Setenv("LEDGER_LOCK_TIMEOUT_MS", "soon")
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad schedule", func(c *Config) { c.Storage.SnapshotSchedule = "every tuesday" }},
		{"keep zero", func(c *Config) { c.Storage.SnapshotKeep = 0 }},
		{"negative minimum", func(c *Config) { c.Pool.MinimumLiquidity = -1 }},
		{"bad tolerance", func(c *Config) { c.Pool.RatioTolerance = "abc" }},
		{"fee of one", func(c *Config) { c.Pool.MaxFeeRate = "1" }},
		{"zero lock timeout", func(c *Config) { c.Coordinator.LockTimeoutMS = 0 }},
		{"retry max below base", func(c *Config) { c.Coordinator.RetryMaxMS = 1 }},
		{"bad warn", func(c *Config) { c.Ledger.LargeTransferWarn = "-5" }},
		{"ops without addr", func(c *Config) { c.Ops.ListenAddr = "" }},
		{"rate without burst", func(c *Config) { c.Ops.QueryBurst = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	assert.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LEDGER_TEST_DOTENV=from-file\n"), 0600))
	t.Setenv("LEDGER_TEST_DOTENV", "")
	os.Unsetenv("LEDGER_TEST_DOTENV")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("LEDGER_TEST_DOTENV"))
}

func TestNewLogger_JSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "warn"
	var buf bytes.Buffer
	log := NewLogger(cfg, &buf)

	log.Info("hidden")
	log.Warn("LARGE_TRANSFER", "tx_id", "t1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "LARGE_TRANSFER", rec["msg"])
	assert.Equal(t, "t1", rec["tx_id"])
	assert.Equal(t, AppName, rec["app"])
}
