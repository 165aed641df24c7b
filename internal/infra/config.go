package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"liquidity_ledger/pkg/quant"
)

// Config holds every setting of the ledger daemon.
// LoadConfig reads it from yaml, then applies environment overrides.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Storage struct {
		DataDir          string `yaml:"data_dir"`
		DBFile           string `yaml:"db_file"`
		SnapshotDir      string `yaml:"snapshot_dir"`
		SnapshotSchedule string `yaml:"snapshot_schedule"` // cron spec; empty disables
		SnapshotKeep     int    `yaml:"snapshot_keep"`
		DumpDir          string `yaml:"dump_dir"`
	} `yaml:"storage"`

	Pool struct {
		MinimumLiquidity int64  `yaml:"minimum_liquidity"`
		RatioTolerance   string `yaml:"ratio_tolerance"`
		ReserveFloor     int64  `yaml:"reserve_floor"`
		MaxFeeRate       string `yaml:"max_fee_rate"`
	} `yaml:"pool"`

	Coordinator struct {
		LockTimeoutMS int `yaml:"lock_timeout_ms"`
		RetryBaseMS   int `yaml:"retry_base_ms"`
		RetryMaxMS    int `yaml:"retry_max_ms"`
		MaxRetries    int `yaml:"max_retries"`
	} `yaml:"coordinator"`

	Ledger struct {
		LargeTransferWarn string `yaml:"large_transfer_warn"` // decimal; empty disables
	} `yaml:"ledger"`

	Ops struct {
		Enabled    bool    `yaml:"enabled"`
		ListenAddr string  `yaml:"listen_addr"`
		QueryRate  float64 `yaml:"query_rate"` // range queries per second, 0 = unlimited
		QueryBurst int     `yaml:"query_burst"`
	} `yaml:"ops"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// DefaultConfig returns the settings used when a key is absent from the file.
func DefaultConfig() *Config {
	var c Config
	c.App.Name = AppName
	c.App.Version = "dev"
	c.Storage.DataDir = GetWorkspaceDir()
	c.Storage.DBFile = "ledger.db"
	c.Storage.SnapshotDir = "snapshots"
	c.Storage.SnapshotSchedule = "@hourly"
	c.Storage.SnapshotKeep = 24
	c.Storage.DumpDir = "dumps"
	c.Pool.MinimumLiquidity = 1000
	c.Pool.RatioTolerance = "0.01"
	c.Pool.ReserveFloor = 1
	c.Pool.MaxFeeRate = "0.1"
	c.Coordinator.LockTimeoutMS = 5000
	c.Coordinator.RetryBaseMS = 10
	c.Coordinator.RetryMaxMS = 1000
	c.Coordinator.MaxRetries = 5
	c.Ops.Enabled = true
	c.Ops.ListenAddr = "127.0.0.1:9464"
	c.Ops.QueryRate = 20
	c.Ops.QueryBurst = 10
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	return &c
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment.
// A missing file is not an error; existing variables are not overwritten.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// LoadConfig reads the yaml file at path over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Environment wins over the file.
	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" || c.Storage.DBFile == "" {
		return fmt.Errorf("storage.data_dir and storage.db_file are required")
	}
	if s := c.Storage.SnapshotSchedule; s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return fmt.Errorf("invalid snapshot schedule %q: %w", s, err)
		}
		if c.Storage.SnapshotKeep < 1 {
			return fmt.Errorf("snapshot_keep must be at least 1")
		}
	}

	if c.Pool.MinimumLiquidity < 0 {
		return fmt.Errorf("minimum_liquidity must not be negative")
	}
	if c.Pool.ReserveFloor < 0 {
		return fmt.Errorf("reserve_floor must not be negative")
	}
	if _, err := c.RatioTolerance(); err != nil {
		return err
	}
	fee, err := c.MaxFeeRate()
	if err != nil {
		return err
	}
	if fee.PPM() >= quant.RateScale {
		return fmt.Errorf("max_fee_rate must be below 1")
	}

	if c.Coordinator.LockTimeoutMS <= 0 {
		return fmt.Errorf("lock_timeout_ms must be positive")
	}
	if c.Coordinator.RetryBaseMS <= 0 || c.Coordinator.RetryMaxMS < c.Coordinator.RetryBaseMS {
		return fmt.Errorf("retry_base_ms must be positive and not above retry_max_ms")
	}
	if c.Coordinator.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}

	if _, err := c.LargeTransferWarn(); err != nil {
		return err
	}
	if c.Ops.Enabled && c.Ops.ListenAddr == "" {
		return fmt.Errorf("ops.listen_addr is required when ops is enabled")
	}
	if c.Ops.QueryRate < 0 || (c.Ops.QueryRate > 0 && c.Ops.QueryBurst < 1) {
		return fmt.Errorf("ops.query_rate must be >= 0 with query_burst >= 1")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) RatioTolerance() (quant.Rate, error) {
	r, err := quant.ParseRate(c.Pool.RatioTolerance)
	if err != nil {
		return quant.Rate{}, fmt.Errorf("invalid ratio_tolerance: %w", err)
	}
	return r, nil
}

func (c *Config) MaxFeeRate() (quant.Rate, error) {
	r, err := quant.ParseRate(c.Pool.MaxFeeRate)
	if err != nil {
		return quant.Rate{}, fmt.Errorf("invalid max_fee_rate: %w", err)
	}
	return r, nil
}

// LargeTransferWarn returns the warning threshold, zero when unset.
func (c *Config) LargeTransferWarn() (decimal.Decimal, error) {
	if c.Ledger.LargeTransferWarn == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.Ledger.LargeTransferWarn)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid large_transfer_warn %q", c.Ledger.LargeTransferWarn)
	}
	return d, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) LockTimeout() time.Duration { return ms(c.Coordinator.LockTimeoutMS) }
func (c *Config) RetryBase() time.Duration   { return ms(c.Coordinator.RetryBaseMS) }
func (c *Config) RetryMax() time.Duration    { return ms(c.Coordinator.RetryMaxMS) }

// under resolves p against the data dir unless it is absolute.
func (c *Config) under(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}

func (c *Config) DBPath() string      { return c.under(c.Storage.DBFile) }
func (c *Config) SnapshotDir() string { return c.under(c.Storage.SnapshotDir) }
func (c *Config) DumpDir() string     { return c.under(c.Storage.DumpDir) }

// overrideWithEnv applies LEDGER_* environment variables.
func overrideWithEnv(cfg *Config) error {
	if v := os.Getenv("LEDGER_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("LEDGER_OPS_ADDR"); v != "" {
		cfg.Ops.ListenAddr = v
	}
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LEDGER_LOCK_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_LOCK_TIMEOUT_MS %q: %w", v, err)
		}
		cfg.Coordinator.LockTimeoutMS = n
	}
	return nil
}
