// Package config loads the frame engine configuration from an optional YAML
// file, a .env file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/frame-engine/internal/limits"
	"github.com/atmx/frame-engine/internal/settlement"
)

// Config is the complete engine configuration. Amounts are whole native
// units; rates are decimal strings so they never pass through float64.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Frame      FrameConfig      `yaml:"frame"`
	Curve      CurveConfig      `yaml:"curve"`
	Settlement SettlementConfig `yaml:"settlement"`
	Limits     LimitsConfig     `yaml:"limits"`
	Payout     PayoutConfig     `yaml:"payout"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Storage    StorageConfig    `yaml:"storage"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Port         string `yaml:"port"`
	AdminEnabled bool   `yaml:"admin_enabled"`
}

// FrameConfig controls frame timing.
type FrameConfig struct {
	DurationSeconds     int `yaml:"duration_seconds"`
	LockOutSeconds      int `yaml:"lock_out_seconds"`
	CancelLeadSeconds   int `yaml:"cancel_lead_seconds"`
	ClosingGraceSeconds int `yaml:"closing_grace_seconds"`
	WatchdogSeconds     int `yaml:"watchdog_seconds"`
}

// CurveConfig controls bonding-curve pricing.
type CurveConfig struct {
	PriceScale int64 `yaml:"price_scale"` // native units per share at 100% of the pool
	MinPrice   int64 `yaml:"min_price"`
	Baseline   int64 `yaml:"baseline"` // seed shares per side
}

// SettlementConfig controls the fee split.
type SettlementConfig struct {
	FeeRate       string `yaml:"fee_rate"`
	UpkeepRate    string `yaml:"upkeep_rate"`
	PotRate       string `yaml:"pot_rate"`
	DustThreshold int64  `yaml:"dust_threshold"`
	FeeAddress    string `yaml:"fee_address"`
	UpkeepAddress string `yaml:"upkeep_address"`
}

// LimitsConfig caps wagers. Zero disables a cap.
type LimitsConfig struct {
	MinBet     int64 `yaml:"min_bet"`
	MaxBet     int64 `yaml:"max_bet"`
	MaxPerUser int64 `yaml:"max_per_user"`
	MaxPerSide int64 `yaml:"max_per_side"`
}

// PayoutConfig controls the transfer queue.
type PayoutConfig struct {
	DrainIntervalSeconds int    `yaml:"drain_interval_seconds"`
	MaxAttempts          int    `yaml:"max_attempts"`
	PriorityFee          int64  `yaml:"priority_fee"`
	SubmitTimeoutSeconds int    `yaml:"submit_timeout_seconds"`
	RelayURL             string `yaml:"relay_url"`
	RelayAPIKey          string `yaml:"relay_api_key"`
	DryRun               bool   `yaml:"dry_run"`
	LeaseTTLSeconds      int    `yaml:"lease_ttl_seconds"`
}

// OracleConfig controls price polling.
type OracleConfig struct {
	URL           string  `yaml:"url"`
	PollMillis    int     `yaml:"poll_millis"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Backend         string `yaml:"backend"` // file | sqlite | postgres | memory
	Dir             string `yaml:"dir"`
	SQLitePath      string `yaml:"sqlite_path"`
	DatabaseURL     string `yaml:"database_url"`
	RedisURL        string `yaml:"redis_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// ArchiveConfig enables the S3 frame archive when Bucket is set.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	AccessKey string `yaml:"access_key"` // empty uses the default AWS credential chain
	SecretKey string `yaml:"secret_key"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`   // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads path (if non-empty), applies .env and environment overrides,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("PORT", &cfg.Server.Port)
	boolean("ADMIN_ENABLED", &cfg.Server.AdminEnabled)

	integer("FRAME_DURATION_SECONDS", &cfg.Frame.DurationSeconds)

	str("FEE_RATE", &cfg.Settlement.FeeRate)
	str("UPKEEP_RATE", &cfg.Settlement.UpkeepRate)
	str("POT_RATE", &cfg.Settlement.PotRate)
	str("FEE_ADDRESS", &cfg.Settlement.FeeAddress)
	str("UPKEEP_ADDRESS", &cfg.Settlement.UpkeepAddress)

	str("RELAY_URL", &cfg.Payout.RelayURL)
	str("RELAY_API_KEY", &cfg.Payout.RelayAPIKey)
	boolean("DRY_RUN", &cfg.Payout.DryRun)

	str("ORACLE_URL", &cfg.Oracle.URL)

	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("DATA_DIR", &cfg.Storage.Dir)
	str("SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("DATABASE_URL", &cfg.Storage.DatabaseURL)
	str("REDIS_URL", &cfg.Storage.RedisURL)

	str("ARCHIVE_BUCKET", &cfg.Archive.Bucket)
	str("ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint)
	str("AWS_REGION", &cfg.Archive.Region)
	str("ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	str("ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("LOG_FILE", &cfg.Log.File)
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}

	if cfg.Frame.DurationSeconds <= 0 {
		cfg.Frame.DurationSeconds = 60
	}
	if cfg.Frame.LockOutSeconds <= 0 {
		cfg.Frame.LockOutSeconds = 5
	}
	if cfg.Frame.CancelLeadSeconds <= 0 {
		cfg.Frame.CancelLeadSeconds = 10
	}
	if cfg.Frame.ClosingGraceSeconds <= 0 {
		cfg.Frame.ClosingGraceSeconds = 30
	}
	if cfg.Frame.WatchdogSeconds <= 0 {
		cfg.Frame.WatchdogSeconds = 5
	}

	if cfg.Curve.PriceScale <= 0 {
		cfg.Curve.PriceScale = 100_000_000 // 0.1 SOL in lamports
	}
	if cfg.Curve.MinPrice <= 0 {
		cfg.Curve.MinPrice = 1000
	}
	if cfg.Curve.Baseline <= 0 {
		cfg.Curve.Baseline = 10_000
	}

	if cfg.Settlement.FeeRate == "" {
		cfg.Settlement.FeeRate = "0.04"
	}
	if cfg.Settlement.UpkeepRate == "" {
		cfg.Settlement.UpkeepRate = "0.01"
	}
	if cfg.Settlement.PotRate == "" {
		cfg.Settlement.PotRate = "0.95"
	}
	if cfg.Settlement.DustThreshold <= 0 {
		cfg.Settlement.DustThreshold = 5000
	}

	if cfg.Limits.MinBet <= 0 {
		cfg.Limits.MinBet = 10_000_000
	}
	if cfg.Limits.MaxBet <= 0 {
		cfg.Limits.MaxBet = 100_000_000_000
	}

	if cfg.Payout.DrainIntervalSeconds <= 0 {
		cfg.Payout.DrainIntervalSeconds = 5
	}
	if cfg.Payout.MaxAttempts <= 0 {
		cfg.Payout.MaxAttempts = 5
	}
	if cfg.Payout.PriorityFee <= 0 {
		cfg.Payout.PriorityFee = 5000
	}
	if cfg.Payout.SubmitTimeoutSeconds <= 0 {
		cfg.Payout.SubmitTimeoutSeconds = 30
	}
	if cfg.Payout.LeaseTTLSeconds <= 0 {
		cfg.Payout.LeaseTTLSeconds = 120
	}

	if cfg.Oracle.PollMillis <= 0 {
		cfg.Oracle.PollMillis = 1000
	}
	if cfg.Oracle.RatePerSecond <= 0 {
		cfg.Oracle.RatePerSecond = 5
	}

	if cfg.Storage.Backend == "" {
		switch {
		case cfg.Storage.DatabaseURL != "":
			cfg.Storage.Backend = "postgres"
		case cfg.Storage.SQLitePath != "":
			cfg.Storage.Backend = "sqlite"
		default:
			cfg.Storage.Backend = "file"
		}
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.CacheTTLSeconds <= 0 {
		cfg.Storage.CacheTTLSeconds = 30
	}

	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "frames/"
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-east-1"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 28
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Frame.LockOutSeconds >= c.Frame.DurationSeconds {
		errs = append(errs, fmt.Errorf("frame.lock_out_seconds (%d) must be below duration (%d)", c.Frame.LockOutSeconds, c.Frame.DurationSeconds))
	}
	if c.Frame.CancelLeadSeconds >= c.Frame.DurationSeconds {
		errs = append(errs, fmt.Errorf("frame.cancel_lead_seconds (%d) must be below duration (%d)", c.Frame.CancelLeadSeconds, c.Frame.DurationSeconds))
	}

	policy, err := c.SettlementPolicy()
	if err != nil {
		errs = append(errs, err)
	} else if err := policy.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Limits.MinBet < c.Settlement.DustThreshold {
		errs = append(errs, fmt.Errorf("limits.min_bet (%d) must be at least the dust threshold (%d)", c.Limits.MinBet, c.Settlement.DustThreshold))
	}
	if c.Limits.MaxBet > 0 && c.Limits.MaxBet < c.Limits.MinBet {
		errs = append(errs, errors.New("limits.max_bet must not be below min_bet"))
	}

	switch c.Storage.Backend {
	case "file", "sqlite", "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of file, sqlite, postgres, memory", c.Storage.Backend))
	}

	if c.Oracle.URL == "" {
		errs = append(errs, errors.New("oracle.url is required"))
	}
	if c.Payout.RelayURL == "" && !c.Payout.DryRun {
		errs = append(errs, errors.New("payout.relay_url is required unless dry_run is set"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SettlementPolicy parses the settlement section.
func (c *Config) SettlementPolicy() (settlement.Policy, error) {
	rate := func(name, v string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("settlement.%s %q: %w", name, v, err)
		}
		return d, nil
	}
	fee, err := rate("fee_rate", c.Settlement.FeeRate)
	if err != nil {
		return settlement.Policy{}, err
	}
	upkeep, err := rate("upkeep_rate", c.Settlement.UpkeepRate)
	if err != nil {
		return settlement.Policy{}, err
	}
	pot, err := rate("pot_rate", c.Settlement.PotRate)
	if err != nil {
		return settlement.Policy{}, err
	}
	return settlement.Policy{
		FeeRate:       fee,
		UpkeepRate:    upkeep,
		PotRate:       pot,
		DustThreshold: decimal.NewFromInt(c.Settlement.DustThreshold),
		FeeAddress:    c.Settlement.FeeAddress,
		UpkeepAddress: c.Settlement.UpkeepAddress,
	}, nil
}

// Limiter builds the wager limiter.
func (c *Config) Limiter() *limits.Limiter {
	return limits.NewLimiter(
		decimal.NewFromInt(c.Limits.MinBet),
		decimal.NewFromInt(c.Limits.MaxBet),
		decimal.NewFromInt(c.Limits.MaxPerUser),
		decimal.NewFromInt(c.Limits.MaxPerSide),
	)
}

// FrameDuration is the frame length.
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.Frame.DurationSeconds) * time.Second
}

// Seconds converts a seconds field to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
