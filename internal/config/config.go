// Package config loads server configuration from defaults, an optional YAML
// file and the environment, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/harrylevesque/slqrattend/internal/anomaly"
	"github.com/harrylevesque/slqrattend/internal/attendance"
	"github.com/harrylevesque/slqrattend/internal/crypto"
	"github.com/harrylevesque/slqrattend/internal/session"
	"github.com/harrylevesque/slqrattend/internal/utils"
	"github.com/harrylevesque/slqrattend/internal/verify"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Rate limit backends.
const (
	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver           string        `yaml:"driver"`
	DSN              string        `yaml:"dsn"`
	DataDir          string        `yaml:"data_dir"`
	Retention        time.Duration `yaml:"retention"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// RateLimitConfig selects the limiter backend and the per-IP HTTP budget.
type RateLimitConfig struct {
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"-"`
	RedisDB       int           `yaml:"redis_db"`
	HTTPMax       int           `yaml:"http_max"`
	HTTPWindow    time.Duration `yaml:"http_window"`
}

// ThrottleConfig is the global token bucket in front of the API.
type ThrottleConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AuditConfig selects where outcomes and findings are published.
type AuditConfig struct {
	JSONLPath     string   `yaml:"jsonl_path"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	FindingsTopic string   `yaml:"findings_topic"`
	OutcomesTopic string   `yaml:"outcomes_topic"`
}

// Config holds server configuration.
type Config struct {
	Addr            string        `yaml:"addr"`
	LogLevel        string        `yaml:"log_level"`
	LogFile         string        `yaml:"log_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MasterKeyHex   string `yaml:"-"`
	MasterKeyFile  string `yaml:"master_key_file"`
	EnvelopeCipher string `yaml:"envelope_cipher"`

	Store     StoreConfig       `yaml:"store"`
	Session   session.Config    `yaml:"session"`
	Verify    verify.Config     `yaml:"verify"`
	Anomaly   anomaly.Config    `yaml:"anomaly"`
	Claims    attendance.Config `yaml:"claims"`
	RateLimit RateLimitConfig   `yaml:"rate_limit"`
	Throttle  ThrottleConfig    `yaml:"throttle"`
	Audit     AuditConfig       `yaml:"audit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		LogLevel:        "INFO",
		ShutdownTimeout: 10 * time.Second,
		MasterKeyFile:   "master.key",
		EnvelopeCipher:  string(crypto.CipherAESGCM),
		Store: StoreConfig{
			Driver:           DriverMemory,
			DataDir:          utils.GetDataDir("attendance"),
			Retention:        time.Hour,
			SnapshotInterval: 30 * time.Second,
		},
		Session: session.DefaultConfig(),
		Verify:  verify.DefaultConfig(),
		Anomaly: anomaly.DefaultConfig(),
		Claims:  attendance.DefaultConfig(),
		RateLimit: RateLimitConfig{
			Backend:    LimiterMemory,
			RedisAddr:  "localhost:6379",
			HTTPMax:    120,
			HTTPWindow: time.Minute,
		},
		Throttle: ThrottleConfig{RPS: 200, Burst: 400},
		Audit: AuditConfig{
			FindingsTopic: "attendance.findings",
			OutcomesTopic: "attendance.outcomes",
		},
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the
// environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return utils.Wrap(utils.CodeInvalidConfig, "parse "+path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}
	c.Addr = e.str("HTTP_ADDR", c.Addr)
	c.LogLevel = e.str("LOG_LEVEL", c.LogLevel)
	c.LogFile = e.str("LOG_FILE", c.LogFile)
	c.ShutdownTimeout = e.duration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.MasterKeyHex = e.str("MASTER_KEY_HEX", c.MasterKeyHex)
	c.MasterKeyFile = e.str("MASTER_KEY_FILE", c.MasterKeyFile)
	c.EnvelopeCipher = e.str("ENVELOPE_CIPHER", c.EnvelopeCipher)

	c.Store.Driver = e.str("STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = e.str("STORE_DSN", c.Store.DSN)
	c.Store.DataDir = e.str("STORE_DATA_DIR", c.Store.DataDir)
	c.Store.Retention = e.duration("ACTIVITY_RETENTION", c.Store.Retention)
	c.Store.SnapshotInterval = e.duration("SNAPSHOT_INTERVAL", c.Store.SnapshotInterval)

	c.Session.MinTTL = e.duration("SESSION_MIN_TTL", c.Session.MinTTL)
	c.Session.MaxTTL = e.duration("SESSION_MAX_TTL", c.Session.MaxTTL)
	c.Verify.GracePeriod = e.duration("GRACE_PERIOD", c.Verify.GracePeriod)
	c.Verify.LateCutoff = e.duration("LATE_CUTOFF", c.Verify.LateCutoff)

	c.Anomaly.LocationMediumMeters = e.float("ANOMALY_LOCATION_MEDIUM_M", c.Anomaly.LocationMediumMeters)
	c.Anomaly.LocationHighMeters = e.float("ANOMALY_LOCATION_HIGH_M", c.Anomaly.LocationHighMeters)
	c.Anomaly.RapidWindow = e.duration("ANOMALY_RAPID_WINDOW", c.Anomaly.RapidWindow)
	c.Anomaly.RapidMaxSubmissions = e.int("ANOMALY_RAPID_MAX", c.Anomaly.RapidMaxSubmissions)
	c.Anomaly.ClockSkewTolerance = e.duration("ANOMALY_CLOCK_SKEW", c.Anomaly.ClockSkewTolerance)

	c.Claims.ClaimRateMax = e.int("CLAIM_RATE_MAX", c.Claims.ClaimRateMax)
	c.Claims.ClaimRateWindow = e.duration("CLAIM_RATE_WINDOW", c.Claims.ClaimRateWindow)

	c.RateLimit.Backend = e.str("RATE_LIMIT_BACKEND", c.RateLimit.Backend)
	c.RateLimit.RedisAddr = e.str("REDIS_ADDR", c.RateLimit.RedisAddr)
	c.RateLimit.RedisPassword = e.str("REDIS_PASSWORD", c.RateLimit.RedisPassword)
	c.RateLimit.RedisDB = e.int("REDIS_DB", c.RateLimit.RedisDB)
	c.RateLimit.HTTPMax = e.int("HTTP_RATE_MAX", c.RateLimit.HTTPMax)
	c.RateLimit.HTTPWindow = e.duration("HTTP_RATE_WINDOW", c.RateLimit.HTTPWindow)

	c.Throttle.RPS = e.float("THROTTLE_RPS", c.Throttle.RPS)
	c.Throttle.Burst = e.int("THROTTLE_BURST", c.Throttle.Burst)

	c.Audit.JSONLPath = e.str("AUDIT_JSONL_PATH", c.Audit.JSONLPath)
	c.Audit.KafkaBrokers = e.list("KAFKA_BROKERS", c.Audit.KafkaBrokers)
	c.Audit.FindingsTopic = e.str("KAFKA_FINDINGS_TOPIC", c.Audit.FindingsTopic)
	c.Audit.OutcomesTopic = e.str("KAFKA_OUTCOMES_TOPIC", c.Audit.OutcomesTopic)

	return e.err()
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverFile:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("STORE_DSN is required for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch crypto.Cipher(c.EnvelopeCipher) {
	case crypto.CipherAESGCM, crypto.CipherXChaCha20:
	default:
		errs = append(errs, fmt.Errorf("unknown envelope cipher %q", c.EnvelopeCipher))
	}
	switch c.RateLimit.Backend {
	case LimiterMemory, LimiterRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend))
	}
	if c.RateLimit.HTTPMax < 1 || c.RateLimit.HTTPWindow <= 0 {
		errs = append(errs, errors.New("http rate limit needs a positive max and window"))
	}
	if c.Claims.ClaimRateMax < 1 || c.Claims.ClaimRateWindow <= 0 {
		errs = append(errs, errors.New("claim rate limit needs a positive max and window"))
	}
	if c.Throttle.RPS <= 0 || c.Throttle.Burst < 1 {
		errs = append(errs, errors.New("throttle needs positive rps and burst"))
	}
	if c.Store.Retention < c.Anomaly.RapidWindow {
		errs = append(errs, fmt.Errorf("activity retention %s is shorter than the rapid resubmission window %s", c.Store.Retention, c.Anomaly.RapidWindow))
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	for _, v := range []interface{ Validate() error }{c.Session, c.Verify, c.Anomaly} {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return utils.Wrap(utils.CodeInvalidConfig, "invalid configuration", errors.Join(errs...))
	}
	return nil
}

// KafkaEnabled reports whether any broker is configured.
func (c *Config) KafkaEnabled() bool {
	for _, b := range c.Audit.KafkaBrokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}
