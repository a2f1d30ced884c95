// Package config loads MsgQueue settings from .env, MSGQUEUE_* environment variables and an
// optional YAML file, in that order of precedence (later wins).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/MsgQueue/internal/lock"
	"github.com/BTreeMap/MsgQueue/internal/logger"
	"github.com/BTreeMap/MsgQueue/internal/models"
	"github.com/BTreeMap/MsgQueue/internal/recovery"
	"github.com/BTreeMap/MsgQueue/internal/store"
	"github.com/BTreeMap/MsgQueue/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for queue state.
	DefaultStateDir = "/var/lib/msgqueue"
	// DefaultAPIAddr is the admin API listen address.
	DefaultAPIAddr = ":8080"
	// EnvConfigFile names the YAML file to overlay when --config is not given.
	EnvConfigFile = "MSGQUEUE_CONFIG"
	// DefaultDeadLetterRetention is how long dead letters are kept before the daily purge.
	DefaultDeadLetterRetention = 30 * 24 * time.Hour
	// DefaultMetricsRetention is how long stored metrics snapshots are kept.
	DefaultMetricsRetention = 7 * 24 * time.Hour
)

// Config represents the complete application configuration.
type Config struct {
	Queue    QueueConfig    `yaml:"queue"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Redis    RedisConfig    `yaml:"redis"`
	API         APIConfig         `yaml:"api"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// QueueConfig selects and tunes the storage backend.
type QueueConfig struct {
	StateDir string `yaml:"state_dir"`
	// Backend is file, sqlite or postgres. Empty picks postgres or sqlite from DSN, or file
	// when DSN is empty too.
	Backend    string        `yaml:"backend"`
	DSN        string        `yaml:"dsn"`
	WorkerID   string        `yaml:"worker_id"`
	LockTTL    time.Duration `yaml:"lock_ttl"`
	MaxRetries int           `yaml:"max_retries"`
}

// RecoveryConfig holds startup recovery and drain loop settings.
type RecoveryConfig struct {
	Budget         time.Duration `yaml:"budget"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ClaimLimit     int           `yaml:"claim_limit"`
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// RedisConfig enables Redis-held session locks when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// APIConfig holds admin API settings.
type APIConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// MaintenanceConfig holds retention for the scheduled maintenance jobs. Zero keeps data forever.
type MaintenanceConfig struct {
	DeadLetterRetention time.Duration `yaml:"dead_letter_retention"`
	MetricsRetention    time.Duration `yaml:"metrics_retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			StateDir:   DefaultStateDir,
			LockTTL:    lock.DefaultTTL,
			MaxRetries: models.DefaultMaxRetries,
		},
		Recovery: RecoveryConfig{
			Budget:         recovery.DefaultBudget,
			StaleAfter:     recovery.DefaultStaleAfter,
			PollInterval:   recovery.DefaultPollInterval,
			ClaimLimit:     recovery.DefaultClaimLimit,
			WebhookTimeout: recovery.DefaultWebhookTimeout,
		},
		API: APIConfig{
			Addr:            DefaultAPIAddr,
			MetricsInterval: 10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			DeadLetterRetention: DefaultDeadLetterRetention,
			MetricsRetention:    DefaultMetricsRetention,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logger.FormatConsole,
		},
	}
}

// Load builds the configuration: defaults, then .env and the environment, then the YAML
// file at path (or $MSGQUEUE_CONFIG). The result is resolved and validated.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("Config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("Config.Load: loaded .env file")
	}

	c := Default()
	c.applyEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := c.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := c.Resolve(); err != nil {
		return nil, err
	}
	slog.Debug("Config.Load: configuration loaded",
		"stateDir", c.Queue.StateDir,
		"backend", c.Queue.Backend,
		"dsnSet", c.Queue.DSN != "",
		"redisLocks", c.Redis.Addr != "",
		"apiAddr", c.API.Addr,
		"webhookSet", c.Recovery.WebhookURL != "")
	return c, nil
}

func (c *Config) applyEnv() {
	c.Queue.StateDir = stringEnv("MSGQUEUE_STATE_DIR", c.Queue.StateDir)
	c.Queue.Backend = stringEnv("MSGQUEUE_BACKEND", c.Queue.Backend)
	c.Queue.DSN = stringEnv("MSGQUEUE_DSN", stringEnv("DATABASE_URL", c.Queue.DSN))
	c.Queue.WorkerID = stringEnv("MSGQUEUE_WORKER_ID", c.Queue.WorkerID)
	c.Queue.LockTTL = util.ParseDurationEnv("MSGQUEUE_LOCK_TTL", c.Queue.LockTTL)
	c.Queue.MaxRetries = util.ParseIntEnv("MSGQUEUE_MAX_RETRIES", c.Queue.MaxRetries)

	c.Recovery.Budget = util.ParseDurationEnv("MSGQUEUE_RECOVERY_BUDGET", c.Recovery.Budget)
	c.Recovery.StaleAfter = util.ParseDurationEnv("MSGQUEUE_STALE_AFTER", c.Recovery.StaleAfter)
	c.Recovery.PollInterval = util.ParseDurationEnv("MSGQUEUE_POLL_INTERVAL", c.Recovery.PollInterval)
	c.Recovery.ClaimLimit = util.ParseIntEnv("MSGQUEUE_CLAIM_LIMIT", c.Recovery.ClaimLimit)
	c.Recovery.WebhookURL = stringEnv("MSGQUEUE_WEBHOOK_URL", c.Recovery.WebhookURL)
	c.Recovery.WebhookTimeout = util.ParseDurationEnv("MSGQUEUE_WEBHOOK_TIMEOUT", c.Recovery.WebhookTimeout)

	c.Redis.Addr = stringEnv("MSGQUEUE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = stringEnv("MSGQUEUE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = util.ParseIntEnv("MSGQUEUE_REDIS_DB", c.Redis.DB)

	c.API.Addr = stringEnv("MSGQUEUE_API_ADDR", c.API.Addr)
	c.API.MetricsInterval = util.ParseDurationEnv("MSGQUEUE_METRICS_INTERVAL", c.API.MetricsInterval)

	c.Maintenance.DeadLetterRetention = util.ParseDurationEnv("MSGQUEUE_DLQ_RETENTION", c.Maintenance.DeadLetterRetention)
	c.Maintenance.MetricsRetention = util.ParseDurationEnv("MSGQUEUE_METRICS_RETENTION", c.Maintenance.MetricsRetention)

	c.Logging.Level = stringEnv("MSGQUEUE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = stringEnv("MSGQUEUE_LOG_FORMAT", c.Logging.Format)
	c.Logging.AddSource = util.ParseBoolEnv("MSGQUEUE_LOG_SOURCE", c.Logging.AddSource)
}

// overlayFile decodes the YAML file at path over c. Keys absent from the file keep their
// current values.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	slog.Debug("Config.overlayFile: applied config file", "path", path)
	return nil
}

// Resolve fills derived values and validates the result.
func (c *Config) Resolve() error {
	if c.Queue.Backend == "" {
		switch {
		case c.Queue.DSN == "":
			c.Queue.Backend = string(store.BackendFile)
		case store.DetectDSNType(c.Queue.DSN) == "postgres":
			c.Queue.Backend = string(store.BackendPostgres)
		default:
			c.Queue.Backend = string(store.BackendSQLite)
		}
	}
	backend, err := store.ParseBackend(strings.ToLower(c.Queue.Backend))
	if err != nil {
		return err
	}
	c.Queue.Backend = string(backend)
	return c.Validate()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Queue.StateDir == "" {
		return fmt.Errorf("state directory is required")
	}
	if c.Queue.Backend == string(store.BackendPostgres) && c.Queue.DSN == "" {
		return fmt.Errorf("postgres backend requires a DSN")
	}
	if c.Queue.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be greater than 0")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Recovery.Budget <= 0 {
		return fmt.Errorf("recovery budget must be greater than 0")
	}
	if c.Recovery.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be greater than 0")
	}
	if c.Recovery.ClaimLimit <= 0 {
		return fmt.Errorf("claim_limit must be greater than 0")
	}
	if c.Maintenance.DeadLetterRetention < 0 || c.Maintenance.MetricsRetention < 0 {
		return fmt.Errorf("retention must not be negative")
	}
	return nil
}

// StoreConfig converts c into the store settings. The Redis client is attached by the caller.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Backend:  store.Backend(c.Queue.Backend),
		StateDir: c.Queue.StateDir,
		DSN:      c.Queue.DSN,
		WorkerID: c.Queue.WorkerID,
		LockTTL:  c.Queue.LockTTL,
	}
}

// ManagerConfig converts c into the drain loop settings.
func (c *Config) ManagerConfig() recovery.ManagerConfig {
	return recovery.ManagerConfig{
		PollInterval: c.Recovery.PollInterval,
		ClaimLimit:   c.Recovery.ClaimLimit,
		LockTTL:      c.Queue.LockTTL,
	}
}

// LoggerConfig converts c into the logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{Level: c.Logging.Level, Format: c.Logging.Format, AddSource: c.Logging.AddSource}
}

func stringEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}
