// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/jobguard/internal/domain"
)

// minStuckThreshold is the hard floor for the liveness horizon. Lower
// values would mark healthy jobs stuck.
const minStuckThreshold = 60 * time.Second

// PostgresConfig holds the database endpoint and pool tuning. Either
// URL or the structured fields must be set.
type PostgresConfig struct {
	URL      string `yaml:"url" env:"JOBGUARD_POSTGRES_URL"`
	Host     string `yaml:"host" env:"JOBGUARD_POSTGRES_HOST"`
	Port     int    `yaml:"port" env:"JOBGUARD_POSTGRES_PORT" envDefault:"5432"`
	Database string `yaml:"database" env:"JOBGUARD_POSTGRES_DATABASE"`
	User     string `yaml:"user" env:"JOBGUARD_POSTGRES_USER"`
	Password string `yaml:"password" env:"JOBGUARD_POSTGRES_PASSWORD"`
	SSLMode  string `yaml:"ssl_mode" env:"JOBGUARD_POSTGRES_SSLMODE" envDefault:"disable"`

	MaxConns         int           `yaml:"max_conns" env:"JOBGUARD_POSTGRES_MAX_CONNS" envDefault:"10"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" env:"JOBGUARD_POSTGRES_IDLE_TIMEOUT" envDefault:"30s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" env:"JOBGUARD_POSTGRES_CONNECT_TIMEOUT" envDefault:"2s"`
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"JOBGUARD_POSTGRES_STATEMENT_TIMEOUT" envDefault:"30s"`
}

// DSN renders the configured endpoint as a pgx connection string.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// ReconciliationConfig controls the stuck-job recovery loop.
type ReconciliationConfig struct {
	Enabled            bool          `yaml:"enabled" env:"JOBGUARD_RECONCILIATION_ENABLED" envDefault:"true"`
	Interval           time.Duration `yaml:"interval" env:"JOBGUARD_RECONCILIATION_INTERVAL" envDefault:"30s"`
	StuckThreshold     time.Duration `yaml:"stuck_threshold" env:"JOBGUARD_RECONCILIATION_STUCK_THRESHOLD" envDefault:"5m"`
	BatchSize          int           `yaml:"batch_size" env:"JOBGUARD_RECONCILIATION_BATCH_SIZE" envDefault:"100"`
	AdaptiveScheduling bool          `yaml:"adaptive_scheduling" env:"JOBGUARD_RECONCILIATION_ADAPTIVE" envDefault:"true"`
	RateLimitPerSecond int           `yaml:"rate_limit_per_second" env:"JOBGUARD_RECONCILIATION_RATE_LIMIT" envDefault:"20"`
	UseHeartbeat       bool          `yaml:"use_heartbeat" env:"JOBGUARD_RECONCILIATION_USE_HEARTBEAT" envDefault:"true"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" env:"JOBGUARD_LOGGING_ENABLED" envDefault:"true"`
	Level   string `yaml:"level" env:"JOBGUARD_LOGGING_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Prefix  string `yaml:"prefix" env:"JOBGUARD_LOGGING_PREFIX" envDefault:"jobguard"`
}

// PersistenceConfig controls terminal-row retention.
type PersistenceConfig struct {
	RetentionDays   int           `yaml:"retention_days" env:"JOBGUARD_RETENTION_DAYS" envDefault:"7" validate:"min=1"`
	CleanupEnabled  bool          `yaml:"cleanup_enabled" env:"JOBGUARD_CLEANUP_ENABLED" envDefault:"true"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"JOBGUARD_CLEANUP_INTERVAL" envDefault:"1h"`
}

// LimitsConfig caps submitted payloads.
type LimitsConfig struct {
	MaxJobDataSize   int `yaml:"max_job_data_size" env:"JOBGUARD_MAX_JOB_DATA_SIZE" envDefault:"1048576" validate:"min=1"`
	MaxJobNameLength int `yaml:"max_job_name_length" env:"JOBGUARD_MAX_JOB_NAME_LENGTH" envDefault:"255" validate:"min=1"`
}

// Config holds all JobGuard configuration. Programmatic construction
// with Default() as the base is the primary path; Load and LoadFile
// exist for hosts that configure from the environment or a YAML file.
type Config struct {
	QueueName string `yaml:"queue_name" env:"JOBGUARD_QUEUE_NAME" validate:"required,max=100"`
	QueueType string `yaml:"queue_type" env:"JOBGUARD_QUEUE_TYPE" validate:"required,oneof=bull bullmq bee"`

	Postgres       PostgresConfig       `yaml:"postgres"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Logging        LoggingConfig        `yaml:"logging"`
	Persistence    PersistenceConfig    `yaml:"persistence"`
	Limits         LimitsConfig         `yaml:"limits"`

	// StrictRemoval disables the non-atomic broker removal fallback used
	// when the atomic script cannot run.
	StrictRemoval bool `yaml:"strict_removal" env:"JOBGUARD_STRICT_REMOVAL" envDefault:"false"`

	// ResubmitMissing re-submits a stuck job from its mirrored payload
	// when the broker no longer holds it. Off by default: a re-enqueue
	// whose broker job vanished is skipped.
	ResubmitMissing bool `yaml:"resubmit_missing" env:"JOBGUARD_RESUBMIT_MISSING" envDefault:"false"`
}

// Default returns a Config with every tunable at its documented default.
func Default() Config {
	return Config{
		Postgres: PostgresConfig{
			Port:             5432,
			SSLMode:          "disable",
			MaxConns:         10,
			IdleTimeout:      30 * time.Second,
			ConnectTimeout:   2 * time.Second,
			StatementTimeout: 30 * time.Second,
		},
		Reconciliation: ReconciliationConfig{
			Enabled:            true,
			Interval:           30 * time.Second,
			StuckThreshold:     5 * time.Minute,
			BatchSize:          100,
			AdaptiveScheduling: true,
			RateLimitPerSecond: 20,
			UseHeartbeat:       true,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Prefix:  "jobguard",
		},
		Persistence: PersistenceConfig{
			RetentionDays:   7,
			CleanupEnabled:  true,
			CleanupInterval: time.Hour,
		},
		Limits: LimitsConfig{
			MaxJobDataSize:   1 << 20,
			MaxJobNameLength: 255,
		},
	}
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML config file on top of the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("op=config.LoadFile: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.LoadFile: %w", err)
	}
	return cfg, nil
}

// Validate checks structural constraints and the reconciliation floor.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("op=config.Validate: %w: %v", domain.ErrValidation, err)
	}
	if c.Postgres.URL == "" && (c.Postgres.Host == "" || c.Postgres.Database == "") {
		return fmt.Errorf("op=config.Validate: %w: postgres endpoint required", domain.ErrValidation)
	}
	if c.Reconciliation.StuckThreshold < minStuckThreshold {
		return fmt.Errorf("op=config.Validate: %w: stuck threshold %s below floor %s",
			domain.ErrReconciliation, c.Reconciliation.StuckThreshold, minStuckThreshold)
	}
	if c.Reconciliation.BatchSize <= 0 {
		return fmt.Errorf("op=config.Validate: %w: batch size must be positive", domain.ErrValidation)
	}
	if c.Reconciliation.RateLimitPerSecond <= 0 {
		return fmt.Errorf("op=config.Validate: %w: rate limit must be positive", domain.ErrValidation)
	}
	return nil
}

// QueueTypeValue returns the configured broker family as a domain type.
func (c Config) QueueTypeValue() domain.QueueType { return domain.QueueType(c.QueueType) }
