// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Recrawl   RecrawlConfig   `mapstructure:"recrawl"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Transform TransformConfig `mapstructure:"transform"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig governs the worker pool and queue behavior.
type QueueConfig struct {
	Workers      int `mapstructure:"workers"`
	ClaimBatch   int `mapstructure:"claim_batch"`
	PollMs       int `mapstructure:"poll_ms"`
	RetentionDay int `mapstructure:"retention_days"`
}

// AdmissionConfig controls per-domain spacing.
type AdmissionConfig struct {
	DefaultSpacingMs   int `mapstructure:"default_spacing_ms"`
	EmergencySpacingMs int `mapstructure:"emergency_spacing_ms"`
}

// RetryConfig controls backoff and quarantine.
type RetryConfig struct {
	BaseDelayMs         int `mapstructure:"base_delay_ms"`
	MaxDoublings        int `mapstructure:"max_doublings"`
	QuarantineThreshold int `mapstructure:"quarantine_threshold"`
}

// RecrawlConfig controls the cache-driven re-enqueue scheduler.
type RecrawlConfig struct {
	IntervalSec   int `mapstructure:"interval_seconds"`
	SuccessTTLMin int `mapstructure:"success_ttl_minutes"`
	FailureTTLMin int `mapstructure:"failure_ttl_minutes"`
}

// SweepConfig controls stale-lease recovery and retention.
type SweepConfig struct {
	IntervalSec   int `mapstructure:"interval_seconds"`
	LeaseTTLMin   int `mapstructure:"lease_ttl_minutes"`
	RetentionDays int `mapstructure:"retention_days"`
}

// IntakeConfig controls file ingestion.
type IntakeConfig struct {
	MaxSizeBytes int64  `mapstructure:"max_size_bytes"`
	Bucket       string `mapstructure:"bucket"`
	Subscription string `mapstructure:"subscription"`
}

// TransformConfig controls promotion and the gold refresh.
type TransformConfig struct {
	BatchSize       int `mapstructure:"batch_size"`
	LockTTLSec      int `mapstructure:"lock_ttl_seconds"`
	IntervalSec     int `mapstructure:"interval_seconds"`
	RefreshEverySec int `mapstructure:"refresh_every_seconds"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifeMin  int    `mapstructure:"max_conn_life_minutes"`
	JobsTable       string `mapstructure:"jobs_table"`
	ResultTable     string `mapstructure:"result_table"`
	IntakeTable     string `mapstructure:"intake_table"`
	IntakeHistTable string `mapstructure:"intake_history_table"`
}

// RedisConfig locates the shared lock store.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	LockPrefix string `mapstructure:"lock_prefix"`
}

// PubSubConfig holds the object-created event subscription.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.claim_batch", 16)
	v.SetDefault("queue.poll_ms", 500)
	v.SetDefault("admission.default_spacing_ms", 1500)
	v.SetDefault("admission.emergency_spacing_ms", 3600000)
	v.SetDefault("retry.base_delay_ms", 30000)
	v.SetDefault("retry.max_doublings", 6)
	v.SetDefault("retry.quarantine_threshold", 6)
	v.SetDefault("recrawl.interval_seconds", 300)
	v.SetDefault("recrawl.success_ttl_minutes", 360)
	v.SetDefault("recrawl.failure_ttl_minutes", 4320)
	v.SetDefault("sweep.interval_seconds", 600)
	v.SetDefault("sweep.lease_ttl_minutes", 120)
	v.SetDefault("sweep.retention_days", 30)
	v.SetDefault("intake.max_size_bytes", int64(200*1024*1024))
	v.SetDefault("transform.batch_size", 500)
	v.SetDefault("transform.lock_ttl_seconds", 300)
	v.SetDefault("transform.interval_seconds", 60)
	v.SetDefault("transform.refresh_every_seconds", 900)
	v.SetDefault("db.jobs_table", "jobs")
	v.SetDefault("db.result_table", "result_cache")
	v.SetDefault("db.intake_table", "intake_records")
	v.SetDefault("db.intake_history_table", "intake_history")
	v.SetDefault("redis.lock_prefix", "scout:lock:")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Retry.QuarantineThreshold <= 0 {
		return fmt.Errorf("retry.quarantine_threshold must be > 0")
	}
	if c.Intake.MaxSizeBytes <= 0 {
		return fmt.Errorf("intake.max_size_bytes must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// LeaseTTL converts the sweep lease threshold into a duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Sweep.LeaseTTLMin) * time.Minute
}

// DefaultSpacing converts the admission default into a duration.
func (c Config) DefaultSpacing() time.Duration {
	return time.Duration(c.Admission.DefaultSpacingMs) * time.Millisecond
}

// EmergencySpacing converts the emergency spacing into a duration.
func (c Config) EmergencySpacing() time.Duration {
	return time.Duration(c.Admission.EmergencySpacingMs) * time.Millisecond
}
