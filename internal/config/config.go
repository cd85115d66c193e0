// Package config defines the wager engine's configuration and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by WAGER_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Kafka    KafkaConfig    `toml:"kafka"`
	S3       S3Config       `toml:"s3"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Limits   LimitsConfig   `toml:"limits"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	LockTimeout     duration `toml:"lock_timeout"`
}

// PostgresConfig selects the Postgres store. An empty DSN keeps the
// in-memory store.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// RedisConfig enables the read-through cache and the distributed market
// lock.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
	LockTTL  duration `toml:"lock_ttl"`
}

// KafkaConfig enables the change-feed publisher.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	Buffer  int      `toml:"buffer"`
}

// S3Config holds the snapshot archive bucket.
type S3Config struct {
	Bucket         string `toml:"bucket"`
	Region         string `toml:"region"`
	Endpoint       string `toml:"endpoint"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SnapshotConfig controls the periodic snapshot of the in-memory store.
type SnapshotConfig struct {
	Path     string   `toml:"path"`
	Interval duration `toml:"interval"`
}

// LedgerConfig describes the seeded administrator.
type LedgerConfig struct {
	AdminID       string `toml:"admin_id"`
	AdminUsername string `toml:"admin_username"`
	AdminBalance  string `toml:"admin_balance"`
}

// LimitsConfig holds the opt-in stake caps. Empty or zero disables a cap.
type LimitsConfig struct {
	MaxStake        string `toml:"max_stake"`
	MaxPerMarket    string `toml:"max_per_market"`
	MaxOpenExposure string `toml:"max_open_exposure"`
}

// duration wraps time.Duration so TOML strings like "5s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs a single in-memory node.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
			LockTimeout:     duration{5 * time.Second},
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			LockTTL:  duration{10 * time.Second},
		},
		Kafka: KafkaConfig{
			Topic:  "wager-engine.events",
			Buffer: 1024,
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "snapshots/",
		},
		Snapshot: SnapshotConfig{
			Interval: duration{time.Minute},
		},
		Ledger: LedgerConfig{
			AdminID:       "admin",
			AdminUsername: "admin",
			AdminBalance:  "1000",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}
	if c.Server.LockTimeout.Duration <= 0 {
		errs = append(errs, "server: lock_timeout must be positive")
	}

	if c.Redis.URL != "" && c.Redis.LockTTL.Duration <= 0 {
		errs = append(errs, "redis: lock_ttl must be positive")
	}

	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		errs = append(errs, "kafka: topic is required when brokers are set")
	}

	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region is required when bucket is set")
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		errs = append(errs, "s3: access_key and secret_key must be set together")
	}

	if c.Snapshot.Path != "" || c.S3.Bucket != "" {
		if c.Postgres.DSN != "" {
			errs = append(errs, "snapshot: snapshots apply to the in-memory store only; unset postgres.dsn")
		}
		if c.Snapshot.Interval.Duration <= 0 {
			errs = append(errs, "snapshot: interval must be positive")
		}
	}

	if strings.TrimSpace(c.Ledger.AdminID) == "" {
		errs = append(errs, "ledger: admin_id must not be empty")
	}
	if strings.TrimSpace(c.Ledger.AdminUsername) == "" {
		errs = append(errs, "ledger: admin_username must not be empty")
	}
	if _, err := c.AdminBalance(); err != nil {
		errs = append(errs, "ledger: "+err.Error())
	}

	if _, _, _, err := c.StakeLimits(); err != nil {
		errs = append(errs, "limits: "+err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// AdminBalance parses the seeded administrator's opening balance.
func (c *Config) AdminBalance() (decimal.Decimal, error) {
	v, err := parseAmount("admin_balance", c.Ledger.AdminBalance)
	if err != nil {
		return decimal.Zero, err
	}
	return v, nil
}

// StakeLimits parses the three caps. Unset caps come back as zero.
func (c *Config) StakeLimits() (maxStake, maxPerMarket, maxOpen decimal.Decimal, err error) {
	if maxStake, err = parseAmount("max_stake", c.Limits.MaxStake); err != nil {
		return
	}
	if maxPerMarket, err = parseAmount("max_per_market", c.Limits.MaxPerMarket); err != nil {
		return
	}
	maxOpen, err = parseAmount("max_open_exposure", c.Limits.MaxOpenExposure)
	return
}

func parseAmount(name, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %q is not a decimal", name, raw)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", name)
	}
	return v, nil
}
