package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the configuration: defaults, then the TOML file at path (if
// path is non-empty), then WAGER_* environment overrides. A .env file in
// the working directory is loaded when present. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "WAGER_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "WAGER_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.RequestTimeout, "WAGER_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "WAGER_SERVER_SHUTDOWN_TIMEOUT")
	setDuration(&cfg.Server.LockTimeout, "WAGER_SERVER_LOCK_TIMEOUT")

	setStr(&cfg.Postgres.DSN, "WAGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")

	setStr(&cfg.Redis.URL, "WAGER_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "WAGER_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.LockTTL, "WAGER_REDIS_LOCK_TTL")

	setStringSlice(&cfg.Kafka.Brokers, "WAGER_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "WAGER_KAFKA_TOPIC")
	setInt(&cfg.Kafka.Buffer, "WAGER_KAFKA_BUFFER")

	setStr(&cfg.S3.Bucket, "WAGER_S3_BUCKET")
	setStr(&cfg.S3.Region, "WAGER_S3_REGION")
	setStr(&cfg.S3.Endpoint, "WAGER_S3_ENDPOINT")
	setStr(&cfg.S3.Prefix, "WAGER_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "WAGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "WAGER_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "WAGER_S3_FORCE_PATH_STYLE")

	setStr(&cfg.Snapshot.Path, "WAGER_SNAPSHOT_PATH")
	setDuration(&cfg.Snapshot.Interval, "WAGER_SNAPSHOT_INTERVAL")

	setStr(&cfg.Ledger.AdminID, "WAGER_LEDGER_ADMIN_ID")
	setStr(&cfg.Ledger.AdminUsername, "WAGER_LEDGER_ADMIN_USERNAME")
	setStr(&cfg.Ledger.AdminBalance, "WAGER_LEDGER_ADMIN_BALANCE")

	setStr(&cfg.Limits.MaxStake, "WAGER_LIMITS_MAX_STAKE")
	setStr(&cfg.Limits.MaxPerMarket, "WAGER_LIMITS_MAX_PER_MARKET")
	setStr(&cfg.Limits.MaxOpenExposure, "WAGER_LIMITS_MAX_OPEN_EXPOSURE")

	setStr(&cfg.LogLevel, "WAGER_LOG_LEVEL")
}

// Each helper only mutates the target when the variable is set and
// parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
