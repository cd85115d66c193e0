package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearAliases blanks the unprefixed aliases so the host environment
// cannot leak into a test.
func clearAliases(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL"} {
		t.Setenv(k, "")
	}
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	bal, err := cfg.AdminBalance()
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(1000)))

	maxStake, maxMarket, maxOpen, err := cfg.StakeLimits()
	require.NoError(t, err)
	assert.True(t, maxStake.IsZero())
	assert.True(t, maxMarket.IsZero())
	assert.True(t, maxOpen.IsZero())
}

func TestLoadFileThenEnv(t *testing.T) {
	clearAliases(t)
	path := filepath.Join(t.TempDir(), "wager.toml")
	body := `
log_level = "debug"

[server]
port = 9090
request_timeout = "12s"

[kafka]
brokers = ["k1:9092"]
topic = "bets"

[limits]
max_stake = "250"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("WAGER_KAFKA_BROKERS", "a:9092, b:9092 ,")
	t.Setenv("WAGER_LIMITS_MAX_PER_MARKET", "500")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 12*time.Second, cfg.Server.RequestTimeout.Duration)
	assert.Equal(t, 5*time.Second, cfg.Server.LockTimeout.Duration, "untouched default")
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "bets", cfg.Kafka.Topic)

	maxStake, maxMarket, _, err := cfg.StakeLimits()
	require.NoError(t, err)
	assert.True(t, maxStake.Equal(decimal.NewFromInt(250)))
	assert.True(t, maxMarket.Equal(decimal.NewFromInt(500)))
}

func TestLoadWithoutFile(t *testing.T) {
	clearAliases(t)
	t.Setenv("WAGER_SERVER_PORT", "7000")
	t.Setenv("WAGER_SNAPSHOT_INTERVAL", "not-a-duration")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Snapshot.Interval.Duration, "bad values are ignored")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Kafka.Brokers = []string{"k:9092"}
	cfg.Kafka.Topic = " "
	cfg.S3.AccessKey = "only-half"
	cfg.Ledger.AdminBalance = "lots"
	cfg.Limits.MaxStake = "-5"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"log_level",
		"server: port",
		"kafka: topic",
		"s3: access_key",
		"admin_balance",
		"max_stake must not be negative",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestSnapshotsRequireMemoryStore(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://localhost/wagers"
	cfg.Snapshot.Path = "/tmp/wagers.json"
	assert.ErrorContains(t, cfg.Validate(), "in-memory store only")
}
