package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "serve", cfg.Mode)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Server.MaxSkew.Duration)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Ledger.CustodyAddress = "0x0000000000000000000000000000000000000000"
	cfg.Storage.Backend = "sqlite"
	cfg.Archive.Enabled = true
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown log_level "loud"`,
		"custody_address",
		`unknown backend "sqlite"`,
		"s3: must be enabled",
		"server: port",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_PostgresAndAudit(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "audit"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit mode needs a durable backend")

	cfg.Storage.Backend = "postgres"
	cfg.Ledger.AutoCreateCollateral = false
	cfg.Ledger.CollateralTokens = []string{"0x00000000000000000000000000000000000a55e7"}
	cfg.Postgres.PoolMinConns = 20
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool_min_conns")

	cfg.Postgres.PoolMinConns = 1
	require.NoError(t, cfg.Validate())

	cfg.Audit.Source = "archive"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: must be enabled")
}

func TestValidate_RateLimitNeedsRedis(t *testing.T) {
	cfg := Defaults()
	cfg.Server.RateLimit = 100
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit needs redis")

	cfg.Redis.Enabled = true
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctfledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "serve"
log_level = "debug"

[ledger]
collateral_tokens = ["0x00000000000000000000000000000000000a55e7"]
faucet = true

[storage]
backend = "postgres"

[postgres]
dsn = "postgres://file/db"

[relay]
interval = "2s"
`), 0o600))

	t.Setenv("CTFLEDGER_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("CTFLEDGER_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("CTFLEDGER_ARCHIVE_LOCK_TTL", "90s")
	t.Setenv("CTFLEDGER_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Ledger.Faucet)
	assert.Equal(t, "postgres://env/db", cfg.Postgres.DSN)
	assert.Equal(t, 2*time.Second, cfg.Relay.Interval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 90*time.Second, cfg.Archive.LockTTL.Duration)
	assert.Equal(t, 8000, cfg.Server.Port, "unparsable override is ignored")
	assert.Equal(t, []common.Address{common.HexToAddress("0x0a55e7")}, cfg.CollateralAssets())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Postgres.DSN = "postgres://user:pw@host/db"
	cfg.S3.SecretKey = "s3cret"
	cfg.Notify.TelegramToken = "tok"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")
	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey, "original untouched")

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
