// Package config defines the ledger service configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CTFLEDGER_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Wallet   WalletConfig   `toml:"wallet"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Relay    RelayConfig    `toml:"relay"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Audit    AuditConfig    `toml:"audit"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig holds the ledger's own parameters.
type LedgerConfig struct {
	// CustodyAddress holds all collateral pulled into the ledger.
	CustodyAddress string `toml:"custody_address"`
	// CollateralTokens lists the accepted collateral asset addresses.
	CollateralTokens []string `toml:"collateral_tokens"`
	// Faucet enables POST /api/collateral/mint. Development only.
	Faucet bool `toml:"faucet"`
	// AutoCreateCollateral lets the in-memory collateral backend accept any
	// asset address.
	AutoCreateCollateral bool `toml:"auto_create_collateral"`
}

// WalletConfig holds the market factory's key.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// StreamMaxLen trims the event stream to roughly this many entries.
	StreamMaxLen int64 `toml:"stream_max_len"`
	// ConditionTTL bounds how long unresolved conditions stay cached.
	ConditionTTL duration `toml:"condition_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls copying the event log to object storage.
type ArchiveConfig struct {
	Enabled            bool     `toml:"enabled"`
	Cron               string   `toml:"cron"`
	BatchSize          int      `toml:"batch_size"`
	MultipartThreshold int64    `toml:"multipart_threshold"`
	PartSize           int64    `toml:"part_size"`
	LockTTL            duration `toml:"lock_ttl"`
}

// RelayConfig controls the loop that publishes committed events when the
// store is shared between instances.
type RelayConfig struct {
	Interval duration `toml:"interval"`
	Batch    int      `toml:"batch"`
	// StartSeq skips history on the very first relay run.
	StartSeq int64 `toml:"start_seq"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// MaxSkew bounds how old a signed request's timestamp may be.
	MaxSkew duration `toml:"max_skew"`
	// AllowDevCaller honours the unsigned X-Ledger-Caller header.
	AllowDevCaller bool     `toml:"allow_dev_caller"`
	RateLimit      int      `toml:"rate_limit"`
	RateWindow     duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// AuditConfig controls the audit mode.
type AuditConfig struct {
	// Source is "store" to replay the live event log or "archive" to replay
	// the object storage archive followed by the live tail.
	Source string `toml:"source"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			CustodyAddress:       "0x000000000000000000000000000000000000c7f0",
			AutoCreateCollateral: true,
		},
		Storage: StorageConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "ctfledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 100_000,
			ConditionTTL: duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ctfledger",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron:               "*/15 * * * *",
			BatchSize:          5000,
			MultipartThreshold: 16 << 20,
			PartSize:           8 << 20,
			LockTTL:            duration{10 * time.Minute},
		},
		Relay: RelayConfig{
			Interval: duration{500 * time.Millisecond},
			Batch:    500,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			MaxSkew:     duration{5 * time.Minute},
			RateLimit:   0,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"ConditionResolution", "MarketCreated"},
		},
		Audit:    AuditConfig{Source: "store"},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve": true,
	"audit": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, audit)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if !isAddress(c.Ledger.CustodyAddress) || common.HexToAddress(c.Ledger.CustodyAddress) == (common.Address{}) {
		errs = append(errs, fmt.Sprintf("ledger: custody_address %q must be a non-zero address", c.Ledger.CustodyAddress))
	}
	for _, t := range c.Ledger.CollateralTokens {
		if !isAddress(t) {
			errs = append(errs, fmt.Sprintf("ledger: collateral token %q is not an address", t))
		}
	}
	if len(c.Ledger.CollateralTokens) == 0 && !c.Ledger.AutoCreateCollateral {
		errs = append(errs, "ledger: collateral_tokens must list at least one asset (or set auto_create_collateral)")
	}
	if c.Ledger.AutoCreateCollateral && c.Storage.Backend != "memory" {
		errs = append(errs, "ledger: auto_create_collateral requires the memory backend")
	}

	// Wallet
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Storage
	switch c.Storage.Backend {
	case "memory":
		if mode == "audit" {
			errs = append(errs, "storage: audit mode needs a durable backend (postgres)")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: memory, postgres)", c.Storage.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 and the archive
	needsS3 := c.Archive.Enabled || (mode == "audit" && c.Audit.Source == "archive")
	if needsS3 && !c.S3.Enabled {
		errs = append(errs, "s3: must be enabled for the event archive")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}
	if c.Archive.Enabled {
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron %q must have 5 fields", c.Archive.Cron))
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: batch_size must be >= 1")
		}
	}

	// Relay
	if c.Relay.Interval.Duration <= 0 {
		errs = append(errs, "relay: interval must be > 0")
	}

	// Audit
	if c.Audit.Source != "store" && c.Audit.Source != "archive" {
		errs = append(errs, fmt.Sprintf("audit: unknown source %q (valid: store, archive)", c.Audit.Source))
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit needs redis.enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isAddress(s string) bool { return common.IsHexAddress(strings.TrimSpace(s)) }

// CustodyAddress returns the parsed custody address.
func (c *Config) CustodyAddress() common.Address {
	return common.HexToAddress(strings.TrimSpace(c.Ledger.CustodyAddress))
}

// CollateralAssets returns the parsed collateral token addresses.
func (c *Config) CollateralAssets() []common.Address {
	out := make([]common.Address, 0, len(c.Ledger.CollateralTokens))
	for _, t := range c.Ledger.CollateralTokens {
		out = append(out, common.HexToAddress(strings.TrimSpace(t)))
	}
	return out
}
