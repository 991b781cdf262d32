package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	s3blob "github.com/alanyoungcy/ctfledger/internal/blob/s3"
	"github.com/alanyoungcy/ctfledger/internal/cache/redis"
	"github.com/alanyoungcy/ctfledger/internal/collateral"
	"github.com/alanyoungcy/ctfledger/internal/config"
	"github.com/alanyoungcy/ctfledger/internal/crypto"
	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/metrics"
	"github.com/alanyoungcy/ctfledger/internal/notify"
	"github.com/alanyoungcy/ctfledger/internal/server/handler"
	"github.com/alanyoungcy/ctfledger/internal/store/memory"
	"github.com/alanyoungcy/ctfledger/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Ledger  domain.LedgerStore
	Markets domain.MarketStore
	Tokens  domain.TokenRegistry
	// Durable is true when the ledger store is shared between instances, in
	// which case committed events are published by the relay.
	Durable bool

	// Collateral
	Collateral domain.CollateralSource
	Faucet     domain.CollateralFaucet

	// Caches
	SignalBus      domain.SignalBus
	LockManager    domain.LockManager
	RateLimiter    domain.RateLimiter
	ConditionCache domain.ConditionCache
	// ReplayGuard is Redis-backed when Redis is enabled and per-process
	// otherwise.
	ReplayGuard domain.ReplayGuard

	// Blob storage
	BlobReader    domain.BlobReader
	EventArchiver domain.EventArchiver

	// Factory signs as the market factory wallet.
	Factory *crypto.Signer

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	// Checks are run by the health endpoint.
	Checks map[string]handler.Pinger
}

// needsS3 returns true when object storage must be connected.
func needsS3(cfg *config.Config) bool {
	return cfg.S3.Enabled || cfg.Archive.Enabled || (cfg.Mode == "audit" && cfg.Audit.Source == "archive")
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	reg := prometheus.NewRegistry()
	deps := &Dependencies{
		Registry: reg,
		Metrics:  metrics.New(reg),
		Checks:   make(map[string]handler.Pinger),

		ReplayGuard: memory.NewReplayGuard(),
	}
	assets := cfg.CollateralAssets()

	// --- Ledger stores ---
	switch cfg.Storage.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		stores := pgClient.Stores(assets...)
		deps.Ledger = stores.Ledger
		deps.Markets = stores.Markets
		deps.Tokens = stores.Tokens
		deps.Collateral = stores.Collateral
		if cfg.Ledger.Faucet {
			deps.Faucet = stores.Collateral
		}
		deps.Durable = true
		deps.Checks["postgres"] = pgClient.Pool().Ping

	default:
		registry := collateral.NewRegistry(cfg.Ledger.AutoCreateCollateral, assets...)
		deps.Ledger = memory.NewLedgerStore()
		deps.Markets = memory.NewMarketStore()
		deps.Tokens = memory.NewTokenRegistry()
		deps.Collateral = registry
		if cfg.Ledger.Faucet {
			deps.Faucet = registry
		}
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.ReplayGuard = redis.NewReplayGuard(redisClient)
		deps.ConditionCache = redis.NewConditionCache(redisClient, cfg.Redis.ConditionTTL.Duration)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.EventArchiver = s3blob.NewEventArchiver(deps.Ledger, s3blob.NewWriter(s3Client), reader, s3blob.ArchiverConfig{
			BatchSize:          cfg.Archive.BatchSize,
			MultipartThreshold: cfg.Archive.MultipartThreshold,
			PartSize:           cfg.Archive.PartSize,
		})
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Factory wallet ---
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	switch {
	case errors.Is(err, crypto.ErrNoKey):
		key, genErr := crypto.GenerateKey()
		if genErr != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: factory key: %w", genErr)
		}
		if signer, err = crypto.NewSigner(key); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: factory key: %w", err)
		}
		logger.WarnContext(ctx, "no wallet key configured, using an ephemeral market factory",
			slog.String("factory", signer.Address().Hex()),
		)
	case err != nil:
		cleanup()
		return nil, nil, fmt.Errorf("wire: factory key: %w", err)
	}
	deps.Factory = signer

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
