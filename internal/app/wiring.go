package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	dapr "github.com/dapr/go-sdk/client"

	"recipebox/internal/cache"
	"recipebox/internal/config"
	"recipebox/internal/logging"
	"recipebox/internal/notifier"
	"recipebox/internal/repository"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Wire opens the storage, cache and mail transport selected by cfg and fills
// the matching fields of appConfig. Anything opened is appended to
// appConfig.Closers; on error, what was already opened is closed again.
func Wire(ctx context.Context, cfg *config.Config, appConfig *Config) (err error) {
	logger := appConfig.Logger
	defer func() {
		if err != nil {
			for _, c := range appConfig.Closers {
				_ = c.Close()
			}
			appConfig.Closers = nil
		}
	}()

	repo, closer, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	appConfig.Repository = repo
	appConfig.Closers = append(appConfig.Closers, closer)

	subscriberCache, closer, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	appConfig.Cache = subscriberCache
	appConfig.Closers = append(appConfig.Closers, closer)
	appConfig.CacheTTL = cfg.CacheTTL
	appConfig.FlashSecret = cfg.FlashSecret

	sender, err := openSender(cfg, logger)
	if err != nil {
		return err
	}
	appConfig.Notifier = notifier.NewWelcomeNotifier(sender, cfg.Notifier(), logger)

	logger.WithFields(map[string]interface{}{
		"storage":   cfg.StorageDriver,
		"cache":     cfg.CacheDriver,
		"transport": cfg.MailTransport,
	}).Info("Dependencies wired")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *logging.ContextLogger) (repository.SubscriberRepository, io.Closer, error) {
	switch cfg.StorageDriver {
	case config.StorageMemory:
		return repository.NewInMemorySubscriberRepository(), closerFunc(func() error { return nil }), nil
	case config.StorageSQLite, config.StoragePostgres:
		db, err := repository.OpenSQL(ctx, cfg.StorageDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := repository.Migrate(ctx, db, cfg.StorageDriver, logger); err != nil {
			return nil, nil, errors.Join(err, db.Close())
		}
		return repository.NewSQLSubscriberRepository(db, cfg.StorageDriver), db, nil
	case config.StorageDapr:
		client, err := dapr.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create dapr client: %w", err)
		}
		return repository.NewDaprSubscriberRepository(client, cfg.DaprStoreName), closerFunc(func() error {
			client.Close()
			return nil
		}), nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", repository.ErrUnsupportedDriver, cfg.StorageDriver)
	}
}

func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, io.Closer, error) {
	switch cfg.CacheDriver {
	case config.CacheRedis:
		client, err := cache.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewRedisCache(client), client, nil
	default:
		memCache := cache.NewInMemoryCache()
		return memCache, memCache, nil
	}
}

func openSender(cfg *config.Config, logger *logging.ContextLogger) (notifier.Sender, error) {
	var transport notifier.Sender
	switch cfg.MailTransport {
	case config.MailLog:
		transport = notifier.NewLogSender(logger)
	case config.MailResend:
		transport = notifier.NewResendSender(cfg.ResendAPIKey)
	default:
		return nil, fmt.Errorf("unsupported mail transport: %s", cfg.MailTransport)
	}
	return notifier.NewBreakerSender(transport, cfg.MailBreakerFailures, cfg.MailBreakerCooldown, logger), nil
}
