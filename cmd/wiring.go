package main

import (
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/l0p7/guardpost/internal/config"
	"github.com/l0p7/guardpost/internal/dispatch"
	"github.com/l0p7/guardpost/internal/durable"
	"github.com/l0p7/guardpost/internal/gateway"
	"github.com/l0p7/guardpost/internal/metrics"
	"github.com/l0p7/guardpost/internal/remote"
	"github.com/l0p7/guardpost/internal/templates"
)

// buildDurableStore never fails: an unreachable backend degrades to the
// in-process store so the device keeps working offline.
func buildDurableStore(logger *slog.Logger, cfg config.DurableConfig) durable.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory durable store")
		return durable.NewMemory()
	case "redis":
		store, err := durable.NewRedis(durable.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: durable.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis durable store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory durable store")
			return durable.NewMemory()
		}
		logger.Info("using redis durable store", slog.String("address", cfg.Redis.Address))
		return store
	case "sqlite":
		store, err := durable.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			logger.Error("sqlite durable store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory durable store")
			return durable.NewMemory()
		}
		logger.Info("using sqlite durable store", slog.String("path", cfg.SQLite.Path))
		return store
	default:
		logger.Warn("unsupported durable backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return durable.NewMemory()
	}
}

func buildRemote(logger *slog.Logger, cfg config.RemoteConfig) (remote.Store, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		logger.Warn("no remote base url configured, using in-process document store")
		return remote.NewMemory(), nil
	}
	store, err := remote.NewHTTP(remote.HTTPConfig{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("using remote document store", slog.String("base_url", cfg.BaseURL))
	return store, nil
}

// buildDispatcher returns nil when no gateway is configured; dispatch routes
// then report themselves unavailable.
func buildDispatcher(logger *slog.Logger, recorder *metrics.Recorder, cfg config.PushConfig, store remote.Store, usersCollection string) (*dispatch.Dispatcher, error) {
	if strings.TrimSpace(cfg.GatewayURL) == "" {
		logger.Warn("no push gateway configured, dispatch disabled")
		return nil, nil
	}
	client, err := gateway.New(gateway.Config{
		BaseURL: cfg.GatewayURL,
		APIKey:  cfg.GatewayToken,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	var root *templates.Root
	if folder := strings.TrimSpace(cfg.Templates.Folder); folder != "" {
		r, err := templates.NewRoot(folder)
		if err != nil {
			logger.Warn("template root unavailable, file templates disabled", slog.String("folder", folder), slog.Any("error", err))
		} else {
			root = r
		}
	}
	catalog, err := templates.NewCatalog(templates.NewRenderer(root), cfg.Templates.Kinds)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.PerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), max(cfg.RateLimit.Burst, 1))
	}

	return dispatch.New(dispatch.Options{
		Gateway:   client,
		Directory: dispatch.NewStoreDirectory(store, usersCollection),
		Catalog:   catalog,
		Limiter:   limiter,
		Logger:    logger,
		Metrics:   recorder,
	})
}

// pushServiceBase is where the in-process push platform mints endpoints.
func pushServiceBase(cfg config.Config) string {
	if base := strings.TrimRight(cfg.Push.GatewayURL, "/"); base != "" {
		return base + "/endpoints"
	}
	return strings.TrimRight(cfg.Worker.Origin, "/") + "/push/endpoints"
}
