package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/l0p7/guardpost/internal/alarm"
	"github.com/l0p7/guardpost/internal/app"
	"github.com/l0p7/guardpost/internal/config"
	"github.com/l0p7/guardpost/internal/durable"
	"github.com/l0p7/guardpost/internal/logging"
	"github.com/l0p7/guardpost/internal/metrics"
	"github.com/l0p7/guardpost/internal/push"
	"github.com/l0p7/guardpost/internal/resource"
	"github.com/l0p7/guardpost/internal/server"
	"github.com/l0p7/guardpost/internal/worker"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	Watch(context.Context, func(config.Config), func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
}

// fileLoader adapts *config.Loader to configLoader.
type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	if len(l.Files()) == 0 {
		return nil, nil
	}
	return l.Loader.Watch(ctx, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix string, files []string) configLoader {
		return fileLoader{config.NewLoader(envPrefix, files...)}
	}
	newHTTPServer = func(cfg config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFiles []string
		envPrefix   string
	)
	flags := pflag.NewFlagSet("guardpost", pflag.ExitOnError)
	flags.StringSliceVarP(&configFiles, "config", "c", nil, "configuration file (yaml, json or toml); repeat to layer files")
	flags.StringVar(&envPrefix, "env-prefix", "GUARDPOST", "environment variable prefix")
	_ = flags.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, envPrefix, configFiles...); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix string, files ...string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loader := newConfigLoader(envPrefix, files)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	if len(cfg.Sources) > 0 {
		logger.Info("configuration loaded", slog.Any("sources", cfg.Sources))
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	store := buildDurableStore(logging.Agent(logger, "durable_factory"), cfg.Durable)
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("durable store close failed", slog.Any("error", err))
		}
	}()
	codec, err := durable.NewCodec(cfg.Durable.Codec)
	if err != nil {
		return err
	}
	records := durable.NewRecords(store, codec, cfg.Durable.KeyPrefix)

	remoteStore, err := buildRemote(logging.Agent(logger, "remote_factory"), cfg.Remote)
	if err != nil {
		return err
	}

	dispatcher, err := buildDispatcher(logger, recorder, cfg.Push, remoteStore, cfg.Remote.UsersCollection)
	if err != nil {
		return err
	}

	platform := worker.NewPushPlatform(pushServiceBase(cfg))
	manager, err := push.NewManager(push.Options{
		Platform:             platform,
		Records:              records,
		Remote:               remoteStore,
		Collection:           cfg.Remote.RegistrationsCollection,
		ApplicationServerKey: cfg.Push.ApplicationServerKey,
		Logger:               logger,
		Metrics:              recorder,
	})
	if err != nil {
		return err
	}

	cache, err := resource.New(resource.Options{
		Remote:        remoteStore,
		Records:       records,
		Collections:   cfg.Cache.ClassCollections(),
		MemoryWindow:  cfg.Cache.MemoryFreshness,
		DurableWindow: cfg.Cache.DurableFreshness,
		ClassWindows:  cfg.Cache.ClassWindows(),
		FetchTimeout:  cfg.Cache.FetchTimeout,
		SchemaVersion: cfg.Cache.SchemaVersion,
		Logger:        logger,
		Metrics:       recorder,
	})
	if err != nil {
		return err
	}

	identity := app.NewMutableIdentity(cfg.Session.UserID)
	application, err := app.New(app.Options{
		Identity:          identity,
		Records:           records,
		Cache:             cache,
		Push:              manager,
		Dispatcher:        dispatcher,
		LiveClasses:       cfg.Cache.LiveClasses(),
		Remote:            remoteStore,
		AlertsCollection:  cfg.Remote.AlertsCollection,
		UserMaxAge:        cfg.Durable.UserMaxAge,
		RestoreMaxElapsed: cfg.Push.RestoreMaxElapsed,
		Navigate: func(_ context.Context, route string, msg *alarm.Message) {
			attrs := []any{slog.String("route", route)}
			if msg != nil {
				attrs = append(attrs, slog.String("title", msg.Title))
			}
			logger.Info("navigation requested", attrs...)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			logger.Error("feed shutdown failed", slog.Any("error", err))
		}
	}()

	host := newWorkerHost(workerDeps{
		assets:   worker.NewAssetStorage(),
		clients:  worker.NewClientRegistry(cfg.Worker.ClientInboxSize),
		network:  &http.Client{Timeout: cfg.Cache.FetchTimeout},
		notifier: worker.NewTray(0),
		player:   worker.NewSiren(logger),
		logger:   logger,
		metrics:  recorder,
	})
	defer host.Stop()
	if err := host.Start(ctx, cfg); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	client, err := host.Clients().Open(cfg.Worker.Origin + "/")
	if err != nil {
		return err
	}
	go func() {
		if err := application.Listen(ctx, client); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("client listener stopped", slog.Any("error", err))
		}
	}()

	if session, err := application.Start(ctx); err != nil {
		if !errors.Is(err, app.ErrNoIdentity) {
			return fmt.Errorf("start session: %w", err)
		}
		logger.Info("no signed-in user, waiting for POST /session")
	} else if session.PushErr != nil {
		logger.Warn("session running without push", slog.Any("error", session.PushErr))
	}

	watcher, err := loader.Watch(ctx, func(next config.Config) {
		if next.Worker.Version == host.Version() {
			return
		}
		if err := host.Start(ctx, next); err != nil {
			logger.Error("worker upgrade failed", slog.String("version", next.Worker.Version), slog.Any("error", err))
		}
	}, func(err error) {
		logger.Error("configuration reload rejected", slog.Any("error", err))
	})
	if err != nil {
		logger.Error("configuration watcher setup failed", slog.Any("error", err))
	} else if watcher != nil {
		defer watcher.Stop()
	}

	handler := server.NewHandler(server.Services{
		Cache:      cache,
		Dispatcher: dispatcher,
		Push:       manager,
		App:        application,
		Identity:   identity,
		Worker:     host.Current,
		Metrics:    recorder,
		Logger:     logger,
	})

	srv, err := newHTTPServer(cfg.Server.Listen, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}
