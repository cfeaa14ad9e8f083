package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/l0p7/guardpost/internal/config"
	"github.com/l0p7/guardpost/internal/metrics"
	"github.com/l0p7/guardpost/internal/worker"
)

type workerDeps struct {
	assets   *worker.AssetStorage
	clients  *worker.ClientRegistry
	network  worker.Fetcher
	notifier worker.Notifier
	player   worker.Player
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// workerHost runs one worker version at a time. Starting a new version boots
// it next to the current one and retires the old worker once the new one is
// active; asset storage and clients are shared across versions.
type workerHost struct {
	deps workerDeps

	mu      sync.Mutex
	current atomic.Pointer[worker.Worker]
	stop    context.CancelFunc
	done    chan struct{}
}

func newWorkerHost(deps workerDeps) *workerHost {
	return &workerHost{deps: deps}
}

func (h *workerHost) Clients() *worker.ClientRegistry { return h.deps.clients }

// Current returns the active worker, nil before the first Start.
func (h *workerHost) Current() *worker.Worker { return h.current.Load() }

func (h *workerHost) Version() string {
	if w := h.current.Load(); w != nil {
		return w.Version()
	}
	return ""
}

func (h *workerHost) Start(ctx context.Context, cfg config.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next, err := worker.New(worker.Options{
		Version:       cfg.Worker.Version,
		CachePrefix:   cfg.Worker.CacheNamePrefix,
		Origin:        cfg.Worker.Origin,
		GatewayOrigin: cfg.Push.GatewayURL,
		Seeds:         cfg.Worker.SeedURLs,
		LoginRoute:    cfg.Worker.LoginRoute,
		AlarmRoute:    cfg.Worker.AlarmRoute,
		QueueSize:     cfg.Worker.MailboxSize,
		Assets:        h.deps.assets,
		Clients:       h.deps.clients,
		Network:       h.deps.network,
		Notifier:      h.deps.notifier,
		Player:        h.deps.player,
		Logger:        h.deps.logger,
		Metrics:       h.deps.metrics,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = next.Run(runCtx)
	}()
	if err := next.Boot(ctx); err != nil {
		cancel()
		<-done
		return err
	}

	previousStop, previousDone := h.stop, h.done
	h.current.Store(next)
	h.stop, h.done = cancel, done
	if previousStop != nil {
		previousStop()
		<-previousDone
	}
	h.deps.logger.Info("worker active", slog.String("version", next.Version()), slog.String("cache", next.CacheName()))
	return nil
}

// Stop halts the current worker and waits for its in-flight events.
func (h *workerHost) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop == nil {
		return
	}
	h.stop()
	<-h.done
	h.stop, h.done = nil, nil
}
