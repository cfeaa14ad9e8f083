// Package resource mirrors the remote collections the dashboards read. Reads
// are served from memory while fresh, coalesced into one remote fetch per
// class when not, and mirrored to a durable snapshot after every change.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/durable"
	"github.com/l0p7/guardpost/internal/expr"
	"github.com/l0p7/guardpost/internal/metrics"
	"github.com/l0p7/guardpost/internal/remote"
)

var (
	// ErrUnknownClass reports a resource class the cache does not mirror.
	ErrUnknownClass = errors.New("resource: unknown class")
	// ErrStale accompanies previously cached items returned after a failed
	// refresh. The items are still usable.
	ErrStale = errors.New("resource: stale data served")
	// ErrUnavailable reports a failed refresh with nothing cached to fall back on.
	ErrUnavailable = errors.New("resource: unavailable")
)

const (
	defaultMemoryWindow   = 5 * time.Minute
	defaultDurableWindow  = 30 * time.Minute
	defaultFetchTimeout   = 15 * time.Second
	defaultPersistTimeout = 5 * time.Second
)

// Options configures a Cache.
type Options struct {
	Remote  remote.Store
	Records *durable.Records

	// Collections maps each class to its remote collection name. Classes
	// missing from the map use their own name.
	Collections map[domain.ResourceClass]string

	MemoryWindow  time.Duration
	DurableWindow time.Duration
	// ClassWindows overrides MemoryWindow per class.
	ClassWindows map[domain.ResourceClass]time.Duration

	FetchTimeout  time.Duration
	SchemaVersion int

	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Clock   func() time.Time
}

// CancelFunc detaches a live feed. Calling it more than once is a no-op.
type CancelFunc func()

// ClassStats describes one cached class.
type ClassStats struct {
	Class         domain.ResourceClass `json:"class"`
	Items         int                  `json:"items"`
	LastRefreshed time.Time            `json:"lastRefreshed,omitzero"`
	Fresh         bool                 `json:"fresh"`
	Live          bool                 `json:"live"`
}

type entry struct {
	items         []domain.Record
	lastRefreshed time.Time
	invalidated   bool
}

// Cache is the local resource cache. The zero value is not usable; construct
// it with New.
type Cache struct {
	remote        remote.Store
	records       *durable.Records
	collections   map[domain.ResourceClass]string
	windows       map[domain.ResourceClass]time.Duration
	memoryWindow  time.Duration
	durableWindow time.Duration
	fetchTimeout  time.Duration
	version       int
	logger        *slog.Logger
	metrics       *metrics.Recorder
	now           func() time.Time

	group    singleflight.Group
	initOnce sync.Once
	persist  sync.Mutex
	feedsWG  sync.WaitGroup

	mu      sync.RWMutex
	entries map[domain.ResourceClass]*entry
	feeds   map[domain.ResourceClass]*feedHandle
	epoch   uint64
}

// New validates opts and returns an empty cache. Hydration from the durable
// snapshot happens on first use.
func New(opts Options) (*Cache, error) {
	if opts.Remote == nil {
		return nil, errors.New("resource: remote store required")
	}
	memoryWindow := opts.MemoryWindow
	if memoryWindow <= 0 {
		memoryWindow = defaultMemoryWindow
	}
	durableWindow := opts.DurableWindow
	if durableWindow <= 0 {
		durableWindow = defaultDurableWindow
	}
	if durableWindow < memoryWindow {
		return nil, fmt.Errorf("resource: durable window %s shorter than memory window %s", durableWindow, memoryWindow)
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	version := opts.SchemaVersion
	if version <= 0 {
		version = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	collections := make(map[domain.ResourceClass]string, len(domain.Classes()))
	windows := make(map[domain.ResourceClass]time.Duration, len(domain.Classes()))
	for _, class := range domain.Classes() {
		collections[class] = string(class)
		if name := opts.Collections[class]; name != "" {
			collections[class] = name
		}
		windows[class] = memoryWindow
		if w, ok := opts.ClassWindows[class]; ok && w > 0 {
			if w > durableWindow {
				return nil, fmt.Errorf("resource: %s window %s exceeds durable window %s", class, w, durableWindow)
			}
			windows[class] = w
		}
	}

	return &Cache{
		remote:        opts.Remote,
		records:       opts.Records,
		collections:   collections,
		windows:       windows,
		memoryWindow:  memoryWindow,
		durableWindow: durableWindow,
		fetchTimeout:  fetchTimeout,
		version:       version,
		logger:        logger.With(slog.String("agent", "resource_cache")),
		metrics:       opts.Metrics,
		now:           now,
		entries:       make(map[domain.ResourceClass]*entry),
		feeds:         make(map[domain.ResourceClass]*feedHandle),
	}, nil
}

// Init hydrates the cache from the durable snapshot. Only the first call does
// any work; concurrent callers wait for that pass to finish. Durable failures
// are logged and leave the cache empty.
func (c *Cache) Init(ctx context.Context) {
	c.initOnce.Do(func() {
		c.hydrate(context.WithoutCancel(ctx))
	})
}

func (c *Cache) hydrate(ctx context.Context) {
	if c.records == nil {
		return
	}
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, defaultPersistTimeout)
	defer cancel()

	snap, ok, err := c.records.LoadSnapshot(ctx, c.version)
	if err != nil {
		c.logger.Warn("durable snapshot discarded", slog.Any("error", err))
		c.metrics.ObserveCache("all", metrics.CacheOperationHydrate, metrics.ResultError, c.now().Sub(start))
		return
	}
	if !ok {
		c.metrics.ObserveCache("all", metrics.CacheOperationHydrate, metrics.ResultMiss, c.now().Sub(start))
		return
	}

	now := c.now()
	adopted := 0
	c.mu.Lock()
	for class, persisted := range snap.Entries {
		if _, known := c.collections[class]; !known {
			continue
		}
		if now.Sub(persisted.LastRefreshed) >= c.durableWindow {
			continue
		}
		if _, exists := c.entries[class]; exists {
			continue
		}
		c.entries[class] = &entry{
			items:         normalize(persisted.Items),
			lastRefreshed: persisted.LastRefreshed,
		}
		adopted++
	}
	c.mu.Unlock()
	c.logger.Debug("hydrated from durable snapshot", slog.Int("classes", adopted))
	c.metrics.ObserveCache("all", metrics.CacheOperationHydrate, metrics.ResultHit, c.now().Sub(start))
}

// Get returns the items of class. Fresh, non-empty items are served from
// memory. Otherwise one remote fetch is shared by every concurrent caller for
// the class, its result replaces the entry and the durable snapshot is
// rewritten.
//
// When the fetch fails and items were cached before, those items are returned
// together with an error wrapping ErrStale. With nothing cached the error wraps
// ErrUnavailable.
func (c *Cache) Get(ctx context.Context, class domain.ResourceClass) ([]domain.Record, error) {
	collection, ok := c.collections[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	c.Init(ctx)
	start := c.now()

	c.mu.RLock()
	current := c.entries[class]
	if current != nil && c.freshLocked(class, current) && len(current.items) > 0 {
		items := domain.CloneRecords(current.items)
		c.mu.RUnlock()
		c.metrics.ObserveCache(string(class), metrics.CacheOperationGet, metrics.ResultHit, c.now().Sub(start))
		return items, nil
	}
	c.mu.RUnlock()

	results := c.group.DoChan(string(class), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, class, collection)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return c.fallback(class, res.Err, start)
		}
		c.metrics.ObserveCache(string(class), metrics.CacheOperationGet, metrics.ResultMiss, c.now().Sub(start))
		return domain.CloneRecords(res.Val.([]domain.Record)), nil
	}
}

func (c *Cache) fetch(ctx context.Context, class domain.ResourceClass, collection string) ([]domain.Record, error) {
	c.mu.RLock()
	epoch := c.epoch
	c.mu.RUnlock()

	start := c.now()
	fetched, err := c.remote.FetchAll(ctx, collection)
	if err != nil {
		c.metrics.ObserveCache(string(class), metrics.CacheOperationFetch, metrics.ResultError, c.now().Sub(start))
		return nil, err
	}
	c.metrics.ObserveCache(string(class), metrics.CacheOperationFetch, metrics.ResultOK, c.now().Sub(start))

	items := normalize(fetched)
	c.mu.Lock()
	// A Clear issued while the fetch was in flight wins.
	if c.epoch == epoch {
		c.entries[class] = &entry{items: items, lastRefreshed: c.now()}
	}
	c.mu.Unlock()
	c.persistSnapshot(ctx)
	return items, nil
}

func (c *Cache) fallback(class domain.ResourceClass, cause error, start time.Time) ([]domain.Record, error) {
	c.mu.RLock()
	current := c.entries[class]
	var items []domain.Record
	if current != nil && len(current.items) > 0 {
		items = domain.CloneRecords(current.items)
	}
	c.mu.RUnlock()

	if items != nil {
		c.logger.Warn("refresh failed, serving cached items", slog.String("class", string(class)), slog.Any("error", cause))
		c.metrics.ObserveCache(string(class), metrics.CacheOperationGet, metrics.ResultStale, c.now().Sub(start))
		return items, fmt.Errorf("%w: %s: %w", ErrStale, class, cause)
	}
	c.metrics.ObserveCache(string(class), metrics.CacheOperationGet, metrics.ResultError, c.now().Sub(start))
	return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, class, cause)
}

func (c *Cache) freshLocked(class domain.ResourceClass, e *entry) bool {
	if e.invalidated || e.lastRefreshed.IsZero() {
		return false
	}
	return c.now().Sub(e.lastRefreshed) < c.windows[class]
}

// Invalidate makes the next Get for each class refetch. With no classes every
// class is invalidated. Cached items stay available as a stale fallback.
func (c *Cache) Invalidate(classes ...domain.ResourceClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, class := range c.resolve(classes) {
		if e := c.entries[class]; e != nil {
			e.invalidated = true
		}
	}
}

// Clear drops memory and durable data for classes, or for every class when
// none are given. Live feeds keep running; stop them first on logout.
func (c *Cache) Clear(ctx context.Context, classes ...domain.ResourceClass) {
	c.mu.Lock()
	for _, class := range c.resolve(classes) {
		delete(c.entries, class)
	}
	c.epoch++
	empty := len(c.entries) == 0
	c.mu.Unlock()

	if c.records == nil {
		return
	}
	if !empty {
		c.persistSnapshot(ctx)
		return
	}
	c.persist.Lock()
	defer c.persist.Unlock()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPersistTimeout)
	defer cancel()
	if err := c.records.DeleteSnapshot(ctx); err != nil {
		c.logger.Warn("durable snapshot delete failed", slog.Any("error", err))
	}
}

func (c *Cache) resolve(classes []domain.ResourceClass) []domain.ResourceClass {
	if len(classes) == 0 {
		return domain.Classes()
	}
	return classes
}

// persistSnapshot writes every entry as one whole value. Failures are logged.
func (c *Cache) persistSnapshot(ctx context.Context) {
	if c.records == nil {
		return
	}
	c.persist.Lock()
	defer c.persist.Unlock()

	c.mu.RLock()
	snap := durable.Snapshot{
		Version:   c.version,
		Timestamp: c.now().UTC(),
		Entries:   make(map[domain.ResourceClass]durable.SnapshotEntry, len(c.entries)),
	}
	for class, e := range c.entries {
		snap.Entries[class] = durable.SnapshotEntry{
			Items:         domain.CloneRecords(e.items),
			LastRefreshed: e.lastRefreshed.UTC(),
		}
	}
	c.mu.RUnlock()

	start := c.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPersistTimeout)
	defer cancel()
	if err := c.records.SaveSnapshot(ctx, snap); err != nil {
		c.logger.Warn("durable snapshot write failed", slog.Any("error", err))
		c.metrics.ObserveCache("all", metrics.CacheOperationPersist, metrics.ResultError, c.now().Sub(start))
		return
	}
	c.metrics.ObserveCache("all", metrics.CacheOperationPersist, metrics.ResultOK, c.now().Sub(start))
}

// Stats reports the state of every class.
func (c *Cache) Stats() []ClassStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ClassStats, 0, len(c.collections))
	for _, class := range domain.Classes() {
		stat := ClassStats{Class: class, Live: c.feeds[class] != nil}
		if e := c.entries[class]; e != nil {
			stat.Items = len(e.items)
			stat.LastRefreshed = e.lastRefreshed
			stat.Fresh = c.freshLocked(class, e)
		}
		out = append(out, stat)
	}
	return out
}

// Shutdown detaches every live feed and waits for their goroutines, bounded
// by ctx.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.StopFeeds()
	done := make(chan struct{})
	go func() {
		c.feedsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("resource: shutdown: %w", ctx.Err())
	}
}

// normalize keeps the first position of each id and the last value seen for it.
func normalize(records []domain.Record) []domain.Record {
	out := make([]domain.Record, 0, len(records))
	index := make(map[string]int, len(records))
	for _, rec := range records {
		if i, dup := index[rec.ID]; dup {
			out[i] = rec.Clone()
			continue
		}
		index[rec.ID] = len(out)
		out = append(out, rec.Clone())
	}
	return out
}

type feedHandle struct {
	class   domain.ResourceClass
	feed    remote.Feed
	cancel  context.CancelFunc
	stopped atomic.Bool

	// delivering is held across the stopped check and the callback.
	delivering sync.Mutex
}

// stop ends the feed and waits for an in-flight callback, so no callback
// runs once it returns.
func (h *feedHandle) stop() bool {
	if !h.stopped.CompareAndSwap(false, true) {
		return false
	}
	h.cancel()
	h.feed.Close()
	h.delivering.Lock()
	h.delivering.Unlock()
	return true
}

func (h *feedHandle) deliver(onUpdate func([]domain.Record), items []domain.Record) {
	h.delivering.Lock()
	defer h.delivering.Unlock()
	if h.stopped.Load() {
		return
	}
	onUpdate(items)
}

// SubscribeOption tunes a live feed.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	filter string
}

// WithFilter restricts the feed to records matching a CEL predicate over
// `id` and `doc`.
func WithFilter(expression string) SubscribeOption {
	return func(cfg *subscribeConfig) {
		cfg.filter = expression
	}
}

// Subscribe opens a live feed for class. Every snapshot it delivers replaces
// the class entry, rewrites the durable snapshot and is passed to onUpdate in
// the order the remote store emitted it. Only one feed per class is live:
// subscribing again detaches the previous feed before the new one delivers,
// and once Subscribe, the CancelFunc or StopFeeds returns the detached
// callback never runs again. onUpdate must therefore not call any of them
// synchronously for its own feed.
//
// The feed ends when the returned CancelFunc is called or ctx is done.
func (c *Cache) Subscribe(ctx context.Context, class domain.ResourceClass, onUpdate func([]domain.Record), opts ...SubscribeOption) (CancelFunc, error) {
	collection, ok := c.collections[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	cfg := subscribeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	var filter *expr.Predicate
	if cfg.filter != "" {
		compiled, err := expr.CompilePredicate(cfg.filter)
		if err != nil {
			return nil, fmt.Errorf("resource: subscribe %s: %w", class, err)
		}
		filter = compiled
	}
	c.Init(ctx)

	feedCtx, cancel := context.WithCancel(ctx)
	feed, err := c.remote.Subscribe(feedCtx, collection, filter)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("resource: subscribe %s: %w", class, err)
	}
	handle := &feedHandle{class: class, feed: feed, cancel: cancel}

	c.mu.Lock()
	prior := c.feeds[class]
	c.feeds[class] = handle
	c.mu.Unlock()
	if prior != nil {
		prior.stop()
		c.logger.Debug("replaced live feed", slog.String("class", string(class)))
	}

	c.feedsWG.Add(1)
	go c.pump(feedCtx, handle, onUpdate)

	return func() {
		if handle.stop() {
			c.detach(handle)
		}
	}, nil
}

func (c *Cache) pump(ctx context.Context, handle *feedHandle, onUpdate func([]domain.Record)) {
	defer c.feedsWG.Done()
	defer c.detach(handle)
	for records := range handle.feed.Updates() {
		items, applied := c.apply(handle, records)
		if !applied {
			continue
		}
		c.metrics.ObserveFeedUpdate(string(handle.class))
		c.persistSnapshot(ctx)
		if onUpdate != nil {
			handle.deliver(onUpdate, items)
		}
	}
	if handle.stopped.Load() {
		return
	}
	err := handle.feed.Err()
	if err != nil && !errors.Is(err, remote.ErrFeedClosed) && !errors.Is(err, context.Canceled) {
		c.logger.Warn("live feed ended", slog.String("class", string(handle.class)), slog.Any("error", err))
	}
}

func (c *Cache) apply(handle *feedHandle, records []domain.Record) ([]domain.Record, bool) {
	items := normalize(records)
	c.mu.Lock()
	defer c.mu.Unlock()
	if handle.stopped.Load() || c.feeds[handle.class] != handle {
		return nil, false
	}
	c.entries[handle.class] = &entry{items: items, lastRefreshed: c.now()}
	return domain.CloneRecords(items), true
}

func (c *Cache) detach(handle *feedHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.feeds[handle.class] == handle {
		delete(c.feeds, handle.class)
	}
}

// StopFeeds detaches every live feed.
func (c *Cache) StopFeeds() {
	c.mu.Lock()
	handles := make([]*feedHandle, 0, len(c.feeds))
	for class, handle := range c.feeds {
		handles = append(handles, handle)
		delete(c.feeds, class)
	}
	c.mu.Unlock()
	for _, handle := range handles {
		handle.stop()
	}
}
