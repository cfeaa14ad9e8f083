package resource

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/durable"
	"github.com/l0p7/guardpost/internal/remote"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatedRemote holds FetchAll until release is closed.
type gatedRemote struct {
	*remote.Memory
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedRemote) FetchAll(ctx context.Context, collection string) ([]domain.Record, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
	}
	<-g.release
	return g.Memory.FetchAll(ctx, collection)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}
func (failingStore) Put(context.Context, string, []byte) error { return errors.New("disk on fire") }
func (failingStore) Delete(context.Context, string) error      { return errors.New("disk on fire") }
func (failingStore) Close(context.Context) error               { return nil }

// countingStore records how often each key is read.
type countingStore struct {
	durable.Store
	mu    sync.Mutex
	reads map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{Store: durable.NewMemory(), reads: make(map[string]int)}
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	s.reads[key]++
	s.mu.Unlock()
	return s.Store.Get(ctx, key)
}

func (s *countingStore) readsOf(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[key]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededRemote() *remote.Memory {
	store := remote.NewMemory()
	store.Seed("objects", []domain.Record{
		{ID: "o1", Data: map[string]any{"name": "Depot", "lat": 55.7, "lng": 37.6}},
		{ID: "o2", Data: map[string]any{"name": "Gate"}},
	})
	store.Seed("tasks", []domain.Record{{ID: "t1", Data: map[string]any{"objectId": "o1", "status": "open"}}})
	return store
}

func newTestCache(t *testing.T, store remote.Store, records *durable.Records, clock *testClock) *Cache {
	t.Helper()
	cache, err := New(Options{
		Remote:        store,
		Records:       records,
		MemoryWindow:  time.Minute,
		DurableWindow: 10 * time.Minute,
		Logger:        discardLogger(),
		Clock:         clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Shutdown(context.Background()) })
	return cache
}

func waitFor(t *testing.T, ch <-chan []domain.Record) []domain.Record {
	t.Helper()
	select {
	case records := <-ch:
		return records
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for feed callback")
		return nil
	}
}

func TestNewValidatesWindows(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Remote: remote.NewMemory(), MemoryWindow: time.Hour, DurableWindow: time.Minute})
	require.Error(t, err)

	_, err = New(Options{
		Remote:        remote.NewMemory(),
		ClassWindows:  map[domain.ResourceClass]time.Duration{domain.ClassTasks: 2 * time.Hour},
		DurableWindow: time.Hour,
	})
	require.Error(t, err)
}

func TestGetWithinWindowFetchesOnce(t *testing.T) {
	for _, class := range domain.Classes() {
		t.Run(string(class), func(t *testing.T) {
			store := remote.NewMemory()
			store.Seed(string(class), []domain.Record{{ID: "x1", Data: map[string]any{"name": "one"}}})
			cache := newTestCache(t, store, nil, newTestClock())

			first, err := cache.Get(context.Background(), class)
			require.NoError(t, err)
			second, err := cache.Get(context.Background(), class)
			require.NoError(t, err)
			require.Equal(t, first, second)
			require.Equal(t, 1, store.FetchCount(string(class)))
		})
	}
}

func TestGetRefetchesAfterWindow(t *testing.T) {
	store := seededRemote()
	clock := newTestClock()
	cache := newTestCache(t, store, nil, clock)

	_, err := cache.Get(context.Background(), domain.ClassObjects)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = cache.Get(context.Background(), domain.ClassObjects)
	require.NoError(t, err)
	require.Equal(t, 2, store.FetchCount("objects"))
}

func TestConcurrentGetSharesOneFetch(t *testing.T) {
	gated := &gatedRemote{Memory: seededRemote(), started: make(chan struct{}), release: make(chan struct{})}
	cache := newTestCache(t, gated, nil, newTestClock())

	const callers = 16
	results := make([][]domain.Record, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = cache.Get(context.Background(), domain.ClassObjects)
		}()
	}
	<-gated.started
	time.Sleep(20 * time.Millisecond)
	close(gated.release)
	wg.Wait()

	require.Equal(t, int32(1), gated.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
	require.Len(t, results[0], 2)
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	cache := newTestCache(t, seededRemote(), nil, newTestClock())
	items, err := cache.Get(context.Background(), domain.ClassObjects)
	require.NoError(t, err)
	items[0].Data["name"] = "scribbled"

	again, err := cache.Get(context.Background(), domain.ClassObjects)
	require.NoError(t, err)
	require.Equal(t, "Depot", again[0].Data["name"])
}

func TestGetUnknownClass(t *testing.T) {
	cache := newTestCache(t, seededRemote(), nil, newTestClock())
	_, err := cache.Get(context.Background(), "alerts")
	require.ErrorIs(t, err, ErrUnknownClass)
}

func TestGetFailureServesStaleOrUnavailable(t *testing.T) {
	store := seededRemote()
	clock := newTestClock()
	cache := newTestCache(t, store, nil, clock)
	boom := errors.New("network down")

	store.FailFetch("tasks", boom)
	_, err := cache.Get(context.Background(), domain.ClassTasks)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, boom)

	store.FailFetch("tasks", nil)
	fresh, err := cache.Get(context.Background(), domain.ClassTasks)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	store.FailFetch("tasks", boom)
	stale, err := cache.Get(context.Background(), domain.ClassTasks)
	require.ErrorIs(t, err, ErrStale)
	require.ErrorIs(t, err, boom)
	require.Equal(t, fresh, stale)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	store := seededRemote()
	cache := newTestCache(t, store, nil, newTestClock())
	ctx := context.Background()

	_, err := cache.Get(ctx, domain.ClassObjects)
	require.NoError(t, err)
	_, err = cache.Get(ctx, domain.ClassTasks)
	require.NoError(t, err)

	cache.Invalidate(domain.ClassObjects)
	require.Equal(t, 1, store.FetchCount("objects"), "invalidate must not fetch")

	_, err = cache.Get(ctx, domain.ClassObjects)
	require.NoError(t, err)
	_, err = cache.Get(ctx, domain.ClassTasks)
	require.NoError(t, err)
	require.Equal(t, 2, store.FetchCount("objects"))
	require.Equal(t, 1, store.FetchCount("tasks"))

	cache.Invalidate()
	_, err = cache.Get(ctx, domain.ClassTasks)
	require.NoError(t, err)
	require.Equal(t, 2, store.FetchCount("tasks"))
}

func TestClearDropsMemoryAndDurable(t *testing.T) {
	records := durable.NewRecords(durable.NewMemory(), nil, "test:")
	store := seededRemote()
	clock := newTestClock()
	cache := newTestCache(t, store, records, clock)
	ctx := context.Background()

	_, err := cache.Get(ctx, domain.ClassObjects)
	require.NoError(t, err)
	_, err = cache.Get(ctx, domain.ClassTasks)
	require.NoError(t, err)

	cache.Clear(ctx, domain.ClassObjects)
	snap, ok, err := records.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, snap.Entries, domain.ClassObjects)
	require.Contains(t, snap.Entries, domain.ClassTasks)

	cache.Clear(ctx)
	_, ok, err = records.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	for _, stat := range cache.Stats() {
		require.Zero(t, stat.Items)
	}
}

func TestHydratesFromDurableSnapshotOnce(t *testing.T) {
	ctx := context.Background()
	durableStore := newCountingStore()
	records := durable.NewRecords(durableStore, nil, "test:")
	clock := newTestClock()
	require.NoError(t, records.SaveSnapshot(ctx, durable.Snapshot{
		Version:   1,
		Timestamp: clock.Now(),
		Entries: map[domain.ResourceClass]durable.SnapshotEntry{
			domain.ClassObjects: {
				Items:         []domain.Record{{ID: "o9", Data: map[string]any{"name": "Persisted"}}},
				LastRefreshed: clock.Now().Add(-10 * time.Second),
			},
			domain.ClassTasks: {
				Items:         []domain.Record{{ID: "t9"}},
				LastRefreshed: clock.Now().Add(-time.Hour),
			},
		},
	}))

	store := seededRemote()
	cache := newTestCache(t, store, records, clock)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Init(ctx)
		}()
	}
	wg.Wait()
	cache.Init(ctx)
	require.Equal(t, 1, durableStore.readsOf("test:cache:snapshot"))

	objects, err := cache.Get(ctx, domain.ClassObjects)
	require.NoError(t, err)
	require.Equal(t, "o9", objects[0].ID)
	require.Zero(t, store.FetchCount("objects"))

	tasks, err := cache.Get(ctx, domain.ClassTasks)
	require.NoError(t, err)
	require.Equal(t, "t1", tasks[0].ID, "entries older than the durable window are dropped")
	require.Equal(t, 1, store.FetchCount("tasks"))
}

func TestVersionMismatchDiscardsWholeSnapshot(t *testing.T) {
	ctx := context.Background()
	records := durable.NewRecords(durable.NewMemory(), nil, "test:")
	clock := newTestClock()

	writer, err := New(Options{Remote: seededRemote(), Records: records, SchemaVersion: 1, Logger: discardLogger(), Clock: clock.Now})
	require.NoError(t, err)
	_, err = writer.Get(ctx, domain.ClassObjects)
	require.NoError(t, err)
	_, err = writer.Get(ctx, domain.ClassTasks)
	require.NoError(t, err)

	store := seededRemote()
	reader, err := New(Options{Remote: store, Records: records, SchemaVersion: 2, Logger: discardLogger(), Clock: clock.Now})
	require.NoError(t, err)
	reader.Init(ctx)
	for _, stat := range reader.Stats() {
		require.Zero(t, stat.Items, "class %s adopted from a mismatched snapshot", stat.Class)
	}
	_, found, err := records.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	require.False(t, found, "mismatched snapshot must be deleted")

	_, err = reader.Get(ctx, domain.ClassObjects)
	require.NoError(t, err)
	require.Equal(t, 1, store.FetchCount("objects"))
}

func TestDurableFailureIsACacheMiss(t *testing.T) {
	records := durable.NewRecords(failingStore{}, nil, "test:")
	store := seededRemote()
	cache := newTestCache(t, store, records, newTestClock())

	items, err := cache.Get(context.Background(), domain.ClassObjects)
	require.NoError(t, err)
	require.Len(t, items, 2)
	cache.Clear(context.Background())
}

func TestFeedUpdateReplacesOnlyItsClass(t *testing.T) {
	ctx := context.Background()
	records := durable.NewRecords(durable.NewMemory(), nil, "test:")
	store := seededRemote()
	cache := newTestCache(t, store, records, newTestClock())

	tasksBefore, err := cache.Get(ctx, domain.ClassTasks)
	require.NoError(t, err)

	updates := make(chan []domain.Record, 8)
	cancel, err := cache.Subscribe(ctx, domain.ClassObjects, func(items []domain.Record) { updates <- items })
	require.NoError(t, err)
	defer cancel()
	require.Len(t, waitFor(t, updates), 2)

	require.NoError(t, store.Mutate(ctx, "objects", "o3", map[string]any{"name": "Tower"}))
	latest := waitFor(t, updates)
	require.Len(t, latest, 3)

	cached, err := cache.Get(ctx, domain.ClassObjects)
	require.NoError(t, err)
	require.Equal(t, latest, cached)
	require.Equal(t, 0, store.FetchCount("objects"), "feed data must satisfy reads")

	tasksAfter, err := cache.Get(ctx, domain.ClassTasks)
	require.NoError(t, err)
	require.Equal(t, tasksBefore, tasksAfter)

	snap, ok, err := records.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Entries[domain.ClassObjects].Items, 3)
}

func TestSecondSubscribeStopsFirstFeed(t *testing.T) {
	ctx := context.Background()
	store := seededRemote()
	cache := newTestCache(t, store, nil, newTestClock())

	var firstCalls atomic.Int32
	first := make(chan []domain.Record, 8)
	cancelFirst, err := cache.Subscribe(ctx, domain.ClassObjects, func(items []domain.Record) {
		firstCalls.Add(1)
		first <- items
	})
	require.NoError(t, err)
	waitFor(t, first)

	second := make(chan []domain.Record, 8)
	cancelSecond, err := cache.Subscribe(ctx, domain.ClassObjects, func(items []domain.Record) { second <- items })
	require.NoError(t, err)
	waitFor(t, second)

	require.NoError(t, store.Mutate(ctx, "objects", "o1", map[string]any{"name": "Renamed"}))
	latest := waitFor(t, second)
	require.Equal(t, "Renamed", latest[0].Data["name"])
	require.Equal(t, int32(1), firstCalls.Load())

	cancelFirst()
	cancelSecond()
	cancelSecond()
	for _, stat := range cache.Stats() {
		require.False(t, stat.Live)
	}
}

func TestResubscribeWaitsForInFlightCallback(t *testing.T) {
	ctx := context.Background()
	store := seededRemote()
	cache := newTestCache(t, store, nil, newTestClock())

	var (
		mu     sync.Mutex
		events []string
		calls  atomic.Int32
	)
	record := func(event string) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}
	initial := make(chan []domain.Record, 1)
	entered := make(chan struct{})
	release := make(chan struct{})
	_, err := cache.Subscribe(ctx, domain.ClassObjects, func(items []domain.Record) {
		if calls.Add(1) == 1 {
			initial <- items
			return
		}
		close(entered)
		<-release
		record("first callback done")
	})
	require.NoError(t, err)
	waitFor(t, initial)

	require.NoError(t, store.Mutate(ctx, "objects", "o1", map[string]any{"name": "Renamed"}))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for callback")
	}

	subscribed := make(chan CancelFunc, 1)
	go func() {
		cancel, err := cache.Subscribe(ctx, domain.ClassObjects, nil)
		if err == nil {
			record("resubscribed")
		}
		subscribed <- cancel
	}()

	select {
	case <-subscribed:
		t.Fatal("resubscribe returned while the detached callback was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	var cancelSecond CancelFunc
	select {
	case cancelSecond = <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for resubscribe")
	}
	require.NotNil(t, cancelSecond)
	defer cancelSecond()

	require.NoError(t, store.Mutate(ctx, "objects", "o2", map[string]any{"name": "Moved"}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(2), calls.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first callback done", "resubscribed"}, events)
}

func TestSubscribeWithFilter(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemory()
	store.Seed("tasks", []domain.Record{
		{ID: "t1", Data: map[string]any{"inspectorId": "i1"}},
		{ID: "t2", Data: map[string]any{"inspectorId": "i2"}},
	})
	cache := newTestCache(t, store, nil, newTestClock())

	updates := make(chan []domain.Record, 4)
	cancel, err := cache.Subscribe(ctx, domain.ClassTasks, func(items []domain.Record) { updates <- items }, WithFilter(`doc.inspectorId == "i2"`))
	require.NoError(t, err)
	defer cancel()

	items := waitFor(t, updates)
	require.Len(t, items, 1)
	require.Equal(t, "t2", items[0].ID)

	_, err = cache.Subscribe(ctx, domain.ClassTasks, nil, WithFilter(`doc.inspectorId ==`))
	require.Error(t, err)
}

func TestShutdownStopsFeeds(t *testing.T) {
	ctx := context.Background()
	store := seededRemote()
	cache := newTestCache(t, store, nil, newTestClock())

	var calls atomic.Int32
	_, err := cache.Subscribe(ctx, domain.ClassObjects, func([]domain.Record) { calls.Add(1) })
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, cache.Shutdown(shutdownCtx))
	before := calls.Load()
	require.NoError(t, store.Mutate(ctx, "objects", "o7", map[string]any{}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, before, calls.Load())
}
