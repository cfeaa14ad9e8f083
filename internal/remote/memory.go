package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/expr"
)

// Memory is an in-process document store. It backs tests and local demo runs
// and mirrors the semantics of the hosted store: every mutation pushes a full
// snapshot of the collection to each open feed, in mutation order.
type Memory struct {
	mu          sync.Mutex
	collections map[string][]domain.Record
	feeds       map[string]map[*memoryFeed]struct{}
	fetches     map[string]int
	failFetch   map[string]error
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string][]domain.Record),
		feeds:       make(map[string]map[*memoryFeed]struct{}),
		fetches:     make(map[string]int),
		failFetch:   make(map[string]error),
	}
}

// Seed replaces a collection without notifying feeds.
func (m *Memory) Seed(collection string, records []domain.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = domain.CloneRecords(records)
}

// FailFetch makes FetchAll for the collection return err until cleared with nil.
func (m *Memory) FailFetch(collection string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failFetch, collection)
		return
	}
	m.failFetch[collection] = err
}

// FetchCount reports how many FetchAll calls reached the collection.
func (m *Memory) FetchCount(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[collection]
}

func (m *Memory) FetchAll(ctx context.Context, collection string) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[collection]++
	if err := m.failFetch[collection]; err != nil {
		return nil, fmt.Errorf("remote: fetch %s: %w", collection, err)
	}
	return domain.CloneRecords(m.collections[collection]), nil
}

func (m *Memory) Subscribe(ctx context.Context, collection string, filter *expr.Predicate) (Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feed := &memoryFeed{
		owner:      m,
		collection: collection,
		filter:     filter,
		updates:    make(chan []domain.Record, 16),
		done:       make(chan struct{}),
	}
	m.mu.Lock()
	if m.feeds[collection] == nil {
		m.feeds[collection] = make(map[*memoryFeed]struct{})
	}
	m.feeds[collection][feed] = struct{}{}
	current := domain.CloneRecords(m.collections[collection])
	feed.push(current)
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			feed.end(ctx.Err())
		case <-feed.done:
		}
	}()
	return feed, nil
}

func (m *Memory) Mutate(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("remote: mutate %s: id required", collection)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.collections[collection]
	idx := -1
	for i, rec := range records {
		if rec.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		records = append(records, domain.Record{ID: id, Data: map[string]any{}})
		idx = len(records) - 1
	} else {
		records[idx] = records[idx].Clone()
		if records[idx].Data == nil {
			records[idx].Data = map[string]any{}
		}
	}
	for k, v := range patch {
		records[idx].Data[k] = v
	}
	m.collections[collection] = records
	snapshot := domain.CloneRecords(records)
	for feed := range m.feeds[collection] {
		feed.push(snapshot)
	}
	return nil
}

// Document returns a copy of one document, for assertions.
func (m *Memory) Document(collection, id string) (domain.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.collections[collection] {
		if rec.ID == id {
			return rec.Clone(), true
		}
	}
	return domain.Record{}, false
}

func (m *Memory) detach(feed *memoryFeed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.feeds[feed.collection], feed)
}

type memoryFeed struct {
	owner      *Memory
	collection string
	filter     *expr.Predicate
	updates    chan []domain.Record
	done       chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// push is called with the owner's lock held, so snapshots arrive in mutation order.
func (f *memoryFeed) push(records []domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	filtered, err := f.filter.Filter(records)
	if err != nil {
		f.closed = true
		f.err = err
		close(f.updates)
		close(f.done)
		return
	}
	select {
	case f.updates <- filtered:
	default:
		// A consumer that falls this far behind only needs the latest snapshot.
		select {
		case <-f.updates:
		default:
		}
		f.updates <- filtered
	}
}

func (f *memoryFeed) end(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.err = err
	close(f.updates)
	close(f.done)
	f.mu.Unlock()
	f.owner.detach(f)
}

func (f *memoryFeed) Updates() <-chan []domain.Record { return f.updates }

func (f *memoryFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *memoryFeed) Close() { f.end(ErrFeedClosed) }
