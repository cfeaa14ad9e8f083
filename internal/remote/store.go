// Package remote adapts the real-time document store that is the source of
// truth for every cached collection.
package remote

import (
	"context"
	"errors"

	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/expr"
)

// ErrFeedClosed is reported by Feed.Err when the feed was closed by its consumer.
var ErrFeedClosed = errors.New("remote: feed closed")

// Store is the narrow capability consumed from the document store.
type Store interface {
	// FetchAll returns every document of the collection in store order.
	FetchAll(ctx context.Context, collection string) ([]domain.Record, error)
	// Subscribe opens a live feed. Each delivered value is the full,
	// filtered collection after a change.
	Subscribe(ctx context.Context, collection string, filter *expr.Predicate) (Feed, error)
	// Mutate merges patch into the document, creating it when absent.
	Mutate(ctx context.Context, collection, id string, patch map[string]any) error
}

// Feed is a live stream of full-collection snapshots. Updates is closed when
// the feed ends; Err then reports why. Close is idempotent.
type Feed interface {
	Updates() <-chan []domain.Record
	Err() error
	Close()
}
