package dispatch

import (
	"context"
	"fmt"

	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/expr"
	"github.com/l0p7/guardpost/internal/remote"
)

// Directory resolves role membership.
type Directory interface {
	UsersByRole(ctx context.Context, role domain.Role) ([]string, error)
}

// StoreDirectory reads user documents from a remote collection. Documents
// flagged disabled are skipped.
type StoreDirectory struct {
	store      remote.Store
	collection string
}

func NewStoreDirectory(store remote.Store, collection string) *StoreDirectory {
	if collection == "" {
		collection = "users"
	}
	return &StoreDirectory{store: store, collection: collection}
}

func (d *StoreDirectory) UsersByRole(ctx context.Context, role domain.Role) ([]string, error) {
	parsed, err := domain.ParseRole(string(role))
	if err != nil {
		return nil, err
	}
	predicate, err := expr.CompilePredicate(fmt.Sprintf(`has(doc.role) && doc.role == %q && !(has(doc.disabled) && doc.disabled == true)`, parsed))
	if err != nil {
		return nil, fmt.Errorf("dispatch: role predicate: %w", err)
	}
	users, err := d.store.FetchAll(ctx, d.collection)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list %s: %w", d.collection, err)
	}
	members, err := predicate.Filter(users)
	if err != nil {
		return nil, fmt.Errorf("dispatch: filter %s: %w", d.collection, err)
	}
	ids := make([]string, 0, len(members))
	for _, rec := range members {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}
