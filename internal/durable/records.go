package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/l0p7/guardpost/internal/domain"
)

const (
	keySnapshot  = "cache:snapshot"
	keyUser      = "session:user"
	keyPushSub   = "push:subscription"
	keyPushOwner = "push:owner"
)

// SnapshotEntry is the persisted form of one cached resource class.
type SnapshotEntry struct {
	Items         []domain.Record `json:"items" cbor:"items"`
	LastRefreshed time.Time       `json:"lastRefreshed" cbor:"lastRefreshed"`
}

// Snapshot is the whole-value mirror of the resource cache.
type Snapshot struct {
	Version   int                                    `json:"version" cbor:"version"`
	Timestamp time.Time                              `json:"timestamp" cbor:"timestamp"`
	Entries   map[domain.ResourceClass]SnapshotEntry `json:"entries" cbor:"entries"`
}

// UserMirror records the last authenticated user seen on this device.
type UserMirror struct {
	UserID    string    `json:"user" cbor:"user"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// PushDescriptor is the durable copy of a push subscription.
type PushDescriptor struct {
	Endpoint             string    `json:"endpoint" cbor:"endpoint"`
	P256dh               string    `json:"p256dh" cbor:"p256dh"`
	Auth                 string    `json:"auth" cbor:"auth"`
	ApplicationServerKey string    `json:"applicationServerKey" cbor:"applicationServerKey"`
	CreatedAt            time.Time `json:"createdAt" cbor:"createdAt"`
}

// Records layers the typed, versioned record layout over a Store.
type Records struct {
	store  Store
	codec  Codec
	prefix string
}

// NewRecords binds the record layout to a store. A nil codec selects JSON.
func NewRecords(store Store, codec Codec, prefix string) *Records {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Records{store: store, codec: codec, prefix: prefix}
}

// Store exposes the backing store so callers can close it on shutdown.
func (r *Records) Store() Store { return r.store }

func (r *Records) key(name string) string { return r.prefix + name }

// SaveSnapshot replaces the persisted snapshot.
func (r *Records) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	return r.put(ctx, keySnapshot, snap)
}

// LoadSnapshot reads the persisted snapshot. A record that cannot be decoded
// or was written under another version is deleted and reported as a miss
// together with ErrCorrupt or ErrVersionMismatch.
func (r *Records) LoadSnapshot(ctx context.Context, version int) (Snapshot, bool, error) {
	var snap Snapshot
	ok, err := r.get(ctx, keySnapshot, &snap)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	if snap.Version != version {
		r.discard(ctx, keySnapshot)
		return Snapshot{}, false, fmt.Errorf("%w: stored %d, running %d", ErrVersionMismatch, snap.Version, version)
	}
	return snap, true, nil
}

func (r *Records) DeleteSnapshot(ctx context.Context) error {
	return r.delete(ctx, keySnapshot)
}

// SaveUser mirrors the authenticated user.
func (r *Records) SaveUser(ctx context.Context, userID string, now time.Time) error {
	return r.put(ctx, keyUser, UserMirror{UserID: userID, Timestamp: now.UTC()})
}

// LoadUser returns the user mirror unless it is older than maxAge, in which
// case it is removed and ErrExpired is returned.
func (r *Records) LoadUser(ctx context.Context, maxAge time.Duration, now time.Time) (UserMirror, bool, error) {
	var mirror UserMirror
	ok, err := r.get(ctx, keyUser, &mirror)
	if err != nil || !ok {
		return UserMirror{}, false, err
	}
	if maxAge > 0 && now.Sub(mirror.Timestamp) >= maxAge {
		r.discard(ctx, keyUser)
		return UserMirror{}, false, ErrExpired
	}
	return mirror, true, nil
}

func (r *Records) DeleteUser(ctx context.Context) error {
	return r.delete(ctx, keyUser)
}

// SavePush writes the descriptor and its owning user id.
func (r *Records) SavePush(ctx context.Context, ownerID string, desc PushDescriptor) error {
	if err := r.put(ctx, keyPushSub, desc); err != nil {
		return err
	}
	return r.put(ctx, keyPushOwner, ownerID)
}

// LoadPush returns the descriptor only when it belongs to ownerID.
func (r *Records) LoadPush(ctx context.Context, ownerID string) (PushDescriptor, bool, error) {
	var owner string
	ok, err := r.get(ctx, keyPushOwner, &owner)
	if err != nil || !ok || owner != ownerID {
		return PushDescriptor{}, false, err
	}
	var desc PushDescriptor
	ok, err = r.get(ctx, keyPushSub, &desc)
	if err != nil || !ok {
		return PushDescriptor{}, false, err
	}
	return desc, true, nil
}

func (r *Records) DeletePush(ctx context.Context) error {
	return errors.Join(r.delete(ctx, keyPushSub), r.delete(ctx, keyPushOwner))
}

func (r *Records) put(ctx context.Context, name string, value any) error {
	payload, err := r.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("durable: encode %s: %w", name, err)
	}
	return r.store.Put(ctx, r.key(name), payload)
}

func (r *Records) get(ctx context.Context, name string, out any) (bool, error) {
	payload, ok, err := r.store.Get(ctx, r.key(name))
	if err != nil || !ok {
		return false, err
	}
	if err := r.codec.Unmarshal(payload, out); err != nil {
		r.discard(ctx, name)
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return true, nil
}

func (r *Records) delete(ctx context.Context, name string) error {
	return r.store.Delete(ctx, r.key(name))
}

// discard drops an untrusted record; a failure here only means the next read
// will discard it again.
func (r *Records) discard(ctx context.Context, name string) {
	_ = r.store.Delete(ctx, r.key(name))
}
