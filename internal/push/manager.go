// Package push keeps exactly one push registration alive per device and
// mirrors it durably so it survives restarts.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/guardpost/internal/durable"
	"github.com/l0p7/guardpost/internal/metrics"
	"github.com/l0p7/guardpost/internal/remote"
)

// Registration is a live subscription together with its owner.
type Registration struct {
	OwnerID              string    `json:"ownerId"`
	Endpoint             string    `json:"endpoint"`
	P256dh               string    `json:"p256dh"`
	Auth                 string    `json:"auth"`
	ApplicationServerKey string    `json:"applicationServerKey,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

func fromDescriptor(ownerID string, desc durable.PushDescriptor) Registration {
	return Registration{
		OwnerID:              ownerID,
		Endpoint:             desc.Endpoint,
		P256dh:               desc.P256dh,
		Auth:                 desc.Auth,
		ApplicationServerKey: desc.ApplicationServerKey,
		CreatedAt:            desc.CreatedAt,
	}
}

func (r Registration) descriptor() durable.PushDescriptor {
	return durable.PushDescriptor{
		Endpoint:             r.Endpoint,
		P256dh:               r.P256dh,
		Auth:                 r.Auth,
		ApplicationServerKey: r.ApplicationServerKey,
		CreatedAt:            r.CreatedAt,
	}
}

// Options configures a Manager.
type Options struct {
	Platform Platform
	Records  *durable.Records
	// Remote, when set, receives a registration record per owner in
	// Collection.
	Remote               remote.Store
	Collection           string
	ApplicationServerKey string
	Logger               *slog.Logger
	Metrics              *metrics.Recorder
	Clock                func() time.Time
}

// Manager serializes register, restore and revoke so no caller observes a
// half-updated registration.
type Manager struct {
	platform   Platform
	records    *durable.Records
	remote     remote.Store
	collection string
	serverKey  string
	logger     *slog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time

	mu sync.Mutex
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Platform == nil {
		return nil, errors.New("push: platform required")
	}
	if opts.Records == nil {
		return nil, errors.New("push: durable records required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = "push_subscriptions"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		platform:   opts.Platform,
		records:    opts.Records,
		remote:     opts.Remote,
		collection: collection,
		serverKey:  opts.ApplicationServerKey,
		logger:     logger.With(slog.String("agent", "push_registration")),
		metrics:    opts.Metrics,
		now:        now,
	}, nil
}

// Register ensures ownerID holds the device's live registration. When the
// durable copy already matches the live subscription it is returned as is.
// Otherwise any live subscription is revoked before a new one is created.
// Register may prompt for permission when none was decided.
func (m *Manager) Register(ctx context.Context, ownerID string) (Registration, error) {
	if ownerID == "" {
		return Registration{}, errors.New("push: owner id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.register(ctx, ownerID, true)
	m.observe("register", err)
	return reg, err
}

// Restore re-establishes the registration from durable data only. It never
// prompts: a denied or undecided permission is reported as is.
func (m *Manager) Restore(ctx context.Context, ownerID string) (Registration, error) {
	if ownerID == "" {
		return Registration{}, errors.New("push: owner id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.restore(ctx, ownerID)
	m.observe("restore", err)
	return reg, err
}

func (m *Manager) restore(ctx context.Context, ownerID string) (Registration, error) {
	if err := m.checkPermission(ctx, false); err != nil {
		return Registration{}, err
	}
	if _, ok := m.loadDurable(ctx, ownerID); !ok {
		return Registration{}, ErrNoRegistration
	}
	return m.register(ctx, ownerID, false)
}

func (m *Manager) register(ctx context.Context, ownerID string, prompt bool) (Registration, error) {
	if err := m.checkPermission(ctx, prompt); err != nil {
		return Registration{}, err
	}

	live, err := m.platform.Subscription(ctx)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: read subscription: %w", ErrTransport, err)
	}
	if desc, ok := m.loadDurable(ctx, ownerID); ok && live != nil && live.Endpoint == desc.Endpoint && m.keyMatches(live) {
		return fromDescriptor(ownerID, desc), nil
	}

	if live != nil {
		if err := m.platform.Unsubscribe(ctx); err != nil {
			return Registration{}, fmt.Errorf("%w: revoke previous subscription: %w", ErrTransport, err)
		}
		m.logger.Info("revoked stale subscription", slog.String("owner", ownerID))
	}

	sub, err := m.subscribe(ctx)
	if err != nil {
		return Registration{}, err
	}
	reg := Registration{
		OwnerID:              ownerID,
		Endpoint:             sub.Endpoint,
		P256dh:               sub.P256dh,
		Auth:                 sub.Auth,
		ApplicationServerKey: sub.ApplicationServerKey,
		CreatedAt:            m.now().UTC(),
	}
	if err := m.records.SavePush(ctx, ownerID, reg.descriptor()); err != nil {
		// Without the durable copy the next start could not restore, so the
		// live subscription is rolled back.
		if unsubErr := m.platform.Unsubscribe(ctx); unsubErr != nil {
			m.logger.Warn("rollback unsubscribe failed", slog.Any("error", unsubErr))
		}
		return Registration{}, fmt.Errorf("%w: persist registration: %w", ErrTransport, err)
	}
	m.mirror(ctx, ownerID, map[string]any{
		"endpoint":  reg.Endpoint,
		"p256dh":    reg.P256dh,
		"auth":      reg.Auth,
		"createdAt": reg.CreatedAt.Format(time.RFC3339Nano),
		"active":    true,
	})
	m.logger.Info("push registration created", slog.String("owner", ownerID))
	return reg, nil
}

// subscribe creates the platform subscription, clearing a conflicting one
// once before giving up.
func (m *Manager) subscribe(ctx context.Context) (*Subscription, error) {
	opts := SubscribeOptions{ApplicationServerKey: m.serverKey}
	sub, err := m.platform.Subscribe(ctx, opts)
	if errors.Is(err, ErrKeyConflict) {
		m.logger.Warn("subscription key conflict, recreating")
		if unsubErr := m.platform.Unsubscribe(ctx); unsubErr != nil {
			return nil, fmt.Errorf("%w: clear conflicting subscription: %w", ErrTransport, unsubErr)
		}
		sub, err = m.platform.Subscribe(ctx, opts)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrKeyConflict), errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrPermissionNotGranted):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: subscribe: %w", ErrTransport, err)
	}
	if sub == nil || sub.Endpoint == "" {
		return nil, fmt.Errorf("%w: platform returned an empty subscription", ErrTransport)
	}
	return sub, nil
}

func (m *Manager) checkPermission(ctx context.Context, prompt bool) error {
	perm, err := m.platform.Permission(ctx)
	if err != nil {
		return fmt.Errorf("%w: read permission: %w", ErrTransport, err)
	}
	if perm == PermissionDefault && prompt {
		perm, err = m.platform.RequestPermission(ctx)
		if err != nil {
			return fmt.Errorf("%w: request permission: %w", ErrTransport, err)
		}
	}
	switch perm {
	case PermissionGranted:
		return nil
	case PermissionDenied:
		return ErrPermissionDenied
	default:
		return ErrPermissionNotGranted
	}
}

func (m *Manager) keyMatches(live *Subscription) bool {
	return m.serverKey == "" || live.ApplicationServerKey == m.serverKey
}

// loadDurable treats durable read failures as a missing registration.
func (m *Manager) loadDurable(ctx context.Context, ownerID string) (durable.PushDescriptor, bool) {
	desc, ok, err := m.records.LoadPush(ctx, ownerID)
	if err != nil {
		m.logger.Warn("durable registration unreadable", slog.Any("error", err))
		return durable.PushDescriptor{}, false
	}
	return desc, ok
}

// Revoke unsubscribes the live subscription, deletes the durable copy and
// marks the remote record inactive. Every step runs even if an earlier one
// fails; the failures are joined.
func (m *Manager) Revoke(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	live, err := m.platform.Subscription(ctx)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("%w: read subscription: %w", ErrTransport, err))
	case live != nil:
		if err := m.platform.Unsubscribe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%w: unsubscribe: %w", ErrTransport, err))
		}
	}
	if err := m.records.DeletePush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("push: delete durable registration: %w", err))
	}
	if ownerID != "" {
		m.mirror(ctx, ownerID, map[string]any{
			"active":    false,
			"endpoint":  nil,
			"revokedAt": m.now().UTC().Format(time.RFC3339Nano),
		})
	}
	err = errors.Join(errs...)
	m.observe("revoke", err)
	if err == nil {
		m.logger.Info("push registration revoked", slog.String("owner", ownerID))
	}
	return err
}

// Current returns the durable registration of ownerID without touching the
// platform.
func (m *Manager) Current(ctx context.Context, ownerID string) (Registration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	desc, ok := m.loadDurable(ctx, ownerID)
	if !ok {
		return Registration{}, false
	}
	return fromDescriptor(ownerID, desc), true
}

// mirror writes the remote registration record. The remote copy only
// informs the gateway, so failures are logged.
func (m *Manager) mirror(ctx context.Context, ownerID string, patch map[string]any) {
	if m.remote == nil {
		return
	}
	if err := m.remote.Mutate(ctx, m.collection, ownerID, patch); err != nil {
		m.logger.Warn("remote registration record not updated", slog.String("owner", ownerID), slog.Any("error", err))
	}
}

func (m *Manager) observe(operation string, err error) {
	result := metrics.ResultOK
	switch {
	case err == nil:
	case errors.Is(err, ErrPermissionDenied):
		result = "permission_denied"
	case errors.Is(err, ErrPermissionNotGranted):
		result = "permission_not_granted"
	case errors.Is(err, ErrKeyConflict):
		result = "key_conflict"
	case errors.Is(err, ErrNoRegistration):
		result = "no_registration"
	default:
		result = metrics.ResultError
	}
	m.metrics.ObservePush(operation, result)
}
