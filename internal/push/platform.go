package push

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied means the user refused notifications. It is never
	// retried automatically.
	ErrPermissionDenied = errors.New("push: permission denied")
	// ErrPermissionNotGranted means the user has not decided yet.
	ErrPermissionNotGranted = errors.New("push: permission not granted")
	// ErrKeyConflict means a live subscription uses another application
	// server key than the one requested.
	ErrKeyConflict = errors.New("push: subscription key conflict")
	// ErrTransport wraps network and platform failures. Callers may retry
	// with backoff.
	ErrTransport = errors.New("push: transport failure")
	// ErrNoRegistration means nothing durable exists to restore from.
	ErrNoRegistration = errors.New("push: no durable registration")
)

// Permission is the notification permission state of the device.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Subscription is the platform-level push subscription held by the
// background worker.
type Subscription struct {
	Endpoint             string `json:"endpoint"`
	P256dh               string `json:"p256dh"`
	Auth                 string `json:"auth"`
	ApplicationServerKey string `json:"applicationServerKey"`
}

// SubscribeOptions are passed to Platform.Subscribe.
type SubscribeOptions struct {
	ApplicationServerKey string
}

// Platform is the device push capability. Subscribe reports ErrKeyConflict
// when a live subscription uses different key material.
type Platform interface {
	Permission(ctx context.Context) (Permission, error)
	// RequestPermission may prompt the user.
	RequestPermission(ctx context.Context) (Permission, error)
	// Subscription returns the live subscription, nil when there is none.
	Subscription(ctx context.Context) (*Subscription, error)
	Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error)
	Unsubscribe(ctx context.Context) error
}
