package worker

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/l0p7/guardpost/internal/push"
)

// PushPlatform is the worker-held push subscription. It satisfies
// push.Platform so the registration manager drives it directly.
type PushPlatform struct {
	endpointBase string

	mu           sync.Mutex
	permission   push.Permission
	promptAnswer push.Permission
	live         *push.Subscription
}

// NewPushPlatform issues endpoints under endpointBase, normally the gateway
// origin. The permission starts undecided.
func NewPushPlatform(endpointBase string) *PushPlatform {
	return &PushPlatform{
		endpointBase: strings.TrimRight(endpointBase, "/"),
		permission:   push.PermissionDefault,
		promptAnswer: push.PermissionGranted,
	}
}

// SetPermission records the user's decision.
func (p *PushPlatform) SetPermission(perm push.Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permission = perm
}

// SetPromptAnswer decides how the next permission prompt is answered.
func (p *PushPlatform) SetPromptAnswer(perm push.Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promptAnswer = perm
}

func (p *PushPlatform) Permission(context.Context) (push.Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission, nil
}

// RequestPermission only prompts while undecided.
func (p *PushPlatform) RequestPermission(context.Context) (push.Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permission == push.PermissionDefault {
		p.permission = p.promptAnswer
	}
	return p.permission, nil
}

func (p *PushPlatform) Subscription(context.Context) (*push.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == nil {
		return nil, nil
	}
	sub := *p.live
	return &sub, nil
}

// Subscribe returns the live subscription when it already uses the requested
// key and push.ErrKeyConflict when it uses another one.
func (p *PushPlatform) Subscribe(_ context.Context, opts push.SubscribeOptions) (*push.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permission != push.PermissionGranted {
		return nil, push.ErrPermissionNotGranted
	}
	if p.live != nil {
		if p.live.ApplicationServerKey != opts.ApplicationServerKey {
			return nil, push.ErrKeyConflict
		}
		sub := *p.live
		return &sub, nil
	}

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("worker: generate subscription key: %w", err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("worker: generate auth secret: %w", err)
	}
	p.live = &push.Subscription{
		Endpoint:             p.endpointBase + "/endpoints/" + uuid.NewString(),
		P256dh:               base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:                 base64.RawURLEncoding.EncodeToString(secret),
		ApplicationServerKey: opts.ApplicationServerKey,
	}
	sub := *p.live
	return &sub, nil
}

func (p *PushPlatform) Unsubscribe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = nil
	return nil
}

var _ push.Platform = (*PushPlatform)(nil)
