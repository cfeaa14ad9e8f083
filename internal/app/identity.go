package app

import (
	"context"
	"strings"
	"sync"
)

// Identity is the identity provider capability: who is signed in, if anyone.
type Identity interface {
	CurrentUserID(ctx context.Context) (string, bool)
}

// signOuter is implemented by identities that can end their own session.
type signOuter interface {
	SignOut(ctx context.Context) error
}

// MutableIdentity is an in-process identity whose user is set by the login
// flow.
type MutableIdentity struct {
	mu     sync.RWMutex
	userID string
}

func NewMutableIdentity(userID string) *MutableIdentity {
	return &MutableIdentity{userID: strings.TrimSpace(userID)}
}

func (i *MutableIdentity) CurrentUserID(context.Context) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.userID, i.userID != ""
}

func (i *MutableIdentity) SignIn(userID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.userID = strings.TrimSpace(userID)
}

func (i *MutableIdentity) SignOut(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.userID = ""
	return nil
}
