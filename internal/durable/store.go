package durable

import (
	"context"
	"errors"
)

var (
	// ErrCorrupt marks a durable record that could not be decoded.
	ErrCorrupt = errors.New("durable: corrupt record")
	// ErrVersionMismatch marks a snapshot written by a different schema version.
	ErrVersionMismatch = errors.New("durable: snapshot version mismatch")
	// ErrExpired marks a record older than its maximum age.
	ErrExpired = errors.New("durable: record expired")
)

// Store is the local persistent key/value space. Values are whole-record
// replacements: concurrent writers resolve by last-write-wins.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close(ctx context.Context) error
}
