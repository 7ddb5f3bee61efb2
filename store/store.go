// Package store defines the opaque key-value store the service persists its
// state in (tracked accounts, settings, OAuth token blobs) and provides the
// memory, TOML file and redis backends. The postgres backend lives in package db.
//
// Semantics are last-write-wins; values are opaque bytes (JSON in practice).
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written or was deleted.
var ErrNotFound = errors.New("store: key not found")

// Well-known keys.
const (
	KeyAccounts = "accounts"
	KeySettings = "settings"
)

// KV is the persistence boundary.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by backends that can report liveness (used by /readyz).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks kv if it supports it.
func Ping(ctx context.Context, kv KV) error {
	if p, ok := kv.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
