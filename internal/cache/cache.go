package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a key-value store with per-key TTL. Implementations are
// injected rather than shared as package state so tests can substitute
// an in-memory fake and multiple pipelines don't race on hidden globals.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ClearByPrefix(ctx context.Context, prefix string) (int64, error)
}
