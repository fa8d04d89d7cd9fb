// Package store wraps the key-value backend used for all durable state:
// tenant keys, cookies, counters, client status, renewal codes and
// conversation history.
//
// Values are UTF-8 strings; structured values are JSON. Absent keys are
// reported with ErrMissing rather than an opaque backend error so callers
// can branch on them; an unreachable backend surfaces as ErrUnavailable.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMissing is returned when a key or hash field does not exist.
	ErrMissing = errors.New("store: key missing")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers treat it as fatal for the request in progress.
	ErrUnavailable = errors.New("store: unavailable")
)

// TTL sentinel values, matching Redis semantics.
const (
	TTLNone    int64 = -1 // key exists, no expiry set
	TTLMissing int64 = -2 // key does not exist
)

// Store is the typed KV surface the managers are written against.
// The production implementation is Redis; tests use the in-memory one.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetEx writes a value with a TTL. A non-positive TTL is rejected.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	// TTLSeconds reports remaining TTL in whole seconds, TTLNone or TTLMissing.
	TTLSeconds(ctx context.Context, key string) (int64, error)
	// Scan returns every key matching the glob pattern, each at most once.
	Scan(ctx context.Context, pattern string) ([]string, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// ExpireMany applies the same TTL to every listed key in one round trip.
	ExpireMany(ctx context.Context, ttl time.Duration, keys ...string) error

	Close() error
}
