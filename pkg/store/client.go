// Package store provides a thin typed interface over a Redis-compatible
// key/value store: string ops with NX/EX, lists, hashes, and an atomic
// compare-and-delete primitive implemented as a server-side script.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent.
var ErrNotFound = errors.New("store: key not found")

// ErrUnavailable wraps any error returned by the underlying connection
// after retries are exhausted. Callers should treat it as STORE_UNAVAILABLE.
var ErrUnavailable = errors.New("store: unavailable")

// Client is the capability surface the rest of the module depends on.
// It is intentionally narrow: only the primitives the work queue, leader
// election, and config cache actually need.
type Client interface {
	// SetIfAbsent performs an atomic SETNX-with-TTL. Returns true if the
	// key was set (i.e. it was previously absent).
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// SetWithTTL unconditionally sets key to value with the given TTL.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the current value of key, or ErrNotFound if absent.
	Get(ctx context.Context, key string) (string, error)

	// CompareAndDelete atomically deletes key only if its current value
	// equals expected. Returns true if the delete happened.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// ListRightPush appends item to the list at key.
	ListRightPush(ctx context.Context, key, item string) error

	// ListBlockPopLeftMulti blocks (up to timeout) popping the leftmost
	// item from the first non-empty list among keys, in order. Returns
	// the key it popped from and the item, or ok=false on timeout.
	ListBlockPopLeftMulti(ctx context.Context, keys []string, timeout time.Duration) (key, item string, ok bool, err error)

	// HashSet sets field in the hash at key.
	HashSet(ctx context.Context, key, field, value string) error

	// HashGet returns field's value in the hash at key, or ErrNotFound.
	HashGet(ctx context.Context, key, field string) (string, error)

	// HashDelete removes field from the hash at key.
	HashDelete(ctx context.Context, key, field string) error

	// HashIncrement atomically adds delta to field's integer value,
	// creating it at 0 first if absent, and returns the new value.
	HashIncrement(ctx context.Context, key, field string, delta int64) (int64, error)

	// HashLen returns the number of fields in the hash at key.
	HashLen(ctx context.Context, key string) (int64, error)

	// HashGetAll returns all field/value pairs in the hash at key.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// ListLen returns the number of items in the list at key.
	ListLen(ctx context.Context, key string) (int64, error)

	// Close releases underlying connections.
	Close() error
}
