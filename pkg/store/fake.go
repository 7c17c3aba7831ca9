package store

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// NewFake starts an in-process miniredis instance and returns a Client
// backed by it, suitable for unit tests that need real Redis semantics
// (TTL expiry, BLPOP ordering, atomic scripts) without a real server.
func NewFake(t *testing.T) Client {
	t.Helper()
	_, c := NewFakeWithMiniredis(t)
	return c
}

// NewFakeWithMiniredis is like NewFake but also returns the underlying
// *miniredis.Miniredis so tests can call FastForward to exercise TTL
// expiry and backoff deadlines without real sleeps.
func NewFakeWithMiniredis(t *testing.T) (*miniredis.Miniredis, Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, NewRedisClientFromUniversal(rdb)
}
