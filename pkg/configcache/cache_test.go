package configcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tarsysync/agentrunner/pkg/config"
	"github.com/tarsysync/agentrunner/pkg/configcache"
	"github.com/tarsysync/agentrunner/pkg/store"
)

func TestGetOrLoadPopulatesBothTiers(t *testing.T) {
	ctx := context.Background()
	s := store.NewFake(t)
	loader := config.NewStaticLoader(map[string]config.AgentConfig{
		"alice": {AgentID: "alice", Type: "github-bot", CacheTTL: time.Minute},
	})
	cache := configcache.New(s, loader)

	cfg, err := cache.GetOrLoad(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "github-bot", cfg.Type)

	// Distributed tier should now have a copy independent of the loader.
	raw, err := s.Get(ctx, "config:alice")
	require.NoError(t, err)
	require.Contains(t, raw, "github-bot")
}

func TestGetOrLoadUnavailableUsesNegativeCache(t *testing.T) {
	ctx := context.Background()
	s := store.NewFake(t)
	loader := config.NewStaticLoader(nil)
	cache := configcache.New(s, loader)

	_, err := cache.GetOrLoad(ctx, "missing")
	require.ErrorIs(t, err, configcache.ErrUnavailable)

	loader.Put(config.AgentConfig{AgentID: "missing", Type: "late-arrival", CacheTTL: time.Minute})

	_, err = cache.GetOrLoad(ctx, "missing")
	require.ErrorIs(t, err, configcache.ErrUnavailable, "negative cache should still be active")
}
