// Package configcache implements the two-tier read-through agent
// configuration cache (C7): a bounded in-process LRU in front of a
// distributed store-backed hash tier, with singleflight stampede
// suppression and a short negative cache on load failure.
package configcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/tarsysync/agentrunner/pkg/config"
	"github.com/tarsysync/agentrunner/pkg/store"
)

// ErrUnavailable is returned by GetOrLoad when the config-source
// collaborator is unreachable and no cached copy exists. Runners treat
// this as CONFIG_UNAVAILABLE: the activation fails, letting backoff
// naturally sideline the agent.
var ErrUnavailable = errors.New("configcache: CONFIG_UNAVAILABLE")

const negativeCacheTTL = 30 * time.Second

type entry struct {
	cfg       config.AgentConfig
	negative  bool
	expiresAt time.Time
}

// Cache is the C7 component.
type Cache struct {
	store  store.Client
	loader config.Loader

	mu  sync.Mutex
	lru *lru

	group singleflight.Group
	log   *slog.Logger
}

// Capacity is the in-process LRU's bound, matching the spec's "≈256".
const Capacity = 256

func New(s store.Client, loader config.Loader) *Cache {
	return &Cache{
		store:  s,
		loader: loader,
		lru:    newLRU(Capacity),
		log:    slog.Default().With("component", "configcache"),
	}
}

// GetOrLoad returns the agent's configuration, consulting the in-process
// tier, then the distributed tier, then the config-source collaborator,
// populating both tiers on a successful load.
func (c *Cache) GetOrLoad(ctx context.Context, agentID string) (config.AgentConfig, error) {
	if e, ok := c.localGet(agentID); ok {
		if e.negative {
			return config.AgentConfig{}, ErrUnavailable
		}
		return e.cfg, nil
	}

	v, err, _ := c.group.Do(agentID, func() (any, error) {
		return c.loadThrough(ctx, agentID)
	})
	if err != nil {
		return config.AgentConfig{}, err
	}
	return v.(config.AgentConfig), nil
}

func (c *Cache) loadThrough(ctx context.Context, agentID string) (config.AgentConfig, error) {
	if cfg, ok, err := c.distributedGet(ctx, agentID); err != nil {
		c.log.Warn("distributed tier read failed, falling through to source", "agent_id", agentID, "error", err)
	} else if ok {
		c.localPut(agentID, entry{cfg: cfg, expiresAt: time.Now().Add(cfg.CacheTTL)})
		return cfg, nil
	}

	cfg, err := c.loader.Load(ctx, agentID)
	if err != nil {
		c.localPut(agentID, entry{negative: true, expiresAt: time.Now().Add(negativeCacheTTL)})
		return config.AgentConfig{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.localPut(agentID, entry{cfg: cfg, expiresAt: time.Now().Add(cfg.CacheTTL)})
	if err := c.distributedPut(ctx, agentID, cfg); err != nil {
		c.log.Warn("distributed tier write failed", "agent_id", agentID, "error", err)
	}
	return cfg, nil
}

func (c *Cache) localGet(agentID string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.get(agentID)
	if !ok {
		return entry{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.delete(agentID)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) localPut(agentID string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.put(agentID, e)
}

func configKey(agentID string) string {
	return "config:" + agentID
}

func (c *Cache) distributedGet(ctx context.Context, agentID string) (config.AgentConfig, bool, error) {
	raw, err := c.store.Get(ctx, configKey(agentID))
	if errors.Is(err, store.ErrNotFound) {
		return config.AgentConfig{}, false, nil
	}
	if err != nil {
		return config.AgentConfig{}, false, err
	}
	var cfg config.AgentConfig
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		return config.AgentConfig{}, false, fmt.Errorf("configcache: decode cached config: %w", err)
	}
	return cfg, true, nil
}

func (c *Cache) distributedPut(ctx context.Context, agentID string, cfg config.AgentConfig) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("configcache: encode config: %w", err)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return c.store.SetWithTTL(ctx, configKey(agentID), string(b), ttl)
}
