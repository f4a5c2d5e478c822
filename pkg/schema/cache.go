// Package schema loads database schemas into the table graph the pipeline
// reasons over, and caches them per graph.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL    = 10 * time.Minute
	defaultLoadTimeout = 2 * time.Minute
)

// ErrUnknownGraph is returned for a graph id with no configured source.
var ErrUnknownGraph = errors.New("unknown graph")

// Source loads the tables of one database.
type Source interface {
	LoadTables(ctx context.Context) ([]pipeline.Table, error)
}

// Graph is a configured database and its description.
type Graph struct {
	Source      Source
	Description string
}

type CacheConfig struct {
	Logger *slog.Logger
	Graphs map[string]Graph

	// Optional configuration.
	TTL         time.Duration
	LoadTimeout time.Duration // Bounds a single schema load
}

func (c *CacheConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Graphs) == 0 {
		return errors.New("at least one graph is required")
	}
	for id, g := range c.Graphs {
		if g.Source == nil {
			return fmt.Errorf("graph %q has no source", id)
		}
	}
	if c.TTL <= 0 {
		c.TTL = defaultCacheTTL
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = defaultLoadTimeout
	}
	return nil
}

// Cache serves schemas per graph, loading each at most once per TTL.
// Concurrent misses for the same graph share a single load. It implements
// pipeline.SchemaFetcher and pipeline.SchemaInvalidator.
type Cache struct {
	cfg *CacheConfig
	log *slog.Logger

	cache   *ttlcache.Cache[string, *pipeline.Schema]
	cacheMu sync.RWMutex
	gens    map[string]uint64 // Bumped by Invalidate; a load started before is not cached
	loads   singleflight.Group
}

func NewCache(cfg *CacheConfig) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *pipeline.Schema](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[string, *pipeline.Schema](),
	)
	go cache.Start()

	return &Cache{
		cfg:   cfg,
		log:   cfg.Logger,
		cache: cache,
		gens:  make(map[string]uint64),
	}, nil
}

func (c *Cache) FetchSchema(ctx context.Context, graphID string) (*pipeline.Schema, error) {
	graph, ok := c.cfg.Graphs[graphID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, graphID)
	}
	if cached := c.getCached(graphID); cached != nil {
		return cached, nil
	}

	// The load is shared by every caller waiting on graphID, so it must not
	// end when the caller that started it goes away.
	ch := c.loads.DoChan(graphID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LoadTimeout)
		defer cancel()

		start := time.Now()
		gen := c.generation(graphID)
		tables, err := graph.Source.LoadTables(loadCtx)
		if err != nil {
			return nil, err
		}
		schema := &pipeline.Schema{
			ID:          graphID,
			Description: graph.Description,
			Tables:      tables,
		}
		c.setCached(graphID, gen, schema)
		c.log.Info("schema: loaded", "graph", graphID, "tables", len(tables), "duration", time.Since(start))
		return schema, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("failed to load schema for graph %s: %w", graphID, res.Err)
		}
		if res.Shared {
			c.log.Debug("schema: shared in-flight load", "graph", graphID)
		}
		return res.Val.(*pipeline.Schema), nil
	}
}

// Invalidate drops the cached schema of a graph so the next fetch reloads it.
func (c *Cache) Invalidate(graphID string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache.Delete(graphID)
	c.gens[graphID]++
	c.loads.Forget(graphID)
	c.log.Debug("schema: invalidated", "graph", graphID)
}

// Has reports whether graphID is configured.
func (c *Cache) Has(graphID string) bool {
	_, ok := c.cfg.Graphs[graphID]
	return ok
}

// Graphs returns the configured graph ids in sorted order.
func (c *Cache) Graphs() []string {
	ids := make([]string, 0, len(c.cfg.Graphs))
	for id := range c.cfg.Graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops the expiry loop.
func (c *Cache) Close() {
	c.cache.Stop()
}

func (c *Cache) getCached(graphID string) *pipeline.Schema {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	item := c.cache.Get(graphID)
	if item == nil {
		return nil
	}
	return item.Value()
}

func (c *Cache) generation(graphID string) uint64 {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.gens[graphID]
}

func (c *Cache) setCached(graphID string, gen uint64, schema *pipeline.Schema) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.gens[graphID] != gen {
		return
	}
	c.cache.Set(graphID, schema, ttlcache.DefaultTTL)
}
