package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	loadFunc func(ctx context.Context) ([]pipeline.Table, error)
	loads    atomic.Int32
}

func (m *mockSource) LoadTables(ctx context.Context) ([]pipeline.Table, error) {
	m.loads.Add(1)
	return m.loadFunc(ctx)
}

func staticSource(tables ...pipeline.Table) *mockSource {
	return &mockSource{loadFunc: func(context.Context) ([]pipeline.Table, error) {
		return tables, nil
	}}
}

func newTestCache(t *testing.T, graphs map[string]Graph, ttl time.Duration) *Cache {
	t.Helper()
	c, err := NewCache(&CacheConfig{Logger: logger, Graphs: graphs, TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSchema_CacheConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := &CacheConfig{Graphs: map[string]Graph{"a": {Source: staticSource()}}}
	require.EqualError(t, cfg.Validate(), "logger is required")

	cfg = &CacheConfig{Logger: logger}
	require.EqualError(t, cfg.Validate(), "at least one graph is required")

	cfg = &CacheConfig{Logger: logger, Graphs: map[string]Graph{"a": {}}}
	require.EqualError(t, cfg.Validate(), `graph "a" has no source`)

	cfg = &CacheConfig{Logger: logger, Graphs: map[string]Graph{"a": {Source: staticSource()}}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultCacheTTL, cfg.TTL)
	assert.Equal(t, defaultLoadTimeout, cfg.LoadTimeout)
}

func TestSchema_Cache_FetchSchema(t *testing.T) {
	t.Parallel()

	src := staticSource(pipeline.Table{Name: "users"}, pipeline.Table{Name: "orders"})
	c := newTestCache(t, map[string]Graph{
		"shop": {Source: src, Description: "An online shop"},
	}, time.Minute)

	s, err := c.FetchSchema(t.Context(), "shop")
	require.NoError(t, err)
	assert.Equal(t, "shop", s.ID)
	assert.Equal(t, "An online shop", s.Description)
	require.Len(t, s.Tables, 2)

	again, err := c.FetchSchema(t.Context(), "shop")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.EqualValues(t, 1, src.loads.Load())

	assert.True(t, c.Has("shop"))
	assert.False(t, c.Has("other"))
	assert.Equal(t, []string{"shop"}, c.Graphs())
}

func TestSchema_Cache_UnknownGraph(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, map[string]Graph{"shop": {Source: staticSource()}}, time.Minute)

	_, err := c.FetchSchema(t.Context(), "nope")
	require.ErrorIs(t, err, ErrUnknownGraph)
}

func TestSchema_Cache_LoadErrorIsNotCached(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	src := &mockSource{loadFunc: func(context.Context) ([]pipeline.Table, error) {
		if fail.Load() {
			return nil, errors.New("connection refused")
		}
		return []pipeline.Table{{Name: "users"}}, nil
	}}
	c := newTestCache(t, map[string]Graph{"shop": {Source: src}}, time.Minute)

	_, err := c.FetchSchema(t.Context(), "shop")
	require.ErrorContains(t, err, "connection refused")

	fail.Store(false)
	s, err := c.FetchSchema(t.Context(), "shop")
	require.NoError(t, err)
	assert.Len(t, s.Tables, 1)
	assert.EqualValues(t, 2, src.loads.Load())
}

func TestSchema_Cache_InvalidateReloads(t *testing.T) {
	t.Parallel()

	var version atomic.Int32
	src := &mockSource{loadFunc: func(context.Context) ([]pipeline.Table, error) {
		if version.Load() == 0 {
			return []pipeline.Table{{Name: "users"}}, nil
		}
		return []pipeline.Table{{Name: "users"}, {Name: "audit_log"}}, nil
	}}
	c := newTestCache(t, map[string]Graph{"shop": {Source: src}}, time.Minute)

	s, err := c.FetchSchema(t.Context(), "shop")
	require.NoError(t, err)
	require.Len(t, s.Tables, 1)

	version.Store(1)
	c.Invalidate("shop")

	s, err = c.FetchSchema(t.Context(), "shop")
	require.NoError(t, err)
	require.Len(t, s.Tables, 2)
	assert.EqualValues(t, 2, src.loads.Load())
}

func TestSchema_Cache_InvalidateDuringLoadDiscardsResult(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	src := &mockSource{loadFunc: func(context.Context) ([]pipeline.Table, error) {
		if first.CompareAndSwap(true, false) {
			close(started)
			<-release
			return []pipeline.Table{{Name: "stale"}}, nil
		}
		return []pipeline.Table{{Name: "fresh"}}, nil
	}}
	c := newTestCache(t, map[string]Graph{"shop": {Source: src}}, time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.FetchSchema(context.Background(), "shop")
	}()
	<-started
	c.Invalidate("shop")
	close(release)
	<-done

	s, err := c.FetchSchema(t.Context(), "shop")
	require.NoError(t, err)
	require.Len(t, s.Tables, 1)
	assert.Equal(t, "fresh", s.Tables[0].Name)
}

func TestSchema_Cache_ConcurrentMissesShareLoad(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	src := &mockSource{loadFunc: func(context.Context) ([]pipeline.Table, error) {
		<-release
		return []pipeline.Table{{Name: "users"}}, nil
	}}
	c := newTestCache(t, map[string]Graph{"shop": {Source: src}}, time.Minute)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.FetchSchema(context.Background(), "shop")
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return src.loads.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, src.loads.Load())
}

func TestSchema_Cache_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	src := &mockSource{loadFunc: func(ctx context.Context) ([]pipeline.Table, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return []pipeline.Table{{Name: "users"}}, nil
		}
	}}
	c := newTestCache(t, map[string]Graph{"shop": {Source: src}}, time.Minute)

	ctxA, cancelA := context.WithCancel(t.Context())
	errA := make(chan error, 1)
	go func() {
		_, err := c.FetchSchema(ctxA, "shop")
		errA <- err
	}()
	require.Eventually(t, func() bool { return src.loads.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		schema *pipeline.Schema
		err    error
	}
	resB := make(chan result, 1)
	go func() {
		s, err := c.FetchSchema(t.Context(), "shop")
		resB <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case res := <-resB:
		require.NoError(t, res.err)
		require.Len(t, res.schema.Tables, 1)
		assert.Equal(t, "users", res.schema.Tables[0].Name)
	case <-time.After(time.Second):
		t.Fatal("waiting caller did not return")
	}
	assert.EqualValues(t, 1, src.loads.Load())
}

func TestSchema_Cache_LoadTimeout(t *testing.T) {
	t.Parallel()

	src := &mockSource{loadFunc: func(ctx context.Context) ([]pipeline.Table, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c, err := NewCache(&CacheConfig{
		Logger:      logger,
		Graphs:      map[string]Graph{"shop": {Source: src}},
		LoadTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.FetchSchema(t.Context(), "shop")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSchema_Cache_Expires(t *testing.T) {
	t.Parallel()

	src := staticSource(pipeline.Table{Name: "users"})
	c := newTestCache(t, map[string]Graph{"shop": {Source: src}}, 20*time.Millisecond)

	_, err := c.FetchSchema(t.Context(), "shop")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		if _, err := c.FetchSchema(t.Context(), "shop"); err != nil {
			return false
		}
		return src.loads.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
