// Package querier executes generated statements against the database that
// backs each graph.
package querier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
)

// ErrUnknownGraph is returned for a graph id with no configured backend.
var ErrUnknownGraph = errors.New("unknown graph")

// Backend runs statements against a single database.
type Backend interface {
	Execute(ctx context.Context, sql string) (pipeline.QueryResult, error)
	Close() error
}

type Config struct {
	Logger   *slog.Logger
	Backends map[string]Backend // Keyed by graph id
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Backends) == 0 {
		return errors.New("at least one backend is required")
	}
	for id, b := range c.Backends {
		if b == nil {
			return fmt.Errorf("backend for graph %q is nil", id)
		}
	}
	return nil
}

// Querier routes statements to the backend of their graph. It implements
// pipeline.Executor.
type Querier struct {
	log      *slog.Logger
	backends map[string]Backend
}

func New(cfg Config) (*Querier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate querier config: %w", err)
	}
	backends := make(map[string]Backend, len(cfg.Backends))
	for id, b := range cfg.Backends {
		backends[id] = b
	}
	return &Querier{
		log:      cfg.Logger,
		backends: backends,
	}, nil
}

func (q *Querier) Execute(ctx context.Context, graphID, sql string) (pipeline.QueryResult, error) {
	b, ok := q.backends[graphID]
	if !ok {
		return pipeline.QueryResult{}, fmt.Errorf("%w: %s", ErrUnknownGraph, graphID)
	}

	q.log.Debug("querier: executing statement", "graph", graphID, "operation", pipeline.ClassifyOperation(sql))
	result, err := b.Execute(ctx, sql)
	if err != nil {
		return pipeline.QueryResult{}, err
	}
	q.log.Debug("querier: statement completed", "graph", graphID, "rows", result.Count, "affected_rows", result.AffectedRows)
	return result, nil
}

// Graphs returns the configured graph ids in sorted order.
func (q *Querier) Graphs() []string {
	ids := make([]string, 0, len(q.backends))
	for id := range q.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every backend.
func (q *Querier) Close() error {
	var errs []error
	for id, b := range q.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("graph %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
