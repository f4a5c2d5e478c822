package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/FalkorDB/QueryWeaver/pkg/querier"
	"github.com/FalkorDB/QueryWeaver/pkg/schema"
)

// Backends holds the executor and the schema cache built from the
// configured graphs.
type Backends struct {
	Querier *querier.Querier
	Schemas *schema.Cache
}

// Close releases the schema cache and every database connection.
func (b *Backends) Close() error {
	b.Schemas.Close()
	return b.Querier.Close()
}

// Connect opens a connection per graph and wires each into both the
// executor and the schema cache.
func Connect(ctx context.Context, log *slog.Logger, cfg *Config) (*Backends, error) {
	backends := make(map[string]querier.Backend, len(cfg.Graphs))
	graphs := make(map[string]schema.Graph, len(cfg.Graphs))

	closeAll := func() {
		for _, b := range backends {
			_ = b.Close()
		}
	}

	for id, g := range cfg.Graphs {
		var (
			backend querier.Backend
			source  schema.Source
		)
		switch g.Driver {
		case DriverPostgres:
			pool, err := querier.OpenPostgres(ctx, log, g.DSN)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("graph %s: %w", id, err)
			}
			backend = querier.NewPostgres(pool)
			source = schema.NewPostgresSource(pool, g.Schema)
		case DriverClickHouse:
			conn, err := querier.OpenClickHouse(ctx, log, querier.ClickHouseOptions{
				Addr:     g.Addr,
				Database: g.Database,
				Username: g.Username,
				Password: g.Password,
			})
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("graph %s: %w", id, err)
			}
			backend = querier.NewClickHouse(conn)
			source = schema.NewClickHouseSource(log, conn, g.Database)
		default:
			closeAll()
			return nil, fmt.Errorf("graph %s: unsupported driver %q", id, g.Driver)
		}
		backends[id] = backend
		graphs[id] = schema.Graph{Source: source, Description: g.Description}
		log.Info("config: graph connected", "graph", id, "driver", g.Driver)
	}

	q, err := querier.New(querier.Config{Logger: log, Backends: backends})
	if err != nil {
		closeAll()
		return nil, err
	}
	cache, err := schema.NewCache(&schema.CacheConfig{Logger: log, Graphs: graphs, TTL: cfg.SchemaCacheTTL})
	if err != nil {
		return nil, errors.Join(err, q.Close())
	}
	return &Backends{Querier: q, Schemas: cache}, nil
}
