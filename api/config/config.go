// Package config loads the API configuration from the environment, an
// optional .env file and an optional YAML file describing the graphs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"

	defaultGraphID         = "default"
	defaultAnthropicModel  = "claude-sonnet-4-5"
	defaultClickHouseAddr  = "localhost:9000"
	defaultClickHouseDB    = "default"
	defaultSchemaCacheTTL  = 10 * time.Minute
	defaultConfirmationTTL = 15 * time.Minute
)

// Graph is one queryable database.
type Graph struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`      // postgres
	Schema      string `yaml:"schema"`   // postgres, defaults to public
	Addr        string `yaml:"addr"`     // clickhouse
	Database    string `yaml:"database"` // clickhouse
	Username    string `yaml:"username"` // clickhouse
	Password    string `yaml:"password"` // clickhouse
	Description string `yaml:"description"`
}

func (g *Graph) Validate() error {
	switch g.Driver {
	case DriverPostgres:
		if g.DSN == "" {
			return errors.New("dsn is required for postgres")
		}
	case DriverClickHouse:
		if g.Addr == "" {
			g.Addr = defaultClickHouseAddr
		}
		if g.Database == "" {
			g.Database = defaultClickHouseDB
		}
	case "":
		return errors.New("driver is required")
	default:
		return fmt.Errorf("unsupported driver %q", g.Driver)
	}
	return nil
}

type Config struct {
	AnthropicAPIKey string
	AnthropicModel  string

	Graphs map[string]*Graph

	MaxConcurrentRuns int
	ConfirmationTTL   time.Duration
	SchemaCacheTTL    time.Duration
	MinConfidence     int
}

func (c *Config) Validate() error {
	if c.AnthropicAPIKey == "" {
		return errors.New("ANTHROPIC_API_KEY is required")
	}
	if len(c.Graphs) == 0 {
		return errors.New("no graphs configured: set QW_DATABASE_URL, QW_CLICKHOUSE_ADDR or provide a config file")
	}
	for id, g := range c.Graphs {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("graph %q: %w", id, err)
		}
	}
	if c.AnthropicModel == "" {
		c.AnthropicModel = defaultAnthropicModel
	}
	if c.ConfirmationTTL <= 0 {
		c.ConfirmationTTL = defaultConfirmationTTL
	}
	if c.SchemaCacheTTL <= 0 {
		c.SchemaCacheTTL = defaultSchemaCacheTTL
	}
	return nil
}

type fileConfig struct {
	Graphs map[string]*Graph `yaml:"graphs"`
}

// Load reads .env (when present), the graph file at path (when non-empty)
// and the environment. A graph defined by QW_DATABASE_URL or
// QW_CLICKHOUSE_ADDR is added under QW_GRAPH_ID unless the file defines it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := &Config{
		AnthropicAPIKey: getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getenv("ANTHROPIC_MODEL"),
		Graphs:          make(map[string]*Graph),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		for id, g := range fc.Graphs {
			if g == nil {
				return nil, fmt.Errorf("graph %q is empty", id)
			}
			cfg.Graphs[strings.TrimSpace(id)] = g
		}
	}

	graphID := firstNonEmpty(getenv("QW_GRAPH_ID"), defaultGraphID)
	if _, ok := cfg.Graphs[graphID]; !ok {
		switch {
		case getenv("QW_DATABASE_URL") != "":
			cfg.Graphs[graphID] = &Graph{
				Driver:      DriverPostgres,
				DSN:         getenv("QW_DATABASE_URL"),
				Schema:      getenv("QW_DATABASE_SCHEMA"),
				Description: getenv("QW_GRAPH_DESCRIPTION"),
			}
		case getenv("QW_CLICKHOUSE_ADDR") != "":
			cfg.Graphs[graphID] = &Graph{
				Driver:      DriverClickHouse,
				Addr:        getenv("QW_CLICKHOUSE_ADDR"),
				Database:    getenv("CLICKHOUSE_DATABASE"),
				Username:    getenv("CLICKHOUSE_USERNAME"),
				Password:    getenv("CLICKHOUSE_PASSWORD"),
				Description: getenv("QW_GRAPH_DESCRIPTION"),
			}
		}
	}

	var err error
	if cfg.MaxConcurrentRuns, err = intEnv(getenv, "QW_MAX_CONCURRENT_RUNS"); err != nil {
		return nil, err
	}
	if cfg.MinConfidence, err = intEnv(getenv, "QW_MIN_CONFIDENCE"); err != nil {
		return nil, err
	}
	if cfg.ConfirmationTTL, err = durationEnv(getenv, "QW_CONFIRMATION_TTL"); err != nil {
		return nil, err
	}
	if cfg.SchemaCacheTTL, err = durationEnv(getenv, "QW_SCHEMA_CACHE_TTL"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func intEnv(getenv func(string) string, key string) (int, error) {
	v := getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(getenv func(string) string, key string) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
