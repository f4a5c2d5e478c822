package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
)

const maxSampleValues = 15

// ClickHouseSource loads tables from system.columns and system.tables.
// ClickHouse has no foreign keys, so the resulting graph has no edges.
type ClickHouseSource struct {
	log      *slog.Logger
	conn     driver.Conn
	database string
}

func NewClickHouseSource(log *slog.Logger, conn driver.Conn, database string) *ClickHouseSource {
	if database == "" {
		database = "default"
	}
	return &ClickHouseSource{log: log, conn: conn, database: database}
}

func (s *ClickHouseSource) LoadTables(ctx context.Context) ([]pipeline.Table, error) {
	tables, err := s.fetchTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tables: %w", err)
	}
	if err := s.fetchColumns(ctx, tables); err != nil {
		return nil, fmt.Errorf("failed to fetch columns: %w", err)
	}
	s.enrichWithSampleValues(ctx, tables)
	return tables.list(), nil
}

func (s *ClickHouseSource) fetchTables(ctx context.Context) (*tableSet, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT name, comment, engine, as_select
		FROM system.tables
		WHERE database = ?
		  AND name NOT LIKE 'stg_%'
		ORDER BY name
	`, s.database)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := newTableSet()
	for rows.Next() {
		var name, comment, engine, asSelect string
		if err := rows.Scan(&name, &comment, &engine, &asSelect); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		desc := comment
		if engine == "View" && asSelect != "" {
			desc = strings.TrimSpace(comment + " (VIEW) Definition: " + asSelect)
		}
		tables.add(pipeline.Table{Name: name, Description: desc})
	}
	return tables, rows.Err()
}

func (s *ClickHouseSource) fetchColumns(ctx context.Context, tables *tableSet) error {
	rows, err := s.conn.Query(ctx, `
		SELECT table, name, type, comment, is_in_primary_key
		FROM system.columns
		WHERE database = ?
		  AND table NOT LIKE 'stg_%'
		ORDER BY table, position
	`, s.database)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table string
			col   pipeline.Column
			pk    uint8
		)
		if err := rows.Scan(&table, &col.Name, &col.Type, &col.Description, &pk); err != nil {
			return fmt.Errorf("failed to scan column row: %w", err)
		}
		col.Nullable = strings.HasPrefix(col.Type, "Nullable(")
		if pk == 1 {
			col.KeyType = "PRI"
		}
		tables.addColumn(table, col)
	}
	return rows.Err()
}

// enrichWithSampleValues appends the distinct values of low-cardinality
// categorical columns to their descriptions. Failures only cost the samples.
func (s *ClickHouseSource) enrichWithSampleValues(ctx context.Context, tables *tableSet) {
	for _, name := range tables.order {
		t := tables.byName[name]
		for i := range t.Columns {
			col := &t.Columns[i]
			if !isCategoricalType(col.Type) || shouldSkipColumn(col.Name) {
				continue
			}
			samples, err := s.fetchColumnSamples(ctx, t.Name, col.Name)
			if err != nil {
				s.log.Debug("schema: sample values unavailable", "table", t.Name, "column", col.Name, "error", err)
				continue
			}
			if len(samples) == 0 || len(samples) > maxSampleValues {
				continue
			}
			col.Description = withSamples(col.Description, samples)
		}
	}
}

// fetchColumnSamples returns up to 20 distinct values so that high
// cardinality columns can be told apart from categorical ones.
func (s *ClickHouseSource) fetchColumnSamples(ctx context.Context, table, column string) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT DISTINCT toString(%[1]s) AS v FROM %[2]s WHERE %[1]s IS NOT NULL AND toString(%[1]s) != '' LIMIT 20",
		quoteIdentifier(column), quoteIdentifier(table),
	)
	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		samples = append(samples, v)
	}
	return samples, rows.Err()
}

func withSamples(desc string, samples []string) string {
	values := "values: " + strings.Join(samples, ", ")
	if desc == "" {
		return values
	}
	return desc + "; " + values
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// isCategoricalType reports whether a column type is worth sampling.
func isCategoricalType(colType string) bool {
	t := strings.ToLower(colType)
	if strings.Contains(t, "enum") {
		return true
	}
	if strings.Contains(t, "lowcardinality") && strings.Contains(t, "string") {
		return true
	}
	return t == "string" || t == "nullable(string)"
}

// shouldSkipColumn reports whether a column name suggests identifiers,
// timestamps or free text.
func shouldSkipColumn(colName string) bool {
	name := strings.ToLower(colName)
	for _, suffix := range []string{"_id", "_key", "_code", "_at", "_time", "_timestamp", "_date", "_hash", "_address"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	for _, prefix := range []string{"id_", "uuid_"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	switch name {
	case "id", "uuid", "name", "description", "comment", "message", "error", "reason":
		return true
	}
	return false
}
