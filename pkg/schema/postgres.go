package schema

import (
	"context"
	"fmt"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresSchema = "public"

// PostgresSource loads tables, column comments, primary keys and foreign
// keys from information_schema.
type PostgresSource struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresSource reads the given schema, "public" when empty.
func NewPostgresSource(pool *pgxpool.Pool, schema string) *PostgresSource {
	if schema == "" {
		schema = defaultPostgresSchema
	}
	return &PostgresSource{pool: pool, schema: schema}
}

func (s *PostgresSource) LoadTables(ctx context.Context) ([]pipeline.Table, error) {
	tables, err := s.fetchTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tables: %w", err)
	}
	if err := s.fetchColumns(ctx, tables); err != nil {
		return nil, fmt.Errorf("failed to fetch columns: %w", err)
	}
	if err := s.fetchForeignKeys(ctx, tables); err != nil {
		return nil, fmt.Errorf("failed to fetch foreign keys: %w", err)
	}
	return tables.list(), nil
}

func (s *PostgresSource) fetchTables(ctx context.Context) (*tableSet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			t.table_name::text,
			COALESCE(obj_description(format('%I.%I', t.table_schema, t.table_name)::regclass, 'pg_class'), '')
		FROM information_schema.tables t
		WHERE t.table_schema = $1
		  AND t.table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY t.table_name
	`, s.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := newTableSet()
	for rows.Next() {
		var name, comment string
		if err := rows.Scan(&name, &comment); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		tables.add(pipeline.Table{Name: name, Description: comment})
	}
	return tables, rows.Err()
}

func (s *PostgresSource) fetchColumns(ctx context.Context, tables *tableSet) error {
	rows, err := s.pool.Query(ctx, `
		SELECT
			c.table_name::text,
			c.column_name::text,
			c.data_type::text,
			c.is_nullable = 'YES',
			COALESCE(col_description(format('%I.%I', c.table_schema, c.table_name)::regclass, c.ordinal_position::int), ''),
			EXISTS (
				SELECT 1
				FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
				  ON tc.constraint_name = kcu.constraint_name
				 AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
				  AND tc.table_schema = c.table_schema
				  AND tc.table_name = c.table_name
				  AND kcu.column_name = c.column_name
			)
		FROM information_schema.columns c
		WHERE c.table_schema = $1
		ORDER BY c.table_name, c.ordinal_position
	`, s.schema)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table string
			col   pipeline.Column
			pk    bool
		)
		if err := rows.Scan(&table, &col.Name, &col.Type, &col.Nullable, &col.Description, &pk); err != nil {
			return fmt.Errorf("failed to scan column row: %w", err)
		}
		if pk {
			col.KeyType = "PRI"
		}
		tables.addColumn(table, col)
	}
	return rows.Err()
}

func (s *PostgresSource) fetchForeignKeys(ctx context.Context, tables *tableSet) error {
	rows, err := s.pool.Query(ctx, `
		SELECT
			tc.table_name::text,
			tc.constraint_name::text,
			kcu.column_name::text,
			ccu.table_name::text,
			ccu.column_name::text
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name
		 AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1
		ORDER BY tc.table_name, tc.constraint_name, kcu.ordinal_position
	`, s.schema)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var table string
		var fk pipeline.ForeignKey
		if err := rows.Scan(&table, &fk.Name, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return fmt.Errorf("failed to scan foreign key row: %w", err)
		}
		tables.addForeignKey(table, fk)
	}
	return rows.Err()
}
