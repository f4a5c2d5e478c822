package querier

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres executes statements through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Execute runs sql with the simple protocol so that utility statements and
// multi-statement scripts are accepted as written. Statements that return no
// columns are reported as an operation with their affected row count.
func (p *Postgres) Execute(ctx context.Context, sql string) (pipeline.QueryResult, error) {
	rows, err := p.pool.Query(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var (
		columns    []string
		resultRows []map[string]any
	)
	for rows.Next() {
		if columns == nil {
			columns = fieldNames(rows.FieldDescriptions())
		}
		values, err := rows.Values()
		if err != nil {
			return pipeline.QueryResult{}, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizePostgresValue(values[i])
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("error iterating rows: %w", err)
	}
	if columns == nil {
		columns = fieldNames(rows.FieldDescriptions())
	}

	if len(columns) == 0 {
		return operationResult(sql, rows.CommandTag()), nil
	}
	return pipeline.QueryResult{
		Columns: columns,
		Rows:    resultRows,
		Count:   len(resultRows),
	}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func operationResult(sql string, tag pgconn.CommandTag) pipeline.QueryResult {
	op := pipeline.ClassifyOperation(sql)
	if op == "" {
		op = tag.String()
	}
	return pipeline.QueryResult{
		Operation:    op,
		AffectedRows: tag.RowsAffected(),
	}
}

func fieldNames(fields []pgconn.FieldDescription) []string {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// normalizePostgresValue converts pgx's decoded values into plain values
// that render and marshal naturally.
func normalizePostgresValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case netip.Prefix:
		return val.String()
	case netip.Addr:
		return val.String()
	case pgtype.Interval:
		if !val.Valid {
			return nil
		}
		return fmt.Sprintf("%d months %d days %d us", val.Months, val.Days, val.Microseconds)
	default:
		return val
	}
}
