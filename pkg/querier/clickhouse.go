package querier

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
)

// ClickHouse executes statements over a native ClickHouse connection.
type ClickHouse struct {
	conn driver.Conn
}

func NewClickHouse(conn driver.Conn) *ClickHouse {
	return &ClickHouse{conn: conn}
}

// Execute runs destructive statements with Exec, since ClickHouse returns no
// rows or affected counts for them, and everything else as a query.
func (c *ClickHouse) Execute(ctx context.Context, sql string) (pipeline.QueryResult, error) {
	if op := pipeline.ClassifyOperation(sql); pipeline.IsDestructive(op) {
		if err := c.conn.Exec(ctx, sql); err != nil {
			return pipeline.QueryResult{}, fmt.Errorf("failed to execute statement: %w", err)
		}
		return pipeline.QueryResult{Operation: op}, nil
	}

	rows, err := c.conn.Query(ctx, sql)
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	colTypes := rows.ColumnTypes()
	columns := make([]string, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = ct.Name()
	}

	var resultRows []map[string]any
	for rows.Next() {
		dest := make([]any, len(colTypes))
		for i, ct := range colTypes {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return pipeline.QueryResult{}, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = derefValue(dest[i])
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("error iterating rows: %w", err)
	}

	return pipeline.QueryResult{
		Columns: columns,
		Rows:    resultRows,
		Count:   len(resultRows),
	}, nil
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

// derefValue unwraps the scan destination, returning nil for NULLs of
// Nullable columns.
func derefValue(ptr any) any {
	v := reflect.ValueOf(ptr)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch val := v.Interface().(type) {
	case []byte:
		return string(val)
	default:
		return val
	}
}
