package querier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestQuerier_Postgres_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := t.Context()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := OpenPostgres(ctx, logger, dsn)
	require.NoError(t, err)
	pg := NewPostgres(pool)
	t.Cleanup(func() { _ = pg.Close() })

	result, err := pg.Execute(ctx, "CREATE TABLE users (id SERIAL PRIMARY KEY, name TEXT NOT NULL, balance NUMERIC(10,2))")
	require.NoError(t, err)
	assert.Equal(t, "CREATE", result.Operation)

	result, err = pg.Execute(ctx, "INSERT INTO users (name, balance) VALUES ('ada', 12.50), ('grace', NULL)")
	require.NoError(t, err)
	assert.Equal(t, "INSERT", result.Operation)
	assert.EqualValues(t, 2, result.AffectedRows)

	result, err = pg.Execute(ctx, "SELECT name, balance FROM users ORDER BY id")
	require.NoError(t, err)
	assert.Empty(t, result.Operation)
	assert.Equal(t, []string{"name", "balance"}, result.Columns)
	require.Equal(t, 2, result.Count)
	assert.Equal(t, "ada", result.Rows[0]["name"])
	assert.Equal(t, 12.5, result.Rows[0]["balance"])
	assert.Nil(t, result.Rows[1]["balance"])

	result, err = pg.Execute(ctx, "SELECT name FROM users WHERE false")
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, result.Columns)
	assert.Zero(t, result.Count)

	result, err = pg.Execute(ctx, "DELETE FROM users WHERE name = 'grace'")
	require.NoError(t, err)
	assert.Equal(t, "DELETE", result.Operation)
	assert.EqualValues(t, 1, result.AffectedRows)

	_, err = pg.Execute(ctx, "SELECT * FROM missing_table")
	require.Error(t, err)
}

func TestQuerier_ClickHouse_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := t.Context()

	container, err := tcch.Run(ctx, "clickhouse/clickhouse-server:latest",
		tcch.WithDatabase("test"),
		tcch.WithUsername("default"),
		tcch.WithPassword("password"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup ClickHouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)

	conn, err := OpenClickHouse(ctx, logger, ClickHouseOptions{
		Addr:     host + ":" + port.Port(),
		Database: "test",
		Username: "default",
		Password: "password",
	})
	require.NoError(t, err)
	ch := NewClickHouse(conn)
	t.Cleanup(func() { _ = ch.Close() })

	result, err := ch.Execute(ctx, "CREATE TABLE events (id UInt64, kind LowCardinality(String), note Nullable(String)) ENGINE = MergeTree ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, "CREATE", result.Operation)

	result, err = ch.Execute(ctx, "INSERT INTO events VALUES (1, 'click', NULL), (2, 'view', 'first')")
	require.NoError(t, err)
	assert.Equal(t, "INSERT", result.Operation)

	result, err = ch.Execute(ctx, "SELECT id, kind, note FROM events ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "kind", "note"}, result.Columns)
	require.Equal(t, 2, result.Count)
	assert.Equal(t, uint64(1), result.Rows[0]["id"])
	assert.Equal(t, "click", result.Rows[0]["kind"])
	assert.Nil(t, result.Rows[0]["note"])
	assert.Equal(t, "first", result.Rows[1]["note"])
}
