package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyOperation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM orders", "SELECT"},
		{"  select 1", "SELECT"},
		{"-- remove stale rows\nDELETE FROM orders", "DELETE"},
		{"/* cleanup */ DROP TABLE orders", "DROP"},
		{"WITH stale AS (SELECT id FROM orders) DELETE FROM orders WHERE id IN (SELECT id FROM stale)", "DELETE"},
		{"WITH totals AS (SELECT 1) SELECT * FROM totals", "WITH"},
		{"truncate orders;", "TRUNCATE"},
		{"", ""},
		{"-- only a comment", ""},
		{"SELECT 1; DELETE FROM orders", "DELETE"},
		{"SELECT 1;\n-- cleanup\nUPDATE orders SET user_id = 2; DROP TABLE users", "DROP"},
		{"SELECT 'a; DELETE FROM orders' AS note", "SELECT"},
		{"SELECT $$; DROP TABLE orders$$", "SELECT"},
		{"EXPLAIN ANALYZE DELETE FROM orders", "DELETE"},
		{"EXPLAIN (ANALYZE, BUFFERS) UPDATE orders SET user_id = 2", "UPDATE"},
		{"EXPLAIN SELECT * FROM orders", "SELECT"},
		{"SELECT * INTO orders_copy FROM orders", "SELECT INTO"},
		{"WITH recent AS (SELECT 1) SELECT * INTO recent_copy FROM recent", "SELECT INTO"},
		{"SELECT 'into' FROM orders", "SELECT"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyOperation(tt.sql), tt.sql)
	}
}

func TestIsDestructive(t *testing.T) {
	t.Parallel()

	for _, op := range []string{"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER", "TRUNCATE", "MERGE", "REPLACE", "GRANT", "REVOKE", "RENAME", "SELECT INTO"} {
		assert.True(t, IsDestructive(op), op)
	}
	for _, op := range []string{"SELECT", "WITH", "SHOW", "EXPLAIN", ""} {
		assert.False(t, IsDestructive(op), op)
	}

	assert.True(t, IsSchemaModifying("ALTER"))
	assert.True(t, IsSchemaModifying("drop"))
	assert.True(t, IsSchemaModifying("SELECT INTO"))
	assert.False(t, IsSchemaModifying("DELETE"))
	assert.False(t, IsSchemaModifying("SELECT"))
}

func TestGateStage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("read only proceeds", func(t *testing.T) {
		t.Parallel()
		st := State{Generation: &Generation{SQL: "SELECT 1", Valid: true}}
		out, err := gateStage{}.Run(ctx, &Request{}, st)
		require.NoError(t, err)
		assert.Equal(t, Proceed, out.Verdict)
		assert.Empty(t, out.Events)
	})

	t.Run("destructive suspends", func(t *testing.T) {
		t.Parallel()
		st := State{Generation: &Generation{SQL: "UPDATE orders SET user_id = 2", Valid: true}}
		out, err := gateStage{}.Run(ctx, &Request{}, st)
		require.NoError(t, err)
		assert.Equal(t, Suspend, out.Verdict)
		require.Len(t, out.Events, 1)

		ev := out.Events[0]
		assert.Equal(t, EventDestructiveConfirmation, ev.Type)
		assert.Equal(t, "UPDATE", ev.OperationType)
		assert.Equal(t, "UPDATE orders SET user_id = 2", ev.SQLQuery)
		assert.Contains(t, ev.Message, "Modify existing data in the database")
		assert.Contains(t, ev.Message, "WARNING")
		assert.Zero(t, countType(out.Events, EventFinalResult))
	})

	t.Run("hidden mutations suspend", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			sql string
			op  string
		}{
			{"SELECT 1; DELETE FROM orders", "DELETE"},
			{"EXPLAIN ANALYZE DELETE FROM orders", "DELETE"},
			{"SELECT * INTO orders_copy FROM orders", "SELECT INTO"},
		}
		for _, tt := range tests {
			st := State{Generation: &Generation{SQL: tt.sql, Valid: true}}
			out, err := gateStage{}.Run(ctx, &Request{}, st)
			require.NoError(t, err)
			assert.Equal(t, Suspend, out.Verdict, tt.sql)
			require.Len(t, out.Events, 1, tt.sql)
			assert.Equal(t, tt.op, out.Events[0].OperationType, tt.sql)
			assert.Equal(t, tt.sql, out.Events[0].SQLQuery)
		}
	})
}

func TestStripComments(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SELECT 1", stripComments("-- head\nSELECT 1 -- tail"))
	assert.Equal(t, "SELECT   1", stripComments("/* a */SELECT /* b */ 1"))
	assert.Equal(t, "", stripComments("/* unterminated"))
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"SELECT 1", "DELETE FROM orders"}, splitStatements("SELECT 1; DELETE FROM orders;"))
	assert.Equal(t, []string{"SELECT '' FROM t", `SELECT "" FROM u`}, splitStatements(`SELECT 'it''s; x' FROM t; SELECT "a;b" FROM u`))
	assert.Equal(t, []string{"SELECT ''"}, splitStatements("SELECT $fn$ ; $fn$ -- ; trailing"))
	assert.Equal(t, []string{"SELECT ''"}, splitStatements(`SELECT 'a\'; b'`))
	assert.Empty(t, splitStatements(" ; /* ; */ ;"))
}
