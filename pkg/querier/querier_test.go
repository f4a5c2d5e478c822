package querier

import (
	"context"
	"errors"
	"math/big"
	"net/netip"
	"testing"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	executeFunc func(ctx context.Context, sql string) (pipeline.QueryResult, error)
	closeErr    error
	closed      bool
}

func (m *mockBackend) Execute(ctx context.Context, sql string) (pipeline.QueryResult, error) {
	return m.executeFunc(ctx, sql)
}

func (m *mockBackend) Close() error {
	m.closed = true
	return m.closeErr
}

func TestQuerier_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{Backends: map[string]Backend{"a": &mockBackend{}}}
	require.EqualError(t, cfg.Validate(), "logger is required")

	cfg = Config{Logger: logger}
	require.EqualError(t, cfg.Validate(), "at least one backend is required")

	cfg = Config{Logger: logger, Backends: map[string]Backend{"a": nil}}
	require.EqualError(t, cfg.Validate(), `backend for graph "a" is nil`)
}

func TestQuerier_Execute_RoutesByGraph(t *testing.T) {
	t.Parallel()

	var gotSQL string
	sales := &mockBackend{executeFunc: func(_ context.Context, sql string) (pipeline.QueryResult, error) {
		gotSQL = sql
		return pipeline.QueryResult{Columns: []string{"n"}, Rows: []map[string]any{{"n": 1}}, Count: 1}, nil
	}}
	hr := &mockBackend{executeFunc: func(context.Context, string) (pipeline.QueryResult, error) {
		t.Fatal("unexpected call to the hr backend")
		return pipeline.QueryResult{}, nil
	}}

	q, err := New(Config{Logger: logger, Backends: map[string]Backend{"sales": sales, "hr": hr}})
	require.NoError(t, err)
	assert.Equal(t, []string{"hr", "sales"}, q.Graphs())

	result, err := q.Execute(t.Context(), "sales", "SELECT 1 AS n")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 AS n", gotSQL)
	assert.Equal(t, 1, result.Count)
}

func TestQuerier_Execute_UnknownGraph(t *testing.T) {
	t.Parallel()

	q, err := New(Config{Logger: logger, Backends: map[string]Backend{"sales": &mockBackend{}}})
	require.NoError(t, err)

	_, err = q.Execute(t.Context(), "missing", "SELECT 1")
	require.ErrorIs(t, err, ErrUnknownGraph)
}

func TestQuerier_Execute_PropagatesBackendError(t *testing.T) {
	t.Parallel()

	boom := errors.New("relation \"nope\" does not exist")
	q, err := New(Config{Logger: logger, Backends: map[string]Backend{
		"sales": &mockBackend{executeFunc: func(context.Context, string) (pipeline.QueryResult, error) {
			return pipeline.QueryResult{}, boom
		}},
	}})
	require.NoError(t, err)

	_, err = q.Execute(t.Context(), "sales", "SELECT * FROM nope")
	require.ErrorIs(t, err, boom)
}

func TestQuerier_Close_JoinsErrors(t *testing.T) {
	t.Parallel()

	a := &mockBackend{}
	b := &mockBackend{closeErr: errors.New("already closed")}
	q, err := New(Config{Logger: logger, Backends: map[string]Backend{"a": a, "b": b}})
	require.NoError(t, err)

	err = q.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph b: already closed")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestQuerier_NormalizePostgresValue(t *testing.T) {
	t.Parallel()

	id := [16]byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bytes", []byte("abc"), "abc"},
		{"uuid", id, "12345678-9abc-def0-1234-56789abcdef0"},
		{"numeric", pgtype.Numeric{Int: big.NewInt(1250), Exp: -2, Valid: true}, 12.5},
		{"null numeric", pgtype.Numeric{}, nil},
		{"inet", netip.MustParsePrefix("10.0.0.0/8"), "10.0.0.0/8"},
		{"int", int64(7), int64(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePostgresValue(tt.in))
		})
	}
}

func TestQuerier_DerefValue(t *testing.T) {
	t.Parallel()

	s := "x"
	ps := &s
	var nilStr *string

	assert.Equal(t, "x", derefValue(&s))
	assert.Equal(t, "x", derefValue(&ps))
	assert.Nil(t, derefValue(&nilStr))
	assert.Equal(t, "raw", derefValue(&[]byte{'r', 'a', 'w'}))
}
