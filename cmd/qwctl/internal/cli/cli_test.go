package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/FalkorDB/QueryWeaver/agent/pkg/stream"
	"github.com/FalkorDB/QueryWeaver/api/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves canned event streams and records the requests it saw.
type fakeAPI struct {
	mu       sync.Mutex
	asks     []handlers.QueryRequest
	confirms []handlers.ConfirmRequest
	sessions []string

	askEvents     []pipeline.Event
	confirmEvents []pipeline.Event
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /graphs/{graph}", func(w http.ResponseWriter, r *http.Request) {
		var req handlers.QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.asks = append(f.asks, req)
		f.sessions = append(f.sessions, r.Header.Get(handlers.SessionHeader))
		f.mu.Unlock()
		writeEvents(t, w, f.askEvents)
	})
	mux.HandleFunc("POST /graphs/{graph}/confirm", func(w http.ResponseWriter, r *http.Request) {
		var req handlers.ConfirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.confirms = append(f.confirms, req)
		f.mu.Unlock()
		writeEvents(t, w, f.confirmEvents)
	})
	mux.HandleFunc("POST /graphs/{graph}/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("graph") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown graph"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(handlers.RefreshResponse{Success: true, Message: "Schema refreshed"})
	})
	mux.HandleFunc("DELETE /sessions/{session}/run", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(handlers.ResetResponse{Reset: r.PathValue("session") == "s1"})
	})
	return mux
}

func writeEvents(t *testing.T, w http.ResponseWriter, events []pipeline.Event) {
	w.Header().Set("Content-Type", stream.ContentType)
	w.WriteHeader(http.StatusOK)
	enc := stream.NewEncoder(w)
	for _, ev := range events {
		require.NoError(t, enc.Encode(ev))
	}
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	client, err := NewClient(ClientConfig{Logger: logger, BaseURL: srv.URL + "/", SessionID: "s1"})
	require.NoError(t, err)
	return client
}

func destructiveConfirmation() pipeline.Event {
	return pipeline.Event{
		Type:           pipeline.EventDestructiveConfirmation,
		Message:        "This will delete rows",
		SQLQuery:       "DELETE FROM users WHERE id = 1",
		OperationType:  "DELETE",
		ConfirmationID: "tok-1",
	}
}

func TestQWCtl_ClientConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := ClientConfig{BaseURL: "http://localhost"}
	require.ErrorContains(t, cfg.Validate(), "logger is required")

	cfg = ClientConfig{Logger: logger}
	require.ErrorContains(t, cfg.Validate(), "base url is required")

	cfg = ClientConfig{Logger: logger, BaseURL: "http://localhost"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, http.DefaultClient, cfg.HTTPClient)
}

func TestQWCtl_Ask_StreamsAnswer(t *testing.T) {
	t.Parallel()

	valid := true
	conf := 90
	api := &fakeAPI{askEvents: []pipeline.Event{
		pipeline.ReasoningStep("Step 1: Analyzing user query"),
		{Type: pipeline.EventFinalResult, Message: "counts users", Conf: &conf, IsValid: &valid, Data: "SELECT count(*) AS n FROM users", Exp: "- users"},
		pipeline.QueryResultEvent(pipeline.QueryResult{Columns: []string{"n"}, Rows: []map[string]any{{"n": int64(3)}}}),
		pipeline.AIResponse("There are 3 users."),
	}}
	client := newTestClient(t, api)

	var out bytes.Buffer
	err := ask(t.Context(), client, askOptions{
		Graph:    "shop",
		Question: "how many users?",
		History:  []string{"hi"},
		Out:      &out,
	})
	require.NoError(t, err)

	require.Len(t, api.asks, 1)
	assert.Equal(t, []string{"hi", "how many users?"}, api.asks[0].Chat)
	assert.Equal(t, "s1", api.sessions[0])
	assert.Empty(t, api.confirms)

	text := out.String()
	assert.Contains(t, text, "… Step 1: Analyzing user query")
	assert.Contains(t, text, "SELECT count(*) AS n FROM users")
	assert.Contains(t, text, "Confidence: 90%")
	assert.Contains(t, text, "Tables:\n  - users")
	assert.Contains(t, text, "1 row(s)")
	assert.Contains(t, text, "There are 3 users.")
}

func TestQWCtl_Ask_ErrorEventFails(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{askEvents: []pipeline.Event{pipeline.ErrorEvent("Error executing SQL query: boom")}}
	client := newTestClient(t, api)

	var out bytes.Buffer
	err := ask(t.Context(), client, askOptions{Graph: "shop", Question: "q", Out: &out})
	require.ErrorIs(t, err, errRunFailed)
	assert.Contains(t, out.String(), "error: Error executing SQL query: boom")
}

func TestQWCtl_Ask_PromptsForConfirmation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		auto     bool
		expected string
	}{
		{name: "typed confirm", input: "confirm\n", expected: "CONFIRM"},
		{name: "typed cancel", input: "CANCEL\n", expected: "CANCEL"},
		{name: "anything else cancels", input: "maybe\n", expected: "CANCEL"},
		{name: "end of input cancels", input: "", expected: "CANCEL"},
		{name: "auto confirm skips the prompt", auto: true, expected: "CONFIRM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := &fakeAPI{
				askEvents:     []pipeline.Event{destructiveConfirmation()},
				confirmEvents: []pipeline.Event{pipeline.OperationCancelled()},
			}
			client := newTestClient(t, api)

			var out bytes.Buffer
			err := ask(t.Context(), client, askOptions{
				Graph:       "shop",
				Question:    "delete user 1",
				AutoConfirm: tt.auto,
				In:          strings.NewReader(tt.input),
				Out:         &out,
			})
			require.NoError(t, err)

			require.Len(t, api.confirms, 1)
			got := api.confirms[0]
			assert.Equal(t, tt.expected, got.Confirmation)
			assert.Equal(t, "tok-1", got.ConfirmationID)
			assert.Equal(t, "DELETE FROM users WHERE id = 1", got.SQLQuery)
			assert.Equal(t, []string{"delete user 1"}, got.Chat)
			assert.Equal(t, !tt.auto, strings.Contains(out.String(), "Type CONFIRM"))
		})
	}
}

func TestQWCtl_Commands(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{confirmEvents: []pipeline.Event{pipeline.AIResponse("Deleted 1 row.")}}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	run := func(args ...string) (string, error) {
		cmd := NewRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
		err := cmd.ExecuteContext(t.Context())
		return out.String(), err
	}

	t.Run("refresh", func(t *testing.T) {
		out, err := run("refresh", "shop")
		require.NoError(t, err)
		assert.Contains(t, out, "Schema refreshed")
	})

	t.Run("refresh unknown graph", func(t *testing.T) {
		_, err := run("refresh", "missing")
		require.ErrorContains(t, err, "server returned 404: unknown graph")
	})

	t.Run("reset", func(t *testing.T) {
		out, err := run("reset", "s1")
		require.NoError(t, err)
		assert.Contains(t, out, "session reset")

		out, err = run("reset", "s2")
		require.NoError(t, err)
		assert.Contains(t, out, "nothing to reset")
	})

	t.Run("confirm requires sql", func(t *testing.T) {
		_, err := run("confirm", "shop", "--id", "tok-1")
		require.ErrorContains(t, err, "--sql is required")
	})

	t.Run("confirm", func(t *testing.T) {
		out, err := run("confirm", "shop", "--id", "tok-1", "--sql", "DELETE FROM users")
		require.NoError(t, err)
		assert.Contains(t, out, "Deleted 1 row.")

		api.mu.Lock()
		defer api.mu.Unlock()
		require.NotEmpty(t, api.confirms)
		last := api.confirms[len(api.confirms)-1]
		assert.Equal(t, "CONFIRM", last.Confirmation)
		assert.Equal(t, "tok-1", last.ConfirmationID)
	})
}
