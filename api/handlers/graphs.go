package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/FalkorDB/QueryWeaver/agent/pkg/stream"
	"github.com/go-chi/chi/v5"
)

const (
	SessionHeader = "X-Session-ID"

	maxGraphIDLen  = 100
	maxLoggedQuery = 500
	maxBodyBytes   = 1 << 20
)

// Runner starts pipeline runs. It is implemented by *pipeline.Pipeline.
type Runner interface {
	Ask(ctx context.Context, req pipeline.Request) (*pipeline.Run, error)
	Confirm(ctx context.Context, reply pipeline.ConfirmRequest) (*pipeline.Run, error)
	Reset(sessionID string) bool
}

// Schemas is the per-graph schema cache.
type Schemas interface {
	pipeline.SchemaFetcher
	pipeline.SchemaInvalidator
	Has(graphID string) bool
	Graphs() []string
}

type Config struct {
	Logger  *slog.Logger
	Runner  Runner
	Schemas Schemas
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.Schemas == nil {
		return errors.New("schemas are required")
	}
	return nil
}

// Handler serves the graph query API.
type Handler struct {
	log     *slog.Logger
	runner  Runner
	schemas Schemas
}

func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{
		log:     cfg.Logger,
		runner:  cfg.Runner,
		schemas: cfg.Schemas,
	}, nil
}

// Register adds the API routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/graphs", h.ListGraphs)
	r.Post("/graphs/{graph}", h.QueryGraph)
	r.Post("/graphs/{graph}/confirm", h.ConfirmOperation)
	r.Post("/graphs/{graph}/refresh", h.RefreshSchema)
	r.Delete("/sessions/{session}/run", h.ResetSession)
}

// QueryRequest is the body of a question. The last chat entry is the
// question; earlier entries and result are the conversation so far.
type QueryRequest struct {
	Chat         []string `json:"chat"`
	Result       []string `json:"result"`
	Instructions string   `json:"instructions"`
}

// ConfirmRequest is the reply to a destructive_confirmation event.
type ConfirmRequest struct {
	Confirmation   string   `json:"confirmation"`
	SQLQuery       string   `json:"sql_query"`
	ConfirmationID string   `json:"confirmation_id"`
	Chat           []string `json:"chat"`
}

type RefreshResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ResetResponse struct {
	Reset bool `json:"reset"`
}

func (h *Handler) ListGraphs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.schemas.Graphs())
}

func (h *Handler) QueryGraph(w http.ResponseWriter, r *http.Request) {
	graphID, ok := h.graphID(w, r)
	if !ok {
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON data")
		return
	}
	if len(req.Chat) == 0 {
		h.writeError(w, http.StatusBadRequest, "Empty chat history")
		return
	}
	question := req.Chat[len(req.Chat)-1]
	if strings.TrimSpace(question) == "" {
		h.writeError(w, http.StatusBadRequest, "Empty question")
		return
	}

	session := sessionID(r)
	h.log.Info("handlers: user query", "graph", graphID, "session", session, "query", sanitizeQuery(question))

	run, err := h.runner.Ask(r.Context(), pipeline.Request{
		SessionID:       session,
		SchemaID:        graphID,
		Question:        question,
		QuestionHistory: req.Chat[:len(req.Chat)-1],
		ResultHistory:   req.Result,
		Instructions:    req.Instructions,
	})
	if err != nil {
		h.runError(w, err)
		return
	}
	h.streamRun(w, run)
}

func (h *Handler) ConfirmOperation(w http.ResponseWriter, r *http.Request) {
	graphID, ok := h.graphID(w, r)
	if !ok {
		return
	}

	var req ConfirmRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON data")
		return
	}
	decision, err := pipeline.ParseDecision(req.Confirmation)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SQLQuery) == "" {
		h.writeError(w, http.StatusBadRequest, "No SQL query provided")
		return
	}

	session := sessionID(r)
	h.log.Info("handlers: confirmation received", "graph", graphID, "session", session, "decision", decision)

	run, err := h.runner.Confirm(r.Context(), pipeline.ConfirmRequest{
		SessionID:       session,
		SchemaID:        graphID,
		Token:           req.ConfirmationID,
		Decision:        decision,
		Statement:       req.SQLQuery,
		QuestionHistory: req.Chat,
	})
	if err != nil {
		h.runError(w, err)
		return
	}
	h.streamRun(w, run)
}

func (h *Handler) RefreshSchema(w http.ResponseWriter, r *http.Request) {
	graphID, ok := h.graphID(w, r)
	if !ok {
		return
	}

	h.schemas.Invalidate(graphID)
	schema, err := h.schemas.FetchSchema(r.Context(), graphID)
	if err != nil {
		h.log.Error("handlers: schema refresh failed", "graph", graphID, "error", err)
		h.writeJSON(w, http.StatusInternalServerError, RefreshResponse{Error: "Failed to refresh schema"})
		return
	}
	h.writeJSON(w, http.StatusOK, RefreshResponse{
		Success: true,
		Message: fmt.Sprintf("Graph schema refreshed successfully. Loaded %d tables.", len(schema.Tables)),
	})
}

func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	session := strings.TrimSpace(chi.URLParam(r, "session"))
	if session == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid session")
		return
	}
	h.writeJSON(w, http.StatusOK, ResetResponse{Reset: h.runner.Reset(session)})
}

// streamRun writes the run's events as they are produced. The run is
// cancelled when the client goes away, through the request context, or when
// a write fails.
func (h *Handler) streamRun(w http.ResponseWriter, run *pipeline.Run) {
	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(SessionHeader, run.SessionID)
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	for {
		ev, ok := run.Next()
		if !ok {
			return
		}
		if err := enc.Encode(ev); err != nil {
			h.log.Warn("handlers: stream write failed, cancelling run", "session", run.SessionID, "error", err)
			run.Cancel()
			return
		}
	}
}

// graphID validates the path's graph id and writes the error response when
// it is not usable.
func (h *Handler) graphID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := truncateRunes(strings.TrimSpace(chi.URLParam(r, "graph")), maxGraphIDLen)
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid graph_id")
		return "", false
	}
	if !h.schemas.Has(id) {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("Graph %q not found", id))
		return "", false
	}
	return id, true
}

func (h *Handler) runError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrClosed) {
		h.writeError(w, http.StatusServiceUnavailable, "Service is shutting down")
		return
	}
	h.writeError(w, http.StatusBadRequest, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("handlers: failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func sessionID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(SessionHeader))
}

// sanitizeQuery flattens and truncates a question for logging.
func sanitizeQuery(q string) string {
	q = strings.NewReplacer("\n", " ", "\r", " ").Replace(q)
	return truncateRunes(q, maxLoggedQuery)
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
