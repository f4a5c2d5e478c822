package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// respondStage executes the statement and summarizes the result.
type respondStage struct {
	llm     LLMClient
	prompt  string
	exec    Executor
	schemas SchemaFetcher
	log     *slog.Logger
	maxRows int
}

func (s *respondStage) Name() string { return "formatting" }

func (s *respondStage) Run(ctx context.Context, req *Request, st State) (Outcome, error) {
	if st.Generation == nil || st.Generation.SQL == "" {
		return stop(st), nil
	}
	sql := st.Generation.SQL
	if st.Operation == "" {
		st.Operation = ClassifyOperation(sql)
	}

	events := []Event{ReasoningStep("Executing SQL query")}

	result, err := s.exec.Execute(ctx, req.SchemaID, sql)
	if err != nil {
		return Outcome{Events: events, Verdict: Stop, State: st},
			&StageError{Stage: s.Name(), Kind: ErrExecutionFailure, Err: err}
	}
	result.SQL = sql
	if IsDestructive(st.Operation) && result.Operation == "" && len(result.Columns) == 0 {
		result.Operation = st.Operation
	}
	st.Result = &result
	events = append(events, QueryResultEvent(result))

	if IsSchemaModifying(st.Operation) {
		events = append(events, ReasoningStep("Schema change detected - refreshing graph..."))
		events = append(events, s.refreshSchema(ctx, req.SchemaID, st.Operation))
	}

	events = append(events, ReasoningStep("Generating user-friendly response"))

	summary, err := s.summarize(ctx, req, st)
	if err != nil {
		// The executed statement's events still reach the caller ahead of the error.
		return Outcome{Events: events, Verdict: Stop, State: st},
			&StageError{Stage: s.Name(), Kind: ErrClassificationFailure, Err: err}
	}
	events = append(events, AIResponse(summary))

	return proceed(st, events...), nil
}

// refreshSchema drops the cached schema after a structural change and
// reloads it so the next question sees the new structure.
func (s *respondStage) refreshSchema(ctx context.Context, schemaID, op string) Event {
	if inv, ok := s.schemas.(SchemaInvalidator); ok {
		inv.Invalidate(schemaID)
	}
	if _, err := s.schemas.FetchSchema(ctx, schemaID); err != nil {
		s.log.Warn("pipeline: schema refresh failed", "schema", schemaID, "error", err)
		return Event{
			Type:          EventSchemaRefresh,
			Message:       fmt.Sprintf("⚠️ Schema was modified but the schema refresh failed: %v", err),
			RefreshStatus: "failed",
		}
	}
	s.log.Info("pipeline: schema refreshed", "schema", schemaID, "operation", op)
	return Event{
		Type:          EventSchemaRefresh,
		Message:       fmt.Sprintf("✅ Schema change detected (%s operation)\n\n🔄 Schema has been refreshed with the latest database structure.", op),
		RefreshStatus: "success",
	}
}

func (s *respondStage) summarize(ctx context.Context, req *Request, st State) (string, error) {
	var userPrompt strings.Builder
	if st.Schema != nil && st.Schema.Description != "" {
		fmt.Fprintf(&userPrompt, "Database description:\n%s\n\n", st.Schema.Description)
	}
	question := st.Question
	if question == "" {
		question = "Destructive operation"
	}
	fmt.Fprintf(&userPrompt, "User question: %s\n\n", question)
	fmt.Fprintf(&userPrompt, "SQL query:\n%s\n\n", st.Result.SQL)
	fmt.Fprintf(&userPrompt, "Query results:\n%s", FormatQueryResult(*st.Result, s.maxRows))

	response, err := s.llm.Complete(ctx, s.prompt, userPrompt.String())
	if err != nil {
		return "", fmt.Errorf("LLM completion failed: %w", err)
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return "", fmt.Errorf("empty summary response")
	}
	return response, nil
}
