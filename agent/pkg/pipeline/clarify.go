package pipeline

import (
	"context"
	"fmt"
	"strings"
)

type clarifyResult struct {
	Ambiguous bool   `json:"ambiguous"`
	Question  string `json:"question"`
}

type clarifyStage struct {
	llm    LLMClient
	prompt string
}

func (s *clarifyStage) Name() string { return "clarification" }

func (s *clarifyStage) Run(ctx context.Context, req *Request, st State) (Outcome, error) {
	var userPrompt strings.Builder
	fmt.Fprintf(&userPrompt, "Relevant tables:\n%s\n", FormatTables(tablesOrSchema(st)))
	userPrompt.WriteString(req.historyText())
	fmt.Fprintf(&userPrompt, "Question: %s", st.Question)

	response, err := s.llm.Complete(ctx, s.prompt, userPrompt.String())
	if err != nil {
		return Outcome{}, classificationError(s.Name(), fmt.Errorf("LLM completion failed: %w", err))
	}

	var result clarifyResult
	if err := decodeResponse(response, &result); err != nil {
		return Outcome{}, classificationError(s.Name(), err)
	}

	question := strings.TrimSpace(result.Question)
	if !result.Ambiguous || question == "" {
		return proceed(st), nil
	}
	return stop(st, FollowupQuestions(question)), nil
}

// tablesOrSchema is the selection when there is one, otherwise the whole schema.
func tablesOrSchema(st State) []Table {
	if len(st.Tables) > 0 {
		return st.Tables
	}
	return st.Schema.Tables
}
