package pipeline

import (
	"context"
	"fmt"
	"strings"
)

type followUpResult struct {
	AnswerableFromHistory bool   `json:"answerable_from_history"`
	Answer                string `json:"answer"`
	EffectiveQuestion     string `json:"effective_question"`
}

// followUpStage reinterprets a question that continues the conversation.
// With no history it passes the question through untouched.
type followUpStage struct {
	llm    LLMClient
	prompt string
}

func (s *followUpStage) Name() string { return "followup" }

func (s *followUpStage) Run(ctx context.Context, req *Request, st State) (Outcome, error) {
	if len(req.QuestionHistory) == 0 {
		return proceed(st), nil
	}

	var userPrompt strings.Builder
	userPrompt.WriteString(req.historyText())
	fmt.Fprintf(&userPrompt, "Relevant tables:\n%s\n", FormatTables(tablesOrSchema(st)))
	fmt.Fprintf(&userPrompt, "New question: %s", st.Question)

	response, err := s.llm.Complete(ctx, s.prompt, userPrompt.String())
	if err != nil {
		return Outcome{}, classificationError(s.Name(), fmt.Errorf("LLM completion failed: %w", err))
	}

	var result followUpResult
	if err := decodeResponse(response, &result); err != nil {
		return Outcome{}, classificationError(s.Name(), err)
	}

	if answer := strings.TrimSpace(result.Answer); result.AnswerableFromHistory && answer != "" {
		return stop(st, AIResponse(answer)), nil
	}
	if q := strings.TrimSpace(result.EffectiveQuestion); q != "" {
		st.Question = q
	}
	return proceed(st), nil
}
