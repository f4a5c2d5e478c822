package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// Relevancy is the classification of a question against a schema.
type Relevancy string

const (
	RelevancyOnTopic       Relevancy = "On-topic"
	RelevancyOffTopic      Relevancy = "Off-topic"
	RelevancyInappropriate Relevancy = "Inappropriate"
)

// RelevancyResult holds the result of relevancy classification.
type RelevancyResult struct {
	Status      Relevancy `json:"status"`
	Reason      string    `json:"reason"`
	Suggestions []string  `json:"suggestions"`
}

type relevancyStage struct {
	llm    LLMClient
	prompt string
}

func (s *relevancyStage) Name() string { return "relevancy" }

func (s *relevancyStage) Run(ctx context.Context, req *Request, st State) (Outcome, error) {
	var userPrompt strings.Builder
	fmt.Fprintf(&userPrompt, "Database description:\n%s\n\n", st.Schema.Description)
	userPrompt.WriteString(req.historyText())
	fmt.Fprintf(&userPrompt, "Question to classify: %s", st.Question)

	response, err := s.llm.Complete(ctx, s.prompt, userPrompt.String())
	if err != nil {
		return Outcome{}, classificationError(s.Name(), fmt.Errorf("LLM completion failed: %w", err))
	}

	result, err := parseRelevancyResponse(response)
	if err != nil {
		return Outcome{}, classificationError(s.Name(), err)
	}

	if result.Status == RelevancyOnTopic {
		return proceed(st), nil
	}
	return stop(st, AIResponse(offTopicMessage(result))), nil
}

func parseRelevancyResponse(response string) (*RelevancyResult, error) {
	var result RelevancyResult
	if err := decodeResponse(response, &result); err != nil {
		return nil, err
	}

	// Models drift on casing and hyphenation ("off topic", "ON-TOPIC").
	normalized := strings.ToLower(strings.ReplaceAll(string(result.Status), " ", "-"))
	switch normalized {
	case "on-topic":
		result.Status = RelevancyOnTopic
	case "off-topic":
		result.Status = RelevancyOffTopic
	case "inappropriate":
		result.Status = RelevancyInappropriate
	default:
		return nil, fmt.Errorf("invalid relevancy status: %q", result.Status)
	}
	return &result, nil
}

func offTopicMessage(r *RelevancyResult) string {
	var sb strings.Builder
	if r.Status == RelevancyInappropriate {
		sb.WriteString("Inappropriate question: ")
	} else {
		sb.WriteString("Off topic question: ")
	}
	sb.WriteString(r.Reason)
	if len(r.Suggestions) > 0 {
		sb.WriteString("\n\nYou could ask instead:")
		for _, s := range r.Suggestions {
			fmt.Fprintf(&sb, "\n- %s", s)
		}
	}
	return sb.String()
}
