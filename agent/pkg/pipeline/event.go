package pipeline

import (
	"encoding/json"
	"strings"
)

// EventType identifies the kind of a pipeline event on the wire.
type EventType string

const (
	EventReasoningStep           EventType = "reasoning_step"
	EventFinalResult             EventType = "final_result"
	EventFollowupQuestions       EventType = "followup_questions"
	EventQueryResult             EventType = "query_result"
	EventAIResponse              EventType = "ai_response"
	EventDestructiveConfirmation EventType = "destructive_confirmation"
	EventOperationCancelled      EventType = "operation_cancelled"
	EventSchemaRefresh           EventType = "schema_refresh"
	EventError                   EventType = "error"
)

// Event is one discrete unit of pipeline output delivered to the caller.
// Which optional fields are set depends on Type.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`

	// final_result
	Conf    *int   `json:"conf,omitempty"`
	Exp     string `json:"exp,omitempty"`
	Miss    string `json:"miss,omitempty"`
	Amb     string `json:"amb,omitempty"`
	IsValid *bool  `json:"is_valid,omitempty"`

	// final_result (statement text) and query_result (rows)
	Data any `json:"data,omitempty"`

	// destructive_confirmation
	SQLQuery       string `json:"sql_query,omitempty"`
	OperationType  string `json:"operation_type,omitempty"`
	ConfirmationID string `json:"confirmation_id,omitempty"`

	// schema_refresh
	RefreshStatus string `json:"refresh_status,omitempty"`
}

// MarshalJSON always writes exp, miss and amb on final_result events, even
// when empty, since renderers key off their presence.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Type != EventFinalResult {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		plain
		Exp  string `json:"exp"`
		Miss string `json:"miss"`
		Amb  string `json:"amb"`
	}{plain(e), e.Exp, e.Miss, e.Amb})
}

// IsTerminal reports whether the event ends forward progress of a run.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventFinalResult, EventFollowupQuestions, EventDestructiveConfirmation:
		return true
	}
	return false
}

func ReasoningStep(message string) Event {
	return Event{Type: EventReasoningStep, Message: message}
}

func AIResponse(message string) Event {
	return Event{Type: EventAIResponse, Message: message}
}

func FollowupQuestions(message string) Event {
	return Event{Type: EventFollowupQuestions, Message: message}
}

func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

func OperationCancelled() Event {
	return Event{
		Type:    EventOperationCancelled,
		Message: "Operation cancelled. The destructive SQL query was not executed.",
	}
}

// FinalResult builds the final_result event for a generated statement.
func FinalResult(g Generation) Event {
	conf := g.Confidence
	valid := g.Valid
	return Event{
		Type:    EventFinalResult,
		Message: g.Explanation,
		Conf:    &conf,
		Exp:     JoinList(g.TablesUsed),
		Miss:    JoinList(g.Missing),
		Amb:     JoinList(g.Ambiguities),
		Data:    g.SQL,
		IsValid: &valid,
	}
}

// QueryResultEvent carries the raw shape of an executed statement.
func QueryResultEvent(r QueryResult) Event {
	return Event{Type: EventQueryResult, Data: r.Data()}
}

// JoinList renders a list in the hyphen-joined form expected by the
// rendering side: "- first- second". Hyphens inside items become spaces so
// that SplitList can recover the items.
func JoinList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	cleaned := make([]string, len(items))
	for i, item := range items {
		cleaned[i] = strings.ReplaceAll(item, "-", " ")
	}
	return "- " + strings.Join(cleaned, "- ")
}

// SplitList is the inverse of JoinList.
func SplitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var items []string
	for _, part := range strings.Split(s, "-") {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}
