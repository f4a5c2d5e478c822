package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// AnalysisResult is the LLM's selection of schema entities for a question.
type AnalysisResult struct {
	Tables   []string `json:"tables"`
	Columns  []string `json:"columns"`
	Analysis string   `json:"analysis"`
}

type analyzeStage struct {
	llm     LLMClient
	prompt  string
	log     *slog.Logger
	timeout time.Duration
}

func (s *analyzeStage) Name() string { return "analysis" }

func (s *analyzeStage) Run(ctx context.Context, req *Request, st State) (Outcome, error) {
	var userPrompt strings.Builder
	fmt.Fprintf(&userPrompt, "Database description:\n%s\n\n", st.Schema.Description)
	fmt.Fprintf(&userPrompt, "Schema:\n%s\n", FormatTables(st.Schema.Tables))
	userPrompt.WriteString(req.historyText())
	fmt.Fprintf(&userPrompt, "Question: %s", st.Question)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var result AnalysisResult
	response, err := s.llm.Complete(callCtx, s.prompt, userPrompt.String())
	if err == nil {
		err = decodeResponse(response, &result)
	}
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		// No selection is a valid outcome; later stages see the full schema.
		s.log.Warn("pipeline: schema analysis failed, continuing without a selection", "error", err)
		result = AnalysisResult{}
	}

	st.Tables = selectTables(st.Schema, result)
	st.Analysis = result.Analysis

	return proceed(st, ReasoningStep(selectionMessage(st.Tables, st.Analysis))), nil
}

// selectTables resolves the named tables and columns against the schema and
// widens the selection with the tables directly connected to it.
func selectTables(schema *Schema, result AnalysisResult) []Table {
	var base []string
	seen := make(map[string]bool)
	add := func(name string) {
		t, ok := schema.Table(name)
		if !ok || seen[strings.ToLower(t.Name)] {
			return
		}
		seen[strings.ToLower(t.Name)] = true
		base = append(base, t.Name)
	}

	for _, name := range result.Tables {
		add(strings.TrimSpace(name))
	}
	for _, col := range result.Columns {
		if table, _, ok := strings.Cut(col, "."); ok {
			add(strings.TrimSpace(table))
		}
	}

	names := append([]string(nil), base...)
	for _, name := range base {
		for _, n := range schema.Neighbors(name) {
			if !seen[strings.ToLower(n)] {
				seen[strings.ToLower(n)] = true
				names = append(names, n)
			}
		}
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		t, _ := schema.Table(name)
		tables = append(tables, t)
	}
	return tables
}

func selectionMessage(tables []Table, analysis string) string {
	if len(tables) == 0 {
		return "No tables were confidently identified as relevant to the question."
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	msg := "Relevant tables: " + strings.Join(names, ", ")
	if analysis != "" {
		msg += "\n" + analysis
	}
	return msg
}
