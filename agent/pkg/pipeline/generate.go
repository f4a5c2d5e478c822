package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// GenerateResponse is the expected JSON response from the generation stage.
type GenerateResponse struct {
	IsSQLTranslatable  bool     `json:"is_sql_translatable"`
	SQLQuery           string   `json:"sql_query"`
	Explanation        string   `json:"explanation"`
	TablesUsed         []string `json:"tables_used"`
	MissingInformation []string `json:"missing_information"`
	Ambiguities        []string `json:"ambiguities"`
	Confidence         int      `json:"confidence"`
}

type generateStage struct {
	llm           LLMClient
	prompt        string
	minConfidence int
}

func (s *generateStage) Name() string { return "generation" }

func (s *generateStage) Run(ctx context.Context, req *Request, st State) (Outcome, error) {
	systemPrompt := buildGeneratePrompt(s.prompt, st.Schema.Description, tablesOrSchema(st))

	var userPrompt strings.Builder
	userPrompt.WriteString(req.historyText())
	if st.Analysis != "" {
		fmt.Fprintf(&userPrompt, "Schema analysis: %s\n\n", st.Analysis)
	}
	if req.Instructions != "" {
		fmt.Fprintf(&userPrompt, "Additional instructions: %s\n\n", req.Instructions)
	}
	fmt.Fprintf(&userPrompt, "Question: %s", st.Question)

	response, err := s.llm.Complete(ctx, systemPrompt, userPrompt.String())
	if err != nil {
		return Outcome{}, classificationError(s.Name(), fmt.Errorf("LLM completion failed: %w", err))
	}

	gen := parseGenerateResponse(response)
	gen.Valid = gen.Translatable && gen.SQL != "" && looksLikeSQL(gen.SQL) && gen.Confidence >= s.minConfidence
	st.Generation = &gen

	if !gen.Valid {
		return stop(st, FinalResult(gen)), nil
	}
	st.Operation = ClassifyOperation(gen.SQL)
	if IsDestructive(st.Operation) {
		// The gate's confirmation request is the terminal event for this run.
		return proceed(st), nil
	}
	return proceed(st, FinalResult(gen)), nil
}

// parseGenerateResponse extracts the generation from the LLM response. It
// tries a JSON object first, then a fenced SQL block, then bare SQL. A
// response with none of those yields an untranslatable generation.
func parseGenerateResponse(response string) Generation {
	response = strings.TrimSpace(response)

	if jsonStr := extractJSON(response); jsonStr != "" {
		var parsed GenerateResponse
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil {
			return Generation{
				Translatable: parsed.IsSQLTranslatable,
				SQL:          cleanSQL(parsed.SQLQuery),
				Explanation:  parsed.Explanation,
				TablesUsed:   parsed.TablesUsed,
				Missing:      parsed.MissingInformation,
				Ambiguities:  parsed.Ambiguities,
				Confidence:   clampConfidence(parsed.Confidence),
			}
		}
	}

	if sql := extractSQLFromCodeBlocks(response); sql != "" {
		return Generation{
			Translatable: true,
			SQL:          sql,
			Explanation:  extractExplanation(response),
			Confidence:   50,
		}
	}

	if looksLikeSQL(response) {
		return Generation{Translatable: true, SQL: cleanSQL(response), Confidence: 50}
	}

	return Generation{
		Explanation: "The model response could not be interpreted as a SQL statement.",
		Missing:     []string{"a parseable response"},
	}
}

func clampConfidence(c int) int {
	return max(0, min(100, c))
}

// extractSQLFromCodeBlocks finds SQL in markdown code blocks.
func extractSQLFromCodeBlocks(response string) string {
	if start := strings.Index(response, "```sql"); start != -1 {
		start += len("```sql")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return cleanSQL(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if looksLikeSQL(content) {
				return cleanSQL(content)
			}
		}
	}

	return ""
}

var sqlKeywords = []string{
	"SELECT", "WITH", "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP",
	"TRUNCATE", "MERGE", "REPLACE", "GRANT", "REVOKE", "SHOW", "DESCRIBE", "EXPLAIN",
}

// looksLikeSQL checks if text appears to be a SQL statement.
func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(stripComments(text))
	for _, kw := range sqlKeywords {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

// cleanSQL trims whitespace and the trailing semicolon.
func cleanSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
}

// extractExplanation returns the text outside of code blocks.
func extractExplanation(response string) string {
	result := response
	for {
		start := strings.Index(result, "```")
		if start == -1 {
			break
		}
		end := strings.Index(result[start+3:], "```")
		if end == -1 {
			break
		}
		result = result[:start] + result[start+3+end+3:]
	}
	return truncate(strings.TrimSpace(result), 500)
}

func buildGeneratePrompt(staticPrompt, description string, tables []Table) string {
	var sb strings.Builder
	sb.WriteString(staticPrompt)
	if description != "" {
		sb.WriteString("\n\n## Database Description\n\n")
		sb.WriteString(description)
	}
	sb.WriteString("\n\n## Database Schema\n\n```\n")
	sb.WriteString(FormatTables(tables))
	sb.WriteString("```")
	return sb.String()
}
