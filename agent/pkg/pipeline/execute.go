package pipeline

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// formatValueForLLM formats a single value for display to the LLM.
// Floats are rounded to 2 decimal places to avoid long decimals (like 3.3333333333333335)
// that can confuse the LLM into thinking they're encoded values.
func formatValueForLLM(v any) string {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case float32:
		if val == float32(int32(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.2f", val)
	case nil:
		return ""
	default:
		s := fmt.Sprintf("%v", v)
		if utf8.RuneCountInString(s) > 100 {
			return truncate(s, 97)
		}
		return s
	}
}

// FormatQueryResult formats a query result for the summary prompt, showing
// at most maxRows rows.
func FormatQueryResult(result QueryResult, maxRows int) string {
	if result.Operation != "" {
		return fmt.Sprintf("%s operation completed, %d rows affected.", result.Operation, result.AffectedRows)
	}
	if result.Count == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(result.Columns, ", "))
	fmt.Fprintf(&sb, "Rows (%d total):\n", result.Count)

	displayRows := min(result.Count, maxRows, len(result.Rows))
	for i := range displayRows {
		values := make([]string, len(result.Columns))
		for j, col := range result.Columns {
			values[j] = formatValueForLLM(result.Rows[i][col])
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}

	if result.Count > displayRows {
		fmt.Fprintf(&sb, "... and %d more rows\n", result.Count-displayRows)
	}
	return sb.String()
}

// sanitizeValue replaces non-JSON-serializable values (Inf, NaN) with nil.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsInf(val, 0) || math.IsNaN(val) {
			return nil
		}
	case float32:
		if math.IsInf(float64(val), 0) || math.IsNaN(float64(val)) {
			return nil
		}
	}
	return v
}
