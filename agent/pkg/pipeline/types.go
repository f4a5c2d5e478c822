package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultMaxConcurrentRuns = 64
	defaultConfirmationTTL   = 15 * time.Minute
	defaultSchemaTimeout     = 120 * time.Second
	defaultMaxResultRows     = 50
)

// Config holds the configuration for the pipeline.
type Config struct {
	Logger        *slog.Logger
	LLM           LLMClient
	Executor      Executor
	SchemaFetcher SchemaFetcher
	Prompts       *Prompts

	// Optional configuration.
	Observer          Observer
	Clock             clockwork.Clock
	MaxConcurrentRuns int           // Runs executing at once across all sessions (default 64)
	ConfirmationTTL   time.Duration // How long a parked destructive statement stays confirmable (default 15m)
	SchemaTimeout     time.Duration // Upper bound for the schema analysis call (default 120s)
	MinConfidence     int           // Statements below this confidence are reported as invalid (default 0)
	MaxResultRows     int           // Rows shown to the LLM when summarizing results (default 50)
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("LLM client is required")
	}
	if c.Executor == nil {
		return errors.New("executor is required")
	}
	if c.SchemaFetcher == nil {
		return errors.New("schema fetcher is required")
	}
	if c.Prompts == nil {
		return errors.New("prompts are required")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 100 {
		return fmt.Errorf("min confidence must be between 0 and 100, got %d", c.MinConfidence)
	}

	// Optional configuration.
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = defaultMaxConcurrentRuns
	}
	if c.ConfirmationTTL <= 0 {
		c.ConfirmationTTL = defaultConfirmationTTL
	}
	if c.SchemaTimeout <= 0 {
		c.SchemaTimeout = defaultSchemaTimeout
	}
	if c.MaxResultRows <= 0 {
		c.MaxResultRows = defaultMaxResultRows
	}
	return nil
}

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Executor runs SQL statements against the database behind a schema.
type Executor interface {
	Execute(ctx context.Context, schemaID, sql string) (QueryResult, error)
}

// SchemaFetcher retrieves the schema graph for a schema identifier.
type SchemaFetcher interface {
	FetchSchema(ctx context.Context, schemaID string) (*Schema, error)
}

// SchemaInvalidator is implemented by schema fetchers that cache results.
type SchemaInvalidator interface {
	Invalidate(schemaID string)
}

// Observer receives run telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	RunFinished(kind, outcome string)
	StageFinished(stage string, d time.Duration)
	EventEmitted(t EventType)
	ConfirmationResolved(outcome string)
}

type nopObserver struct{}

func (nopObserver) RunFinished(string, string)          {}
func (nopObserver) StageFinished(string, time.Duration) {}
func (nopObserver) EventEmitted(EventType)              {}
func (nopObserver) ConfirmationResolved(string)         {}

// Request is an immutable snapshot of one question and its conversation.
type Request struct {
	SessionID       string
	SchemaID        string
	Question        string
	QuestionHistory []string // Prior questions, oldest first, excluding Question
	ResultHistory   []string // Prior result summaries, aligned with QuestionHistory
	Instructions    string
}

func (r Request) clone() Request {
	r.QuestionHistory = append([]string(nil), r.QuestionHistory...)
	r.ResultHistory = append([]string(nil), r.ResultHistory...)
	return r
}

// historyText renders the conversation for prompts. Long results are
// truncated to save context.
func (r *Request) historyText() string {
	if len(r.QuestionHistory) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Previous conversation:\n")
	for i, q := range r.QuestionHistory {
		fmt.Fprintf(&sb, "User: %s\n", q)
		if i < len(r.ResultHistory) {
			fmt.Fprintf(&sb, "Assistant: %s\n", truncate(r.ResultHistory[i], 1000))
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

// Schema describes the tables of a database and how they relate.
type Schema struct {
	ID          string
	Description string
	Tables      []Table
}

// Table is one node of the schema graph.
type Table struct {
	Name        string
	Description string
	Columns     []Column
	ForeignKeys []ForeignKey
}

type Column struct {
	Name        string
	Type        string
	Description string
	KeyType     string // "PRI", "FK" or empty
	Nullable    bool
}

// ForeignKey is an edge of the schema graph.
type ForeignKey struct {
	Name      string
	Column    string
	RefTable  string
	RefColumn string
}

// Table looks up a table by name, case-insensitively.
func (s *Schema) Table(name string) (Table, bool) {
	for _, t := range s.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Table{}, false
}

// Neighbors returns the tables directly connected to the named table by a
// foreign key in either direction.
func (s *Schema) Neighbors(name string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(n string) {
		key := strings.ToLower(n)
		if key == strings.ToLower(name) || seen[key] {
			return
		}
		if _, ok := s.Table(n); !ok {
			return
		}
		seen[key] = true
		out = append(out, n)
	}
	for _, t := range s.Tables {
		for _, fk := range t.ForeignKeys {
			switch {
			case strings.EqualFold(t.Name, name):
				add(fk.RefTable)
			case strings.EqualFold(fk.RefTable, name):
				add(t.Name)
			}
		}
	}
	return out
}

// FormatTables renders tables for inclusion in a prompt.
func FormatTables(tables []Table) string {
	var sb strings.Builder
	for i, t := range tables {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "Table: %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&sb, " - %s", t.Description)
		}
		sb.WriteString("\n")
		for _, c := range t.Columns {
			var key string
			switch c.KeyType {
			case "PRI":
				key = ", PRIMARY KEY"
			case "FK":
				key = ", FOREIGN KEY"
			}
			null := "NOT NULL"
			if c.Nullable {
				null = "NULL"
			}
			fmt.Fprintf(&sb, "  - %s (%s%s, %s)", c.Name, c.Type, key, null)
			if c.Description != "" {
				fmt.Fprintf(&sb, ": %s", c.Description)
			}
			sb.WriteString("\n")
		}
		if len(t.ForeignKeys) > 0 {
			sb.WriteString("  Foreign Keys:\n")
			for _, fk := range t.ForeignKeys {
				fmt.Fprintf(&sb, "  - %s: %s references %s.%s\n", fk.Name, fk.Column, fk.RefTable, fk.RefColumn)
			}
		}
	}
	return sb.String()
}

// QueryResult holds the result of a SQL statement.
type QueryResult struct {
	SQL          string
	Columns      []string
	Rows         []map[string]any
	Count        int
	Operation    string // Set for statements that do not return rows (INSERT, DROP, ...)
	AffectedRows int64
}

// Data returns the raw result shape sent to the caller: the rows for
// row-returning statements, otherwise a single operation summary.
func (r QueryResult) Data() any {
	if r.Operation != "" {
		return []map[string]any{{
			"operation":     r.Operation,
			"affected_rows": r.AffectedRows,
			"status":        "success",
		}}
	}
	rows := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		clean := make(map[string]any, len(row))
		for k, v := range row {
			clean[k] = sanitizeValue(v)
		}
		rows[i] = clean
	}
	return rows
}

// Generation is the output of the statement generation stage.
type Generation struct {
	Translatable bool
	SQL          string
	Explanation  string
	TablesUsed   []string
	Missing      []string
	Ambiguities  []string
	Confidence   int
	Valid        bool
}
