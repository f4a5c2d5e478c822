package pipeline

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed operations.yaml
var operationsYAML []byte

type operationConfig struct {
	Operations []operation `yaml:"operations"`
}

type operation struct {
	Keyword         string `yaml:"keyword"`
	Description     string `yaml:"description"`
	SchemaModifying bool   `yaml:"schema_modifying"`
}

var (
	operations     map[string]operation
	operationsOnce sync.Once
)

func operationCatalog() map[string]operation {
	operationsOnce.Do(func() {
		var cfg operationConfig
		if err := yaml.Unmarshal(operationsYAML, &cfg); err != nil {
			panic(fmt.Sprintf("pipeline: invalid embedded operations.yaml: %v", err))
		}
		operations = make(map[string]operation, len(cfg.Operations))
		for _, op := range cfg.Operations {
			operations[strings.ToUpper(op.Keyword)] = op
		}
	})
	return operations
}

// ClassifyOperation returns the operation class of a statement or script.
// Each top-level statement is classified by its first keyword once comments
// and literals are removed; EXPLAIN is classified by the statement it wraps
// and WITH by the data-modifying verb it contains. A SELECT with an INTO
// clause is SELECT INTO. A script takes the class of its first
// schema-modifying statement, then of its first destructive one, then of its
// first statement.
func ClassifyOperation(sql string) string {
	var first, destructive string
	for _, stmt := range splitStatements(sql) {
		op := classifyStatement(strings.Fields(strings.ToUpper(stmt)))
		switch {
		case IsSchemaModifying(op):
			return op
		case destructive == "" && IsDestructive(op):
			destructive = op
		case first == "":
			first = op
		}
	}
	if destructive != "" {
		return destructive
	}
	return first
}

func classifyStatement(words []string) string {
	if len(words) == 0 {
		return ""
	}
	catalog := operationCatalog()
	first := trimKeyword(words[0])
	switch first {
	case "EXPLAIN":
		for i, w := range words[1:] {
			w = trimKeyword(w)
			if _, ok := catalog[w]; ok || w == "SELECT" || w == "WITH" {
				return classifyStatement(words[i+1:])
			}
		}
	case "WITH":
		for _, w := range words[1:] {
			if _, ok := catalog[trimKeyword(w)]; ok {
				return trimKeyword(w)
			}
		}
		if hasKeyword(words, "INTO") {
			return opSelectInto
		}
	case "SELECT":
		if hasKeyword(words, "INTO") {
			return opSelectInto
		}
	}
	return first
}

const opSelectInto = "SELECT INTO"

func trimKeyword(w string) string {
	return strings.Trim(w, "();,")
}

func hasKeyword(words []string, kw string) bool {
	for _, w := range words {
		if trimKeyword(w) == kw {
			return true
		}
	}
	return false
}

// IsDestructive reports whether statements of the operation class change
// the database.
func IsDestructive(op string) bool {
	_, ok := operationCatalog()[strings.ToUpper(op)]
	return ok
}

// IsSchemaModifying reports whether statements of the operation class change
// the structure of the database.
func IsSchemaModifying(op string) bool {
	return operationCatalog()[strings.ToUpper(op)].SchemaModifying
}

// stripComments removes SQL line and block comments and surrounding space.
func stripComments(sql string) string {
	var sb strings.Builder
	for i := 0; i < len(sql); {
		switch {
		case strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end == -1 {
				i = len(sql)
			} else {
				i += end
			}
		case strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end == -1 {
				i = len(sql)
			} else {
				i += 2 + end + 2
			}
			sb.WriteByte(' ')
		default:
			sb.WriteByte(sql[i])
			i++
		}
	}
	return strings.TrimSpace(sb.String())
}

// splitStatements splits sql on top-level semicolons. Comments are dropped
// and quoted literals and identifiers are emptied, so the result is only fit
// for keyword matching.
func splitStatements(sql string) []string {
	var (
		stmts []string
		sb    strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(sb.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		sb.Reset()
	}
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end == -1 {
				end = len(sql) - i
			}
			i += end
			sb.WriteByte(' ')
		case strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end == -1 {
				i = len(sql)
			} else {
				i += 2 + end + 2
			}
			sb.WriteByte(' ')
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(sql, i+1, c)
			sb.WriteByte(c)
			sb.WriteByte(c)
		case c == '$' && dollarTag(sql[i:]) != "":
			tag := dollarTag(sql[i:])
			end := strings.Index(sql[i+len(tag):], tag)
			if end == -1 {
				i = len(sql)
			} else {
				i += len(tag) + end + len(tag)
			}
			sb.WriteString("''")
		case c == ';':
			flush()
			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}
	flush()
	return stmts
}

// skipQuoted returns the index just past the literal closed by quote,
// starting at i. Doubled quotes and backslash escapes stay inside.
func skipQuoted(sql string, i int, quote byte) int {
	for i < len(sql) {
		switch sql[i] {
		case '\\':
			i += 2
		case quote:
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		default:
			i++
		}
	}
	return len(sql)
}

// dollarTag returns the $tag$ opening a Postgres dollar-quoted literal at the
// start of s, or "".
func dollarTag(s string) string {
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$':
			return s[:i+1]
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 1:
		default:
			return ""
		}
	}
	return ""
}

// gateStage holds destructive statements back until the caller confirms them.
type gateStage struct{}

func (gateStage) Name() string { return "gate" }

func (gateStage) Run(_ context.Context, _ *Request, st State) (Outcome, error) {
	if st.Generation == nil {
		return proceed(st), nil
	}
	if st.Operation == "" {
		st.Operation = ClassifyOperation(st.Generation.SQL)
	}
	if !IsDestructive(st.Operation) {
		return proceed(st), nil
	}

	event := Event{
		Type:          EventDestructiveConfirmation,
		Message:       confirmationMessage(st.Operation, st.Generation.SQL),
		SQLQuery:      st.Generation.SQL,
		OperationType: st.Operation,
	}
	return Outcome{Events: []Event{event}, Verdict: Suspend, State: st}, nil
}

func confirmationMessage(op, sql string) string {
	var sb strings.Builder
	sb.WriteString("⚠️ DESTRUCTIVE OPERATION DETECTED ⚠️\n\n")
	fmt.Fprintf(&sb, "The generated SQL query will perform a **%s** operation:\n\n", op)
	fmt.Fprintf(&sb, "SQL:\n%s\n\n", sql)
	fmt.Fprintf(&sb, "What this will do:\n• %s\n\n", operationCatalog()[op].Description)
	sb.WriteString("⚠️ WARNING: This operation will make changes to your database and may be irreversible.")
	return sb.String()
}
