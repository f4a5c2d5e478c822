package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGenerateResponse(t *testing.T) {
	t.Parallel()

	t.Run("json in markdown", func(t *testing.T) {
		t.Parallel()
		gen := parseGenerateResponse("Here you go:\n```json\n" + generated("SELECT id FROM users;") + "\n```")
		assert.True(t, gen.Translatable)
		assert.Equal(t, "SELECT id FROM users", gen.SQL)
		assert.Equal(t, []string{"orders"}, gen.TablesUsed)
		assert.Equal(t, 90, gen.Confidence)
	})

	t.Run("sql code block", func(t *testing.T) {
		t.Parallel()
		gen := parseGenerateResponse("This lists every user.\n```sql\nSELECT * FROM users;\n```")
		assert.True(t, gen.Translatable)
		assert.Equal(t, "SELECT * FROM users", gen.SQL)
		assert.Equal(t, "This lists every user.", gen.Explanation)
	})

	t.Run("bare sql", func(t *testing.T) {
		t.Parallel()
		gen := parseGenerateResponse("SELECT count(*) FROM orders;")
		assert.True(t, gen.Translatable)
		assert.Equal(t, "SELECT count(*) FROM orders", gen.SQL)
	})

	t.Run("unparseable", func(t *testing.T) {
		t.Parallel()
		gen := parseGenerateResponse("I cannot help with that.")
		assert.False(t, gen.Translatable)
		assert.Empty(t, gen.SQL)
		assert.NotEmpty(t, gen.Explanation)
	})

	t.Run("confidence is clamped", func(t *testing.T) {
		t.Parallel()
		gen := parseGenerateResponse(`{"is_sql_translatable": true, "sql_query": "SELECT 1", "confidence": -5}`)
		assert.Equal(t, 0, gen.Confidence)
	})
}

func TestGenerateStage(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, response string, minConfidence int) Outcome {
		t.Helper()
		llm := newScriptedLLM(map[string][]string{"GENERATE": {response}})
		stage := &generateStage{llm: llm, prompt: "GENERATE", minConfidence: minConfidence}
		st := State{Question: "q", Schema: testSchema()}
		out, err := stage.Run(context.Background(), &Request{Instructions: "Prefer explicit joins"}, st)
		require.NoError(t, err)
		return out
	}

	t.Run("valid read-only statement", func(t *testing.T) {
		t.Parallel()
		out := run(t, generated("SELECT 1"), 0)
		assert.Equal(t, Proceed, out.Verdict)
		require.Len(t, out.Events, 1)
		assert.Equal(t, EventFinalResult, out.Events[0].Type)
		assert.Equal(t, "SELECT", out.State.Operation)
	})

	t.Run("valid destructive statement defers to the gate", func(t *testing.T) {
		t.Parallel()
		out := run(t, generated("DELETE FROM orders"), 0)
		assert.Equal(t, Proceed, out.Verdict)
		assert.Empty(t, out.Events)
		assert.Equal(t, "DELETE", out.State.Operation)
		require.NotNil(t, out.State.Generation)
		assert.True(t, out.State.Generation.Valid)
	})

	t.Run("below minimum confidence", func(t *testing.T) {
		t.Parallel()
		out := run(t, generated("SELECT 1"), 95)
		assert.Equal(t, Stop, out.Verdict)
		require.Len(t, out.Events, 1)
		assert.False(t, *out.Events[0].IsValid)
	})

	t.Run("not sql", func(t *testing.T) {
		t.Parallel()
		out := run(t, generated("please check the orders table"), 0)
		assert.Equal(t, Stop, out.Verdict)
		assert.False(t, *out.Events[0].IsValid)
	})

	t.Run("transport failure", func(t *testing.T) {
		t.Parallel()
		llm := newScriptedLLM(nil)
		llm.errs["GENERATE"] = errors.New("connection reset")
		stage := &generateStage{llm: llm, prompt: "GENERATE"}
		_, err := stage.Run(context.Background(), &Request{}, State{Schema: testSchema()})
		assert.ErrorIs(t, err, ErrClassificationFailure)
	})
}

func TestBuildGeneratePrompt(t *testing.T) {
	t.Parallel()

	prompt := buildGeneratePrompt("GENERATE", "A shop", testSchema().Tables[:1])
	assert.Contains(t, prompt, "## Database Description\n\nA shop")
	assert.Contains(t, prompt, "Table: users")
	assert.NotContains(t, prompt, "Table: orders")
}
