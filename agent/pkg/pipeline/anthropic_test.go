package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &anthropic.Error{StatusCode: 429}, true},
		{"overloaded", fmt.Errorf("wrapped: %w", &anthropic.Error{StatusCode: 529}), true},
		{"server error", &anthropic.Error{StatusCode: 500}, true},
		{"bad request", &anthropic.Error{StatusCode: 400}, false},
		{"unauthorized", &anthropic.Error{StatusCode: 401}, false},
		{"network", errors.New("connection reset by peer"), true},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestAnthropicConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := AnthropicConfig{Logger: logger, Model: anthropic.ModelClaudeHaiku4_5_20251001}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(defaultAnthropicMaxTokens), cfg.MaxTokens)
	assert.Equal(t, uint(defaultAnthropicMaxRetries), cfg.MaxRetries)

	assert.Error(t, (&AnthropicConfig{Logger: cfg.Logger}).Validate())
	assert.Error(t, (&AnthropicConfig{Model: cfg.Model}).Validate())
}
