package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
)

const (
	defaultAnthropicMaxTokens  = 4096
	defaultAnthropicMaxRetries = 3
)

// AnthropicConfig configures the Anthropic-backed LLM client.
type AnthropicConfig struct {
	Logger     *slog.Logger
	APIKey     string // Falls back to ANTHROPIC_API_KEY when empty
	Model      anthropic.Model
	MaxTokens  int64
	MaxRetries uint // Attempts per completion, including the first (default 3)
}

func (c *AnthropicConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultAnthropicMaxTokens
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultAnthropicMaxRetries
	}
	return nil
}

// AnthropicLLMClient implements LLMClient using the Anthropic API.
type AnthropicLLMClient struct {
	log        *slog.Logger
	client     anthropic.Client
	model      anthropic.Model
	maxTokens  int64
	maxRetries uint
}

// NewAnthropicLLMClient creates a new Anthropic-based LLM client. Retries are
// handled here rather than by the SDK so that only transient failures are
// retried.
func NewAnthropicLLMClient(cfg AnthropicConfig) (*AnthropicLLMClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &AnthropicLLMClient{
		log:        cfg.Logger,
		client:     anthropic.NewClient(opts...),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Complete sends a prompt to Claude and returns the response text.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	c.log.Debug("anthropic: call starting", "model", c.model, "max_tokens", c.maxTokens, "user_prompt_len", len(userPrompt))

	attempt := 0
	text, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     c.model,
			MaxTokens: c.maxTokens,
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
			},
		})
		if err != nil {
			if !isRetryable(err) {
				return "", backoff.Permanent(err)
			}
			c.log.Warn("anthropic: call failed, retrying", "attempt", attempt, "error", err)
			return "", err
		}
		for _, block := range msg.Content {
			if block.Type == "text" {
				return block.Text, nil
			}
		}
		return "", backoff.Permanent(errors.New("no text content in response"))
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.maxRetries))

	duration := time.Since(start)
	if err != nil {
		c.log.Error("anthropic: call failed", "duration", duration, "attempts", attempt, "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	c.log.Debug("anthropic: call completed", "duration", duration, "attempts", attempt)
	return text, nil
}

// isRetryable reports whether an API error is transient. Client errors other
// than rate limiting and request timeouts are permanent.
func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusConflict:
		return true
	}
	return apiErr.StatusCode >= 500
}
