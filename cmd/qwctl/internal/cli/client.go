package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/stream"
	"github.com/FalkorDB/QueryWeaver/api/handlers"
)

type ClientConfig struct {
	Logger     *slog.Logger
	BaseURL    string
	SessionID  string
	HTTPClient *http.Client
}

func (c *ClientConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.BaseURL == "" {
		return errors.New("base url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return nil
}

// Client talks to the QueryWeaver API.
type Client struct {
	log     *slog.Logger
	baseURL string
	session string
	http    *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:     cfg.Logger,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		session: cfg.SessionID,
		http:    cfg.HTTPClient,
	}, nil
}

// Ask posts a question and returns a decoder over the streamed events. The
// caller closes the returned body.
func (c *Client) Ask(ctx context.Context, graph string, req handlers.QueryRequest) (*stream.Decoder, io.Closer, error) {
	return c.stream(ctx, "/graphs/"+url.PathEscape(graph), req)
}

// Confirm replies to a destructive_confirmation event.
func (c *Client) Confirm(ctx context.Context, graph string, req handlers.ConfirmRequest) (*stream.Decoder, io.Closer, error) {
	return c.stream(ctx, "/graphs/"+url.PathEscape(graph)+"/confirm", req)
}

func (c *Client) Refresh(ctx context.Context, graph string) (handlers.RefreshResponse, error) {
	var resp handlers.RefreshResponse
	err := c.doJSON(ctx, http.MethodPost, "/graphs/"+url.PathEscape(graph)+"/refresh", nil, &resp)
	return resp, err
}

func (c *Client) Reset(ctx context.Context, session string) (bool, error) {
	var resp handlers.ResetResponse
	err := c.doJSON(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(session)+"/run", nil, &resp)
	return resp.Reset, err
}

func (c *Client) stream(ctx context.Context, path string, body any) (*stream.Decoder, io.Closer, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, nil, responseError(resp)
	}
	c.log.Debug("client: streaming", "path", path, "session", resp.Header.Get(handlers.SessionHeader))
	return stream.NewDecoder(resp.Body), resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusInternalServerError {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.session != "" {
		req.Header.Set(handlers.SessionHeader, c.session)
	}
	c.log.Debug("client: request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
