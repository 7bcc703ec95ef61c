// Package llm implements the streaming chat-completion client: one fresh
// HTTP request per call, rate-limit-aware retry, and reconstruction of
// tool-call requests from an incrementally-delivered event stream.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrMaxRetriesExceeded is returned once the rate-limit retry budget is
// exhausted, so callers can branch differently from a malformed-request
// failure.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// APIError is a non-retryable backend rejection (anything non-2xx other
// than 429).
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion API error (%d): %s", e.Status, e.Body)
}

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 5 * time.Second
	defaultHTTPTimeout    = 120 * time.Second
)

// Config holds client configuration.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	MaxRetries     int
	RetryBaseDelay time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Client talks to a chat-completion endpoint.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	maxRetries     int
	retryBaseDelay time.Duration
	httpClient     *http.Client
	logger         zerolog.Logger
}

// New creates a completion client. Zero values in cfg take defaults.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		maxRetries:     maxRetries,
		retryBaseDelay: baseDelay,
		httpClient:     httpClient,
		logger:         cfg.Logger,
	}, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// do sends the request, retrying only on HTTP 429. On success the caller
// owns the response body.
func (c *Client) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	wire := chatRequest{
		Model:       c.model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		wire.ToolChoice = "auto"
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"

	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("completion request failed: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()

		if resp.StatusCode != http.StatusTooManyRequests {
			return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		}

		if attempt >= c.maxRetries {
			return nil, fmt.Errorf("rate limited after %d retries: %w", c.maxRetries, ErrMaxRetriesExceeded)
		}

		wait := c.retryWait(resp.Header, attempt)
		c.logger.Info().
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("Rate limited, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// retryWait derives the wait before the next attempt: Retry-After seconds,
// else the rate-limit-reset header (absolute time minus now), else
// exponential backoff from the base delay doubled per attempt.
func (c *Client) retryWait(headers http.Header, attempt int) time.Duration {
	if v := headers.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := headers.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if wait := time.Until(time.Unix(epoch, 0)); wait > 0 {
				return wait
			}
		} else if reset, err := time.Parse(time.RFC3339, v); err == nil {
			if wait := time.Until(reset); wait > 0 {
				return wait
			}
		}
	}
	return c.retryBaseDelay << attempt
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Complete performs a single non-streaming completion call.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := parsed.Choices[0]
	result := &Completion{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        parsed.Usage,
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, c.parseToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return result, nil
}

// Stream opens a streaming completion request. The returned sequence is
// finite and not restartable; each call opens one fresh request.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body, c.logger), nil
}

// Collect drains a streaming call into a single Completion. The optional
// onEvent hook is invoked for every stream event as it arrives, so callers
// can render text live without handling reconstruction themselves.
func (c *Client) Collect(ctx context.Context, req Request, onEvent func(StreamEvent)) (*Completion, error) {
	stream, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var text strings.Builder
	result := &Completion{}

	for stream.Next() {
		evt := stream.Event()
		if onEvent != nil {
			onEvent(evt)
		}
		switch evt.Type {
		case StreamText:
			text.WriteString(evt.Text)
		case StreamToolCallEnd:
			result.ToolCalls = append(result.ToolCalls, *evt.ToolCall)
		case StreamDone:
			result.FinishReason = evt.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	result.Text = text.String()
	return result, nil
}

// parseToolCall decodes the accumulated argument text. A malformed payload
// still yields the call, with an empty argument mapping, so it surfaces to
// the agent loop instead of silently vanishing.
func (c *Client) parseToolCall(id, name, args string) ParsedToolCall {
	parsed := ParsedToolCall{ID: id, Name: name, Arguments: map[string]any{}}
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return parsed
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed.Arguments); err != nil {
		c.logger.Warn().
			Str("tool", name).
			Err(err).
			Msg("Malformed tool call arguments, passing empty mapping")
		parsed.Arguments = map[string]any{}
	}
	return parsed
}
