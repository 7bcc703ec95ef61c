package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string, maxRetries int, baseDelay time.Duration) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:        url,
		APIKey:         "test-key",
		Model:          "test-model",
		MaxRetries:     maxRetries,
		RetryBaseDelay: baseDelay,
	})
	require.NoError(t, err)
	return client
}

func TestCompleteParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"choices":[{
				"message":{
					"content":"Done",
					"tool_calls":[{"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"a.txt\"}"}}]
				},
				"finish_reason":"tool_calls"
			}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
		}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1, time.Millisecond)
	completion, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Done", completion.Text)
	assert.Equal(t, "tool_calls", completion.FinishReason)
	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "read_file", completion.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"path": "a.txt"}, completion.ToolCalls[0].Arguments)
	require.NotNil(t, completion.Usage)
	assert.Equal(t, 15, completion.Usage.TotalTokens)
}

func TestRetryHonorsRetryAfterHeader(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 3, time.Millisecond)
	start := time.Now()
	completion, err := client.Complete(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, "ok", completion.Text)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "wait must come from Retry-After")
}

func TestRetryExhaustionReturnsSentinel(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 2, time.Millisecond)
	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrMaxRetriesExceeded))
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestNonRateLimitErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad request"}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 3, time.Millisecond)
	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, int32(1), calls.Load(), "4xx other than 429 must not retry")
}

func TestCollectAccumulatesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"ping\",\"arguments\":\"{}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 1, time.Millisecond)
	var seen []string
	completion, err := client.Collect(context.Background(), Request{}, func(evt StreamEvent) {
		seen = append(seen, evt.Type)
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", completion.Text)
	assert.Equal(t, "tool_calls", completion.FinishReason)
	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "ping", completion.ToolCalls[0].Name)
	assert.Contains(t, seen, StreamText)
	assert.Contains(t, seen, StreamDone)
}

func TestRetryWaitFallsBackToExponentialBackoff(t *testing.T) {
	client := newTestClient(t, "http://localhost", 3, 100*time.Millisecond)

	assert.Equal(t, 100*time.Millisecond, client.retryWait(http.Header{}, 0))
	assert.Equal(t, 200*time.Millisecond, client.retryWait(http.Header{}, 1))
	assert.Equal(t, 400*time.Millisecond, client.retryWait(http.Header{}, 2))
}

func TestRetryWaitPrefersResetHeader(t *testing.T) {
	client := newTestClient(t, "http://localhost", 3, time.Millisecond)

	headers := http.Header{}
	headers.Set("X-RateLimit-Reset", fmt.Sprint(time.Now().Add(2*time.Second).Unix()))
	wait := client.retryWait(headers, 0)
	assert.Greater(t, wait, 500*time.Millisecond)
	assert.LessOrEqual(t, wait, 2*time.Second)

	// Retry-After wins over the reset header.
	headers.Set("Retry-After", "1")
	assert.Equal(t, time.Second, client.retryWait(headers, 0))
}
