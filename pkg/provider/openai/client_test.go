package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/agentcore/pkg/provider"
	"github.com/agentcore/agentcore/pkg/retry"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	require.Error(t, err)

	c, err := NewClient(Config{APIKey: " key ", BaseURL: "https://example.test/v1/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "key", c.apiKey)
	assert.Equal(t, "https://example.test/v1", c.baseURL)
	assert.Equal(t, defaultModel, c.model)
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		auth string
		body chatRequest
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured.body))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "hello there"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{
				"prompt_tokens":     12,
				"completion_tokens": 3,
				"total_tokens":      15,
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "test-model", Timeout: time.Second}, nil)
	require.NoError(t, err)

	res, err := client.Generate(context.Background(), "say hello", provider.Options{MaxTokens: 64, Temperature: 0.2})
	require.NoError(t, err)

	assert.Equal(t, "hello there", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, 15, res.Usage.TotalTokens)

	assert.Equal(t, "Bearer test", captured.auth)
	assert.Equal(t, "test-model", captured.body.Model)
	assert.Equal(t, 64, captured.body.MaxTokens)
	require.NotNil(t, captured.body.Temperature)
	assert.InDelta(t, 0.2, *captured.body.Temperature, 1e-9)
	require.Len(t, captured.body.Messages, 1)
	assert.Equal(t, "say hello", captured.body.Messages[0].Content)
	assert.False(t, captured.body.Stream)
}

func TestGenerateErrorClasses(t *testing.T) {
	cases := []struct {
		status int
		class  retry.Class
	}{
		{http.StatusUnauthorized, retry.ClassAuth},
		{http.StatusForbidden, retry.ClassAuth},
		{http.StatusTooManyRequests, retry.ClassRateLimit},
		{http.StatusBadRequest, retry.ClassInvalidRequest},
		{http.StatusInternalServerError, retry.ClassServerError},
		{http.StatusGatewayTimeout, retry.ClassTimeout},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status %d", tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": "nope", "code": "denied"},
				})
			}))
			defer srv.Close()

			client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, nil)
			require.NoError(t, err)

			_, err = client.Generate(context.Background(), "hi", provider.Options{})
			var apiErr *provider.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.status, apiErr.Status)
			assert.Equal(t, "nope", apiErr.Message)
			assert.Equal(t, "denied", apiErr.Code)
			assert.Equal(t, tc.class, retry.Classify(err))
		})
	}
}

func TestGenerateNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "hi", provider.Options{})
	var apiErr *provider.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, retry.ClassServerError, retry.Classify(err))
}

func sseBody(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
	}
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(sseBody(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
		`[DONE]`,
	))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	var chunks []provider.Chunk
	err = client.Stream(context.Background(), "hi", provider.Options{}, func(ch provider.Chunk) error {
		chunks = append(chunks, ch)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.Equal(t, "lo", chunks[1].Content)

	final := chunks[2]
	assert.True(t, final.Done)
	assert.Equal(t, "stop", final.FinishReason)
	assert.Equal(t, 6, final.Usage.TotalTokens)
}

func TestStreamCallbackAborts(t *testing.T) {
	srv := httptest.NewServer(sseBody(
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
		`[DONE]`,
	))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	abort := errors.New("enough")
	var calls int
	err = client.Stream(context.Background(), "hi", provider.Options{}, func(provider.Chunk) error {
		calls++
		return abort
	})
	require.ErrorIs(t, err, abort)
	assert.Equal(t, 1, calls)
}

func TestStreamBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "slow down"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	err = client.Stream(context.Background(), "hi", provider.Options{}, func(provider.Chunk) error { return nil })
	var apiErr *provider.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, retry.ClassRateLimit, retry.Classify(err))
}
