// Package provider defines the contract between the agent runtime and the
// external generative-text services it calls. Concrete backends live in
// subpackages; the runtime only sees this interface, always behind the
// admission controller and retry coordinator.
package provider

import (
	"context"
	"fmt"

	"github.com/agentcore/agentcore/pkg/retry"
)

// Options tune a single generation call. Zero values defer to the backend's
// defaults.
type Options struct {
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Usage reports token consumption for one call, as accounted by the
// backend. The admission controller records TotalTokens.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is one completed generation.
type Result struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
}

// Chunk is one increment of a streamed generation. The final chunk has Done
// set and carries the aggregate usage and finish reason; no chunks follow
// it.
type Chunk struct {
	Content      string `json:"content"`
	Done         bool   `json:"done"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Provider is the minimal generation contract.
type Provider interface {
	Generate(ctx context.Context, prompt string, opts Options) (*Result, error)
}

// Streamer is implemented by providers that can deliver output
// incrementally. fn is invoked once per chunk, in order, on the calling
// goroutine; returning an error stops the stream and surfaces that error.
// The sequence is finite and cannot be restarted.
type Streamer interface {
	Stream(ctx context.Context, prompt string, opts Options, fn func(Chunk) error) error
}

// APIError is a backend failure mapped onto the retry taxonomy, so the
// retry predicate and admission accounting can treat providers uniformly.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// RetryClass maps HTTP-style status codes onto retry classes.
func (e *APIError) RetryClass() retry.Class {
	switch {
	case e.Status == 401 || e.Status == 403:
		return retry.ClassAuth
	case e.Status == 429:
		return retry.ClassRateLimit
	case e.Status == 408 || e.Status == 504:
		return retry.ClassTimeout
	case e.Status >= 500:
		return retry.ClassServerError
	case e.Status >= 400:
		return retry.ClassInvalidRequest
	default:
		return retry.ClassUnknown
	}
}

// EstimateTokens is the rough prompt-size heuristic used to reserve
// admission units before the backend reports real usage: about four bytes
// per token, never zero.
func EstimateTokens(text string) int64 {
	return int64(len(text)/4 + 1)
}
