package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/agentcore/agentcore/pkg/provider"
)

// MockProvider simulates a generation backend without network calls. It
// implements provider.Provider and provider.Streamer for use in tests.
type MockProvider struct {
	mu sync.Mutex

	// Response is the content returned by successful Generate calls.
	Response string

	// StreamChunks, when set, is the exact chunk sequence Stream delivers
	// before the terminal chunk. Empty means the whole Response in one
	// chunk.
	StreamChunks []string

	// FailNext makes the next N calls fail with FailErr.
	FailNext int

	// FailErr is the error returned while FailNext is positive.
	FailErr error

	// FailMidStream makes Stream fail with FailErr after delivering the
	// first chunk.
	FailMidStream bool

	// Delay adds artificial latency to each call.
	Delay time.Duration

	// Prompts records every prompt seen, in order.
	Prompts []string

	calls int
}

var _ provider.Provider = (*MockProvider)(nil)
var _ provider.Streamer = (*MockProvider)(nil)

func NewMockProvider(response string) *MockProvider {
	return &MockProvider{
		Response: response,
		FailErr:  &provider.APIError{Status: 500, Message: "mock backend failure"},
	}
}

// Calls returns the number of provider invocations, failed ones included.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Reset clears recorded state and failure programming.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = 0
	m.Prompts = nil
	m.FailNext = 0
}

// begin records the call and returns the programmed error, if any.
func (m *MockProvider) begin(ctx context.Context, prompt string) error {
	m.mu.Lock()
	m.calls++
	m.Prompts = append(m.Prompts, prompt)
	delay := m.Delay
	var fail error
	if m.FailNext > 0 {
		m.FailNext--
		fail = m.FailErr
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fail
}

func (m *MockProvider) usage(prompt string) provider.Usage {
	p := int(provider.EstimateTokens(prompt))
	c := int(provider.EstimateTokens(m.Response))
	return provider.Usage{
		PromptTokens:     p,
		CompletionTokens: c,
		TotalTokens:      p + c,
	}
}

func (m *MockProvider) Generate(ctx context.Context, prompt string, _ provider.Options) (*provider.Result, error) {
	if err := m.begin(ctx, prompt); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &provider.Result{
		Content:      m.Response,
		Usage:        m.usage(prompt),
		FinishReason: "stop",
	}, nil
}

func (m *MockProvider) Stream(ctx context.Context, prompt string, _ provider.Options, fn func(provider.Chunk) error) error {
	if err := m.begin(ctx, prompt); err != nil {
		return err
	}
	m.mu.Lock()
	chunks := m.StreamChunks
	if len(chunks) == 0 {
		chunks = []string{m.Response}
	}
	usage := m.usage(prompt)
	failMid := m.FailMidStream
	failErr := m.FailErr
	m.mu.Unlock()

	for i, c := range chunks {
		if err := fn(provider.Chunk{Content: c}); err != nil {
			return err
		}
		if failMid && i == 0 {
			return failErr
		}
	}
	return fn(provider.Chunk{Done: true, Usage: usage, FinishReason: "stop"})
}
