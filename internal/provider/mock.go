package provider

import (
	"context"
	"sync"

	"nodeframe/internal/genqueue"
)

// MockClient is an in-memory ProviderClient for tests: it never makes
// network calls, returns a deterministic or scripted response, and
// records every call it received for assertions.
type MockClient struct {
	mu        sync.Mutex
	Responses []string // popped front-to-back; last one repeats once exhausted
	Err       error
	Calls     []MockCall
}

// MockCall is one recorded Complete invocation.
type MockCall struct {
	Messages []genqueue.ProviderMessage
	Options  genqueue.ProviderOptions
}

// Complete implements genqueue.ProviderClient.
func (m *MockClient) Complete(ctx context.Context, messages []genqueue.ProviderMessage, options genqueue.ProviderOptions) (genqueue.CompletionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Messages: messages, Options: options})

	if m.Err != nil {
		return genqueue.CompletionResult{}, m.Err
	}

	model := options.Model
	if model == "" {
		model = "mock-model"
	}
	result := func(text string) genqueue.CompletionResult {
		return genqueue.CompletionResult{Text: text, Provider: "mock", Model: model, ProviderType: "mock"}
	}

	if len(m.Responses) == 0 {
		return result("mock response"), nil
	}
	next := m.Responses[0]
	if len(m.Responses) > 1 {
		m.Responses = m.Responses[1:]
	}
	return result(next), nil
}

// CallCount returns how many times Complete has been invoked.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
