// Package testutil provides test doubles for code that talks to llm.Client.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/casegen/llm"
)

// MockLLMClient is a thread-safe mock implementing llm.Completer.
//
// Usage:
//
//	// Responses returned in sequence
//	mock := &MockLLMClient{
//	    Responses: []*llm.Response{
//	        {Content: "not json"},
//	        {Content: `{"scenarios": ["Login succeeds"]}`},
//	    },
//	}
//
//	// Response computed from the request
//	mock := &MockLLMClient{
//	    Handler: func(req llm.Request) (*llm.Response, error) { ... },
//	}
type MockLLMClient struct {
	mu sync.Mutex

	// Handler, when set, produces every response and takes precedence.
	Handler func(req llm.Request) (*llm.Response, error)

	// Responses are returned in sequence once Handler is nil.
	Responses []*llm.Response

	// Err is returned when set and Handler is nil.
	Err error

	requests      []llm.Request
	responseIndex int
}

// Complete records the request and returns the configured response.
func (m *MockLLMClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	handler := m.Handler
	m.mu.Unlock()

	if handler != nil {
		return handler(req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}
	return &llm.Response{Content: "", Model: "test-model", FinishReason: "stop"}, nil
}

// Requests returns a copy of every request received.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of Complete calls.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests and rewinds Responses.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.responseIndex = 0
}
