package model

import (
	"errors"
	"testing"
)

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()

	for _, id := range []string{"gpt-4o-mini", "gpt-4o", "gemini-2.5-flash", "llama-3.3-70b-versatile", "llama3.2:3b"} {
		if r.GetEndpoint(id) == nil {
			t.Errorf("expected built-in endpoint %q", id)
		}
	}
	if r.Default() != "llama3.2:3b" {
		t.Errorf("expected default llama3.2:3b, got %q", r.Default())
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetAlias("fast", "llama-3.3-70b-versatile")

	tests := []struct {
		selector     string
		wantName     string
		wantProvider ProviderKind
	}{
		{"gpt-4o-mini", "gpt-4o-mini", ProviderOpenAI},
		{"gemini-2.5-flash", "gemini-2.5-flash", ProviderGemini},
		{"llama-3.3-70b-versatile", "llama-3.3-70b-versatile", ProviderGroq},
		{" llama3.2:3b ", "llama3.2:3b", ProviderOllama},
		{"fast", "llama-3.3-70b-versatile", ProviderGroq},
		{"claude-sonnet-4-20250514", "claude-sonnet", ProviderAnthropic},
		{"", "llama3.2:3b", ProviderOllama},
	}

	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			ep, err := r.Resolve(tt.selector)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.selector, err)
			}
			if ep.Name != tt.wantName {
				t.Errorf("Resolve(%q).Name = %q, want %q", tt.selector, ep.Name, tt.wantName)
			}
			if ep.Provider != tt.wantProvider {
				t.Errorf("Resolve(%q).Provider = %q, want %q", tt.selector, ep.Provider, tt.wantProvider)
			}
		})
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewDefaultRegistry()

	_, err := r.Resolve("gpt-9")
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}

	empty := NewRegistry(nil, "")
	if _, err := empty.Resolve(""); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel for empty registry, got %v", err)
	}
}

func TestRegistryResolveReturnsCopy(t *testing.T) {
	r := NewDefaultRegistry()

	ep, err := r.Resolve("gpt-4o")
	if err != nil {
		t.Fatal(err)
	}

	r.SetEndpoint("gpt-4o", &EndpointConfig{Provider: ProviderOllama, Model: "other"})

	if ep.Provider != ProviderOpenAI || ep.Model != "gpt-4o" {
		t.Errorf("resolved endpoint changed after registry update: %+v", ep)
	}
}

func TestEndpointBaseURL(t *testing.T) {
	ep := EndpointConfig{Provider: ProviderGroq, Model: "x"}
	if got := ep.BaseURL(); got != "https://api.groq.com/openai/v1" {
		t.Errorf("unexpected default URL %q", got)
	}

	ep.URL = "http://localhost:9999/v1"
	if got := ep.BaseURL(); got != "http://localhost:9999/v1" {
		t.Errorf("expected configured URL, got %q", got)
	}
}

func TestApplyCredentials(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetEndpoint("preset", &EndpointConfig{Provider: ProviderOpenAI, Model: "gpt-4o", APIKey: "kept"})

	r.ApplyCredentials(func(k ProviderKind) string { return "key-" + string(k) })

	if got := r.GetEndpoint("gpt-4o-mini").APIKey; got != "key-openai" {
		t.Errorf("expected openai key, got %q", got)
	}
	if got := r.GetEndpoint("gemini-2.5-flash").APIKey; got != "key-gemini" {
		t.Errorf("expected gemini key, got %q", got)
	}
	if got := r.GetEndpoint("llama3.2:3b").APIKey; got != "" {
		t.Errorf("expected no key for local endpoint, got %q", got)
	}
	if got := r.GetEndpoint("preset").APIKey; got != "kept" {
		t.Errorf("expected existing key to be kept, got %q", got)
	}
}

func TestListEndpointsSorted(t *testing.T) {
	r := NewRegistry(map[string]*EndpointConfig{
		"b": {Provider: ProviderOllama, Model: "b"},
		"a": {Provider: ProviderOllama, Model: "a"},
	}, "a")

	got := r.ListEndpoints()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
}
