package model

import (
	"fmt"
	"strings"
)

// ProviderKind identifies the backend family an endpoint talks to.
type ProviderKind string

const (
	// ProviderOllama is a local OpenAI-compatible server (Ollama, vLLM, mock-llm).
	ProviderOllama ProviderKind = "ollama"
	// ProviderOpenAI is the hosted OpenAI API or any compatible gateway.
	ProviderOpenAI ProviderKind = "openai"
	// ProviderGroq is the hosted Groq OpenAI-compatible API.
	ProviderGroq ProviderKind = "groq"
	// ProviderAnthropic is the hosted Anthropic messages API.
	ProviderAnthropic ProviderKind = "anthropic"
	// ProviderGemini is the Google Gemini API.
	ProviderGemini ProviderKind = "gemini"
)

// AllProviderKinds returns every supported provider kind.
func AllProviderKinds() []ProviderKind {
	return []ProviderKind{
		ProviderOllama,
		ProviderOpenAI,
		ProviderGroq,
		ProviderAnthropic,
		ProviderGemini,
	}
}

// ParseProviderKind converts a string to a ProviderKind.
func ParseProviderKind(s string) (ProviderKind, error) {
	k := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("unsupported provider %q (want ollama, openai, groq, anthropic or gemini)", s)
	}
	return k, nil
}

// IsValid returns true if the kind is supported.
func (k ProviderKind) IsValid() bool {
	for _, known := range AllProviderKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// String returns the string representation of the kind.
func (k ProviderKind) String() string {
	return string(k)
}

// IsLocal reports whether the provider runs on the user's machine.
func (k ProviderKind) IsLocal() bool {
	return k == ProviderOllama
}

// RequiresAPIKey reports whether requests must carry credentials.
func (k ProviderKind) RequiresAPIKey() bool {
	return !k.IsLocal()
}

// APIKeyEnv returns the environment variable holding the provider's key.
func (k ProviderKind) APIKeyEnv() string {
	switch k {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGroq:
		return "GROQ_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// DefaultURL returns the base URL used when an endpoint does not set one.
func (k ProviderKind) DefaultURL() string {
	switch k {
	case ProviderOllama:
		return "http://localhost:11434/v1"
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderGroq:
		return "https://api.groq.com/openai/v1"
	case ProviderAnthropic:
		return "https://api.anthropic.com"
	default:
		return ""
	}
}
