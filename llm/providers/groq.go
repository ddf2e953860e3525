package providers

import (
	"github.com/c360studio/casegen/llm"
	"github.com/c360studio/casegen/model"
)

// GroqProvider implements Groq's OpenAI-compatible API.
type GroqProvider struct {
	OpenAIProvider
}

func init() {
	llm.RegisterProvider(&GroqProvider{})
}

// Kind returns the provider identifier.
func (g *GroqProvider) Kind() model.ProviderKind {
	return model.ProviderGroq
}

// BuildURL constructs the Groq chat completions endpoint.
func (g *GroqProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, model.ProviderGroq.DefaultURL())
}
