package providers

import (
	"net/http"

	"github.com/c360studio/casegen/llm"
	"github.com/c360studio/casegen/model"
)

// OpenAIProvider implements the hosted OpenAI API. Requests ask for JSON mode.
type OpenAIProvider struct {
	OllamaProvider // Embed for shared response format

	// SiteURL and SiteName are sent as OpenRouter attribution headers when set.
	SiteURL  string
	SiteName string
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Kind returns the provider identifier.
func (o *OpenAIProvider) Kind() model.ProviderKind {
	return model.ProviderOpenAI
}

// BuildURL constructs the OpenAI chat completions endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, model.ProviderOpenAI.DefaultURL())
}

// SetHeaders adds OpenAI authentication headers.
func (o *OpenAIProvider) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if o.SiteURL != "" {
		req.Header.Set("HTTP-Referer", o.SiteURL)
	}
	if o.SiteName != "" {
		req.Header.Set("X-Title", o.SiteName)
	}
}

// BuildRequestBody creates the request body with JSON mode enabled.
func (o *OpenAIProvider) BuildRequestBody(modelName string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	return buildChatRequest(modelName, messages, temperature, maxTokens, true)
}
