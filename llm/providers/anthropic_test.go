package providers

import (
	"net/http"
	"testing"

	"github.com/c360studio/casegen/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"empty uses default", "", "https://api.anthropic.com/v1/messages"},
		{"custom base URL", "https://proxy.example.com", "https://proxy.example.com/v1/messages"},
		{"trailing slash handled", "https://api.anthropic.com/", "https://api.anthropic.com/v1/messages"},
		{"already has endpoint", "https://api.anthropic.com/v1/messages", "https://api.anthropic.com/v1/messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestAnthropicProvider_SetHeaders(t *testing.T) {
	p := &AnthropicProvider{}

	req, _ := http.NewRequest("POST", "https://api.anthropic.com/v1/messages", nil)
	p.SetHeaders(req, "sk-ant")

	assert.Equal(t, "sk-ant", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	messages := []llm.Message{
		{Role: "system", Content: "You are a QA engineer."},
		{Role: "system", Content: "Return JSON."},
		{Role: "user", Content: "List scenarios"},
		{Role: "assistant", Content: "{\"scenarios\": []}"},
		{Role: "user", Content: "More please"},
	}

	temp := 0.7
	body, err := p.BuildRequestBody("claude-sonnet-4-20250514", messages, &temp, 2048)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"system":"You are a QA engineer.\n\nReturn JSON."`)
	assert.Contains(t, string(body), `"model":"claude-sonnet-4-20250514"`)
	assert.Contains(t, string(body), `"max_tokens":2048`)
	assert.NotContains(t, string(body), `"role":"system"`)
	assert.Contains(t, string(body), `"role":"user"`)
	assert.Contains(t, string(body), `"role":"assistant"`)
}

func TestAnthropicProvider_BuildRequestBody_DefaultMaxTokens(t *testing.T) {
	p := &AnthropicProvider{}

	body, err := p.BuildRequestBody("claude-sonnet", []llm.Message{{Role: "user", Content: "Hello"}}, nil, 0)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"max_tokens":4096`)
	assert.NotContains(t, string(body), `"temperature"`)
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	responseBody := []byte(`{
		"id": "msg_123",
		"type": "message",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "{\"scenarios\": "},
			{"type": "text", "text": "[\"A\"]}"}
		],
		"model": "claude-sonnet-4-20250514",
		"stop_reason": "max_tokens",
		"usage": {"input_tokens": 15, "output_tokens": 8}
	}`)

	resp, err := p.ParseResponse(responseBody, "claude-sonnet")
	require.NoError(t, err)

	assert.Equal(t, `{"scenarios": ["A"]}`, resp.Content)
	assert.Equal(t, "claude-sonnet-4-20250514", resp.Model)
	assert.Equal(t, "max_tokens", resp.FinishReason)
	assert.True(t, resp.Truncated())
	assert.Equal(t, 15, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)
	assert.Equal(t, 23, resp.Usage.TotalTokens)
}

func TestAnthropicProvider_ParseResponse_Invalid(t *testing.T) {
	_, err := (&AnthropicProvider{}).ParseResponse([]byte("not json"), "claude")
	assert.Error(t, err)
}
