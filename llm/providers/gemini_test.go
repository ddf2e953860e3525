package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/c360studio/casegen/llm"
	"github.com/c360studio/casegen/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geminiEndpoint(url string) model.Endpoint {
	return model.Endpoint{
		Name: "gemini-2.5-flash",
		EndpointConfig: model.EndpointConfig{
			Provider: model.ProviderGemini,
			URL:      url,
			Model:    "gemini-2.5-flash",
			APIKey:   "test-key",
		},
	}
}

func TestGeminiProvider_Complete(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.Contains(r.URL.Path, "gemini-2.5-flash:generateContent"), r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "{\"scenarios\": [\"A\"]}"}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 7, "totalTokenCount": 12},
			"modelVersion": "gemini-2.5-flash-001"
		}`))
	}))
	defer server.Close()

	p := &GeminiProvider{}
	temp := 0.2
	resp, err := p.Complete(context.Background(), nil, geminiEndpoint(server.URL), llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are a QA engineer."},
			{Role: "user", Content: "List scenarios"},
		},
		Temperature: &temp,
		MaxTokens:   1024,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"scenarios": ["A"]}`, resp.Content)
	assert.Equal(t, "gemini-2.5-flash-001", resp.Model)
	assert.Equal(t, "STOP", resp.FinishReason)
	assert.False(t, resp.Truncated())
	assert.Equal(t, 12, resp.Usage.TotalTokens)

	cfg, ok := body["generationConfig"].(map[string]any)
	require.True(t, ok, "generationConfig missing: %v", body)
	assert.EqualValues(t, 1024, cfg["maxOutputTokens"])
	assert.Contains(t, body, "systemInstruction")
}

func TestGeminiProvider_Complete_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprintf(w, `{"error": {"code": %d, "message": "failure", "status": "ERR"}}`, tt.status)
			}))
			defer server.Close()

			_, err := (&GeminiProvider{}).Complete(context.Background(), nil, geminiEndpoint(server.URL), llm.Request{
				Messages: []llm.Message{{Role: "user", Content: "hi"}},
			})
			require.Error(t, err)
			assert.Equal(t, tt.transient, llm.IsTransient(err), "error: %v", err)
			assert.Equal(t, !tt.transient, llm.IsFatal(err), "error: %v", err)
		})
	}
}

func TestGeminiProvider_RequiresAPIKey(t *testing.T) {
	ep := geminiEndpoint("")
	ep.APIKey = ""

	_, err := (&GeminiProvider{}).Complete(context.Background(), nil, ep, llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}
