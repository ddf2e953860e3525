package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/c360studio/casegen/llm"
	"github.com/c360studio/casegen/model"
	"google.golang.org/genai"
)

// geminiDefaultMaxOutput caps JSON responses when the caller sets no ceiling.
const geminiDefaultMaxOutput = 16384

// geminiDefaultTemperature is used when the request leaves temperature unset.
const geminiDefaultTemperature = 0.3

// GeminiProvider calls the Gemini API through the genai SDK.
type GeminiProvider struct {
	mu      sync.Mutex
	clients map[geminiClientKey]*genai.Client
}

type geminiClientKey struct {
	apiKey string
	url    string
	http   *http.Client
}

func init() {
	llm.RegisterProvider(&GeminiProvider{})
}

// Kind returns the provider identifier.
func (g *GeminiProvider) Kind() model.ProviderKind {
	return model.ProviderGemini
}

// client returns a cached SDK client for the endpoint's key, base URL and transport.
func (g *GeminiProvider) client(ctx context.Context, httpClient *http.Client, ep model.Endpoint) (*genai.Client, error) {
	key := geminiClientKey{apiKey: ep.APIKey, url: ep.URL, http: httpClient}

	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[key]; ok {
		return c, nil
	}

	c, err := NewGeminiClient(ctx, ep.APIKey, ep.URL, httpClient)
	if err != nil {
		return nil, err
	}
	if g.clients == nil {
		g.clients = make(map[geminiClientKey]*genai.Client)
	}
	g.clients[key] = c
	return c, nil
}

// NewGeminiClient builds a genai client for the Gemini API. baseURL overrides
// the API host and is used for tests. A nil httpClient uses the SDK default,
// which has no timeout.
func NewGeminiClient(ctx context.Context, apiKey, baseURL string, httpClient *http.Client) (*genai.Client, error) {
	if apiKey == "" {
		return nil, llm.NewFatalError(fmt.Errorf("gemini API key is required (set %s)", model.ProviderGemini.APIKeyEnv()))
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("create gemini client: %w", err))
	}
	return c, nil
}

// Complete sends the request with GenerateContent.
func (g *GeminiProvider) Complete(ctx context.Context, httpClient *http.Client, ep model.Endpoint, req llm.Request) (*llm.Response, error) {
	c, err := g.client(ctx, httpClient, ep)
	if err != nil {
		return nil, err
	}

	var system []string
	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	temperature := float32(geminiDefaultTemperature)
	if req.Temperature != nil {
		temperature = float32(*req.Temperature)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = geminiDefaultMaxOutput
	}

	config := &genai.GenerateContentConfig{
		Temperature:      &temperature,
		MaxOutputTokens:  int32(maxTokens),
		ResponseMIMEType: "application/json",
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	resp, err := c.Models.GenerateContent(ctx, ep.Model, contents, config)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	out := &llm.Response{
		Content: resp.Text(),
		Model:   ep.Model,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// classifyGeminiError maps SDK errors onto the transient/fatal split used by
// the HTTP providers.
func classifyGeminiError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}

	if code == 0 {
		// No HTTP status: network failure or timeout.
		return llm.NewTransientError(fmt.Errorf("gemini request failed: %w", err))
	}
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return llm.NewTransientError(fmt.Errorf("gemini API error (status %d): %w", code, err))
	}
	return llm.NewFatalError(fmt.Errorf("gemini API error (status %d): %w", code, err))
}
