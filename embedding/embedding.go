// Package embedding provides text embedding backends used by semantic
// deduplication. Every backend failure matches llm.ErrProviderUnavailable so
// callers can degrade to title-only deduplication.
package embedding

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/c360studio/casegen/llm"
	"github.com/c360studio/casegen/llm/providers"
	"github.com/c360studio/casegen/model"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Embedder turns texts into vectors. The result has one vector per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config selects an embedding backend. An empty Provider disables embeddings.
type Config struct {
	Provider model.ProviderKind `yaml:"provider" json:"provider"`
	URL      string             `yaml:"url,omitempty" json:"url,omitempty"`
	Model    string             `yaml:"model" json:"model"`
	APIKey   string             `yaml:"-" json:"-"`
	// Cache keeps vectors in memory keyed by text.
	Cache bool `yaml:"cache" json:"cache"`
}

// New builds the backend described by cfg. It returns nil, nil when cfg
// disables embeddings.
func New(ctx context.Context, cfg Config, httpClient *http.Client) (Embedder, error) {
	var e Embedder
	switch cfg.Provider {
	case "":
		return nil, nil
	case model.ProviderOpenAI, model.ProviderOllama:
		url := cfg.URL
		if url == "" {
			url = cfg.Provider.DefaultURL()
		}
		e = NewOpenAI(url, cfg.APIKey, cfg.Model, httpClient)
	case model.ProviderGemini:
		g, err := NewGemini(ctx, cfg.APIKey, cfg.URL, cfg.Model, httpClient)
		if err != nil {
			return nil, err
		}
		e = g
	default:
		return nil, fmt.Errorf("provider %s does not offer embeddings", cfg.Provider)
	}
	if cfg.Cache {
		e = NewCached(e)
	}
	return e, nil
}

// OpenAI embeds through any OpenAI-compatible /embeddings endpoint, including
// Ollama and the mock server.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an OpenAI-compatible embedder. httpClient may be nil.
func NewOpenAI(baseURL, apiKey, modelName string, httpClient *http.Client) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: modelName}
}

// Embed implements Embedder.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embeddings %s: %w", llm.ErrProviderUnavailable, o.model, err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%w: embeddings %s: index %d out of range", llm.ErrProviderUnavailable, o.model, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: embeddings %s: missing vector %d", llm.ErrProviderUnavailable, o.model, i)
		}
	}
	return out, nil
}

// Gemini embeds through the Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates a Gemini embedder. baseURL overrides the API host.
// httpClient may be nil.
func NewGemini(ctx context.Context, apiKey, baseURL, modelName string, httpClient *http.Client) (*Gemini, error) {
	c, err := providers.NewGeminiClient(ctx, apiKey, baseURL, httpClient)
	if err != nil {
		return nil, err
	}
	g := &Gemini{client: c, model: modelName}
	if httpClient != nil {
		g.timeout = httpClient.Timeout
	}
	return g, nil
}

// Embed implements Embedder.
func (g *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: embeddings %s: %w", llm.ErrProviderUnavailable, g.model, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: embeddings %s: got %d vectors for %d texts",
			llm.ErrProviderUnavailable, g.model, len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("%w: embeddings %s: missing vector %d", llm.ErrProviderUnavailable, g.model, i)
		}
		out[i] = e.Values
	}
	return out, nil
}

// Cached wraps an Embedder and remembers vectors by text.
type Cached struct {
	inner Embedder

	mu    sync.Mutex
	cache map[string][]float32
}

// NewCached wraps inner with an in-memory cache.
func NewCached(inner Embedder) *Cached {
	return &Cached{inner: inner, cache: make(map[string][]float32)}
}

// Embed implements Embedder. Only texts not seen before reach the backend.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	c.mu.Lock()
	for i, t := range texts {
		if v, ok := c.cache[t]; ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", llm.ErrProviderUnavailable, len(vectors), len(missing))
	}

	c.mu.Lock()
	for j, v := range vectors {
		c.cache[missing[j]] = v
		out[missingIdx[j]] = v
	}
	c.mu.Unlock()
	return out, nil
}

// Len returns the number of cached vectors.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
