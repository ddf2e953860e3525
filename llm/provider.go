package llm

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/c360studio/casegen/model"
)

// Provider is implemented by every backend adapter.
type Provider interface {
	// Kind returns the provider identifier.
	Kind() model.ProviderKind
}

// HTTPProvider is a provider reached with a single JSON POST per completion.
type HTTPProvider interface {
	Provider

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers, including credentials.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the JSON request body.
	// temperature is nil to use the provider default.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte, model string) (*Response, error)
}

// SDKProvider is a provider that performs the call itself, typically through a vendor SDK.
// httpClient is the client's transport, timeout included.
// Errors must already be classified as TransientError or FatalError.
type SDKProvider interface {
	Provider

	Complete(ctx context.Context, httpClient *http.Client, ep model.Endpoint, req Request) (*Response, error)
}

var (
	providerRegistry = make(map[model.ProviderKind]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry, replacing any previous one of the same kind.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Kind()] = p
}

// GetProvider retrieves a provider by kind.
func GetProvider(kind model.ProviderKind) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[kind]
}

// ListProviders returns all registered provider kinds, sorted.
func ListProviders() []model.ProviderKind {
	providerMu.RLock()
	defer providerMu.RUnlock()

	kinds := make([]model.ProviderKind, 0, len(providerRegistry))
	for k := range providerRegistry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
