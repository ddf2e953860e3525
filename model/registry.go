// Package model resolves model selectors to concrete provider endpoints and
// tracks endpoint health for circuit breaking.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownModel is returned when a selector matches no endpoint.
var ErrUnknownModel = errors.New("unknown model")

// Registry maps endpoint names and model id aliases to endpoint configuration.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointConfig
	aliases   map[string]string
	defaults  *DefaultsConfig
	health    *healthState
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the backend family.
	Provider ProviderKind `json:"provider" yaml:"provider"`

	// URL is the API base URL. Empty uses the provider default.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the actual model identifier to send to the provider.
	Model string `json:"model" yaml:"model"`

	// ContextWindow is the total token window of the model.
	ContextWindow int `json:"context_window,omitempty" yaml:"context_window,omitempty"`

	// MaxOutputTokens caps the response length the provider accepts.
	MaxOutputTokens int `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`

	// APIKey is resolved from the environment or keychain at load time and never serialized.
	APIKey string `json:"-" yaml:"-"`
}

// BaseURL returns the configured URL or the provider default.
func (e EndpointConfig) BaseURL() string {
	if e.URL != "" {
		return e.URL
	}
	return e.Provider.DefaultURL()
}

// Validate checks the endpoint is usable.
func (e EndpointConfig) Validate() error {
	if !e.Provider.IsValid() {
		return fmt.Errorf("unsupported provider %q", e.Provider)
	}
	if e.Model == "" {
		return fmt.Errorf("model is required")
	}
	if e.ContextWindow < 0 || e.MaxOutputTokens < 0 {
		return fmt.Errorf("token limits must not be negative")
	}
	return nil
}

// Endpoint is a resolved endpoint: the registry name plus a copy of its configuration.
type Endpoint struct {
	Name string
	EndpointConfig
}

// DefaultsConfig holds default model settings.
type DefaultsConfig struct {
	// Model is the endpoint used when no selector is given.
	Model string `json:"model" yaml:"model"`
}

// NewRegistry creates a registry with the given endpoints and default endpoint name.
func NewRegistry(endpoints map[string]*EndpointConfig, defaultModel string) *Registry {
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		endpoints: endpoints,
		aliases:   make(map[string]string),
		defaults:  &DefaultsConfig{Model: defaultModel},
	}
}

// NewDefaultRegistry creates a registry with the model ids the product ships with.
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultEndpoints(), "llama3.2:3b")
}

// DefaultEndpoints returns the built-in endpoint table keyed by model id.
func DefaultEndpoints() map[string]*EndpointConfig {
	return map[string]*EndpointConfig{
		"gpt-4o-mini": {
			Provider:        ProviderOpenAI,
			Model:           "gpt-4o-mini",
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
		},
		"gpt-4o": {
			Provider:        ProviderOpenAI,
			Model:           "gpt-4o",
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
		},
		"gemini-2.5-flash": {
			Provider:        ProviderGemini,
			Model:           "gemini-2.5-flash",
			ContextWindow:   1048576,
			MaxOutputTokens: 16384,
		},
		"llama-3.3-70b-versatile": {
			Provider:        ProviderGroq,
			Model:           "llama-3.3-70b-versatile",
			ContextWindow:   131072,
			MaxOutputTokens: 32768,
		},
		"llama3.2:3b": {
			Provider:        ProviderOllama,
			URL:             "http://localhost:11434/v1",
			Model:           "llama3.2:3b",
			ContextWindow:   8192,
			MaxOutputTokens: 4096,
		},
		"claude-sonnet": {
			Provider:        ProviderAnthropic,
			Model:           "claude-sonnet-4-20250514",
			ContextWindow:   200000,
			MaxOutputTokens: 8192,
		},
	}
}

// Resolve turns a selector into an endpoint. The selector may be an endpoint
// name, a registered alias, or a provider model id. Empty selects the default.
// The returned Endpoint is a copy; later registry changes do not affect it.
func (r *Registry) Resolve(selector string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := strings.TrimSpace(selector)
	if name == "" && r.defaults != nil {
		name = r.defaults.Model
	}
	if name == "" {
		return Endpoint{}, fmt.Errorf("%w: no selector and no default configured", ErrUnknownModel)
	}

	if ep, ok := r.endpoints[name]; ok {
		return Endpoint{Name: name, EndpointConfig: *ep}, nil
	}
	if target, ok := r.aliases[name]; ok {
		if ep, ok := r.endpoints[target]; ok {
			return Endpoint{Name: target, EndpointConfig: *ep}, nil
		}
	}

	// Match on the provider model id. Sorted so duplicates resolve stably.
	names := make([]string, 0, len(r.endpoints))
	for n := range r.endpoints {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if r.endpoints[n].Model == name {
			return Endpoint{Name: n, EndpointConfig: *r.endpoints[n]}, nil
		}
	}

	return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownModel, selector)
}

// GetEndpoint returns the endpoint configuration for a name.
// Returns nil if the name is not configured.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[name]
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// SetAlias maps an alternative selector onto an endpoint name.
func (r *Registry) SetAlias(alias, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.aliases == nil {
		r.aliases = make(map[string]string)
	}
	r.aliases[alias] = endpoint
}

// SetDefault sets the default endpoint.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.defaults == nil {
		r.defaults = &DefaultsConfig{}
	}
	r.defaults.Model = name
}

// Default returns the default endpoint name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaults == nil {
		return ""
	}
	return r.defaults.Model
}

// ListEndpoints returns all configured endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyCredentials sets APIKey on every endpoint of a provider kind that has none.
func (r *Registry) ApplyCredentials(lookup func(ProviderKind) string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ep := range r.endpoints {
		if ep.APIKey != "" || !ep.Provider.RequiresAPIKey() {
			continue
		}
		ep.APIKey = lookup(ep.Provider)
	}
}
