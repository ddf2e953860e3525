package model

import (
	"fmt"
	"sort"
)

// RegistryConfig is the serialized form of a registry, embedded in the
// application config under "models".
type RegistryConfig struct {
	Default   string                     `json:"default" yaml:"default"`
	Endpoints map[string]*EndpointConfig `json:"endpoints" yaml:"endpoints"`
	Aliases   map[string]string          `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// DefaultRegistryConfig returns the built-in endpoint table.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Default:   "llama3.2:3b",
		Endpoints: DefaultEndpoints(),
	}
}

// Validate checks every endpoint and alias target.
func (c RegistryConfig) Validate() error {
	names := make([]string, 0, len(c.Endpoints))
	for name := range c.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ep := c.Endpoints[name]
		if ep == nil {
			return fmt.Errorf("endpoint %q: empty configuration", name)
		}
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoint %q: %w", name, err)
		}
	}
	if c.Default != "" {
		if _, ok := c.Endpoints[c.Default]; !ok {
			return fmt.Errorf("default model %q is not a configured endpoint", c.Default)
		}
	}
	for alias, target := range c.Aliases {
		if _, ok := c.Endpoints[target]; !ok {
			return fmt.Errorf("alias %q points at unknown endpoint %q", alias, target)
		}
	}
	return nil
}

// NewRegistryFromConfig builds a Registry from its serialized form.
// Endpoint values are copied so the registry does not share state with cfg.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	endpoints := make(map[string]*EndpointConfig, len(cfg.Endpoints))
	for name, ep := range cfg.Endpoints {
		if ep == nil {
			continue
		}
		cp := *ep
		endpoints[name] = &cp
	}

	r := NewRegistry(endpoints, cfg.Default)
	for alias, target := range cfg.Aliases {
		r.SetAlias(alias, target)
	}
	return r
}

// ToConfig converts a Registry to a RegistryConfig for serialization.
func (r *Registry) ToConfig() RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := make(map[string]*EndpointConfig, len(r.endpoints))
	for name, ep := range r.endpoints {
		cp := *ep
		endpoints[name] = &cp
	}
	aliases := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		aliases[k] = v
	}

	cfg := RegistryConfig{Endpoints: endpoints, Aliases: aliases}
	if r.defaults != nil {
		cfg.Default = r.defaults.Model
	}
	return cfg
}
