package model

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRegistryConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RegistryConfig
		wantErr string
	}{
		{
			name: "defaults are valid",
			cfg:  DefaultRegistryConfig(),
		},
		{
			name: "unsupported provider",
			cfg: RegistryConfig{Endpoints: map[string]*EndpointConfig{
				"x": {Provider: "azure", Model: "m"},
			}},
			wantErr: "unsupported provider",
		},
		{
			name: "missing model",
			cfg: RegistryConfig{Endpoints: map[string]*EndpointConfig{
				"x": {Provider: ProviderOllama},
			}},
			wantErr: "model is required",
		},
		{
			name: "unknown default",
			cfg: RegistryConfig{Default: "missing", Endpoints: map[string]*EndpointConfig{
				"x": {Provider: ProviderOllama, Model: "m"},
			}},
			wantErr: "default model",
		},
		{
			name: "dangling alias",
			cfg: RegistryConfig{
				Endpoints: map[string]*EndpointConfig{"x": {Provider: ProviderOllama, Model: "m"}},
				Aliases:   map[string]string{"fast": "y"},
			},
			wantErr: "alias",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegistryConfigYAML(t *testing.T) {
	data := []byte(`
default: local
endpoints:
  local:
    provider: ollama
    url: http://localhost:3000/v1
    model: mock-model
    context_window: 8192
    max_output_tokens: 2048
aliases:
  mock: local
`)

	var cfg RegistryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	r := NewRegistryFromConfig(cfg)
	ep, err := r.Resolve("mock")
	if err != nil {
		t.Fatalf("resolve alias: %v", err)
	}
	if ep.Name != "local" || ep.ContextWindow != 8192 || ep.MaxOutputTokens != 2048 {
		t.Errorf("unexpected endpoint %+v", ep)
	}

	// Registry holds copies of the config values.
	cfg.Endpoints["local"].Model = "changed"
	if r.GetEndpoint("local").Model != "mock-model" {
		t.Error("registry shares endpoint pointers with config")
	}
}

func TestToConfigRoundTrip(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetAlias("cheap", "gpt-4o-mini")

	cfg := r.ToConfig()
	if cfg.Default != "llama3.2:3b" {
		t.Errorf("expected default preserved, got %q", cfg.Default)
	}
	if cfg.Aliases["cheap"] != "gpt-4o-mini" {
		t.Errorf("expected alias preserved, got %v", cfg.Aliases)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "apikey") || strings.Contains(string(out), "api_key") {
		t.Error("API keys must not be serialized")
	}
}
