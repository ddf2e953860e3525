package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func noEnv(string) string { return "" }

func TestLoader_Layers(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	nested := filepath.Join(project, "features", "web")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(home, UserConfigDir, UserConfigFile), `
models:
  default: gpt-4o-mini
generation:
  auto_retries: 4
`)
	writeFile(t, filepath.Join(project, ProjectConfigFile), `
generation:
  temperature: 0.3
`)

	loader := NewLoader(nil, WithHomeDir(home), WithWorkDir(nested), WithGetenv(noEnv))
	cfg, err := loader.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Models.Default != "gpt-4o-mini" {
		t.Errorf("expected user default model, got %s", cfg.Models.Default)
	}
	if cfg.Generation.AutoRetries != 4 {
		t.Errorf("expected user auto retries 4, got %d", cfg.Generation.AutoRetries)
	}
	if cfg.Generation.Temperature != 0.3 {
		t.Errorf("expected project temperature 0.3, got %f", cfg.Generation.Temperature)
	}
}

func TestLoader_ExplicitPathSkipsProjectSearch(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, ProjectConfigFile), "generation:\n  temperature: 0.3\n")
	explicit := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, explicit, "generation:\n  temperature: 0.1\n")

	loader := NewLoader(nil, WithHomeDir(t.TempDir()), WithWorkDir(project), WithGetenv(noEnv))
	cfg, err := loader.Load(explicit)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Generation.Temperature != 0.1 {
		t.Errorf("expected explicit temperature 0.1, got %f", cfg.Generation.Temperature)
	}
}

func TestLoader_MissingExplicitPath(t *testing.T) {
	loader := NewLoader(nil, WithHomeDir(t.TempDir()), WithWorkDir(t.TempDir()), WithGetenv(noEnv))
	if _, err := loader.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvDefaultModel: "gemini-2.5-flash",
		EnvNATSURL:      "nats://env:4222",
		EnvMetricsAddr:  ":9100",
	}
	loader := NewLoader(nil,
		WithHomeDir(t.TempDir()),
		WithWorkDir(t.TempDir()),
		WithGetenv(func(k string) string { return env[k] }))

	cfg, err := loader.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Models.Default != "gemini-2.5-flash" {
		t.Errorf("expected env model, got %s", cfg.Models.Default)
	}
	if cfg.NATS.URL != "nats://env:4222" {
		t.Errorf("expected env NATS URL, got %s", cfg.NATS.URL)
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("expected env metrics addr, got %s", cfg.Metrics.Addr)
	}
}

func TestLoader_InvalidResult(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, ProjectConfigFile), "models:\n  default: nowhere\n")

	loader := NewLoader(nil, WithHomeDir(t.TempDir()), WithWorkDir(project), WithGetenv(noEnv))
	if _, err := loader.Load(""); err == nil {
		t.Error("expected validation error for unknown default model")
	}
}

func TestLoader_EnsureUserConfig(t *testing.T) {
	home := t.TempDir()
	loader := NewLoader(nil, WithHomeDir(home))

	if err := loader.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("failed to load created config: %v", err)
	}
	if cfg.Models.Default != "llama3.2:3b" {
		t.Errorf("expected default model in created config, got %s", cfg.Models.Default)
	}

	// A second call leaves an edited file alone.
	writeFile(t, path, "generation:\n  temperature: 0.4\n")
	if err := loader.EnsureUserConfig(); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "generation:\n  temperature: 0.4\n" {
		t.Error("existing user config was overwritten")
	}
}
