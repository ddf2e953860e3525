package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/casegen/embedding"
	"github.com/c360studio/casegen/model"
)

func TestCredentials_EnvWinsOverKeyring(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{
		{Key: "openai", Data: []byte("from-keyring")},
		{Key: "groq", Data: []byte("groq-keyring")},
	})
	env := map[string]string{"OPENAI_API_KEY": "from-env"}
	creds := NewCredentials(ring, func(k string) string { return env[k] }, nil)

	assert.Equal(t, "from-env", creds.Lookup(model.ProviderOpenAI))
	assert.Equal(t, "groq-keyring", creds.Lookup(model.ProviderGroq))
	assert.Empty(t, creds.Lookup(model.ProviderAnthropic))
}

func TestCredentials_NoKeyring(t *testing.T) {
	creds := NewCredentials(nil, func(string) string { return "" }, nil)
	assert.Empty(t, creds.Lookup(model.ProviderGemini))
}

func TestCredentials_Apply(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{
		{Key: "openai", Data: []byte("sk-ring")},
	})
	creds := NewCredentials(ring, func(string) string { return "" }, nil)

	cfg := DefaultConfig()
	cfg.Embedding = embedding.Config{Provider: model.ProviderOpenAI, Model: "text-embedding-3-small"}
	registry := model.NewRegistryFromConfig(cfg.Models)

	creds.Apply(registry, cfg)

	assert.Equal(t, "sk-ring", registry.GetEndpoint("gpt-4o-mini").APIKey)
	assert.Empty(t, registry.GetEndpoint("llama3.2:3b").APIKey, "local endpoints need no key")
	assert.Equal(t, "sk-ring", cfg.Embedding.APIKey)
}

func TestLoadCredentials_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("GROQ_API_KEY=gsk-from-file\n"), 0600))
	t.Setenv("GROQ_API_KEY", "")
	os.Unsetenv("GROQ_API_KEY")

	creds, err := LoadCredentials(CredentialsConfig{EnvFile: envFile}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gsk-from-file", creds.Lookup(model.ProviderGroq))
}

func TestLoadCredentials_MissingEnvFileIgnored(t *testing.T) {
	_, err := LoadCredentials(CredentialsConfig{EnvFile: filepath.Join(t.TempDir(), ".env")}, nil)
	assert.NoError(t, err)
}
