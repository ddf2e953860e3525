package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"

	"github.com/c360studio/casegen/model"
)

// CredentialsConfig controls where provider API keys are looked up.
type CredentialsConfig struct {
	// EnvFile is loaded into the environment before lookups (missing file is ignored)
	EnvFile string `yaml:"env_file"`
	// Keyring enables the OS keychain as the last lookup source
	Keyring bool `yaml:"keyring"`
	// KeyringService is the keychain service name; items are keyed by provider
	KeyringService string `yaml:"keyring_service"`
}

// Credentials resolves provider API keys from the environment and,
// optionally, the OS keychain. Variables already set in the environment win
// over the env file.
type Credentials struct {
	ring   keyring.Keyring
	getenv func(string) string
	logger *slog.Logger
}

// LoadCredentials loads cfg.EnvFile and opens the keychain when enabled.
func LoadCredentials(cfg CredentialsConfig, logger *slog.Logger) (*Credentials, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load env file %s: %w", cfg.EnvFile, err)
			}
		} else {
			logger.Debug("Loaded env file", "path", cfg.EnvFile)
		}
	}

	var ring keyring.Keyring
	if cfg.Keyring {
		var err error
		ring, err = keyring.Open(keyring.Config{ServiceName: cfg.KeyringService})
		if err != nil {
			return nil, fmt.Errorf("open keyring %q: %w", cfg.KeyringService, err)
		}
	}

	return NewCredentials(ring, os.Getenv, logger), nil
}

// NewCredentials builds a resolver over an already opened keyring. ring may
// be nil.
func NewCredentials(ring keyring.Keyring, getenv func(string) string, logger *slog.Logger) *Credentials {
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Credentials{ring: ring, getenv: getenv, logger: logger}
}

// Lookup returns the API key for a provider, or "" when none is found.
func (c *Credentials) Lookup(kind model.ProviderKind) string {
	if env := kind.APIKeyEnv(); env != "" {
		if v := c.getenv(env); v != "" {
			return v
		}
	}
	if c.ring == nil {
		return ""
	}

	item, err := c.ring.Get(string(kind))
	if err != nil {
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			c.logger.Warn("Keyring lookup failed", "provider", kind, "error", err)
		}
		return ""
	}
	return string(item.Data)
}

// Apply fills missing API keys on the registry's endpoints and on the
// embedding backend.
func (c *Credentials) Apply(registry *model.Registry, cfg *Config) {
	registry.ApplyCredentials(c.Lookup)
	if cfg.Embedding.Provider != "" && cfg.Embedding.Provider.RequiresAPIKey() && cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = c.Lookup(cfg.Embedding.Provider)
	}
}
