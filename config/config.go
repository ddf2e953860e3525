// Package config provides configuration loading and management for casegen.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/casegen/dedup"
	"github.com/c360studio/casegen/embedding"
	"github.com/c360studio/casegen/model"
)

// Storage backends.
const (
	StorageNone   = ""
	StorageSQLite = "sqlite"
	StorageNATSKV = "nats-kv"
)

// Config represents the complete casegen configuration
type Config struct {
	Models      model.RegistryConfig `yaml:"models"`
	Generation  GenerationConfig     `yaml:"generation"`
	Dedup       DedupConfig          `yaml:"dedup"`
	Budget      BudgetConfig         `yaml:"budget"`
	Embedding   embedding.Config     `yaml:"embedding"`
	NATS        NATSConfig           `yaml:"nats"`
	Storage     StorageConfig        `yaml:"storage"`
	Metrics     MetricsConfig        `yaml:"metrics"`
	Credentials CredentialsConfig    `yaml:"credentials"`
}

// GenerationConfig tunes provider calls and the feature pipeline.
type GenerationConfig struct {
	// Temperature controls randomness (0.0-2.0, default: 0.7)
	Temperature float64 `yaml:"temperature"`
	// Timeout bounds one provider HTTP call
	Timeout time.Duration `yaml:"timeout"`
	// TitleMaxTokens caps the response of a title request
	TitleMaxTokens int `yaml:"title_max_tokens"`
	// ExpandChunkSize is the number of scenarios expanded per call
	ExpandChunkSize int `yaml:"expand_chunk_size"`
	// AutoRetries is how often a feature is retried after the provider became unavailable
	AutoRetries int `yaml:"auto_retries"`
	// DisableReprompt turns off the second title request when too few titles come back
	DisableReprompt bool `yaml:"disable_reprompt"`
	// MaxConcurrent bounds in-flight provider calls across all features (0 = unbounded)
	MaxConcurrent int `yaml:"max_concurrent"`
	// CreatedBy is stamped on every generated case
	CreatedBy string `yaml:"created_by"`
}

// DedupConfig holds the similarity thresholds.
type DedupConfig struct {
	TitleThreshold     float64 `yaml:"title_threshold"`
	EmbeddingThreshold float64 `yaml:"embedding_threshold"`
}

// BudgetConfig overrides token estimation for every endpoint.
type BudgetConfig struct {
	// CharsPerToken replaces the model family ratio when positive
	CharsPerToken float64 `yaml:"chars_per_token"`
	// SafetyMargin is the fraction of the remaining window held back
	SafetyMargin float64 `yaml:"safety_margin"`
	// MinOutputTokens is the smallest ceiling worth attempting
	MinOutputTokens int `yaml:"min_output_tokens"`
}

// NATSConfig configures LLM call recording
type NATSConfig struct {
	// URL is the NATS server URL (empty = no call recording)
	URL string `yaml:"url"`
	// Subject is the base subject for call records
	Subject string `yaml:"subject"`
}

// StorageConfig selects where accepted cases are written.
type StorageConfig struct {
	// Backend is "sqlite", "nats-kv" or empty for none
	Backend string `yaml:"backend"`
	// Path is the SQLite database file
	Path string `yaml:"path"`
	// Bucket is the JetStream KV bucket
	Bucket string `yaml:"bucket"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Models: model.DefaultRegistryConfig(),
		Generation: GenerationConfig{
			Temperature:     0.7,
			Timeout:         3 * time.Minute,
			TitleMaxTokens:  2048,
			ExpandChunkSize: 10,
			AutoRetries:     1,
			MaxConcurrent:   4,
			CreatedBy:       "casegen",
		},
		Dedup: DedupConfig{
			TitleThreshold:     dedup.DefaultTitleThreshold,
			EmbeddingThreshold: dedup.DefaultEmbeddingThreshold,
		},
		Storage: StorageConfig{
			Path:   "casegen.db",
			Bucket: "CASEGEN_ACCEPTED",
		},
		Credentials: CredentialsConfig{
			EnvFile:        ".env",
			KeyringService: "casegen",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if len(c.Models.Endpoints) == 0 {
		return fmt.Errorf("models.endpoints must define at least one endpoint")
	}
	if err := c.Models.Validate(); err != nil {
		return fmt.Errorf("models: %w", err)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("generation.temperature must be between 0 and 2")
	}
	if c.Generation.ExpandChunkSize < 1 {
		return fmt.Errorf("generation.expand_chunk_size must be at least 1")
	}
	if c.Generation.AutoRetries < 0 {
		return fmt.Errorf("generation.auto_retries must not be negative")
	}
	if err := checkThreshold("dedup.title_threshold", c.Dedup.TitleThreshold); err != nil {
		return err
	}
	if err := checkThreshold("dedup.embedding_threshold", c.Dedup.EmbeddingThreshold); err != nil {
		return err
	}
	if c.Budget.SafetyMargin < 0 || c.Budget.SafetyMargin >= 1 {
		return fmt.Errorf("budget.safety_margin must be in [0, 1)")
	}
	if c.Embedding.Provider != "" && !c.Embedding.Provider.IsValid() {
		return fmt.Errorf("embedding.provider %q is not a known provider", c.Embedding.Provider)
	}
	switch c.Storage.Backend {
	case StorageNone:
	case StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case StorageNATSKV:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats-kv backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be sqlite or nats-kv", c.Storage.Backend)
	}
	return nil
}

func checkThreshold(name string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be in (0, 1]", name)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Models: endpoints merge by name so a project file can add one
	// endpoint without restating the built-in table.
	if other.Models.Default != "" {
		c.Models.Default = other.Models.Default
	}
	if len(other.Models.Endpoints) > 0 && c.Models.Endpoints == nil {
		c.Models.Endpoints = make(map[string]*model.EndpointConfig, len(other.Models.Endpoints))
	}
	for name, ep := range other.Models.Endpoints {
		c.Models.Endpoints[name] = ep
	}
	if len(other.Models.Aliases) > 0 && c.Models.Aliases == nil {
		c.Models.Aliases = make(map[string]string, len(other.Models.Aliases))
	}
	for alias, target := range other.Models.Aliases {
		c.Models.Aliases[alias] = target
	}

	// Generation
	g, og := &c.Generation, other.Generation
	if og.Temperature != 0 {
		g.Temperature = og.Temperature
	}
	if og.Timeout != 0 {
		g.Timeout = og.Timeout
	}
	if og.TitleMaxTokens != 0 {
		g.TitleMaxTokens = og.TitleMaxTokens
	}
	if og.ExpandChunkSize != 0 {
		g.ExpandChunkSize = og.ExpandChunkSize
	}
	if og.AutoRetries != 0 {
		g.AutoRetries = og.AutoRetries
	}
	if og.DisableReprompt {
		g.DisableReprompt = true
	}
	if og.MaxConcurrent != 0 {
		g.MaxConcurrent = og.MaxConcurrent
	}
	if og.CreatedBy != "" {
		g.CreatedBy = og.CreatedBy
	}

	// Dedup
	if other.Dedup.TitleThreshold != 0 {
		c.Dedup.TitleThreshold = other.Dedup.TitleThreshold
	}
	if other.Dedup.EmbeddingThreshold != 0 {
		c.Dedup.EmbeddingThreshold = other.Dedup.EmbeddingThreshold
	}

	// Budget
	if other.Budget.CharsPerToken != 0 {
		c.Budget.CharsPerToken = other.Budget.CharsPerToken
	}
	if other.Budget.SafetyMargin != 0 {
		c.Budget.SafetyMargin = other.Budget.SafetyMargin
	}
	if other.Budget.MinOutputTokens != 0 {
		c.Budget.MinOutputTokens = other.Budget.MinOutputTokens
	}

	// Embedding is replaced as a unit; mixing providers and models makes no sense.
	if other.Embedding.Provider != "" {
		c.Embedding = other.Embedding
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Subject != "" {
		c.NATS.Subject = other.NATS.Subject
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.Path != "" {
		c.Storage.Path = other.Storage.Path
	}
	if other.Storage.Bucket != "" {
		c.Storage.Bucket = other.Storage.Bucket
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	// Credentials
	if other.Credentials.EnvFile != "" {
		c.Credentials.EnvFile = other.Credentials.EnvFile
	}
	if other.Credentials.Keyring {
		c.Credentials.Keyring = true
	}
	if other.Credentials.KeyringService != "" {
		c.Credentials.KeyringService = other.Credentials.KeyringService
	}
}
