// Package generator runs the two-pass generation protocol for one feature:
// scenario titles per coverage layer, title deduplication, budgeted
// expansion into test cases and a final lexical plus semantic dedup pass.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/casegen/budget"
	"github.com/c360studio/casegen/capability"
	"github.com/c360studio/casegen/dedup"
	"github.com/c360studio/casegen/embedding"
	"github.com/c360studio/casegen/model"
	"github.com/c360studio/casegen/prompts"
	"github.com/c360studio/casegen/testcase"
)

// Config tunes the pipeline.
type Config struct {
	// TitleThreshold is the token-set similarity at which titles are duplicates.
	TitleThreshold float64
	// EmbeddingThreshold is the cosine similarity at which cases are duplicates.
	EmbeddingThreshold float64
	// ExpandChunkSize is the number of scenarios expanded per call.
	ExpandChunkSize int

	// Budget overrides applied to the endpoint's estimator when positive.
	CharsPerToken   float64
	SafetyMargin    float64
	MinOutputTokens int
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{
		TitleThreshold:     dedup.DefaultTitleThreshold,
		EmbeddingThreshold: dedup.DefaultEmbeddingThreshold,
		ExpandChunkSize:    10,
	}
}

// Result is the outcome of one successful feature generation.
type Result struct {
	Cases []testcase.TestCase
	Stats testcase.GenerationStats
	// Degraded is set when semantic dedup was skipped; Note says why.
	Degraded bool
	Note     string
}

// Generator runs the pipeline against one capability and endpoint.
// It holds no per-feature state and is safe for concurrent use.
type Generator struct {
	capability capability.Capability
	endpoint   model.Endpoint
	estimator  *budget.Estimator
	embedder   embedding.Embedder
	cfg        Config
	logger     *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithEmbedder enables semantic deduplication.
func WithEmbedder(e embedding.Embedder) Option {
	return func(g *Generator) {
		g.embedder = e
	}
}

// WithConfig sets the pipeline settings. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(g *Generator) {
		if cfg.TitleThreshold > 0 {
			g.cfg.TitleThreshold = cfg.TitleThreshold
		}
		if cfg.EmbeddingThreshold > 0 {
			g.cfg.EmbeddingThreshold = cfg.EmbeddingThreshold
		}
		if cfg.ExpandChunkSize > 0 {
			g.cfg.ExpandChunkSize = cfg.ExpandChunkSize
		}
		g.cfg.CharsPerToken = cfg.CharsPerToken
		g.cfg.SafetyMargin = cfg.SafetyMargin
		g.cfg.MinOutputTokens = cfg.MinOutputTokens
	}
}

// WithEstimator replaces the estimator derived from the endpoint's model.
func WithEstimator(e *budget.Estimator) Option {
	return func(g *Generator) {
		if e != nil {
			g.estimator = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// New creates a Generator bound to one capability and its endpoint.
func New(c capability.Capability, ep model.Endpoint, opts ...Option) *Generator {
	g := &Generator{
		capability: c,
		endpoint:   ep,
		estimator:  budget.ForModel(ep.Model, ep.MaxOutputTokens),
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.estimator = g.estimator.WithOverrides(g.cfg.Overrides())
	return g
}

// Overrides returns the budget overrides carried by the config.
func (c Config) Overrides() budget.Overrides {
	return budget.Overrides{
		CharsPerToken:   c.CharsPerToken,
		SafetyMargin:    c.SafetyMargin,
		MinOutputTokens: c.MinOutputTokens,
	}
}

// Generate runs every step for feature in order. Any error discards the
// partial result.
func (g *Generator) Generate(ctx context.Context, feature testcase.FeatureConfig) (*Result, error) {
	if err := feature.Validate(); err != nil {
		return nil, err
	}
	featureText := feature.Context()
	window := budget.ContextWindow(g.endpoint.ContextWindow)

	// The feature text alone has to leave room for a response.
	if _, err := g.estimator.Estimate(featureText, window); err != nil {
		return nil, fmt.Errorf("feature %q: %w", feature.Name, err)
	}

	res := &Result{}
	level := feature.Level()

	// Step 1: titles per layer.
	var candidates []testcase.ScenarioCandidate
	for _, layer := range testcase.LayersFor(level) {
		count := testcase.ScenarioCount(level, layer)
		res.Stats.TitlesRequested += count

		titles, err := g.capability.GenerateTitles(ctx, feature, layer, count)
		if err != nil {
			return nil, fmt.Errorf("generate %s titles: %w", layer, err)
		}
		for _, t := range titles {
			t.Layer = layer
			t.Index = len(candidates)
			candidates = append(candidates, t)
		}
	}
	res.Stats.TitlesGenerated = len(candidates)

	// Step 2: title dedup before any expansion.
	candidates, removed := dedup.Titles(candidates, g.cfg.TitleThreshold)
	res.Stats.TitleDuplicates = removed

	g.logger.Debug("Titles deduplicated",
		"feature", feature.Name,
		"generated", res.Stats.TitlesGenerated,
		"kept", len(candidates),
		"removed", removed)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 3: budgeted expansion in chunks.
	var cases []testcase.TestCase
	for start := 0; start < len(candidates); start += g.cfg.ExpandChunkSize {
		end := min(start+g.cfg.ExpandChunkSize, len(candidates))
		expanded, err := g.expand(ctx, feature, candidates[start:end], window)
		if err != nil {
			return nil, err
		}
		cases = append(cases, expanded...)
	}
	res.Stats.CasesExpanded = len(cases)

	// Step 4: final title pass, then embeddings.
	cases, removed = dedup.Cases(cases, g.cfg.TitleThreshold)
	res.Stats.TitleDuplicates += removed

	if g.embedder == nil {
		res.Degraded = true
		res.Note = "semantic deduplication skipped: no embedding backend configured"
	} else {
		kept, removed, err := dedup.Embeddings(ctx, g.embedder, cases, g.cfg.EmbeddingThreshold)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			res.Degraded = true
			res.Note = "semantic deduplication skipped: " + err.Error()
			g.logger.Warn("Embedding dedup failed, using title dedup only",
				"feature", feature.Name,
				"error", err)
		default:
			cases = kept
			res.Stats.EmbeddingDuplicates = removed
		}
	}

	res.Cases = cases
	res.Stats.CasesKept = len(cases)

	g.logger.Info("Feature generated",
		"feature", feature.Name,
		"titles", res.Stats.TitlesGenerated,
		"title_duplicates", res.Stats.TitleDuplicates,
		"embedding_duplicates", res.Stats.EmbeddingDuplicates,
		"cases", res.Stats.CasesKept,
		"degraded", res.Degraded)

	return res, nil
}

// expand budgets and expands one chunk. A chunk whose prompt does not fit is
// split in half until it fits or a single scenario remains.
func (g *Generator) expand(ctx context.Context, feature testcase.FeatureConfig, chunk []testcase.ScenarioCandidate, window int) ([]testcase.TestCase, error) {
	basis := feature.Context() + prompts.ScenarioList(chunk)
	maxOut, err := g.estimator.Estimate(basis, window)
	if err != nil {
		if errors.Is(err, budget.ErrPromptTooLarge) && len(chunk) > 1 {
			mid := len(chunk) / 2
			first, err := g.expand(ctx, feature, chunk[:mid], window)
			if err != nil {
				return nil, err
			}
			second, err := g.expand(ctx, feature, chunk[mid:], window)
			if err != nil {
				return nil, err
			}
			return append(first, second...), nil
		}
		return nil, fmt.Errorf("expand %d scenarios: %w", len(chunk), err)
	}

	cases, err := g.capability.ExpandScenarios(ctx, feature, chunk, maxOut)
	if err != nil {
		return nil, fmt.Errorf("expand %d scenarios: %w", len(chunk), err)
	}
	return cases, nil
}
