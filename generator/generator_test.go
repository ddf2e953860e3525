package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/c360studio/casegen/budget"
	"github.com/c360studio/casegen/capability"
	"github.com/c360studio/casegen/llm"
	"github.com/c360studio/casegen/llm/testutil"
	"github.com/c360studio/casegen/model"
	"github.com/c360studio/casegen/testcase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCapability returns scripted titles per layer and expands every
// candidate into one case with the same title.
type fakeCapability struct {
	mu         sync.Mutex
	titles     map[testcase.CoverageLayer][]string
	titleErr   error
	expandErr  error
	calls      []string
	chunkSizes []int
	maxTokens  []int
}

func (f *fakeCapability) GenerateTitles(_ context.Context, _ testcase.FeatureConfig, layer testcase.CoverageLayer, count int) ([]testcase.ScenarioCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "titles:"+string(layer))
	if f.titleErr != nil {
		return nil, f.titleErr
	}
	var out []testcase.ScenarioCandidate
	for i, t := range f.titles[layer] {
		out = append(out, testcase.ScenarioCandidate{Title: t, Layer: layer, Index: i})
	}
	return out, nil
}

func (f *fakeCapability) ExpandScenarios(_ context.Context, _ testcase.FeatureConfig, cands []testcase.ScenarioCandidate, maxOutputTokens int) ([]testcase.TestCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "expand")
	f.chunkSizes = append(f.chunkSizes, len(cands))
	f.maxTokens = append(f.maxTokens, maxOutputTokens)
	if f.expandErr != nil {
		return nil, f.expandErr
	}
	out := make([]testcase.TestCase, len(cands))
	for i, c := range cands {
		out[i] = testcase.TestCase{
			ID:       fmt.Sprintf("%s-%d", c.Layer, c.Index),
			Scenario: c.Title,
			Steps:    []string{"1. Do it"},
			Layer:    c.Layer,
		}
	}
	return out, nil
}

var _ capability.Capability = (*fakeCapability)(nil)

// distinctEmbedder gives every text its own axis so nothing collapses,
// except texts listed in same, which share one vector.
type distinctEmbedder struct {
	same map[string]bool
	err  error
}

func (d distinctEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(texts)+1)
		if d.same[t] {
			v[len(texts)] = 1
		} else {
			v[i] = 1
		}
		out[i] = v
	}
	return out, nil
}

func endpoint() model.Endpoint {
	return model.Endpoint{
		Name: "mock",
		EndpointConfig: model.EndpointConfig{
			Provider:        model.ProviderOllama,
			Model:           "llama3.2:3b",
			ContextWindow:   8192,
			MaxOutputTokens: 4096,
		},
	}
}

func feature(level testcase.CoverageLevel) testcase.FeatureConfig {
	return testcase.FeatureConfig{
		Name:          "Checkout",
		Description:   "Customers pay for the items in their cart.",
		CoverageLevel: level,
	}
}

func TestGenerate_StepOrderAndStats(t *testing.T) {
	fc := &fakeCapability{titles: map[testcase.CoverageLayer][]string{
		testcase.LayerCore:       {"Pay with saved card", "Pay with PayPal account"},
		testcase.LayerValidation: {"Reject expired card", "Verify pay with saved card"},
		testcase.LayerNegative:   {"Payment gateway declines"},
	}}

	g := New(fc, endpoint(), WithEmbedder(distinctEmbedder{}))
	res, err := g.Generate(context.Background(), feature(testcase.CoverageMedium))
	require.NoError(t, err)

	assert.Equal(t, []string{"titles:core", "titles:validation", "titles:negative", "expand"}, fc.calls)
	assert.Equal(t, []int{4}, fc.chunkSizes, "duplicate title must be removed before expansion")

	assert.Equal(t, 15, res.Stats.TitlesRequested)
	assert.Equal(t, 5, res.Stats.TitlesGenerated)
	assert.Equal(t, 1, res.Stats.TitleDuplicates)
	assert.Equal(t, 4, res.Stats.CasesExpanded)
	assert.Equal(t, 4, res.Stats.CasesKept)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Note)

	layers := make([]testcase.CoverageLayer, len(res.Cases))
	for i, c := range res.Cases {
		layers[i] = c.Layer
	}
	assert.Equal(t, []testcase.CoverageLayer{
		testcase.LayerCore, testcase.LayerCore, testcase.LayerValidation, testcase.LayerNegative,
	}, layers)
}

func TestGenerate_ReindexesAcrossLayers(t *testing.T) {
	fc := &fakeCapability{titles: map[testcase.CoverageLayer][]string{
		testcase.LayerCore:       {"A one", "B two"},
		testcase.LayerValidation: {"C three"},
		testcase.LayerNegative:   {"D four"},
	}}

	res, err := New(fc, endpoint(), WithEmbedder(distinctEmbedder{})).
		Generate(context.Background(), feature(testcase.CoverageMedium))
	require.NoError(t, err)

	ids := make([]string, len(res.Cases))
	for i, c := range res.Cases {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"core-0", "core-1", "validation-2", "negative-3"}, ids)
}

func TestGenerate_EmbeddingDedup(t *testing.T) {
	fc := &fakeCapability{titles: map[testcase.CoverageLayer][]string{
		testcase.LayerCore: {"Buy one item", "Purchase single product", "Apply discount code"},
	}}
	emb := distinctEmbedder{same: map[string]bool{"buy one item": true, "purchase single product": true}}

	res, err := New(fc, endpoint(), WithEmbedder(emb)).Generate(context.Background(), feature(testcase.CoverageLow))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.EmbeddingDuplicates)
	require.Len(t, res.Cases, 2)
	assert.Equal(t, "Buy one item", res.Cases[0].Scenario)
	assert.Equal(t, "Apply discount code", res.Cases[1].Scenario)
}

func TestGenerate_DegradedDedup(t *testing.T) {
	fc := &fakeCapability{titles: map[testcase.CoverageLayer][]string{
		testcase.LayerCore: {"Buy one item", "Apply discount code"},
	}}

	t.Run("embedder failure", func(t *testing.T) {
		emb := distinctEmbedder{err: fmt.Errorf("%w: down", llm.ErrProviderUnavailable)}
		res, err := New(fc, endpoint(), WithEmbedder(emb)).Generate(context.Background(), feature(testcase.CoverageLow))
		require.NoError(t, err)
		assert.True(t, res.Degraded)
		assert.Contains(t, res.Note, "down")
		assert.Len(t, res.Cases, 2)
	})

	t.Run("no embedder", func(t *testing.T) {
		res, err := New(fc, endpoint()).Generate(context.Background(), feature(testcase.CoverageLow))
		require.NoError(t, err)
		assert.True(t, res.Degraded)
		assert.Contains(t, res.Note, "no embedding backend")
	})
}

func TestGenerate_Chunking(t *testing.T) {
	var titles []string
	for i := 0; i < 8; i++ {
		titles = append(titles, fmt.Sprintf("Scenario %c distinct", 'a'+i))
	}
	fc := &fakeCapability{titles: map[testcase.CoverageLayer][]string{testcase.LayerCore: titles}}

	res, err := New(fc, endpoint(), WithConfig(Config{ExpandChunkSize: 3, TitleThreshold: 1.01}), WithEmbedder(distinctEmbedder{})).
		Generate(context.Background(), feature(testcase.CoverageLow))
	require.NoError(t, err)

	assert.Equal(t, []int{3, 3, 2}, fc.chunkSizes)
	assert.Len(t, res.Cases, 8)
	for _, maxTokens := range fc.maxTokens {
		assert.LessOrEqual(t, maxTokens, 4096)
		assert.GreaterOrEqual(t, maxTokens, budget.DefaultMinOutputTokens)
	}
}

func TestGenerate_SplitsChunkThatDoesNotFit(t *testing.T) {
	var titles []string
	for i := 0; i < 4; i++ {
		titles = append(titles, fmt.Sprintf("Scenario %c %s", 'a'+i, strings.Repeat("word ", 60)))
	}
	fc := &fakeCapability{titles: map[testcase.CoverageLayer][]string{testcase.LayerCore: titles}}

	est := budget.New(budget.FamilyLlama)
	est.TemplateOverhead = 0
	est.MinOutputTokens = 100

	ep := endpoint()
	// Window fits the feature and two scenarios but not four.
	ep.ContextWindow = 400

	noTitleDedup := WithConfig(Config{TitleThreshold: 1.01})
	_, err := New(fc, ep, WithEstimator(est), noTitleDedup, WithEmbedder(distinctEmbedder{})).
		Generate(context.Background(), feature(testcase.CoverageLow))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, fc.chunkSizes)
}

func TestGenerate_FeatureTooLarge(t *testing.T) {
	fc := &fakeCapability{}
	ep := endpoint()
	ep.ContextWindow = 700

	f := feature(testcase.CoverageLow)
	f.Description = strings.Repeat("A very long requirement sentence. ", 200)

	_, err := New(fc, ep).Generate(context.Background(), f)
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrPromptTooLarge)
	assert.Empty(t, fc.calls, "no provider call may happen for an oversized feature")
}

func TestGenerate_Errors(t *testing.T) {
	t.Run("title parse error", func(t *testing.T) {
		fc := &fakeCapability{titleErr: llm.NewParseError("titles", "bad", "", nil)}
		_, err := New(fc, endpoint()).Generate(context.Background(), feature(testcase.CoverageLow))
		assert.ErrorIs(t, err, llm.ErrGenerationParse)
	})

	t.Run("expand unavailable", func(t *testing.T) {
		fc := &fakeCapability{
			titles:    map[testcase.CoverageLayer][]string{testcase.LayerCore: {"A"}},
			expandErr: fmt.Errorf("%w: timeout", llm.ErrProviderUnavailable),
		}
		_, err := New(fc, endpoint()).Generate(context.Background(), feature(testcase.CoverageLow))
		assert.ErrorIs(t, err, llm.ErrProviderUnavailable)
	})

	t.Run("invalid feature", func(t *testing.T) {
		_, err := New(&fakeCapability{}, endpoint()).Generate(context.Background(), testcase.FeatureConfig{Name: "x"})
		assert.Error(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		fc := &fakeCapability{titles: map[testcase.CoverageLayer][]string{testcase.LayerCore: {"A"}}}
		_, err := New(fc, endpoint()).Generate(ctx, feature(testcase.CoverageLow))
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

// TestGenerate_WithLLMCapability drives the real capability against a
// scripted model.
func TestGenerate_WithLLMCapability(t *testing.T) {
	mock := &testutil.MockLLMClient{
		Handler: func(req llm.Request) (*llm.Response, error) {
			switch req.Purpose {
			case capability.StageTitles:
				return &llm.Response{Content: `{"scenarios": [
					{"title": "Add item to cart", "intent": "cart count increases"},
					{"title": "Remove item from cart"},
					{"title": "Verify add item to cart"}
				]}`, FinishReason: "stop"}, nil
			case capability.StageExpand:
				return &llm.Response{Content: `{"test_cases": [
					{"test_scenario": "Add item to cart", "test_steps": ["Open product", "Click add"]},
					{"test_scenario": "Remove item from cart", "test_steps": ["Open cart", "Click remove"]}
				]}`, FinishReason: "stop"}, nil
			}
			return nil, fmt.Errorf("unexpected purpose %q", req.Purpose)
		},
	}

	capab := capability.NewLLM(mock, endpoint())
	res, err := New(capab, endpoint(), WithEmbedder(distinctEmbedder{})).
		Generate(context.Background(), feature(testcase.CoverageLow))
	require.NoError(t, err)

	assert.Equal(t, 2, mock.CallCount())
	assert.Equal(t, 1, res.Stats.TitleDuplicates)
	require.Len(t, res.Cases, 2)
	assert.Equal(t, testcase.LayerCore, res.Cases[0].Layer)
	assert.Equal(t, []string{"1. Open product", "2. Click add"}, res.Cases[0].Steps)
}

func TestGenerate_BudgetOverrides(t *testing.T) {
	fc := &fakeCapability{titles: map[testcase.CoverageLayer][]string{testcase.LayerCore: {"A"}}}

	// A minimum output larger than the window rejects every prompt.
	_, err := New(fc, endpoint(), WithConfig(Config{MinOutputTokens: 1 << 20})).
		Generate(context.Background(), feature(testcase.CoverageLow))
	assert.ErrorIs(t, err, budget.ErrPromptTooLarge)
	assert.Empty(t, fc.calls)

	est := budget.New(budget.FamilyLlama)
	g := New(fc, endpoint(), WithEstimator(est), WithConfig(Config{CharsPerToken: 2}))
	assert.Equal(t, 2.0, g.estimator.CharsPerToken)
	assert.Zero(t, est.CharsPerToken, "the caller's estimator is not modified")
}

func TestGenerate_TitleCallsFitWindow(t *testing.T) {
	ep := endpoint()
	est := budget.ForModel(ep.Model, ep.MaxOutputTokens)

	var titleCalls int
	mock := &testutil.MockLLMClient{
		Handler: func(req llm.Request) (*llm.Response, error) {
			switch req.Purpose {
			case capability.StageTitles:
				titleCalls++
				input := est.InputTokens(req.Messages[0].Content + "\n\n" + req.Messages[1].Content)
				assert.LessOrEqual(t, input+req.MaxTokens, ep.ContextWindow)
				assert.Less(t, req.MaxTokens, 2048, "a long prompt shrinks the title ceiling")
				return &llm.Response{Content: `{"scenarios": [
					{"title": "Log in"}, {"title": "Log out"}, {"title": "Reset password"}
				]}`, FinishReason: "stop"}, nil
			case capability.StageExpand:
				return &llm.Response{Content: `{"test_cases": [{"test_scenario": "Log in"}]}`, FinishReason: "stop"}, nil
			}
			return nil, fmt.Errorf("unexpected purpose %q", req.Purpose)
		},
	}

	f := feature(testcase.CoverageLow)
	f.Description = strings.Repeat("Users can log in. ", 1000)

	_, err := New(capability.NewLLM(mock, ep), ep, WithEmbedder(distinctEmbedder{})).
		Generate(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 1, titleCalls)
}
