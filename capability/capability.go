// Package capability defines the two generation operations the pipeline needs
// from a language model and implements them on top of llm.Client.
package capability

import (
	"context"

	"github.com/c360studio/casegen/testcase"
)

// Capability is what the generator needs from a provider. Implementations are
// bound to one resolved endpoint and never switch models.
type Capability interface {
	// GenerateTitles returns up to count scenario candidates for one coverage
	// layer. Candidates carry the layer and their order within the response.
	GenerateTitles(ctx context.Context, feature testcase.FeatureConfig, layer testcase.CoverageLayer, count int) ([]testcase.ScenarioCandidate, error)

	// ExpandScenarios turns candidates into full test cases within the given
	// output token ceiling.
	ExpandScenarios(ctx context.Context, feature testcase.FeatureConfig, candidates []testcase.ScenarioCandidate, maxOutputTokens int) ([]testcase.TestCase, error)
}
