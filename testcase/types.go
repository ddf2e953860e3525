package testcase

import (
	"fmt"
	"strings"
	"time"
)

// FeatureConfig is the immutable description of one feature in a batch.
type FeatureConfig struct {
	Name            string        `json:"feature_name" yaml:"name"`
	Description     string        `json:"feature_description" yaml:"description"`
	AllowedActions  []string      `json:"allowed_actions,omitempty" yaml:"allowed_actions,omitempty"`
	ExcludedActions []string      `json:"excluded_features,omitempty" yaml:"excluded_actions,omitempty"`
	CoverageLevel   CoverageLevel `json:"coverage_level" yaml:"coverage_level"`
}

// Validate checks the fields required to build a prompt.
func (f FeatureConfig) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("feature name is required")
	}
	if strings.TrimSpace(f.Description) == "" {
		return fmt.Errorf("feature %q: description is required", f.Name)
	}
	if f.CoverageLevel != "" && !f.CoverageLevel.IsValid() {
		return fmt.Errorf("feature %q: unknown coverage level %q", f.Name, f.CoverageLevel)
	}
	return nil
}

// Level returns the coverage level, defaulting to medium.
func (f FeatureConfig) Level() CoverageLevel {
	if f.CoverageLevel == "" {
		return CoverageMedium
	}
	return f.CoverageLevel
}

// Context renders the feature as prompt input.
func (f FeatureConfig) Context() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Feature name: %s\n", f.Name)
	fmt.Fprintf(&sb, "Feature description: %s\n", strings.TrimSpace(f.Description))
	if len(f.AllowedActions) > 0 {
		sb.WriteString("\nAllowed actions: " + strings.Join(f.AllowedActions, "; ") + "\n")
	}
	if len(f.ExcludedActions) > 0 {
		sb.WriteString("\nExcluded features: " + strings.Join(f.ExcludedActions, "; ") + "\n")
	}
	return sb.String()
}

// ScenarioCandidate is a pass-1 scenario title awaiting expansion.
type ScenarioCandidate struct {
	Title  string        `json:"title"`
	Intent string        `json:"intent,omitempty"`
	Layer  CoverageLayer `json:"layer"`
	// Index is the generation order within the feature, used for stable tie-breaking.
	Index int `json:"index"`
}

// TestCase is the expanded unit handed to export and save-to-project collaborators.
// The JSON field names are a cross-boundary contract.
type TestCase struct {
	ID             string        `json:"id"`
	Scenario       string        `json:"test_scenario"`
	Description    string        `json:"test_description"`
	Precondition   string        `json:"pre_condition"`
	TestData       string        `json:"test_data"`
	Steps          []string      `json:"test_steps"`
	ExpectedResult string        `json:"expected_result"`
	CreatedAt      time.Time     `json:"created_at"`
	CreatedBy      string        `json:"created_by,omitempty"`
	Layer          CoverageLayer `json:"layer,omitempty"`
}

// Text returns the scenario title and one-line intent for similarity scoring.
func (tc TestCase) Text() string {
	if tc.Description == "" {
		return tc.Scenario
	}
	return tc.Scenario + " " + tc.Description
}

// GenerationStats summarizes what happened while generating one feature.
type GenerationStats struct {
	TitlesRequested     int `json:"titles_requested"`
	TitlesGenerated     int `json:"titles_generated"`
	TitleDuplicates     int `json:"title_duplicates"`
	EmbeddingDuplicates int `json:"embedding_duplicates"`
	CasesExpanded       int `json:"cases_expanded"`
	CasesKept           int `json:"cases_kept"`
}
