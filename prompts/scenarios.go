// Package prompts renders the prompts sent to the model for scenario title
// generation and test case expansion.
package prompts

import (
	"fmt"
	"strings"

	"github.com/c360studio/casegen/testcase"
)

// SystemPrompt returns the system prompt shared by both generation passes.
func SystemPrompt() string {
	return `You are a senior QA engineer writing manual test cases.

## Rules

- Work only from the feature information you are given
- Never invent features, screens, or integrations that are not described
- Respect excluded features: do not write scenarios for them
- Return ONLY valid JSON, no markdown fences, no commentary`
}

// TitlesInput holds the values for a pass-1 prompt.
type TitlesInput struct {
	// Feature is the rendered feature context (testcase.FeatureConfig.Context).
	Feature string
	Layer   testcase.CoverageLayer
	Count   int
	// Existing lists titles already produced for this layer. When non-empty the
	// prompt asks for new scenarios only.
	Existing []string
}

// TitlesPrompt returns the pass-1 prompt asking for scenario titles in one coverage layer.
func TitlesPrompt(in TitlesInput) string {
	var existing string
	if len(in.Existing) > 0 {
		var sb strings.Builder
		sb.WriteString("\n## Already Generated\n\nThese scenarios already exist. Do NOT repeat them or rephrase them:\n\n")
		for _, title := range in.Existing {
			fmt.Fprintf(&sb, "- %s\n", title)
		}
		fmt.Fprintf(&sb, "\nAim for at least %d distinct scenarios that are not in the list above.\n", in.Count)
		existing = sb.String()
	}

	return fmt.Sprintf(`Identify test scenarios for the feature below.

## Feature

%s
## Coverage Dimension: %s

%s

Generate %d scenarios for this dimension only.
%s
## Output Format

`+"```json"+`
{
  "scenarios": [
    {"title": "Short scenario title", "intent": "One line describing what the scenario proves"}
  ]
}
`+"```"+`

## Guidelines

- One independent behavior per scenario
- Titles are short and specific, no numbering
- Do not include steps, data, or expected results yet
- Return ONLY valid JSON
`, in.Feature, in.Layer, in.Layer.Focus(), in.Count, existing)
}

// ExpandInput holds the values for a pass-2 prompt.
type ExpandInput struct {
	Feature   string
	Scenarios []testcase.ScenarioCandidate
}

// ExpandPrompt returns the pass-2 prompt that turns scenario titles into full test cases.
func ExpandPrompt(in ExpandInput) string {
	return fmt.Sprintf(`Write complete test cases for the scenarios below.

## Feature

%s
## Scenarios

%s
## Output Format

`+"```json"+`
{
  "test_cases": [
    {
      "test_scenario": "Scenario title",
      "test_description": "What the test verifies",
      "pre_condition": "State required before the test starts",
      "test_data": "Concrete input values",
      "test_steps": ["1. First step", "2. Second step"],
      "expected_result": "Observable outcome"
    }
  ]
}
`+"```"+`

## Rules

- Write at least one test case per scenario, in the order given
- Use the scenario title as test_scenario
- Number every step
- Every field must be non-empty
- Return ONLY valid JSON
`, in.Feature, ScenarioList(in.Scenarios))
}

// ScenarioList renders candidates as a numbered list. It is also the sizing
// basis for the expansion budget.
func ScenarioList(cands []testcase.ScenarioCandidate) string {
	var sb strings.Builder
	for i, c := range cands {
		fmt.Fprintf(&sb, "%d. [%s] %s", i+1, c.Layer, c.Title)
		if c.Intent != "" {
			fmt.Fprintf(&sb, " - %s", c.Intent)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
