package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/c360studio/casegen/budget"
	"github.com/c360studio/casegen/llm"
	"github.com/c360studio/casegen/model"
	"github.com/c360studio/casegen/prompts"
	"github.com/c360studio/casegen/testcase"
	"github.com/google/uuid"
)

// Stage labels used in call records and parse errors.
const (
	StageTitles   = "titles"
	StageReprompt = "titles-reprompt"
	StageExpand   = "expand"
)

// Defaults applied to empty fields of an expanded test case.
const (
	DefaultScenario       = "Test scenario as described"
	DefaultDescription    = "Verify behavior per requirements"
	DefaultPrecondition   = "No specific preconditions required"
	DefaultTestData       = "Standard test data as per feature requirements"
	DefaultExpectedResult = "Behavior matches the test scenario and acceptance criteria."
	DefaultStep           = "1. Execute the test scenario as described"
)

// defaultTitleMaxTokens bounds a pass-1 response. Titles are short. The
// limit shrinks further when the prompt leaves less room in the window.
const defaultTitleMaxTokens = 2048

var numberedStep = regexp.MustCompile(`^\s*\d+\s*[.)]`)

// LLM implements Capability against one resolved endpoint.
type LLM struct {
	client         llm.Completer
	endpoint       model.Endpoint
	temperature    *float64
	titleMaxTokens int
	estimator      *budget.Estimator
	reprompt       bool
	createdBy      string
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures an LLM capability.
type Option func(*LLM)

// WithTemperature sets the sampling temperature for both passes.
func WithTemperature(t float64) Option {
	return func(c *LLM) {
		c.temperature = &t
	}
}

// WithTitleMaxTokens sets the output token limit for pass-1 calls.
func WithTitleMaxTokens(n int) Option {
	return func(c *LLM) {
		if n > 0 {
			c.titleMaxTokens = n
		}
	}
}

// WithEstimator replaces the estimator derived from the endpoint's model.
func WithEstimator(e *budget.Estimator) Option {
	return func(c *LLM) {
		if e != nil {
			c.estimator = e
		}
	}
}

// WithReprompt enables or disables the follow-up call made when a layer
// returns fewer titles than requested. Enabled by default.
func WithReprompt(enabled bool) Option {
	return func(c *LLM) {
		c.reprompt = enabled
	}
}

// WithCreatedBy stamps expanded cases with an author.
func WithCreatedBy(author string) Option {
	return func(c *LLM) {
		c.createdBy = author
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *LLM) {
		c.logger = logger
	}
}

// NewLLM creates a capability bound to endpoint.
func NewLLM(client llm.Completer, endpoint model.Endpoint, opts ...Option) *LLM {
	c := &LLM{
		client:         client,
		endpoint:       endpoint,
		titleMaxTokens: defaultTitleMaxTokens,
		estimator:      budget.ForModel(endpoint.Model, endpoint.MaxOutputTokens),
		reprompt:       true,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the endpoint this capability is bound to.
func (c *LLM) Endpoint() model.Endpoint {
	return c.endpoint
}

// GenerateTitles implements Capability.
func (c *LLM) GenerateTitles(ctx context.Context, feature testcase.FeatureConfig, layer testcase.CoverageLayer, count int) ([]testcase.ScenarioCandidate, error) {
	featureText := feature.Context()

	titles, err := c.requestTitles(ctx, StageTitles, prompts.TitlesInput{
		Feature: featureText,
		Layer:   layer,
		Count:   count,
	})
	if err != nil {
		return nil, err
	}
	if len(titles) == 0 {
		return nil, llm.NewParseError(StageTitles, "no scenarios returned", "", nil)
	}

	if c.reprompt && len(titles) < count {
		existing := make([]string, len(titles))
		for i, t := range titles {
			existing[i] = t.Title
		}
		more, err := c.requestTitles(ctx, StageReprompt, prompts.TitlesInput{
			Feature:  featureText,
			Layer:    layer,
			Count:    count - len(titles),
			Existing: existing,
		})
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			c.logger.Warn("Title re-prompt failed, keeping first response",
				"feature", feature.Name,
				"layer", layer,
				"have", len(titles),
				"want", count,
				"error", err)
		default:
			titles = mergeTitles(titles, more)
		}
	}

	out := make([]testcase.ScenarioCandidate, len(titles))
	for i, t := range titles {
		out[i] = testcase.ScenarioCandidate{
			Title:  t.Title,
			Intent: t.Intent,
			Layer:  layer,
			Index:  i,
		}
	}
	return out, nil
}

func (c *LLM) requestTitles(ctx context.Context, stage string, in prompts.TitlesInput) ([]titleItem, error) {
	system := prompts.SystemPrompt()
	user := prompts.TitlesPrompt(in)

	ceiling, err := c.estimator.Estimate(system+"\n\n"+user, budget.ContextWindow(c.endpoint.ContextWindow))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	resp, err := c.client.Complete(ctx, llm.Request{
		Endpoint: c.endpoint,
		Purpose:  stage,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   min(c.titleMaxTokens, ceiling),
	})
	if err != nil {
		return nil, err
	}
	if resp.Truncated() {
		return nil, llm.NewParseError(stage, "response truncated at output token limit", resp.Content, nil)
	}

	var items []titleItem
	if err := decodeList(stage, resp.Content, "scenarios", &items); err != nil {
		return nil, err
	}

	c.logger.Debug("Titles generated",
		"stage", stage,
		"layer", in.Layer,
		"requested", in.Count,
		"returned", len(items),
		"request_id", resp.RequestID)

	return mergeTitles(nil, items), nil
}

// mergeTitles appends the non-empty titles of more that are not already present.
func mergeTitles(have, more []titleItem) []titleItem {
	seen := make(map[string]bool, len(have)+len(more))
	for _, t := range have {
		seen[titleKey(t.Title)] = true
	}
	for _, t := range more {
		t.Title = scrub(t.Title)
		t.Intent = scrub(t.Intent)
		key := titleKey(t.Title)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		have = append(have, t)
	}
	return have
}

func titleKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ExpandScenarios implements Capability.
func (c *LLM) ExpandScenarios(ctx context.Context, feature testcase.FeatureConfig, candidates []testcase.ScenarioCandidate, maxOutputTokens int) ([]testcase.TestCase, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	resp, err := c.client.Complete(ctx, llm.Request{
		Endpoint: c.endpoint,
		Purpose:  StageExpand,
		Messages: []llm.Message{
			{Role: "system", Content: prompts.SystemPrompt()},
			{Role: "user", Content: prompts.ExpandPrompt(prompts.ExpandInput{
				Feature:   feature.Context(),
				Scenarios: candidates,
			})},
		},
		Temperature: c.temperature,
		MaxTokens:   maxOutputTokens,
	})
	if err != nil {
		return nil, err
	}
	if resp.Truncated() {
		return nil, llm.NewParseError(StageExpand, "response truncated at output token limit", resp.Content, nil)
	}

	var items []caseItem
	if err := decodeList(StageExpand, resp.Content, "test_cases", &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, llm.NewParseError(StageExpand, "no test cases returned", resp.Content, nil)
	}

	layers := make(map[string]testcase.CoverageLayer, len(candidates))
	for _, cand := range candidates {
		layers[titleKey(cand.Title)] = cand.Layer
	}

	now := c.now().UTC()
	out := make([]testcase.TestCase, 0, len(items))
	for i, item := range items {
		tc := item.toTestCase()
		tc.ID = uuid.NewString()
		tc.CreatedAt = now
		tc.CreatedBy = c.createdBy
		if layer, ok := layers[titleKey(tc.Scenario)]; ok {
			tc.Layer = layer
		} else if len(items) == len(candidates) {
			tc.Layer = candidates[i].Layer
		}
		out = append(out, tc)
	}

	c.logger.Debug("Scenarios expanded",
		"feature", feature.Name,
		"scenarios", len(candidates),
		"cases", len(out),
		"max_tokens", maxOutputTokens,
		"request_id", resp.RequestID)

	return out, nil
}

// decodeList reads the array stored under field of the response object into
// dst. A response that is a bare array is accepted as the list itself.
func decodeList(stage, content, field string, dst any) error {
	if i := strings.IndexAny(content, "[{"); i >= 0 && content[i] == '[' {
		arr := llm.ExtractJSONArray(content)
		if arr == "" {
			return llm.NewParseError(stage, "unterminated JSON array", content, nil)
		}
		if err := json.Unmarshal([]byte(arr), dst); err != nil {
			return llm.NewParseError(stage, "malformed "+field, content, err)
		}
		return nil
	}

	var envelope map[string]json.RawMessage
	if err := llm.DecodeJSON(stage, content, &envelope); err != nil {
		return err
	}
	raw, ok := envelope[field]
	if !ok {
		return llm.NewParseError(stage, fmt.Sprintf("missing %q field", field), content, nil)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return llm.NewParseError(stage, "malformed "+field, content, err)
	}
	return nil
}

// titleItem accepts either a bare string or an object with title and intent.
type titleItem struct {
	Title  string
	Intent string
}

func (t *titleItem) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.Title = s
		return nil
	}
	var obj struct {
		Title       string `json:"title"`
		Scenario    string `json:"scenario"`
		Intent      string `json:"intent"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Title = firstNonEmpty(obj.Title, obj.Scenario)
	t.Intent = firstNonEmpty(obj.Intent, obj.Description)
	return nil
}

// caseItem is one test case as the model returns it.
type caseItem struct {
	Scenario       flexString `json:"test_scenario"`
	Description    flexString `json:"test_description"`
	Precondition   flexString `json:"pre_condition"`
	TestData       flexString `json:"test_data"`
	Steps          stepList   `json:"test_steps"`
	ExpectedResult flexString `json:"expected_result"`
}

func (item caseItem) toTestCase() testcase.TestCase {
	steps := make([]string, 0, len(item.Steps))
	for _, s := range item.Steps {
		s = scrub(s)
		if s == "" {
			continue
		}
		if !numberedStep.MatchString(s) {
			s = fmt.Sprintf("%d. %s", len(steps)+1, s)
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		steps = []string{DefaultStep}
	}

	return testcase.TestCase{
		Scenario:       orDefault(string(item.Scenario), DefaultScenario),
		Description:    orDefault(string(item.Description), DefaultDescription),
		Precondition:   orDefault(string(item.Precondition), DefaultPrecondition),
		TestData:       orDefault(string(item.TestData), DefaultTestData),
		Steps:          steps,
		ExpectedResult: orDefault(string(item.ExpectedResult), DefaultExpectedResult),
	}
}

// flexString accepts a JSON string, or renders any other value as compact JSON.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = ""
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	*f = flexString(buf.String())
	return nil
}

// stepList accepts an array of steps or a single newline separated string.
type stepList []string

func (s *stepList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = strings.Split(single, "\n")
		return nil
	}
	var items []flexString
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = string(item)
	}
	*s = out
	return nil
}

// scrub drops invalid UTF-8, replacement characters left by the JSON decoder
// and surrounding whitespace.
func scrub(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\uFFFD", "")
	return strings.TrimSpace(s)
}

func orDefault(s, def string) string {
	if s = scrub(s); s == "" {
		return def
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ Capability = (*LLM)(nil)
