package budget

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilyForModel(t *testing.T) {
	tests := []struct {
		model string
		want  Family
	}{
		{"gpt-4o-mini", FamilyGPT},
		{"claude-sonnet-4-20250514", FamilyClaude},
		{"gemini-2.5-flash", FamilyGemini},
		{"llama-3.3-70b-versatile", FamilyLlama},
		{"llama3.2:3b", FamilyLlama},
		{"qwen2.5-coder:14b", FamilyQwen},
		{"mistral-large", FamilyUnknown},
		{"", FamilyUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, FamilyForModel(tt.model))
		})
	}
}

func TestInputTokens_UnknownFamilyOverEstimates(t *testing.T) {
	prompt := strings.Repeat("generate scenarios for the login form ", 50)

	known := New(FamilyGPT)
	unknown := New(FamilyUnknown)

	assert.Greater(t, unknown.InputTokens(prompt), known.InputTokens(prompt))
}

func TestInputTokens_CountsNonASCII(t *testing.T) {
	e := New(FamilyGPT)
	e.TemplateOverhead = 0

	ascii := e.InputTokens("abc")
	withUnicode := e.InputTokens("abc日本語")

	assert.Equal(t, ascii+3, withUnicode)
}

func TestInputTokens_WordFloor(t *testing.T) {
	e := New(FamilyGPT)
	e.TemplateOverhead = 0

	// 30 one-letter words: chars/3.5 ≈ 17, words*4/3 = 40.
	prompt := strings.TrimSpace(strings.Repeat("a ", 30))
	assert.Equal(t, 40, e.InputTokens(prompt))
}

func TestEstimate_CeilingSafety(t *testing.T) {
	prompts := []string{
		"",
		"short",
		strings.Repeat("word ", 1000),
		strings.Repeat("ünïcödé テスト ", 300),
	}
	windows := []int{2048, 8192, 32768, 128000, 1048576}
	families := []Family{FamilyGPT, FamilyClaude, FamilyGemini, FamilyLlama, FamilyUnknown}

	for _, fam := range families {
		e := New(fam)
		for _, p := range prompts {
			for _, w := range windows {
				got, err := e.Estimate(p, w)
				if err != nil {
					assert.ErrorIs(t, err, ErrPromptTooLarge)
					continue
				}
				assert.LessOrEqual(t, got+e.InputTokens(p), w, "family=%s window=%d", fam, w)
				assert.GreaterOrEqual(t, got, DefaultMinOutputTokens)
			}
		}
	}
}

func TestEstimate_AppliesMargin(t *testing.T) {
	e := New(FamilyGPT)
	e.TemplateOverhead = 0
	e.SafetyMargin = 0.25

	got, err := e.Estimate("", 10000)
	require.NoError(t, err)
	assert.Equal(t, 7500, got)
}

func TestEstimate_CapsAtMaxOutput(t *testing.T) {
	e := ForModel("gpt-4o-mini", 4096)

	got, err := e.Estimate("feature text", 128000)
	require.NoError(t, err)
	assert.Equal(t, 4096, got)
}

func TestEstimate_PromptTooLarge(t *testing.T) {
	e := New(FamilyLlama)
	prompt := strings.Repeat("very long feature description ", 2000)

	_, err := e.Estimate(prompt, 4096)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPromptTooLarge))

	var tooLarge *PromptTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 4096, tooLarge.ContextWindow)
	assert.Equal(t, DefaultMinOutputTokens, tooLarge.Minimum)
	assert.Greater(t, tooLarge.InputTokens, 4096)
}

func TestEstimate_InvalidWindow(t *testing.T) {
	_, err := New(FamilyGPT).Estimate("x", 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPromptTooLarge))
}

func TestForModel_GPTUsesTokenizer(t *testing.T) {
	e := ForModel("gpt-4o-mini", 0)
	require.NotNil(t, e.Tokenizer)
	e.TemplateOverhead = 0

	assert.Equal(t, 2, e.InputTokens("hello world"))

	other := ForModel("llama3.2:3b", 0)
	assert.Nil(t, other.Tokenizer)
}

func TestEstimate_CeilingSafetyWithTokenizer(t *testing.T) {
	e := ForModel("gpt-4o", 0)
	for _, p := range []string{"", strings.Repeat("word ", 5000), strings.Repeat("ünïcödé テスト ", 800)} {
		for _, w := range []int{2048, 8192, 128000} {
			got, err := e.Estimate(p, w)
			if err != nil {
				assert.ErrorIs(t, err, ErrPromptTooLarge)
				continue
			}
			assert.LessOrEqual(t, got+e.InputTokens(p), w, "window=%d", w)
		}
	}
}

func TestWithOverrides(t *testing.T) {
	base := ForModel("gpt-4o-mini", 4096)

	same := base.WithOverrides(Overrides{})
	assert.Equal(t, base.SafetyMargin, same.SafetyMargin)
	assert.NotNil(t, same.Tokenizer)

	o := base.WithOverrides(Overrides{CharsPerToken: 2, SafetyMargin: 0.3, MinOutputTokens: 512})
	assert.Nil(t, o.Tokenizer, "a ratio override replaces the tokenizer")
	assert.Equal(t, 2.0, o.CharsPerToken)
	assert.Equal(t, 0.3, o.SafetyMargin)
	assert.Equal(t, 512, o.MinOutputTokens)

	assert.Zero(t, base.CharsPerToken, "the original is not modified")
	assert.NotNil(t, base.Tokenizer)
}

func TestContextWindow(t *testing.T) {
	assert.Equal(t, DefaultContextWindow, ContextWindow(0))
	assert.Equal(t, 128000, ContextWindow(128000))
}
