// Package budget estimates prompt sizes and derives a safe output token
// ceiling for a model's context window.
//
// GPT models are counted with their tiktoken encoding. Other vendors publish
// no local tokenizer, so those families use character ratios. Unknown
// families fall back to a ratio that over-estimates the input;
// under-estimating risks truncated output.
package budget

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Family identifies a tokenizer family.
type Family string

const (
	FamilyGPT     Family = "gpt"
	FamilyClaude  Family = "claude"
	FamilyGemini  Family = "gemini"
	FamilyLlama   Family = "llama"
	FamilyQwen    Family = "qwen"
	FamilyUnknown Family = "unknown"
)

// Default estimator settings.
const (
	DefaultSafetyMargin     = 0.12
	DefaultTemplateOverhead = 600
	DefaultMinOutputTokens  = 256
	DefaultContextWindow    = 8192
	fallbackCharsPerToken   = 2.5
)

var familyRatios = map[Family]float64{
	FamilyGPT:    3.5,
	FamilyClaude: 3.2,
	FamilyGemini: 3.6,
	FamilyLlama:  3.3,
	FamilyQwen:   3.3,
}

// ErrPromptTooLarge is matched by every *PromptTooLargeError.
var ErrPromptTooLarge = errors.New("prompt too large")

// PromptTooLargeError reports a prompt that leaves no room for a minimum viable response.
type PromptTooLargeError struct {
	InputTokens   int
	ContextWindow int
	Ceiling       int
	Minimum       int
}

func (e *PromptTooLargeError) Error() string {
	return fmt.Sprintf("prompt too large: ~%d input tokens leave %d of %d for output (need at least %d)",
		e.InputTokens, e.Ceiling, e.ContextWindow, e.Minimum)
}

// Is reports whether target is ErrPromptTooLarge.
func (e *PromptTooLargeError) Is(target error) bool {
	return target == ErrPromptTooLarge
}

// Estimator computes input estimates and output ceilings for one model family.
type Estimator struct {
	Family Family
	// Tokenizer counts input exactly when set. Ratios are used otherwise.
	Tokenizer Tokenizer
	// CharsPerToken overrides the family ratio when positive.
	CharsPerToken float64
	// SafetyMargin is the fraction of the remaining window held back for
	// structured-output framing.
	SafetyMargin float64
	// TemplateOverhead is added to every input estimate for system and
	// formatting text not included in the sizing basis.
	TemplateOverhead int
	// MinOutputTokens is the smallest ceiling worth attempting.
	MinOutputTokens int
	// MaxOutputTokens caps the ceiling when positive.
	MaxOutputTokens int
}

// New returns an Estimator with default settings for the family.
func New(family Family) *Estimator {
	return &Estimator{
		Family:           family,
		SafetyMargin:     DefaultSafetyMargin,
		TemplateOverhead: DefaultTemplateOverhead,
		MinOutputTokens:  DefaultMinOutputTokens,
	}
}

// ForModel returns an Estimator for the family the model name belongs to,
// with the family tokenizer when one is available.
func ForModel(model string, maxOutputTokens int) *Estimator {
	e := New(FamilyForModel(model))
	e.MaxOutputTokens = maxOutputTokens
	if e.Family == FamilyGPT {
		e.Tokenizer = GPTTokenizer(model)
	}
	return e
}

// Overrides are user-configured adjustments to a model's estimator.
// Zero fields leave the estimator unchanged.
type Overrides struct {
	CharsPerToken   float64
	SafetyMargin    float64
	MinOutputTokens int
}

// WithOverrides returns a copy of e with o applied. A ratio override also
// disables the tokenizer.
func (e *Estimator) WithOverrides(o Overrides) *Estimator {
	est := *e
	if o.CharsPerToken > 0 {
		est.CharsPerToken = o.CharsPerToken
		est.Tokenizer = nil
	}
	if o.SafetyMargin > 0 {
		est.SafetyMargin = o.SafetyMargin
	}
	if o.MinOutputTokens > 0 {
		est.MinOutputTokens = o.MinOutputTokens
	}
	return &est
}

// ContextWindow returns declared, or DefaultContextWindow when the endpoint
// declares none.
func ContextWindow(declared int) int {
	if declared > 0 {
		return declared
	}
	return DefaultContextWindow
}

// ratio returns the characters per token in use. Never more optimistic than
// the family table allows.
func (e *Estimator) ratio() float64 {
	if e.CharsPerToken > 0 {
		return e.CharsPerToken
	}
	if r, ok := familyRatios[e.Family]; ok {
		return r
	}
	return fallbackCharsPerToken
}

// InputTokens estimates the tokens the prompt consumes, including template overhead.
func (e *Estimator) InputTokens(prompt string) int {
	if e.Tokenizer != nil {
		return e.Tokenizer.CountTokens(prompt) + max(e.TemplateOverhead, 0)
	}

	var asciiChars, nonASCII int
	for _, r := range prompt {
		if r < utf8.RuneSelf {
			asciiChars++
		} else {
			nonASCII++
		}
	}
	words := len(strings.FieldsFunc(prompt, unicode.IsSpace))

	byChars := float64(asciiChars) / e.ratio()
	byWords := float64(words) * 4 / 3
	est := int(math.Ceil(math.Max(byChars, byWords)))

	// Non-ASCII text tokenizes poorly; count each rune as a token.
	return est + nonASCII + max(e.TemplateOverhead, 0)
}

// Estimate returns the largest safe max-output-token value for the prompt.
// The result plus InputTokens(prompt) never exceeds contextWindow.
func (e *Estimator) Estimate(prompt string, contextWindow int) (int, error) {
	if contextWindow <= 0 {
		return 0, fmt.Errorf("invalid context window %d", contextWindow)
	}

	input := e.InputTokens(prompt)
	margin := e.SafetyMargin
	if margin < 0 || margin >= 1 {
		margin = DefaultSafetyMargin
	}

	remaining := contextWindow - input
	ceiling := 0
	if remaining > 0 {
		ceiling = int(math.Floor(float64(remaining) * (1 - margin)))
	}
	if e.MaxOutputTokens > 0 && ceiling > e.MaxOutputTokens {
		ceiling = e.MaxOutputTokens
	}

	minimum := e.MinOutputTokens
	if minimum <= 0 {
		minimum = DefaultMinOutputTokens
	}
	if ceiling < minimum {
		return 0, &PromptTooLargeError{
			InputTokens:   input,
			ContextWindow: contextWindow,
			Ceiling:       ceiling,
			Minimum:       minimum,
		}
	}
	return ceiling, nil
}

// FamilyForModel maps a model identifier to its tokenizer family.
func FamilyForModel(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"), strings.Contains(m, "text-embedding"):
		return FamilyGPT
	case strings.Contains(m, "claude"):
		return FamilyClaude
	case strings.Contains(m, "gemini"), strings.Contains(m, "gemma"):
		return FamilyGemini
	case strings.Contains(m, "llama"):
		return FamilyLlama
	case strings.Contains(m, "qwen"):
		return FamilyQwen
	default:
		return FamilyUnknown
	}
}
