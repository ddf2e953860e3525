// Package testcase defines the data model shared by the generation pipeline:
// feature inputs, coverage layers, scenario candidates, expanded test cases and
// the per-feature and per-batch status records.
package testcase

import (
	"fmt"
	"strings"
)

// CoverageLevel controls how many coverage layers are explored for a feature
// and how many scenarios are requested per layer.
type CoverageLevel string

const (
	// CoverageLow explores the core layer only.
	CoverageLow CoverageLevel = "low"
	// CoverageMedium adds validation and negative scenarios.
	CoverageMedium CoverageLevel = "medium"
	// CoverageHigh adds boundary and state transition scenarios.
	CoverageHigh CoverageLevel = "high"
	// CoverageComprehensive explores every layer including security and destructive.
	CoverageComprehensive CoverageLevel = "comprehensive"
)

// String returns the string representation of the level.
func (l CoverageLevel) String() string {
	return string(l)
}

// Rank returns the ordinal position of the level (low=0). Unknown levels return -1.
func (l CoverageLevel) Rank() int {
	switch l {
	case CoverageLow:
		return 0
	case CoverageMedium:
		return 1
	case CoverageHigh:
		return 2
	case CoverageComprehensive:
		return 3
	default:
		return -1
	}
}

// IsValid returns true if the level is one of the known levels.
func (l CoverageLevel) IsValid() bool {
	return l.Rank() >= 0
}

// ParseCoverageLevel converts user input into a CoverageLevel.
// Empty input defaults to medium.
func ParseCoverageLevel(s string) (CoverageLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CoverageMedium, nil
	}
	l := CoverageLevel(s)
	if !l.IsValid() {
		return "", fmt.Errorf("unknown coverage level %q (want low, medium, high or comprehensive)", s)
	}
	return l, nil
}

// UnmarshalText accepts any casing of the level names, so YAML and JSON
// feature files decode through ParseCoverageLevel. An empty value stays unset.
func (l *CoverageLevel) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*l = ""
		return nil
	}
	parsed, err := ParseCoverageLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// CoverageLayer is a named exploration dimension.
type CoverageLayer string

const (
	LayerCore        CoverageLayer = "core"
	LayerValidation  CoverageLayer = "validation"
	LayerNegative    CoverageLayer = "negative"
	LayerBoundary    CoverageLayer = "boundary"
	LayerState       CoverageLayer = "state"
	LayerSecurity    CoverageLayer = "security"
	LayerDestructive CoverageLayer = "destructive"
)

// allLayers is the fixed exploration order. Coverage levels select a prefix.
var allLayers = []CoverageLayer{
	LayerCore,
	LayerValidation,
	LayerNegative,
	LayerBoundary,
	LayerState,
	LayerSecurity,
	LayerDestructive,
}

var layerFocus = map[CoverageLayer]string{
	LayerCore: "Fundamental workflows, happy paths, and required validations. " +
		"Highest priority: never skip basic flows or mandatory checks.",
	LayerValidation: "Field validation, required inputs, format errors, and user input mistakes. " +
		"Do not duplicate core flows.",
	LayerNegative: "Invalid inputs, error paths, rejection cases, and user mistakes. " +
		"Each independent failure mode is its own scenario.",
	LayerBoundary: "Boundary values, unusual inputs, limits, and edge values. " +
		"Do not duplicate core, validation, or negative scenarios.",
	LayerState: "State transitions, multi-step flows, and state-dependent behavior. " +
		"Do not duplicate earlier dimensions.",
	LayerSecurity: "Security-related scenarios: auth, authorization, injection, sensitive data. " +
		"Do not duplicate earlier dimensions.",
	LayerDestructive: "Data corruption, conflicting operations, resilience failures, and recovery. " +
		"Do not duplicate earlier dimensions.",
}

// AllLayers returns every layer in exploration order.
func AllLayers() []CoverageLayer {
	out := make([]CoverageLayer, len(allLayers))
	copy(out, allLayers)
	return out
}

// Rank returns the position of the layer in the exploration order, or -1.
func (l CoverageLayer) Rank() int {
	for i, layer := range allLayers {
		if layer == l {
			return i
		}
	}
	return -1
}

// Focus returns the prompt guidance for the layer.
func (l CoverageLayer) Focus() string {
	if f, ok := layerFocus[l]; ok {
		return f
	}
	return layerFocus[LayerCore]
}

// String returns the string representation of the layer.
func (l CoverageLayer) String() string {
	return string(l)
}

// LayersFor returns the prefix of the exploration order explored at the given level.
func LayersFor(level CoverageLevel) []CoverageLayer {
	var n int
	switch level {
	case CoverageLow:
		n = 1
	case CoverageHigh:
		n = 5
	case CoverageComprehensive:
		n = len(allLayers)
	default:
		n = 3
	}
	out := make([]CoverageLayer, n)
	copy(out, allLayers[:n])
	return out
}

// ScenarioCount returns how many scenario titles to request for a layer.
func ScenarioCount(level CoverageLevel, layer CoverageLayer) int {
	var base int
	switch level {
	case CoverageLow:
		base = 3
	case CoverageHigh:
		base = 6
	case CoverageComprehensive:
		base = 8
	default:
		base = 5
	}
	if layer == LayerBoundary && level.Rank() >= CoverageHigh.Rank() {
		base += 2
	}
	return base
}
