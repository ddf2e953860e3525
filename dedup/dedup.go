// Package dedup removes duplicate scenarios and test cases, first lexically on
// normalized titles and then semantically on embeddings. Every pass is
// deterministic for a fixed input and keeps the earliest member of each
// duplicate group.
package dedup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/adrg/strutil/metrics"
	"github.com/c360studio/casegen/embedding"
	"github.com/c360studio/casegen/testcase"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Default similarity thresholds.
const (
	DefaultTitleThreshold     = 0.85
	DefaultEmbeddingThreshold = 0.92
)

// fillerPhrases are QA boilerplate that carries no meaning for comparison.
// Longer phrases come first so "verify that" is removed before "verify".
var fillerPhrases = []string{
	"make sure that",
	"validate that",
	"ensure that",
	"verify that",
	"check that",
	"confirm that",
	"test that",
	"make sure",
	"validate",
	"ensure",
	"verify",
	"check",
	"confirm",
}

// Texter is anything with comparison text.
type Texter interface {
	Text() string
}

// NormalizeTitle folds case and accents, turns punctuation into spaces, drops
// filler phrases and collapses whitespace.
func NormalizeTitle(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = cases.Fold().String(folded)

	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)

	padded := " " + strings.Join(strings.Fields(folded), " ") + " "
	for _, phrase := range fillerPhrases {
		padded = strings.ReplaceAll(padded, " "+phrase+" ", " ")
	}
	return strings.Join(strings.Fields(padded), " ")
}

// TokenSetRatio scores two titles in [0,1] by comparing their token sets:
// the shared tokens against each side's shared-plus-remaining tokens, using
// indel similarity. Inputs are normalized first. A title whose tokens are a
// subset of the other's scores 1.
func TokenSetRatio(a, b string) float64 {
	ta := tokenSet(NormalizeTitle(a))
	tb := tokenSet(NormalizeTitle(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var shared, onlyA, onlyB []string
	for tok := range ta {
		if tb[tok] {
			shared = append(shared, tok)
		} else {
			onlyA = append(onlyA, tok)
		}
	}
	for tok := range tb {
		if !ta[tok] {
			onlyB = append(onlyB, tok)
		}
	}
	sort.Strings(shared)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(shared, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := indelRatio(withA, withB)
	if base != "" {
		best = math.Max(best, math.Max(indelRatio(base, withA), indelRatio(base, withB)))
	}
	return best
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

// indelDistance is Levenshtein with substitutions priced as a delete plus an
// insert, which makes the distance len(a)+len(b)-2*LCS.
var indelDistance = &metrics.Levenshtein{
	CaseSensitive: true,
	InsertCost:    1,
	DeleteCost:    1,
	ReplaceCost:   2,
}

// indelRatio is 1 - indel/(len(a)+len(b)) over runes.
func indelRatio(a, b string) float64 {
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 1
	}
	return 1 - float64(indelDistance.Distance(a, b))/float64(total)
}

// Titles removes candidates whose titles score at or above threshold against
// an earlier kept candidate. Candidates are ordered by (layer, index) first so
// the representative does not depend on input order. It returns the kept
// candidates and the number removed.
func Titles(cands []testcase.ScenarioCandidate, threshold float64) ([]testcase.ScenarioCandidate, int) {
	ordered := make([]testcase.ScenarioCandidate, len(cands))
	copy(ordered, cands)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := ordered[i].Layer.Rank(), ordered[j].Layer.Rank()
		if ri != rj {
			return ri < rj
		}
		return ordered[i].Index < ordered[j].Index
	})

	keep := greedy(len(ordered), func(i, j int) bool {
		return TokenSetRatio(ordered[i].Title, ordered[j].Title) >= threshold
	})
	out := make([]testcase.ScenarioCandidate, 0, len(keep))
	for _, i := range keep {
		out = append(out, ordered[i])
	}
	return out, len(cands) - len(out)
}

// Cases removes test cases whose scenario titles score at or above threshold
// against an earlier kept case. Cases are ordered by layer, keeping generation
// order within a layer.
func Cases(tcs []testcase.TestCase, threshold float64) ([]testcase.TestCase, int) {
	ordered := make([]testcase.TestCase, len(tcs))
	copy(ordered, tcs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return layerRank(ordered[i].Layer) < layerRank(ordered[j].Layer)
	})

	keep := greedy(len(ordered), func(i, j int) bool {
		return TokenSetRatio(ordered[i].Scenario, ordered[j].Scenario) >= threshold
	})
	out := make([]testcase.TestCase, 0, len(keep))
	for _, i := range keep {
		out = append(out, ordered[i])
	}
	return out, len(tcs) - len(out)
}

// layerRank sorts unknown layers after the known ones.
func layerRank(l testcase.CoverageLayer) int {
	if r := l.Rank(); r >= 0 {
		return r
	}
	return len(testcase.AllLayers())
}

// Embeddings removes items whose embedding has cosine similarity at or above
// threshold with an earlier kept item. Items are compared in the order given.
// On embedder failure the input is returned unchanged together with the error.
func Embeddings[T Texter](ctx context.Context, e embedding.Embedder, items []T, threshold float64) ([]T, int, error) {
	if len(items) < 2 {
		return items, 0, nil
	}
	if e == nil {
		return items, 0, fmt.Errorf("no embedder configured")
	}

	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = NormalizeTitle(item.Text())
		if texts[i] == "" {
			texts[i] = item.Text()
		}
	}

	vectors, err := e.Embed(ctx, texts)
	if err != nil {
		return items, 0, err
	}
	if len(vectors) != len(items) {
		return items, 0, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(items))
	}

	keep := greedy(len(items), func(i, j int) bool {
		return Cosine(vectors[i], vectors[j]) >= threshold
	})
	out := make([]T, 0, len(keep))
	for _, i := range keep {
		out = append(out, items[i])
	}
	return out, len(items) - len(out), nil
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// greedy returns the indexes of items kept when each item is compared with
// every earlier kept item and dropped on the first duplicate.
func greedy(n int, duplicate func(kept, candidate int) bool) []int {
	keep := make([]int, 0, n)
outer:
	for i := 0; i < n; i++ {
		for _, k := range keep {
			if duplicate(k, i) {
				continue outer
			}
		}
		keep = append(keep, i)
	}
	return keep
}
