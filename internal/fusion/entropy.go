// Package fusion turns a set of provider responses into a single
// consensus answer. Quality is approximated with a provider-agnostic
// token-entropy score; fusion is winner-takes-all on text with
// entropy-weighted confidence, since token-level merging across
// heterogeneous vocabularies is ill-defined.
package fusion

import (
	"math"
	"strings"
)

// Score computes a quality score in [0,1] for a response text.
//
// Tokens are whitespace-separated. Shannon entropy over the token
// frequency distribution is normalized by log2(max(2, unique tokens)),
// which penalizes degenerate repetition without rewarding verbosity.
// The function is pure: equal token multisets always score equally.
// Empty or whitespace-only text scores 0.
func Score(text string) float64 {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return 0
	}

	freq := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freq[tok]++
	}

	total := float64(len(tokens))
	var h float64
	for _, n := range freq {
		p := float64(n) / total
		h -= p * math.Log2(p)
	}

	unique := len(freq)
	norm := math.Log2(math.Max(2, float64(unique)))
	q := h / norm
	if q > 1 {
		return 1
	}
	return q
}
