// Package intent maps a prompt to a task category and the capability set
// that category requires. Classification is a pure function over the
// prompt text: lowercased lexicon matching, no I/O, fully deterministic.
package intent

import (
	"sort"
	"strings"

	"github.com/jordanhubbard/modelmux/internal/catalog"
)

// Intent is the classifier's label for a prompt's task category.
type Intent string

const (
	CodeGeneration     Intent = "code_generation"
	ReasoningLogic     Intent = "reasoning_logic"
	CreativeTasks      Intent = "creative_tasks"
	SecurityAnalysis   Intent = "security_analysis"
	MathematicalProofs Intent = "mathematical_proofs"
	MultiModal         Intent = "multi_modal"
	General            Intent = "general"
)

// declaredOrder fixes tie-breaking: when two intents hit the same number
// of lexicon matches, the one declared earlier wins.
var declaredOrder = []Intent{
	CodeGeneration,
	ReasoningLogic,
	CreativeTasks,
	SecurityAnalysis,
	MathematicalProofs,
	MultiModal,
	General,
}

// lexicons holds the per-intent keyword/phrase lists matched against the
// lowercased prompt. Multi-word phrases match as substrings.
var lexicons = map[Intent][]string{
	CodeGeneration: {
		"code", "function", "implement", "debug", "refactor", "compile",
		"python", "golang", "javascript", "typescript", "rust", "java",
		"script", "api", "class", "method", "unit test", "regex", "sql",
	},
	ReasoningLogic: {
		"reason", "logic", "deduce", "infer", "step by step", "why does",
		"explain why", "analyze", "compare", "trade-off", "tradeoff",
		"pros and cons", "think through",
	},
	CreativeTasks: {
		"story", "poem", "creative", "write a song", "lyrics", "fiction",
		"imagine", "brainstorm", "slogan", "screenplay", "haiku", "novel",
	},
	SecurityAnalysis: {
		"vulnerability", "exploit", "security", "cve", "penetration",
		"threat model", "audit", "injection", "xss", "csrf", "malware",
		"attack surface",
	},
	MathematicalProofs: {
		"prove", "proof", "theorem", "lemma", "axiom", "derivative",
		"integral", "equation", "mathematical", "induction", "qed",
		"converge",
	},
	MultiModal: {
		"image", "picture", "photo", "diagram", "screenshot", "video",
		"audio", "describe this", "what is in", "chart", "ocr",
	},
}

// requiredCaps derives the capability set a downstream provider must
// advertise for each intent.
var requiredCaps = map[Intent][]catalog.Capability{
	CodeGeneration:     {catalog.CapCodeGeneration},
	ReasoningLogic:     {catalog.CapReasoning},
	CreativeTasks:      {},
	SecurityAnalysis:   {catalog.CapReasoning, catalog.CapCodeGeneration},
	MathematicalProofs: {catalog.CapReasoning},
	MultiModal:         {catalog.CapVision},
	General:            {},
}

// Alternate is a lower-confidence candidate intent.
type Alternate struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Classification is the classifier's full output. Downstream consumes the
// primary intent and its required capabilities; alternates are advisory.
type Classification struct {
	Intent       Intent               `json:"intent"`
	Confidence   float64              `json:"confidence"`
	RequiredCaps catalog.CapabilitySet `json:"-"`
	Alternates   []Alternate          `json:"alternates,omitempty"`
}

// Classify labels the prompt. Confidence is min(1.0, 0.5 + 0.1*matches);
// with no lexicon hits the result is General at 0.5.
func Classify(prompt string) Classification {
	lower := strings.ToLower(prompt)

	matches := make(map[Intent]int, len(lexicons))
	for in, words := range lexicons {
		for _, w := range words {
			if strings.Contains(lower, w) {
				matches[in]++
			}
		}
	}

	// Rank candidates: more matches first, declared order on ties.
	type candidate struct {
		intent Intent
		hits   int
		order  int
	}
	var cands []candidate
	for i, in := range declaredOrder {
		if matches[in] > 0 {
			cands = append(cands, candidate{intent: in, hits: matches[in], order: i})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].hits != cands[j].hits {
			return cands[i].hits > cands[j].hits
		}
		return cands[i].order < cands[j].order
	})

	if len(cands) == 0 {
		return Classification{
			Intent:       General,
			Confidence:   0.5,
			RequiredCaps: catalog.NewCapabilitySet(requiredCaps[General]...),
		}
	}

	top := cands[0]
	out := Classification{
		Intent:       top.intent,
		Confidence:   confidence(top.hits),
		RequiredCaps: catalog.NewCapabilitySet(requiredCaps[top.intent]...),
	}
	for _, c := range cands[1:] {
		out.Alternates = append(out.Alternates, Alternate{
			Intent:     c.intent,
			Confidence: confidence(c.hits),
		})
		if len(out.Alternates) == 3 {
			break
		}
	}
	return out
}

// RequiredCapabilities returns the fixed capability derivation for an
// intent, for callers that already know the label.
func RequiredCapabilities(in Intent) catalog.CapabilitySet {
	return catalog.NewCapabilitySet(requiredCaps[in]...)
}

func confidence(hits int) float64 {
	c := 0.5 + 0.1*float64(hits)
	if c > 1.0 {
		return 1.0
	}
	return c
}
