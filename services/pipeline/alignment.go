package pipeline

import (
	"github.com/antzucaro/matchr"

	"phdscout/lib/textutil"
)

// AlignmentScorer decides the alignment value stored for a record. How
// "alignment with interests" should be judged is a policy choice, so it
// hangs off an interface rather than being baked into the extractor.
type AlignmentScorer interface {
	// modelValue is the alignment the model itself reported,
	// empty when it reported none.
	Score(goal string, listingText string, modelValue string) string
}

// ModelAlignment trusts the model's own judgment of the listing,
// squeezed onto the closed high/medium/low vocabulary.
type ModelAlignment struct{}

func (ModelAlignment) Score(goal string, listingText string, modelValue string) string {
	return canonicalAlignment(modelValue)
}

var alignmentLevels = []string{"high", "medium", "low"}

// canonicalAlignment folds model phrasings like "Very High" onto one of
// the three levels. Anything recognizable as none of them is Unknown.
func canonicalAlignment(value string) string {
	for _, level := range alignmentLevels {
		if textutil.ContainsAny(value, []string{level}) {
			return level
		}
	}
	return Unknown
}

// KeywordAlignment scores a listing by fuzzy-matching the goal's tokens
// against the listing text, ignoring whatever the model reported. Each
// goal token contributes its best Jaro-Winkler match.
type KeywordAlignment struct{}

func (KeywordAlignment) Score(goal string, listingText string, modelValue string) string {
	goalTokens := textutil.Tokenize(goal)
	listingTokens := textutil.Tokenize(listingText)
	if len(goalTokens) == 0 || len(listingTokens) == 0 {
		return Unknown
	}

	var total float64
	for _, g := range goalTokens {
		best := 0.0
		for _, w := range listingTokens {
			score := matchr.JaroWinkler(g, w, true)
			if score > best {
				best = score
			}
		}
		total += best
	}
	avg := total / float64(len(goalTokens))

	switch {
	case avg >= 0.9:
		return "high"
	case avg >= 0.75:
		return "medium"
	}
	return "low"
}

// ScorerByName maps a config value to its policy. Defaults to
// ModelAlignment.
func ScorerByName(name string) AlignmentScorer {
	if name == "keywords" {
		return KeywordAlignment{}
	}
	return ModelAlignment{}
}
