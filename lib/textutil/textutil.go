package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Normalize lowercases text and squashes all whitespace runs to single
// spaces so downstream matching does not trip on formatting.
func Normalize(text string) string {
	text = strings.ToLower(text)
	text = strings.Trim(text, " \n\t")
	return whitespaceRegex.ReplaceAllString(text, " ")
}

var wordRegex = regexp.MustCompile(`[a-z0-9]+`)

// Tokenize splits free text into lowercase word tokens. Tokens shorter
// than 3 runes carry no matching signal and are dropped.
func Tokenize(text string) []string {
	words := wordRegex.FindAllString(Normalize(text), -1)
	tokens := words[:0]
	for _, w := range words {
		if len(w) >= 3 {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

func ContainsAny(text string, terms []string) bool {
	text = Normalize(text)
	for _, t := range terms {
		if strings.Contains(text, Normalize(t)) {
			return true
		}
	}
	return false
}
