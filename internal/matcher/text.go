package matcher

import (
	"regexp"
	"strings"
)

// abbreviations expands domain shorthand before tokenization so that
// "Fed" and "FOMC" or "Jan" and "January" land on the same tokens.
var abbreviations = map[string]string{
	"jan": "january", "feb": "february", "mar": "march", "apr": "april",
	"jun": "june", "jul": "july", "aug": "august", "sep": "september",
	"sept": "september", "oct": "october", "nov": "november", "dec": "december",
	"us": "united states", "u.s.": "united states", "usa": "united states",
	"uk": "united kingdom", "u.k.": "united kingdom",
	"fed": "federal reserve", "fomc": "federal reserve",
	"gdp": "gross domestic product",
	"cpi": "consumer price index",
}

var nonWord = regexp.MustCompile(`[^a-z0-9\s]+`)
var multiSpace = regexp.MustCompile(`\s+`)

// stopWords is a fixed English stop-word set dropped during tokenization.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "in": true, "on": true,
	"at": true, "by": true, "for": true, "to": true, "is": true, "it": true,
	"be": true, "will": true, "and": true, "or": true, "than": true,
	"this": true, "that": true, "with": true, "as": true, "does": true,
	"do": true, "has": true, "have": true, "are": true, "was": true,
	"were": true,
}

// normalizeQuestion lowercases, expands abbreviations, strips punctuation,
// and collapses whitespace.
func normalizeQuestion(q string) string {
	s := strings.ToLower(q)
	s = expandAbbreviations(s)
	s = nonWord.ReplaceAllString(s, " ")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func expandAbbreviations(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		trimmed := strings.Trim(w, ".")
		if expansion, ok := abbreviations[trimmed]; ok {
			words[i] = expansion
		}
	}
	return strings.Join(words, " ")
}

// tokenize splits normalized text on whitespace, drops stop words, and
// drops tokens of length <= 1.
func tokenize(normalized string) []string {
	fields := strings.Fields(normalized)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 1 {
			continue
		}
		if stopWords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// canonicalID joins the first 8 tokens with "_"; stable and dependency-free.
func canonicalID(tokens []string) string {
	n := len(tokens)
	if n > 8 {
		n = 8
	}
	return strings.Join(tokens[:n], "_")
}

// jaccardSimilarity returns |A∩B| / |A∪B| over two token sets.
func jaccardSimilarity(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func toSet(tokens []string) map[string]bool {
	s := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		s[t] = true
	}
	return s
}
