package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// term is a key term with its phonetic codes computed once.
type term struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

func prepare(raw string) (term, bool) {
	text := strings.Join(strings.Fields(raw), " ")
	if text == "" {
		return term{}, false
	}
	lower := strings.ToLower(text)
	tokens := strings.Fields(lower)
	return term{text: text, lower: lower, tokens: tokens, codes: codesFor(tokens)}, true
}

// codesFor returns the union of the Double Metaphone codes of tokens.
// Empty codes (tokens without consonants) are left out.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score of the full strings or their
// space-stripped forms. Word-aligned windows additionally use the lowest
// per-word score, so one well-matching word cannot carry a phrase.
func similarity(window, termTokens []string, windowFull, termFull string) float64 {
	score := matchr.JaroWinkler(windowFull, termFull, false)
	if len(window) > 1 || len(termTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(window, ""), strings.Join(termTokens, ""), false)
		score = max(score, joined)
	}
	if len(window) > 1 && len(window) == len(termTokens) {
		lowest := 1.0
		for i := range window {
			lowest = min(lowest, matchr.JaroWinkler(window[i], termTokens[i], false))
		}
		score = min(score, lowest)
	}
	return score
}
