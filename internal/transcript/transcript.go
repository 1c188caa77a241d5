// Package transcript corrects domain vocabulary in finished transcripts.
//
// STT providers routinely mishear proper nouns such as product, brand or
// menu names. A [Corrector] holds the agent's key terms and rewrites
// transcript windows that sound like one of them. Matching runs in two
// stages:
//
//  1. Phonetic candidates: a window whose Double Metaphone codes overlap a
//     term's codes is accepted when its Jaro-Winkler similarity reaches the
//     phonetic threshold.
//  2. Fuzzy fallback: without a phonetic candidate, a term is accepted on
//     Jaro-Winkler similarity alone at the stricter fuzzy threshold.
//
// Windows of up to the longest term's word count are tried at every position,
// longest first, so multi-word terms win over partial single-word matches.
package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// minWindowRunes keeps short function words ("the", "and") from being
	// rewritten into similar-sounding terms.
	minWindowRunes = 4
)

// Correction records a single substitution.
type Correction struct {
	// Original is the window as produced by the STT provider, without
	// surrounding punctuation.
	Original string

	// Corrected is the key term that replaced it.
	Corrected string

	// Score is the Jaro-Winkler similarity in [0, 1].
	Score float64
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum similarity for a phonetic
// candidate. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum similarity when no phonetic
// candidate exists. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Corrector rewrites misheard key terms. It is read-only after New and safe
// for concurrent use.
type Corrector struct {
	terms             []term
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New prepares a Corrector for terms. Blank and duplicate terms are
// skipped; a Corrector without terms returns its input unchanged.
func New(terms []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}

	seen := make(map[string]struct{}, len(terms))
	for _, raw := range terms {
		t, ok := prepare(raw)
		if !ok {
			continue
		}
		if _, dup := seen[t.lower]; dup {
			continue
		}
		seen[t.lower] = struct{}{}
		c.terms = append(c.terms, t)
		c.maxWords = max(c.maxWords, len(t.tokens))
	}
	return c
}

// Len reports the number of distinct terms.
func (c *Corrector) Len() int { return len(c.terms) }

// Correct returns text with misheard terms replaced and the list of
// substitutions in order. Punctuation around a replaced window is kept.
// A window that already spells a term (ignoring case) is normalised to the
// term's spelling and reported only when the spelling changed.
func (c *Corrector) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(c.terms) == 0 {
		return text, nil
	}

	words := make([]word, len(tokens))
	for i, tok := range tokens {
		words[i] = split(tok)
	}

	var (
		out         []string
		corrections []Correction
		changed     bool
	)
	for i := 0; i < len(words); {
		n, t, score, ok := c.longestMatch(words[i:])
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}

		window := words[i : i+n]
		original := joinCores(window)
		if original != t.text {
			corrections = append(corrections, Correction{Original: original, Corrected: t.text, Score: score})
			changed = true
		}
		out = append(out, window[0].lead+t.text+window[n-1].trail)
		i += n
	}

	if !changed {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// longestMatch tries windows at the start of words from the longest term
// length down to one word.
func (c *Corrector) longestMatch(words []word) (n int, t term, score float64, ok bool) {
	for n = min(c.maxWords, len(words)); n >= 1; n-- {
		window := words[:n]
		if !joinable(window) {
			continue
		}
		if t, score, ok = c.match(window); ok {
			return n, t, score, true
		}
	}
	return 0, term{}, 0, false
}

// match ranks the terms against one window. Phonetic candidates always
// outrank fuzzy ones.
func (c *Corrector) match(window []word) (term, float64, bool) {
	tokens := make([]string, len(window))
	for i, w := range window {
		tokens[i] = strings.ToLower(w.core)
	}
	full := strings.Join(tokens, " ")
	if utf8.RuneCountInString(strings.ReplaceAll(full, " ", "")) < minWindowRunes {
		return term{}, 0, false
	}
	codes := codesFor(tokens)

	var (
		best         term
		bestScore    float64
		bestPhonetic bool
		found        bool
	)
	for _, t := range c.terms {
		// A window either lines up word for word with the term, or is a
		// split rendering of a single-word term.
		if len(t.tokens) != len(tokens) && len(t.tokens) != 1 {
			continue
		}
		if len(t.tokens) == 1 && len(tokens) > 1 && !similarLength(full, t.lower) {
			continue
		}
		if full == t.lower {
			return t, 1, true
		}
		score := similarity(tokens, t.tokens, full, t.lower)
		if overlaps(codes, t.codes) {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic, found = t, score, true, true
			}
			continue
		}
		if !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore {
			best, bestScore, found = t, score, true
		}
	}
	return best, bestScore, found
}

// ── tokens ──────────────────────────────────────────────────────────────────

// word is a transcript token split into its letters and the punctuation
// around them.
type word struct {
	lead, core, trail string
}

func split(tok string) word {
	core := strings.TrimLeftFunc(tok, unicode.IsPunct)
	lead := tok[:len(tok)-len(core)]
	trimmed := strings.TrimRightFunc(core, unicode.IsPunct)
	return word{lead: lead, core: trimmed, trail: core[len(trimmed):]}
}

// joinable reports whether window can be replaced as a unit: every word
// has letters, and punctuation only appears at the window's edges.
func joinable(window []word) bool {
	for i, w := range window {
		if w.core == "" {
			return false
		}
		if i > 0 && w.lead != "" {
			return false
		}
		if i < len(window)-1 && w.trail != "" {
			return false
		}
	}
	return true
}

// similarLength reports whether the letters of a split window are within a
// quarter of the term's length.
func similarLength(window, term string) bool {
	a := utf8.RuneCountInString(strings.ReplaceAll(window, " ", ""))
	b := utf8.RuneCountInString(term)
	return abs(a-b) <= max(1, b/4)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func joinCores(window []word) string {
	cores := make([]string, len(window))
	for i, w := range window {
		cores[i] = w.core
	}
	return strings.Join(cores, " ")
}
