package dialogue

import (
	"regexp"
	"strings"

	"github.com/MrWong99/voiceloop/pkg/memory"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s\-().]{6,}\d`)
	namePattern  = regexp.MustCompile(`\b(?:[Mm]y name is|[Cc]all me|[Mm]ein Name ist|[Ii]ch heiße)\s+(\p{Lu}[\p{L}'\-]+(?:\s+\p{Lu}[\p{L}'\-]+)?)`)
)

// ExtractFacts pulls customer facts out of a user utterance. Only the fields
// it finds are set, so the result can be merged with
// [memory.CustomerContext.Merge] without erasing anything.
func ExtractFacts(text string) memory.CustomerContext {
	var c memory.CustomerContext
	if m := emailPattern.FindString(text); m != "" {
		c.Email = strings.ToLower(m)
	}
	if m := phonePattern.FindString(text); m != "" {
		digits := strings.Map(func(r rune) rune {
			if r == '+' || (r >= '0' && r <= '9') {
				return r
			}
			return -1
		}, m)
		if len(strings.TrimPrefix(digits, "+")) >= 7 {
			c.Phone = digits
		}
	}
	if m := namePattern.FindStringSubmatch(text); m != nil {
		c.Name = strings.TrimSpace(m[1])
	}
	return c
}
