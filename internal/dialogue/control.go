package dialogue

import (
	"regexp"
	"strings"
)

// languageMarker matches the legacy in-band language switch marker.
var languageMarker = regexp.MustCompile(`(?i)LANGUAGE_SWITCH:\s*([a-z]{2,3}(?:[-_][a-z0-9]{2,8})?)\b[ \t]*`)

// ParseLanguageSwitch extracts the first legacy language marker from text
// and returns the lower-cased code together with text stripped of every
// marker. code is empty when no marker is present.
func ParseLanguageSwitch(text string) (code, rest string) {
	if m := languageMarker.FindStringSubmatch(text); m != nil {
		code = strings.ToLower(strings.ReplaceAll(m[1], "_", "-"))
	}
	rest = strings.TrimSpace(languageMarker.ReplaceAllString(text, ""))
	return code, rest
}

// ResolveLanguageSwitch applies the precedence between the structured field
// and the legacy marker: a non-empty structured value always wins.
func ResolveLanguageSwitch(structured, text string) (code, rest string) {
	legacy, rest := ParseLanguageSwitch(text)
	if s := strings.TrimSpace(structured); s != "" {
		return strings.ToLower(s), rest
	}
	return legacy, rest
}
