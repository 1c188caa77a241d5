package speech

import (
	"regexp"
	"strings"
)

var (
	codeFence      = regexp.MustCompile("(?s)```.*?```")
	inlineCode     = regexp.MustCompile("`([^`]*)`")
	image          = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	link           = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	htmlTag        = regexp.MustCompile(`</?[A-Za-z][^>]*>`)
	languageMarker = regexp.MustCompile(`(?i)LANGUAGE_SWITCH:\s*[a-z]{2,3}(?:[-_][a-z0-9]{2,8})?\b`)
	controlToken   = regexp.MustCompile(`\[\[[^\]]*\]\]|\[[A-Z][A-Z0-9_]*(?::[^\]]*)?\]|<\|[^|]*\|>|\{\{[^}]*\}\}`)
	heading        = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]*`)
	blockquote     = regexp.MustCompile(`(?m)^[ \t]*>[ \t]?`)
	bullet         = regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+[.)])[ \t]+`)
	strong         = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	emphasis       = regexp.MustCompile(`\*([^*\n]+)\*|\b_([^_\n]+)_\b`)
	strike         = regexp.MustCompile(`~~(.+?)~~`)
	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n\s*`)
	whitespace     = regexp.MustCompile(`\s+`)
)

// Sanitize turns model output into plain speakable text. It removes markdown
// (emphasis, code, headings, links, list markers), HTML tags, language
// switch markers and bracketed control tokens, turns paragraph breaks into
// sentence pauses and collapses whitespace.
func Sanitize(text string) string {
	s := codeFence.ReplaceAllString(text, " ")
	s = inlineCode.ReplaceAllString(s, "$1")
	s = image.ReplaceAllString(s, "$1")
	s = link.ReplaceAllString(s, "$1")
	s = htmlTag.ReplaceAllString(s, " ")
	s = languageMarker.ReplaceAllString(s, " ")
	s = controlToken.ReplaceAllString(s, " ")
	s = heading.ReplaceAllString(s, "")
	s = blockquote.ReplaceAllString(s, "")
	s = bullet.ReplaceAllString(s, "")
	s = strong.ReplaceAllString(s, "$2")
	s = emphasis.ReplaceAllString(s, "$1$2")
	s = strike.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, "*", "")

	var out []string
	for _, p := range paragraphBreak.Split(s, -1) {
		if p = strings.TrimSpace(whitespace.ReplaceAllString(p, " ")); p != "" {
			out = append(out, p)
		}
	}
	for i := range len(out) - 1 {
		if !endsWithPause(out[i]) {
			out[i] += "."
		}
	}
	return strings.Join(out, " ")
}

func endsWithPause(s string) bool {
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?") ||
		strings.HasSuffix(s, ":") || strings.HasSuffix(s, ";") || strings.HasSuffix(s, ",") ||
		strings.HasSuffix(s, "。") || strings.HasSuffix(s, "！") || strings.HasSuffix(s, "？")
}
