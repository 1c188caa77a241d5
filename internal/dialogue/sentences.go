package dialogue

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Splitter accumulates streamed text and cuts it into indexed sentences.
// The zero value is ready to use. A Splitter is not safe for concurrent use.
type Splitter struct {
	buf  strings.Builder
	next int
}

// Feed appends delta and returns every sentence it completed.
func (s *Splitter) Feed(delta string) []Sentence {
	s.buf.WriteString(delta)
	var out []Sentence
	for {
		text := s.buf.String()
		idx := firstSentenceBoundary(text)
		if idx < 0 {
			return out
		}
		out = s.appendSentence(out, text[:idx])
		s.buf.Reset()
		s.buf.WriteString(strings.TrimLeftFunc(text[idx:], unicode.IsSpace))
	}
}

// Flush returns the remaining partial sentence, if any.
func (s *Splitter) Flush() []Sentence {
	text := s.buf.String()
	s.buf.Reset()
	return s.appendSentence(nil, text)
}

func (s *Splitter) appendSentence(out []Sentence, text string) []Sentence {
	text = strings.TrimSpace(text)
	if text == "" {
		return out
	}
	out = append(out, Sentence{Index: s.next, Text: text})
	s.next++
	return out
}

// firstSentenceBoundary returns the byte offset just past the first sentence
// terminator in s, or -1. ASCII terminators ('.', '!', '?') only count when
// followed by whitespace; full-width terminators end a sentence on their own.
func firstSentenceBoundary(s string) int {
	for i, r := range s {
		switch r {
		case '。', '！', '？':
			return i + utf8.RuneLen(r)
		case '.', '!', '?':
			if i+1 < len(s) {
				switch s[i+1] {
				case ' ', '\n', '\r', '\t':
					return i + 1
				}
			}
		}
	}
	return -1
}

// SplitSentences cuts a complete reply into sentences. Trailing text without
// a terminator is returned as the last sentence.
func SplitSentences(text string) []string {
	var sp Splitter
	sentences := append(sp.Feed(text), sp.Flush()...)
	out := make([]string, len(sentences))
	for i, s := range sentences {
		out[i] = s.Text
	}
	return out
}

// closers are stripped before looking for a trailing question mark.
const closers = "\"'”’»)]*_ \t\r\n"

// EndsWithQuestion reports whether text ends in a question mark, ASCII or
// full-width, ignoring closing quotes and brackets.
func EndsWithQuestion(text string) bool {
	text = strings.TrimRight(text, closers)
	return strings.HasSuffix(text, "?") || strings.HasSuffix(text, "？")
}

// LastQuestion returns the last sentence of text that ends in a question
// mark, or "".
func LastQuestion(text string) string {
	sentences := SplitSentences(text)
	for i := len(sentences) - 1; i >= 0; i-- {
		if EndsWithQuestion(sentences[i]) {
			return sentences[i]
		}
	}
	return ""
}
