package voicecmd

import "github.com/antzucaro/matchr"

// keyword is a command keyword with its precomputed Double Metaphone codes.
type keyword struct {
	command string
	text    string
	codes   [2]string
}

func newKeyword(command, text string) keyword {
	p, s := matchr.DoubleMetaphone(text)
	return keyword{command: command, text: text, codes: [2]string{p, s}}
}

// best returns the keyword that matches any of words most closely.
//
// A word whose primary or secondary code equals one of the keyword's codes
// is a phonetic candidate and needs the lower threshold. Phonetic
// candidates always outrank pure string similarity.
func (d *Detector) best(words []string) (command string, score float64, ok bool) {
	var (
		bestScore    float64
		bestPhonetic bool
	)
	for _, w := range words {
		wp, ws := matchr.DoubleMetaphone(w)
		for _, k := range d.keywords {
			jw := matchr.JaroWinkler(w, k.text, false)
			if sharesCode(k.codes, wp, ws) {
				if jw >= d.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
					command, bestScore, bestPhonetic, ok = k.command, jw, true, true
				}
				continue
			}
			if !bestPhonetic && jw >= d.fuzzyThreshold && jw > bestScore {
				command, bestScore, ok = k.command, jw, true
			}
		}
	}
	return command, bestScore, ok
}

func sharesCode(codes [2]string, p, s string) bool {
	for _, c := range codes {
		if c != "" && (c == p || c == s) {
			return true
		}
	}
	return false
}
