// Package voicecmd recognises spoken control commands in final transcripts.
//
// A user saying "stop" or "cancel" mid-conversation should halt the agent
// instead of being sent to the dialogue engine. Transcribers regularly
// mishear such short words ("stopp", "cancell"), so matching is phonetic:
// Double Metaphone codes select candidates and Jaro-Winkler similarity
// ranks them (see [Detector.Detect]).
//
// Only short utterances are considered. "Please don't cancel my order" is a
// request for the agent, not a command.
package voicecmd

import (
	"log/slog"
	"strings"
	"unicode"
)

const (
	// DefaultMaxWords is the longest utterance still treated as a command.
	DefaultMaxWords = 3

	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Command names an action and the spoken keywords that trigger it.
type Command struct {
	// Name identifies the command for logging and dispatch.
	Name string

	// Keywords are matched against each word of the utterance.
	Keywords []string
}

// Stop is the global stop command.
var Stop = Command{Name: "stop", Keywords: []string{"stop", "cancel"}}

// Option configures a [Detector].
type Option func(*Detector)

// WithCommands replaces the default command set ([Stop]).
func WithCommands(cmds ...Command) Option {
	return func(d *Detector) { d.commands = cmds }
}

// WithMaxWords overrides [DefaultMaxWords].
func WithMaxWords(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.maxWords = n
		}
	}
}

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a keyword
// whose phonetic code matched. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(d *Detector) { d.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// code matched. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(d *Detector) { d.fuzzyThreshold = threshold }
}

// Detector checks transcripts against a set of commands. It is read-only
// after construction and safe for concurrent use.
type Detector struct {
	commands          []Command
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
	keywords          []keyword
}

// New returns a Detector for the [Stop] command unless [WithCommands] says
// otherwise.
func New(opts ...Option) *Detector {
	d := &Detector{
		commands:          []Command{Stop},
		maxWords:          DefaultMaxWords,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(d)
	}
	for _, c := range d.commands {
		for _, k := range c.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				d.keywords = append(d.keywords, newKeyword(c.Name, k))
			}
		}
	}
	return d
}

// Detect reports which command text triggers, if any. Utterances longer
// than the word limit never match.
func (d *Detector) Detect(text string) (Command, bool) {
	words := normalize(text)
	if len(words) == 0 || len(words) > d.maxWords {
		return Command{}, false
	}

	name, score, ok := d.best(words)
	if !ok {
		return Command{}, false
	}
	slog.Debug("voicecmd: command recognised", "command", name, "text", text, "score", score)
	for _, c := range d.commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// IsStop reports whether text is a spoken global stop.
func (d *Detector) IsStop(text string) bool {
	c, ok := d.Detect(text)
	return ok && c.Name == Stop.Name
}

// normalize lowercases text and splits it into words, dropping punctuation.
func normalize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
