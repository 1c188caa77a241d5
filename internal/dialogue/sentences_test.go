package dialogue

import (
	"slices"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"Hello! How can I help?", []string{"Hello!", "How can I help?"}},
		{"One. Two.  Three", []string{"One.", "Two.", "Three"}},
		{"Version 1.5 is out. Nice.", []string{"Version 1.5 is out.", "Nice."}},
		{"こんにちは。元気ですか？", []string{"こんにちは。", "元気ですか？"}},
		{"   ", []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			if got := SplitSentences(tc.in); !slices.Equal(got, tc.want) {
				t.Errorf("SplitSentences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSplitter_AcrossChunks(t *testing.T) {
	t.Parallel()

	var sp Splitter
	var got []Sentence
	for _, delta := range []string{"Hel", "lo! How", " can I", " help? Bye"} {
		got = append(got, sp.Feed(delta)...)
	}
	got = append(got, sp.Flush()...)

	want := []Sentence{{0, "Hello!"}, {1, "How can I help?"}, {2, "Bye"}}
	if !slices.Equal(got, want) {
		t.Errorf("sentences = %+v, want %+v", got, want)
	}
}

func TestEndsWithQuestion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"How can I help?", true},
		{"How can I help?  ", true},
		{`Did you say "yes?"`, true},
		{"Wie geht's？", true},
		{"(Are you there?)", true},
		{"Thanks.", false},
		{"Is it? No.", false},
		{"", false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			if got := EndsWithQuestion(tc.in); got != tc.want {
				t.Errorf("EndsWithQuestion(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestLastQuestion(t *testing.T) {
	t.Parallel()

	if got := LastQuestion("Sure. What is your order number? I can wait."); got != "What is your order number?" {
		t.Errorf("LastQuestion = %q", got)
	}
	if got := LastQuestion("No questions here."); got != "" {
		t.Errorf("LastQuestion = %q, want empty", got)
	}
}

func TestParseLanguageSwitch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantCode string
		wantRest string
	}{
		{"LANGUAGE_SWITCH:de Hallo!", "de", "Hallo!"},
		{"language_switch: FR Bonjour", "fr", "Bonjour"},
		{"LANGUAGE_SWITCH:pt_BR Olá", "pt-br", "Olá"},
		{"Okay. LANGUAGE_SWITCH:es", "es", "Okay."},
		{"No marker here.", "", "No marker here."},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			code, rest := ParseLanguageSwitch(tc.in)
			if code != tc.wantCode || rest != tc.wantRest {
				t.Errorf("ParseLanguageSwitch(%q) = (%q, %q), want (%q, %q)", tc.in, code, rest, tc.wantCode, tc.wantRest)
			}
		})
	}
}

func TestExtractFacts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in        string
		wantName  string
		wantEmail string
		wantPhone string
	}{
		{"Hi, my name is Jane Doe and I need help", "Jane Doe", "", ""},
		{"you can reach me at Jane.Doe@Example.com", "", "jane.doe@example.com", ""},
		{"my number is +49 170 123-4567", "", "", "+491701234567"},
		{"I want two pizzas", "", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got := ExtractFacts(tc.in)
			if got.Name != tc.wantName || got.Email != tc.wantEmail || got.Phone != tc.wantPhone {
				t.Errorf("ExtractFacts(%q) = name %q email %q phone %q", tc.in, got.Name, got.Email, got.Phone)
			}
		})
	}
}
