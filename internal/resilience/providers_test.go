package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voiceloop/pkg/provider/llm"
	llmmock "github.com/MrWong99/voiceloop/pkg/provider/llm/mock"
	"github.com/MrWong99/voiceloop/pkg/provider/stt"
	sttmock "github.com/MrWong99/voiceloop/pkg/provider/stt/mock"
	"github.com/MrWong99/voiceloop/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voiceloop/pkg/provider/tts/mock"
)

// ── STT ──

func TestSTTFallback_EmptyTranscriptIsAnAnswer(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{Result: stt.Transcript{Text: ""}}
	secondary := &sttmock.Provider{Result: stt.Transcript{Text: "hello"}}
	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	fb.AddFallback("whisper", secondary)

	tr, err := fb.Transcribe(context.Background(), stt.Request{Language: "en"})
	if err != nil || tr.Text != "" {
		t.Fatalf("Transcribe = %q, %v; want the primary's empty transcript", tr.Text, err)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Errorf("secondary called %d times", n)
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{Err: errors.New("503")}
	secondary := &sttmock.Provider{Result: stt.Transcript{Text: "from whisper"}}
	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	fb.AddFallback("whisper", secondary)

	tr, err := fb.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}, Language: "de"})
	if err != nil || tr.Text != "from whisper" {
		t.Fatalf("Transcribe = %q, %v", tr.Text, err)
	}
	calls := secondary.Calls()
	if len(calls) != 1 || calls[0].Req.Language != "de" || len(calls[0].Req.Audio) != 2 {
		t.Errorf("secondary calls = %+v", calls)
	}
}

// ── TTS ──

func TestTTSFallback_VoiceMapping(t *testing.T) {
	t.Parallel()

	luigi := tts.VoiceProfile{ID: "luigi-1", Name: "Luigi", Provider: "elevenlabs", SpeedFactor: 1.1}
	tests := []struct {
		name      string
		voiceID   string
		wantVoice tts.VoiceProfile
	}{
		{"configured fallback voice", "alloy", tts.VoiceProfile{ID: "alloy", Provider: "openai", SpeedFactor: 1.1}},
		{"backend default voice", "", tts.VoiceProfile{Provider: "openai", SpeedFactor: 1.1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			primary := &ttsmock.Provider{Err: errors.New("quota exceeded")}
			secondary := &ttsmock.Provider{MIMEType: "audio/mpeg"}
			fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
			fb.AddFallback("openai", secondary, tc.voiceID)

			a, err := fb.Synthesize(context.Background(), tts.Request{Text: "Ciao!", Voice: luigi, Language: "it"})
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if a.MIMEType != "audio/mpeg" {
				t.Errorf("MIMEType = %q, want the fallback's", a.MIMEType)
			}
			if got := primary.Calls()[0].Req.Voice.ID; got != "luigi-1" {
				t.Errorf("primary voice = %q, want luigi-1", got)
			}
			req := secondary.Calls()[0].Req
			if req.Voice.ID != tc.wantVoice.ID || req.Voice.Provider != tc.wantVoice.Provider || req.Voice.SpeedFactor != tc.wantVoice.SpeedFactor {
				t.Errorf("fallback voice = %+v, want %+v", req.Voice, tc.wantVoice)
			}
			if req.Text != "Ciao!" || req.Language != "it" {
				t.Errorf("fallback request = %+v", req)
			}
		})
	}
}

func TestTTSFallback_AllFailKeepsCause(t *testing.T) {
	t.Parallel()

	fb := NewTTSFallback(&ttsmock.Provider{Err: errors.New("down")}, "elevenlabs", FallbackConfig{})
	fb.AddFallback("openai", &ttsmock.Provider{Err: tts.ErrMissingCredentials}, "")

	_, err := fb.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, tts.ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrAllFailed wrapping ErrMissingCredentials", err)
	}
}

func TestTTSFallback_ListVoicesSkipsBackendsWithoutCatalogue(t *testing.T) {
	t.Parallel()

	noCatalogue := &struct{ tts.Provider }{&ttsmock.Provider{}}
	fb := NewTTSFallback(noCatalogue, "coqui", FallbackConfig{})
	fb.AddFallback("elevenlabs", &ttsmock.Provider{Voices: []tts.VoiceProfile{{ID: "v1", Name: "Alice"}}}, "")

	voices, err := fb.ListVoices(context.Background())
	if err != nil || len(voices) != 1 || voices[0].ID != "v1" {
		t.Errorf("ListVoices = %+v, %v", voices, err)
	}
}

// ── LLM ──

func collectText(ch <-chan llm.Chunk) string {
	var s string
	for c := range ch {
		s += c.Text
	}
	return s
}

func TestLLMFallback_Stream(t *testing.T) {
	t.Parallel()

	reply := []llm.Chunk{{Text: "Sure, "}, {Text: "one pizza."}, {FinishReason: "stop"}}
	tests := []struct {
		name    string
		primary *llmmock.Provider
		want    string
		served  string
	}{
		{"primary streams", &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Primary."}, {FinishReason: "stop"}}}, "Primary.", "primary"},
		{"open error", &llmmock.Provider{StreamErr: errors.New("401")}, "Sure, one pizza.", "secondary"},
		{"error before first chunk", &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "overloaded", FinishReason: llm.FinishReasonError}}}, "Sure, one pizza.", "secondary"},
		{"empty stream", &llmmock.Provider{}, "Sure, one pizza.", "secondary"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			secondary := &llmmock.Provider{StreamChunks: reply}
			fb := NewLLMFallback(tc.primary, "primary", FallbackConfig{})
			fb.AddFallback("secondary", secondary)

			ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
			if err != nil {
				t.Fatalf("StreamCompletion: %v", err)
			}
			if got := collectText(ch); got != tc.want {
				t.Errorf("text = %q, want %q", got, tc.want)
			}
			stream, _ := secondary.Calls()
			if wantCalls := map[string]int{"primary": 0, "secondary": 1}[tc.served]; stream != wantCalls {
				t.Errorf("secondary streams = %d, want %d", stream, wantCalls)
			}
		})
	}
}

func TestLLMFallback_MidStreamErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Sure"}, {Text: "connection reset", FinishReason: llm.FinishReasonError}}}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "other model"}}}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var last llm.Chunk
	for c := range ch {
		last = c
	}
	if last.FinishReason != llm.FinishReasonError {
		t.Errorf("last chunk = %+v, want the mid-stream error", last)
	}
	if stream, _ := secondary.Calls(); stream != 0 {
		t.Errorf("secondary streams = %d, want 0", stream)
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("500")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Ciao."}}
	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("anthropic", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "Ciao." {
		t.Fatalf("Complete = %+v, %v", resp, err)
	}
}
