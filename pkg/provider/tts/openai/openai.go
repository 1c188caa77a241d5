// Package openai speaks sentences with the OpenAI speech API (tts-1,
// gpt-4o-mini-tts) or a server that mirrors it.
package openai

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// Provider is safe for concurrent use.
type Provider struct {
	client       oai.Client
	keyed        bool
	model        string
	instructions string
	reqs         []option.RequestOption
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL points the client at another server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.reqs = append(p.reqs, option.WithBaseURL(url)) }
}

// WithModel is the default model. A voice's own Model wins. Default "tts-1".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithInstructions sets speaking style for models that take it.
func WithInstructions(s string) Option {
	return func(p *Provider) { p.instructions = s }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.reqs = append(p.reqs, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New returns a Provider. Without apiKey every call fails with
// [tts.ErrMissingCredentials].
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{model: oai.SpeechModelTTS1, keyed: apiKey != ""}
	p.reqs = []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(p)
	}
	p.client = oai.NewClient(p.reqs...)
	p.reqs = nil
	return p
}

// Synthesize implements [tts.Provider]. The reply is requested as WAV; a
// voice without an ID speaks as "alloy".
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if !p.keyed {
		return tts.Audio{}, fmt.Errorf("openai tts: %w", tts.ErrMissingCredentials)
	}
	params := oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(cmp.Or(req.Voice.Model, p.model)),
		Voice:          oai.AudioSpeechNewParamsVoice(cmp.Or(req.Voice.ID, "alloy")),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if s := req.Voice.SpeedFactor; s > 0 && s != 1 {
		params.Speed = oai.Float(s)
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai tts: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai tts: read audio: %w", err)
	}

	out := tts.Audio{Data: data, MIMEType: tts.SniffMIME(data, "audio/wav")}
	if _, f, err := audio.DecodeWAV(data); err == nil {
		out.SampleRate = f.SampleRate
	}
	return out, nil
}
