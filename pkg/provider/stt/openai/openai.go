// Package openai transcribes segments with the OpenAI audio API
// (whisper-1, gpt-4o-transcribe) or a server that mirrors it.
package openai

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voiceloop/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Provider is safe for concurrent use.
type Provider struct {
	client oai.Client
	keyed  bool
	model  string
	prompt string
	reqs   []option.RequestOption
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL points the client at another server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.reqs = append(p.reqs, option.WithBaseURL(url)) }
}

// WithModel picks the transcription model. Default "whisper-1".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithPrompt sends a vocabulary hint with every segment.
func WithPrompt(prompt string) Option {
	return func(p *Provider) { p.prompt = prompt }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.reqs = append(p.reqs, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New returns a Provider. Without apiKey every call fails with
// [stt.ErrMissingCredentials]. SDK retries are off; failover retries.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{model: "whisper-1", keyed: apiKey != ""}
	p.reqs = []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(p)
	}
	p.client = oai.NewClient(p.reqs...)
	p.reqs = nil
	return p
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if !p.keyed {
		return stt.Transcript{}, fmt.Errorf("openai stt: %w", stt.ErrMissingCredentials)
	}
	start := time.Now()

	mime := cmp.Or(req.MIMEType, "audio/wav")
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(req.Audio), "segment"+cmp.Or(fileExt[mime], ".wav"), mime),
		Model: oai.AudioModel(p.model),
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}
	if p.prompt != "" {
		params.Prompt = oai.String(p.prompt)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai stt: %w", err)
	}
	return stt.Transcript{Text: strings.TrimSpace(res.Text), Language: req.Language, Latency: time.Since(start)}, nil
}

// fileExt names the upload so the server can sniff the container. Unknown
// types go up as .wav.
var fileExt = map[string]string{
	"audio/wav":  ".wav",
	"audio/webm": ".webm",
	"audio/ogg":  ".ogg",
	"audio/mpeg": ".mp3",
}
