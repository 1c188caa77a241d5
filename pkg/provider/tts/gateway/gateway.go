// Package gateway provides a TTS provider for the platform's own synthesis
// endpoint.
//
// The endpoint accepts {text, voice, model} with a bearer token. It answers
// either with raw audio bytes (Content-Type audio/*) or with a JSON envelope
// carrying a base64 payload.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voiceloop/pkg/provider/tts"
)

const defaultPath = "/api/voice/synthesize"

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithPath overrides the endpoint path (default "/api/voice/synthesize").
func WithPath(path string) Option {
	return func(p *Provider) {
		p.path = path
	}
}

// WithModel sets the default synthesis model. A VoiceProfile.Model wins.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider against the gateway synthesis endpoint.
type Provider struct {
	baseURL    string
	token      string
	path       string
	model      string
	httpClient *http.Client
}

// New creates a Provider. baseURL must be non-empty. An empty token is
// accepted; calls then fail with [tts.ErrMissingCredentials].
func New(baseURL, token string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("gateway tts: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		path:       defaultPath,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type synthesizeEnvelope struct {
	Audio       string `json:"audio"`
	ContentType string `json:"contentType"`
	Error       string `json:"error"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if p.token == "" {
		return tts.Audio{}, fmt.Errorf("gateway tts: %w", tts.ErrMissingCredentials)
	}
	model := req.Voice.Model
	if model == "" {
		model = p.model
	}
	body, err := json.Marshal(synthesizeRequest{
		Text:     req.Text,
		Voice:    req.Voice.ID,
		Model:    model,
		Language: req.Language,
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("gateway tts: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(body))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("gateway tts: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/*, application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("gateway tts: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("gateway tts: read response body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return tts.Audio{}, &tts.StatusError{Provider: "gateway tts", StatusCode: resp.StatusCode, Body: string(data)}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return tts.Audio{Data: data, MIMEType: tts.SniffMIME(data, orDefault(mediaType, "audio/mpeg"))}, nil
	}

	var env synthesizeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return tts.Audio{}, fmt.Errorf("gateway tts: parse response: %w", err)
	}
	if env.Audio == "" {
		return tts.Audio{}, fmt.Errorf("gateway tts: empty audio payload: %s", orDefault(env.Error, "no error given"))
	}
	raw, err := base64.StdEncoding.DecodeString(env.Audio)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("gateway tts: decode audio: %w", err)
	}
	return tts.Audio{Data: raw, MIMEType: tts.SniffMIME(raw, orDefault(env.ContentType, "audio/mpeg"))}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
