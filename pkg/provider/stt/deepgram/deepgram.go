// Package deepgram provides a Deepgram-backed STT provider using the
// pre-recorded REST API. The finished segment is posted as the raw request
// body; model and language travel as query parameters and the transcript
// comes back nested under results.channels[].alternatives[].
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voiceloop/pkg/provider/stt"
)

const (
	defaultBaseURL = "https://api.deepgram.com"
	defaultModel   = "nova-3"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the API base URL. Used by tests and self-hosted
// deployments.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithKeyterms adds vocabulary hints (product names, street names) that
// improve recognition of uncommon words.
func WithKeyterms(terms ...string) Option {
	return func(p *Provider) {
		p.keyterms = append(p.keyterms, terms...)
	}
}

// WithHTTPClient replaces the default HTTP client (20s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram REST API.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	keyterms   []string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. An empty apiKey is accepted; every
// Transcribe call then fails with [stt.ErrMissingCredentials].
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// listenResponse is the subset of the pre-recorded response we read.
type listenResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if p.apiKey == "" {
		return stt.Transcript{}, fmt.Errorf("deepgram: %w", stt.ErrMissingCredentials)
	}
	start := time.Now()

	q := url.Values{}
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if req.Language != "" {
		q.Set("language", req.Language)
	}
	for _, kt := range p.keyterms {
		q.Add("keyterm", kt)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/listen?"+q.Encode(), bytes.NewReader(req.Audio))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: create request: %w", err)
	}
	ct := req.MIMEType
	if ct == "" {
		ct = "audio/wav"
	}
	httpReq.Header.Set("Content-Type", ct)
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: read response body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return stt.Transcript{}, &stt.StatusError{Provider: "deepgram", StatusCode: resp.StatusCode, Body: string(data)}
	}

	var lr listenResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: parse response: %w", err)
	}

	out := stt.Transcript{Language: req.Language, Latency: time.Since(start)}
	if len(lr.Results.Channels) > 0 {
		ch := lr.Results.Channels[0]
		if ch.DetectedLanguage != "" {
			out.Language = ch.DetectedLanguage
		}
		if len(ch.Alternatives) > 0 {
			out.Text = strings.TrimSpace(ch.Alternatives[0].Transcript)
			out.Confidence = ch.Alternatives[0].Confidence
		}
	}
	return out, nil
}
