// Package gateway provides an STT provider for the platform's own
// transcription endpoint.
//
// The endpoint accepts a JSON body {audio: base64, language} authenticated
// with a bearer token and answers {success, transcript} or
// {success: false, error}.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voiceloop/pkg/provider/stt"
)

const defaultPath = "/api/voice/transcribe"

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithPath overrides the endpoint path (default "/api/voice/transcribe").
func WithPath(path string) Option {
	return func(p *Provider) {
		p.path = path
	}
}

// WithHTTPClient replaces the default HTTP client (20s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider against the gateway transcription endpoint.
type Provider struct {
	baseURL    string
	token      string
	path       string
	httpClient *http.Client
}

// New creates a Provider. baseURL must be non-empty. An empty token is
// accepted; calls then fail with [stt.ErrMissingCredentials].
func New(baseURL, token string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("gateway stt: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		path:       defaultPath,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type transcribeRequest struct {
	Audio    string `json:"audio"`
	Language string `json:"language"`
	MIMEType string `json:"mimeType,omitempty"`
}

type transcribeResponse struct {
	Success    bool   `json:"success"`
	Transcript string `json:"transcript"`
	Error      string `json:"error"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if p.token == "" {
		return stt.Transcript{}, fmt.Errorf("gateway stt: %w", stt.ErrMissingCredentials)
	}
	start := time.Now()

	body, err := json.Marshal(transcribeRequest{
		Audio:    base64.StdEncoding.EncodeToString(req.Audio),
		Language: req.Language,
		MIMEType: req.MIMEType,
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("gateway stt: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(body))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("gateway stt: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("gateway stt: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("gateway stt: read response body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return stt.Transcript{}, &stt.StatusError{Provider: "gateway stt", StatusCode: resp.StatusCode, Body: string(data)}
	}

	var tr transcribeResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return stt.Transcript{}, fmt.Errorf("gateway stt: parse response: %w", err)
	}
	if !tr.Success {
		msg := tr.Error
		if msg == "" {
			msg = "unknown error"
		}
		return stt.Transcript{}, fmt.Errorf("gateway stt: transcription failed: %s", msg)
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(tr.Transcript),
		Language: req.Language,
		Latency:  time.Since(start),
	}, nil
}
