// Package whisper transcribes segments on a whisper.cpp server through its
// POST /inference endpoint. The server needs no key, so it makes a good
// catch-all route for languages no hosted provider covers.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel asks the server for a model, e.g. "small". Empty means the one
// the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

type Provider struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// New targets the server at serverURL, e.g. "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{serverURL: strings.TrimRight(serverURL, "/"), httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements [stt.Provider]. Anything that is not WAV is taken
// to be raw mono PCM and wrapped first.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	start := time.Now()
	wav := req.Audio
	if req.MIMEType != "" && req.MIMEType != "audio/wav" {
		wav = audio.EncodeWAV(req.Audio, req.SampleRate, 1)
	}

	body, contentType, err := p.form(wav, req.Language)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: build form: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: POST /inference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return stt.Transcript{}, &stt.StatusError{Provider: "whisper", StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: decode reply: %w", err)
	}
	return stt.Transcript{Text: strings.TrimSpace(out.Text), Language: req.Language, Latency: time.Since(start)}, nil
}

// form encodes the multipart body: the clip as "file" plus the optional
// language and model fields.
func (p *Provider) form(wav []byte, language string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", err
	}
	fields := [][2]string{{"response_format", "json"}, {"language", language}, {"model", p.model}}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
