// Package coqui synthesizes speech on a self-hosted Coqui TTS server. It
// speaks both server flavours:
//
//   - [APIModeStandard], the stock TTS server (ghcr.io/coqui-ai/tts-cpu):
//     GET /api/tts, voice catalogue from GET /details.
//   - [APIModeXTTS], the XTTS v2 API server: POST /tts_to_audio/, voice
//     catalogue from GET /studio_speakers.
//
// Either way one sentence is one request and the answer is a WAV file,
// returned as is after a header check.
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
)

// APIMode names a server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage is used for requests without a language. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds one synthesis round trip. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode selects the server flavour. Default [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// Provider is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	httpClient *http.Client
}

// New targets the server at serverURL, e.g. "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   "en",
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.apiMode {
	case APIModeStandard, APIModeXTTS:
		return p, nil
	default:
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.apiMode)
	}
}

// ttsRequest is the XTTS synthesis body.
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	lang := cmp.Or(req.Language, p.language)
	httpReq, err := p.synthesisRequest(ctx, req.Text, req.Voice.ID, lang)
	if err != nil {
		return tts.Audio{}, err
	}
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: %s %s: %w", httpReq.Method, httpReq.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tts.Audio{}, &tts.StatusError{Provider: "coqui", StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: read audio: %w", err)
	}
	_, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: %w", err)
	}
	return tts.Audio{Data: wav, MIMEType: "audio/wav", SampleRate: format.SampleRate}, nil
}

func (p *Provider) synthesisRequest(ctx context.Context, text, voice, lang string) (*http.Request, error) {
	if p.apiMode == APIModeXTTS {
		// XTTS clones a reference speaker and has no built-in default.
		if voice == "" {
			return nil, errors.New("coqui: XTTS mode requires a voice ID")
		}
		body, err := json.Marshal(ttsRequest{Text: text, SpeakerWav: voice, Language: lang})
		if err != nil {
			return nil, fmt.Errorf("coqui: encode request: %w", err)
		}
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("coqui: %w", err)
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}

	q := url.Values{"text": {text}}
	if voice != "" {
		q.Set("speaker_id", voice)
	}
	if lang != "" {
		q.Set("language_id", lang)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return r, nil
}

// ListVoices implements [tts.VoiceLister]. XTTS lists its studio speakers;
// a standard server lists the speakers of a multi-speaker model, or the
// model itself when it has a single voice. Results are sorted by ID.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	voice := func(id string, meta map[string]string) tts.VoiceProfile {
		return tts.VoiceProfile{ID: id, Name: id, Provider: "coqui", Metadata: meta}
	}

	if p.apiMode == APIModeXTTS {
		var studio map[string]json.RawMessage
		if err := p.getJSON(ctx, studioSpeakersEndpoint, &studio); err != nil {
			return nil, err
		}
		var out []tts.VoiceProfile
		for _, name := range slices.Sorted(maps.Keys(studio)) {
			out = append(out, voice(name, map[string]string{"type": "studio"}))
		}
		return out, nil
	}

	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) == 0 {
		name := cmp.Or(details.ModelName, "default")
		return []tts.VoiceProfile{voice(name, map[string]string{"type": "single-speaker", "model_name": name})}, nil
	}
	out := make([]tts.VoiceProfile, 0, len(details.Speakers))
	for _, spk := range slices.Sorted(slices.Values(details.Speakers)) {
		out = append(out, voice(spk, map[string]string{"type": "speaker", "model_name": details.ModelName}))
	}
	return out, nil
}

func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &tts.StatusError{Provider: "coqui", StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}
