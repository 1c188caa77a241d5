// Package elevenlabs synthesizes speech with the ElevenLabs stream-input
// WebSocket API.
//
// A sentence is one socket: an opening message with the key and voice
// settings, the text, an empty end-of-input message, then base64 PCM
// frames until the server flags the stream final. The collected PCM comes
// back as a WAV clip.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// Default stability and similarity; ElevenLabs' own dashboard defaults.
const (
	stability       = 0.5
	similarityBoost = 0.75
)

// maxFrame bounds one server message. A base64 frame of a long sentence at
// 44.1 kHz stays well below it.
const maxFrame = 4 << 20

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the default model, e.g. "eleven_multilingual_v2". A
// voice's own Model wins.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat picks a "pcm_<rate>" format: 16000, 22050, 24000 or
// 44100.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithBaseURLs points the provider at other WebSocket and REST hosts.
func WithBaseURLs(wsBase, apiBase string) Option {
	return func(p *Provider) {
		p.wsBase, p.apiBase = strings.TrimRight(wsBase, "/"), strings.TrimRight(apiBase, "/")
	}
}

// Provider is safe for concurrent use; every call has its own socket.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	apiBase      string
	httpClient   *http.Client
}

// New returns a Provider. Without apiKey every call fails with
// [tts.ErrMissingCredentials].
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        "eleven_flash_v2_5",
		outputFormat: "pcm_16000",
		wsBase:       "wss://api.elevenlabs.io",
		apiBase:      "https://api.elevenlabs.io",
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if p.apiKey == "" {
		return tts.Audio{}, fmt.Errorf("elevenlabs: %w", tts.ErrMissingCredentials)
	}
	if req.Voice.ID == "" {
		return tts.Audio{}, errors.New("elevenlabs: voice.ID must not be empty")
	}

	s, err := p.open(ctx, req.Voice)
	if err != nil {
		return tts.Audio{}, err
	}
	defer s.conn.Close(websocket.StatusNormalClosure, "done")

	if err := s.speak(ctx, p.apiKey, req); err != nil {
		return tts.Audio{}, err
	}
	pcm, err := s.collect(ctx)
	if err != nil {
		return tts.Audio{}, err
	}
	rate := pcmRate(p.outputFormat)
	return tts.Audio{Data: audio.EncodeWAV(pcm, rate, 1), MIMEType: "audio/wav", SampleRate: rate}, nil
}

// stream is one stream-input socket.
type stream struct {
	conn *websocket.Conn
}

func (p *Provider) open(ctx context.Context, voice tts.VoiceProfile) (*stream, error) {
	model := voice.Model
	if model == "" {
		model = p.model
	}
	q := url.Values{"model_id": {model}, "output_format": {p.outputFormat}}
	u := p.wsBase + "/v1/text-to-speech/" + url.PathEscape(voice.ID) + "/stream-input?" + q.Encode()

	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(maxFrame)
	return &stream{conn: conn}, nil
}

// speak sends the whole input: opening message, sentence, end of input.
func (s *stream) speak(ctx context.Context, apiKey string, req tts.Request) error {
	settings := map[string]any{"stability": stability, "similarity_boost": similarityBoost}
	if req.Voice.SpeedFactor > 0 {
		settings["speed"] = req.Voice.SpeedFactor
	}
	// The API wants a single space to open the stream and the text to end in
	// a space so it is not held back waiting for more words.
	script := []map[string]any{
		{"text": " ", "voice_settings": settings, "xi_api_key": apiKey},
		{"text": req.Text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range script {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("elevenlabs: encode: %w", err)
		}
		if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
			return fmt.Errorf("elevenlabs: send: %w", err)
		}
	}
	return nil
}

// frame is a server message on the stream.
type frame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// collect reads frames until the final one. A normal close after some audio
// also ends the stream.
func (s *stream) collect(ctx context.Context) ([]byte, error) {
	var pcm []byte
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(pcm) > 0 {
				return pcm, nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var f frame
		if json.Unmarshal(msg, &f) != nil {
			continue
		}
		if f.Error != "" {
			return nil, fmt.Errorf("elevenlabs: %s: %s", f.Error, f.Message)
		}
		if f.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(f.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: audio frame: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if f.IsFinal {
			return pcm, nil
		}
	}
}

// pcmRate reads the sample rate out of a "pcm_<rate>" format.
func pcmRate(format string) int {
	if r, err := strconv.Atoi(strings.TrimPrefix(format, "pcm_")); err == nil && r > 0 {
		return r
	}
	return 16000
}

// ListVoices implements [tts.VoiceLister] with the voices of the API key's
// account. Labels and the category end up in Metadata.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("elevenlabs: %w", tts.ErrMissingCredentials)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &tts.StatusError{Provider: "elevenlabs", StatusCode: resp.StatusCode}
	}

	var body struct {
		Voices []struct {
			ID       string            `json:"voice_id"`
			Name     string            `json:"name"`
			Category string            `json:"category"`
			Labels   map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}
	out := make([]tts.VoiceProfile, 0, len(body.Voices))
	for _, v := range body.Voices {
		meta := maps.Clone(v.Labels)
		if meta == nil {
			meta = map[string]string{}
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		out = append(out, tts.VoiceProfile{ID: v.ID, Name: v.Name, Provider: "elevenlabs", Metadata: meta})
	}
	return out, nil
}
