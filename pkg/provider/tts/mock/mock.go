// Package mock provides a test double for the tts.Provider interface.
//
// Provider records every Synthesize call. By default it returns a clip whose
// Data is the request text, so tests can trace which sentence produced which
// playback. Set Delays to simulate per-sentence provider latency.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voiceloop/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Req is the Request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Delays maps a sentence text to an artificial synthesis latency.
	Delays map[string]time.Duration

	// Errs maps a sentence text to the error returned for it.
	Errs map[string]error

	// Err, if non-nil, is returned for every call without an Errs entry.
	Err error

	// MIMEType is set on returned clips. Default: "audio/wav".
	MIMEType string

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// Completed records the text of every call that finished without error,
	// in completion order.
	Completed []string
}

// Synthesize records the call, waits for the configured delay, and returns a
// clip carrying the request text.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Req: req})
	delay := p.Delays[req.Text]
	err, ok := p.Errs[req.Text]
	if !ok {
		err = p.Err
	}
	mime := p.MIMEType
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	if err != nil {
		return tts.Audio{}, err
	}
	if mime == "" {
		mime = "audio/wav"
	}

	p.mu.Lock()
	p.Completed = append(p.Completed, req.Text)
	p.mu.Unlock()
	return tts.Audio{Data: []byte(req.Text), MIMEType: mime}, nil
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// CompletedOrder returns a copy of Completed. Thread-safe.
func (p *Provider) CompletedOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Completed...)
}

// Ensure Provider implements the tts interfaces at compile time.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)
