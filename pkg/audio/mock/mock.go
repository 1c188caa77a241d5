// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.Stream], [audio.Player], and [audio.Indicator] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16)
//	dev := &mock.Device{StreamResult: stream}
//	s, err := dev.Open(ctx)
//	stream.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream] backed by a buffered channel.
type Stream struct {
	mu     sync.Mutex
	ch     chan audio.AudioFrame
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream creates a Stream whose frame channel has the given buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{ch: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.ch }

// Push delivers a frame to the consumer. It reports false if the stream was
// already closed.
func (s *Stream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch <- f
	return true
}

// Close implements [audio.Stream]. The frame channel is closed on the first call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// StreamResult is returned by Open. When nil, a fresh Stream with a
	// 64-frame buffer is created per call.
	StreamResult *Stream

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Streams records every stream handed out, in order.
	Streams []*Stream
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := d.StreamResult
	if s == nil || s.Closed() {
		s = NewStream(64)
	}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// PlayFunc, when set, is invoked by Play instead of returning PlayErr.
	PlayFunc func(ctx context.Context, clip audio.Clip) error

	// PlayErr is returned by Play when PlayFunc is nil.
	PlayErr error

	// Played records the clips passed to Play, in call order.
	Played []audio.Clip

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	p.Played = append(p.Played, clip)
	fn, err := p.PlayFunc, p.PlayErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, clip)
	}
	return err
}

// Stop implements [audio.Player].
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStop++
	return nil
}

// Texts returns the Text of every played clip, in order.
func (p *Player) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Played))
	for i, c := range p.Played {
		out[i] = c.Text
	}
	return out
}

// ─── Indicator ────────────────────────────────────────────────────────────────

// Indicator is a mock implementation of [audio.Indicator].
type Indicator struct {
	mu sync.Mutex

	// States records every SetRecording argument, in order.
	States []bool
}

// SetRecording implements [audio.Indicator].
func (i *Indicator) SetRecording(recording bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.States = append(i.States, recording)
}

// Last returns the most recent state, or false if none was recorded.
func (i *Indicator) Last() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.States) == 0 {
		return false
	}
	return i.States[len(i.States)-1]
}
