// Package wsdevice carries a voice session's audio over one WebSocket.
//
// A [Conn] wraps a server-side github.com/coder/websocket connection and
// implements [audio.Device], [audio.Player] and [audio.Indicator] on top of
// it. Binary messages from the client are microphone frames, either raw
// 16-bit PCM or Opus packets as announced by the client's hello. Text
// messages are JSON [Message] values; the ones that belong to the device
// (microphone permission and playback completion) are consumed here, all
// others are delivered on [Conn.Control].
//
// Usage:
//
//	ws, _ := websocket.Accept(w, r, nil)
//	c := wsdevice.New(ws)
//	go c.Run(ctx)
//	capture.New(c, capture.WithIndicator(c))
//	speech.New(ttsProvider, c)
package wsdevice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Device    = (*Conn)(nil)
	_ audio.Player    = (*Conn)(nil)
	_ audio.Indicator = (*Conn)(nil)
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultMicTimeout   = 30 * time.Second
	defaultPlaySlack    = 5 * time.Second
	frameBuffer         = 128
	controlBuffer       = 32

	// compressedBytesPerSecond estimates the length of clips that carry no
	// header to read it from (128 kbit/s).
	compressedBytesPerSecond = 16000

	// maxOpusFrameMs is the longest Opus frame; the decoder needs room for it.
	maxOpusFrameMs = 120
)

// ErrClosed is returned once the connection has ended.
var ErrClosed = errors.New("wsdevice: connection closed")

// DefaultFormat is assumed until the client's hello says otherwise.
var DefaultFormat = audio.Format{SampleRate: 48000, Channels: 1}

// Option configures a [Conn].
type Option func(*Conn)

// WithWriteTimeout bounds each message write. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithMicTimeout bounds how long Open waits for the client's permission
// answer. Default: 30s.
func WithMicTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.micTimeout = d
		}
	}
}

// WithPlaybackSlack is how long Play waits for the client's playback_done
// beyond the clip's own length before it counts the clip as played.
// Default: 5s.
func WithPlaybackSlack(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.playSlack = d
		}
	}
}

// WithFormat sets the microphone format assumed before the hello.
func WithFormat(f audio.Format) Option {
	return func(c *Conn) { c.format = f }
}

// Conn is one client connection.
//
// All methods are safe for concurrent use.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	micTimeout   time.Duration
	playSlack    time.Duration
	control      chan Message
	done         chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	format  audio.Format
	decoder *gopus.Decoder
	stream  *stream
	micWait chan string
	nextID  int64
	pending map[int64]chan error
	closed  bool
}

// New wraps ws. Call [Conn.Run] to start reading.
func New(ws *websocket.Conn, opts ...Option) *Conn {
	c := &Conn{
		ws:           ws,
		writeTimeout: defaultWriteTimeout,
		micTimeout:   defaultMicTimeout,
		playSlack:    defaultPlaySlack,
		control:      make(chan Message, controlBuffer),
		done:         make(chan struct{}),
		format:       DefaultFormat,
		pending:      make(map[int64]chan error),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Control returns the client's session commands. The channel is closed when
// the connection ends.
func (c *Conn) Control() <-chan Message { return c.control }

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Format returns the microphone format announced by the client.
func (c *Conn) Format() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// Run reads from the client until the connection ends or ctx is cancelled.
// When it returns, any open stream is ended, waiting playbacks fail and the
// control channel is closed.
func (c *Conn) Run(ctx context.Context) error {
	defer c.shutdown()
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("wsdevice: read: %w", err)
		}
		if typ == websocket.MessageBinary {
			c.onAudio(data)
			continue
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Debug("wsdevice: malformed control message", "err", err)
			_ = c.Send(ctx, Message{Type: TypeError, Code: "bad_message", Detail: "malformed JSON"})
			continue
		}
		if c.consume(m) {
			continue
		}
		select {
		case c.control <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume handles device-level messages and reports whether m was one.
func (c *Conn) consume(m Message) bool {
	switch m.Type {
	case TypeHello:
		if err := c.setFormat(m); err != nil {
			slog.Warn("wsdevice: rejected hello", "err", err)
			_ = c.Send(context.Background(), Message{Type: TypeError, Code: "bad_format", Detail: err.Error()})
		}
		return false
	case TypeMic:
		c.onMic(m.Status)
		return true
	case TypePlaybackDone:
		c.resolve(m.ID, nil)
		return true
	case TypePlaybackBlocked:
		c.resolve(m.ID, audio.ErrPlaybackBlocked)
		return true
	}
	return false
}

func (c *Conn) setFormat(m Message) error {
	f := audio.Format{SampleRate: m.SampleRate, Channels: m.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultFormat.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	if f.Channels > 2 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}

	var dec *gopus.Decoder
	if m.Codec == CodecOpus {
		var err error
		dec, err = gopus.NewDecoder(f.SampleRate, f.Channels)
		if err != nil {
			return fmt.Errorf("opus decoder at %d Hz: %w", f.SampleRate, err)
		}
	}

	c.mu.Lock()
	c.format = f
	c.decoder = dec
	c.mu.Unlock()
	slog.Debug("wsdevice: client format", "sample_rate", f.SampleRate, "channels", f.Channels, "codec", m.Codec)
	return nil
}

func (c *Conn) onAudio(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return
	}
	pcm := data
	if c.decoder != nil {
		samples, err := c.decoder.Decode(data, c.format.SampleRate*maxOpusFrameMs/1000, false)
		if err != nil {
			slog.Debug("wsdevice: opus decode failed", "err", err)
			return
		}
		pcm = audio.Int16sToBytes(samples)
	}
	c.stream.push(pcm, c.format)
}

func (c *Conn) onMic(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.micWait == nil {
		return
	}
	if status == MicGranted && c.stream == nil {
		c.stream = newStream(c)
	}
	c.micWait <- status
	c.micWait = nil
}

func (c *Conn) resolve(id int64, err error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	if c.stream != nil {
		c.stream.end()
		c.stream = nil
	}
	if c.micWait != nil {
		c.micWait <- MicUnavailable
		c.micWait = nil
	}
	for id, ch := range c.pending {
		ch <- ErrClosed
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.control)
	close(c.done)
}

// Send writes m as a JSON text message.
func (c *Conn) Send(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("wsdevice: encode %s: %w", m.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(ctx, websocket.MessageText, b)
}

func (c *Conn) write(ctx context.Context, typ websocket.MessageType, b []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, typ, b); err != nil {
		return fmt.Errorf("wsdevice: write: %w", err)
	}
	return nil
}

// Close ends the connection with a normal closure.
func (c *Conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// ─── audio.Device ───────────────────────────────────────────────────────────

// Open asks the client for its microphone and waits for the answer.
func (c *Conn) Open(ctx context.Context) (audio.Stream, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, ErrClosed)
	case c.stream != nil || c.micWait != nil:
		c.mu.Unlock()
		return nil, errors.New("wsdevice: microphone already open")
	}
	wait := make(chan string, 1)
	c.micWait = wait
	c.mu.Unlock()

	if err := c.Send(ctx, Message{Type: TypeCapture, Enabled: Bool(true)}); err != nil {
		c.cancelMic(wait)
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}

	timer := time.NewTimer(c.micTimeout)
	defer timer.Stop()

	select {
	case status := <-wait:
		switch status {
		case MicGranted:
			c.mu.Lock()
			s := c.stream
			c.mu.Unlock()
			if s == nil {
				return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, ErrClosed)
			}
			return s, nil
		case MicDenied:
			return nil, audio.ErrPermissionDenied
		default:
			return nil, audio.ErrDeviceUnavailable
		}
	case <-timer.C:
		c.cancelMic(wait)
		return nil, fmt.Errorf("%w: no answer from client", audio.ErrDeviceUnavailable)
	case <-ctx.Done():
		c.cancelMic(wait)
		return nil, ctx.Err()
	}
}

func (c *Conn) cancelMic(wait chan string) {
	c.mu.Lock()
	if c.micWait == wait {
		c.micWait = nil
		c.mu.Unlock()
		return
	}
	// The answer raced the cancellation; undo a grant nobody will use.
	granted := <-wait == MicGranted && c.stream != nil
	if granted {
		c.stream.end()
		c.stream = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if granted && !closed {
		_ = c.Send(context.Background(), Message{Type: TypeCapture, Enabled: Bool(false)})
	}
}

func (c *Conn) releaseStream(s *stream) {
	c.mu.Lock()
	if c.stream == s {
		c.stream = nil
	}
	s.end()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		_ = c.Send(context.Background(), Message{Type: TypeCapture, Enabled: Bool(false)})
	}
}

// ─── audio.Player ───────────────────────────────────────────────────────────

// Play sends clip to the client and blocks until the client reports the end
// of playback, ctx is cancelled or Stop is called. A client that never
// reports back releases Play once the clip's length plus the playback slack
// has passed.
func (c *Conn) Play(ctx context.Context, clip audio.Clip) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	done := make(chan error, 1)
	c.pending[id] = done
	c.mu.Unlock()

	header, err := json.Marshal(Message{
		Type:       TypeAudio,
		ID:         id,
		MIMEType:   clip.MIMEType,
		SampleRate: clip.SampleRate,
		Text:       clip.Text,
	})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("wsdevice: encode audio header: %w", err)
	}

	c.writeMu.Lock()
	err = c.write(ctx, websocket.MessageText, header)
	if err == nil {
		err = c.write(ctx, websocket.MessageBinary, clip.Data)
	}
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return err
	}

	wait := time.NewTimer(clipDuration(clip) + c.playSlack)
	defer wait.Stop()
	select {
	case err := <-done:
		return err
	case <-wait.C:
		c.forget(id)
		slog.Warn("wsdevice: no playback_done from client, assuming played", "id", id)
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// clipDuration is the playing time of clip, read from the WAV header or the
// raw PCM length where possible and estimated from the size otherwise.
func clipDuration(clip audio.Clip) time.Duration {
	if pcm, f, err := audio.DecodeWAV(clip.Data); err == nil {
		return audio.PCMDuration(len(pcm), f.SampleRate, f.Channels)
	}
	if clip.SampleRate > 0 {
		return audio.PCMDuration(len(clip.Data), clip.SampleRate, 1)
	}
	return time.Duration(len(clip.Data)) * time.Second / compressedBytesPerSecond
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Stop tells the client to cut the current clip and releases every waiting
// Play.
func (c *Conn) Stop() error {
	c.mu.Lock()
	for id, ch := range c.pending {
		ch <- nil
		delete(c.pending, id)
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return c.Send(context.Background(), Message{Type: TypeAudioStop})
}

// ─── audio.Indicator ────────────────────────────────────────────────────────

// SetRecording mirrors the recording state on the client.
func (c *Conn) SetRecording(recording bool) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.Send(context.Background(), Message{Type: TypeIndicator, Enabled: Bool(recording)}); err != nil {
		slog.Debug("wsdevice: indicator update failed", "err", err)
	}
}
