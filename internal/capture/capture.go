// Package capture owns the microphone for one voice session.
//
// A [Capture] opens the exclusive device stream, normalises every frame to
// 16 kHz mono, forwards fixed-cadence chunks for level analysis while a
// recording is active, and finalises the recorded PCM into one WAV
// [audio.Segment].
//
// Manual mode uses [Capture.Start] and [Capture.Stop], which acquire and
// release the device around every segment. Continuous mode keeps the device
// open for the whole session: [Capture.Open] once, then [Capture.Begin] and
// [Capture.End] per turn, and [Capture.Close] at the end.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// Chunk cadences.
const (
	ManualChunkInterval     = 250 * time.Millisecond
	ContinuousChunkInterval = 50 * time.Millisecond
)

// chunkBuffer is the capacity of the chunk channel. Chunks beyond it are
// dropped rather than stalling the device reader.
const chunkBuffer = 64

// ErrBusy is returned by [Capture.Open] and [Capture.Start] when the device is
// already held by this capture.
var ErrBusy = errors.New("capture: device already open")

// Option configures a [Capture].
type Option func(*Capture)

// WithChunkInterval sets the initial chunk cadence. Default: [ManualChunkInterval].
func WithChunkInterval(d time.Duration) Option {
	return func(c *Capture) {
		if d > 0 {
			c.interval.Store(int64(d))
		}
	}
}

// WithIndicator sets the indicator toggled when recording starts and ends.
func WithIndicator(ind audio.Indicator) Option {
	return func(c *Capture) { c.indicator = ind }
}

// WithFormat overrides the target format. Default: [audio.SpeechFormat].
func WithFormat(f audio.Format) Option {
	return func(c *Capture) { c.format = f }
}

// Capture records audio segments from an [audio.Device].
//
// All methods are safe for concurrent use.
type Capture struct {
	dev       audio.Device
	indicator audio.Indicator
	format    audio.Format
	interval  atomic.Int64

	// recording is flipped synchronously by Begin and End. End uses a
	// compare-and-swap so exactly one caller finalises a segment.
	recording atomic.Bool

	mu     sync.Mutex
	stream audio.Stream
	chunks chan audio.AudioFrame
	pcm    []byte
}

// New creates a Capture for dev.
func New(dev audio.Device, opts ...Option) *Capture {
	c := &Capture{
		dev:       dev,
		indicator: audio.IndicatorFunc(func(bool) {}),
		format:    audio.SpeechFormat,
	}
	c.interval.Store(int64(ManualChunkInterval))
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetChunkInterval changes the chunk cadence. It takes effect with the next
// chunk.
func (c *Capture) SetChunkInterval(d time.Duration) {
	if d > 0 {
		c.interval.Store(int64(d))
	}
}

// Open acquires the device stream without starting a recording. It fails with
// [ErrBusy] when the stream is already open, or with the device error
// ([audio.ErrPermissionDenied], [audio.ErrDeviceUnavailable]).
func (c *Capture) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return ErrBusy
	}
	s, err := c.dev.Open(ctx)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}
	c.stream = s
	c.chunks = make(chan audio.AudioFrame, chunkBuffer)
	go c.pump(s, c.chunks)
	return nil
}

// IsOpen reports whether the device stream is held.
func (c *Capture) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Recording reports whether a recording is active.
func (c *Capture) Recording() bool { return c.recording.Load() }

// Chunks returns the chunk channel of the current stream, or nil when the
// device is not open. The channel is closed when the stream ends.
func (c *Capture) Chunks() <-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return c.chunks
}

// Begin starts a new recording on the open stream. It reports false when the
// device is not open or a recording is already active.
func (c *Capture) Begin() bool {
	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return false
	}
	if !c.recording.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return false
	}
	c.pcm = c.pcm[:0]
	c.mu.Unlock()

	c.indicator.SetRecording(true)
	return true
}

// End finalises the active recording into a segment. ok is false when no
// recording was active, in which case the segment is empty. Of two racing
// End calls exactly one gets the segment.
func (c *Capture) End() (seg audio.Segment, ok bool) {
	if !c.recording.CompareAndSwap(true, false) {
		return audio.Segment{}, false
	}
	c.mu.Lock()
	pcm := c.pcm
	c.pcm = nil
	c.mu.Unlock()

	c.indicator.SetRecording(false)
	return c.segment(pcm), true
}

// Start opens the device and begins a recording.
func (c *Capture) Start(ctx context.Context) error {
	if err := c.Open(ctx); err != nil {
		return err
	}
	c.Begin()
	return nil
}

// Stop finalises the current recording and releases the device. Stopping
// when not recording is a no-op that returns an empty segment.
func (c *Capture) Stop() audio.Segment {
	seg, _ := c.End()
	if err := c.Close(); err != nil {
		slog.Warn("capture: close stream", "err", err)
	}
	return seg
}

// Close discards any active recording and releases the device. Calling Close
// when the device is not open is a no-op.
func (c *Capture) Close() error {
	if c.recording.CompareAndSwap(true, false) {
		c.indicator.SetRecording(false)
	}
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.pcm = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (c *Capture) segment(pcm []byte) audio.Segment {
	d := audio.PCMDuration(len(pcm), c.format.SampleRate, c.format.Channels)
	if len(pcm) == 0 {
		return audio.Segment{}
	}
	return audio.Segment{
		Data:       audio.EncodeWAV(pcm, c.format.SampleRate, c.format.Channels),
		MIMEType:   "audio/wav",
		SampleRate: c.format.SampleRate,
		Channels:   c.format.Channels,
		Duration:   d,
	}
}

// pump reads the device stream until it closes. Frames are converted to the
// target format, appended to the recording and batched into chunks while a
// recording is active.
func (c *Capture) pump(s audio.Stream, out chan<- audio.AudioFrame) {
	defer close(out)
	conv := &audio.FormatConverter{Target: c.format}
	var (
		pending []byte
		offset  time.Duration
		dropped int
	)
	for frame := range s.Frames() {
		if !c.recording.Load() {
			pending, offset = pending[:0], 0
			continue
		}
		f := conv.Convert(frame)
		if len(f.Data) == 0 {
			continue
		}

		c.mu.Lock()
		live := c.stream == s && c.recording.Load()
		if live {
			c.pcm = append(c.pcm, f.Data...)
		}
		c.mu.Unlock()
		if !live {
			continue
		}

		pending = append(pending, f.Data...)
		d := audio.PCMDuration(len(pending), c.format.SampleRate, c.format.Channels)
		if d < time.Duration(c.interval.Load()) {
			continue
		}
		chunk := audio.AudioFrame{
			Data:       pending,
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			Timestamp:  offset,
		}
		offset += d
		pending = nil
		select {
		case out <- chunk:
		default:
			dropped++
			if dropped == 1 {
				slog.Warn("capture: chunk consumer too slow, dropping chunks")
			}
		}
	}

	// The device went away without Close: release it so Open can retry.
	c.mu.Lock()
	lost := c.stream == s
	if lost {
		c.stream = nil
		c.pcm = nil
	}
	c.mu.Unlock()
	if lost && c.recording.CompareAndSwap(true, false) {
		c.indicator.SetRecording(false)
	}
}
