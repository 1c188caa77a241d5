package wsdevice

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

var _ audio.Stream = (*stream)(nil)

// stream is one granted microphone session. push and end are called with
// the owning Conn's mutex held.
type stream struct {
	conn    *Conn
	frames  chan audio.AudioFrame
	elapsed time.Duration
	ended   bool
	once    sync.Once
	dropped int
}

func newStream(c *Conn) *stream {
	return &stream{conn: c, frames: make(chan audio.AudioFrame, frameBuffer)}
}

func (s *stream) push(pcm []byte, f audio.Format) {
	if s.ended || len(pcm) == 0 {
		return
	}
	frame := audio.AudioFrame{Data: pcm, SampleRate: f.SampleRate, Channels: f.Channels, Timestamp: s.elapsed}
	s.elapsed += frame.Duration()
	select {
	case s.frames <- frame:
	default:
		s.dropped++
		if s.dropped == 1 {
			slog.Warn("wsdevice: frame buffer full, dropping microphone audio")
		}
	}
}

func (s *stream) end() {
	if s.ended {
		return
	}
	s.ended = true
	close(s.frames)
}

// Frames implements [audio.Stream].
func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Close implements [audio.Stream]. It asks the client to stop capturing.
func (s *stream) Close() error {
	s.once.Do(func() { s.conn.releaseStream(s) })
	return nil
}
