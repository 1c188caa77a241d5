// Package mock provides a test double for the orchestrator.Recorder
// interface.
//
// Recorder hands out a fixed segment on every End and exposes the chunk
// channel so tests can feed level-analysis input directly:
//
//	rec := &mock.Recorder{Segment: seg}
//	// start listening through the orchestrator …
//	rec.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voiceloop/internal/orchestrator"
	"github.com/MrWong99/voiceloop/pkg/audio"
)

var _ orchestrator.Recorder = (*Recorder)(nil)

// Recorder is a mock implementation of orchestrator.Recorder.
type Recorder struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Segment is returned by every End that finalises a recording.
	Segment audio.Segment

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// --- Call records ---

	CallCountOpen  int
	CallCountBegin int
	CallCountEnd   int
	CallCountClose int

	open      bool
	recording bool
	chunks    chan audio.AudioFrame
	interval  time.Duration
}

// Open implements orchestrator.Recorder.
func (r *Recorder) Open(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountOpen++
	if r.OpenErr != nil {
		return r.OpenErr
	}
	if r.open {
		return errors.New("mock: recorder already open")
	}
	r.open = true
	r.chunks = make(chan audio.AudioFrame, 64)
	return nil
}

// Begin implements orchestrator.Recorder.
func (r *Recorder) Begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountBegin++
	if !r.open || r.recording {
		return false
	}
	r.recording = true
	return true
}

// End implements orchestrator.Recorder.
func (r *Recorder) End() (audio.Segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountEnd++
	if !r.recording {
		return audio.Segment{}, false
	}
	r.recording = false
	return r.Segment, true
}

// Close implements orchestrator.Recorder.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountClose++
	r.release()
	return nil
}

// Lose simulates the device disappearing: the chunk channel closes without
// a call to Close.
func (r *Recorder) Lose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release()
}

func (r *Recorder) release() {
	if r.open {
		r.open = false
		r.recording = false
		close(r.chunks)
	}
}

// IsOpen implements orchestrator.Recorder.
func (r *Recorder) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Recording reports whether a recording is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Chunks implements orchestrator.Recorder.
func (r *Recorder) Chunks() <-chan audio.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return nil
	}
	return r.chunks
}

// SetChunkInterval implements orchestrator.Recorder.
func (r *Recorder) SetChunkInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = d
}

// Interval returns the last chunk interval set.
func (r *Recorder) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// Push delivers a chunk to the orchestrator. It reports false when the
// recorder is not open.
func (r *Recorder) Push(f audio.AudioFrame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return false
	}
	r.chunks <- f
	return true
}

// Counts returns the call counters as a snapshot.
func (r *Recorder) Counts() (open, begin, end, close int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CallCountOpen, r.CallCountBegin, r.CallCountEnd, r.CallCountClose
}
