package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format is the shape of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// SpeechFormat is what detection and transcription consume: 16 kHz mono.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

// FormatConverter brings client frames to Target, which must be mono.
// Frames of the wrong shape are converted, frames with an odd byte count are
// dropped. Each case is logged on its first occurrence only. One converter
// serves one stream.
type FormatConverter struct {
	Target Format

	convertOnce sync.Once
	dropOnce    sync.Once
}

// Convert returns frame in the target format. Stereo is averaged down
// before resampling.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	out := AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}

	if len(frame.Data)%2 != 0 {
		c.dropOnce.Do(func() {
			slog.Warn("audio: dropping frame with odd byte count", "bytes", len(frame.Data), "format", src.String())
		})
		return out
	}
	if src == c.Target {
		return frame
	}
	c.convertOnce.Do(func() {
		slog.Info("audio: converting client stream", "from", src.String(), "to", c.Target.String())
	})

	pcm := frame.Data
	if src.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	out.Data = ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
	out.Channels = 1
	return out
}

func sample(pcm []byte, i int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
}

func putSample(pcm []byte, i int, v int32) {
	v = max(-32768, min(32767, v))
	binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v)))
}

// StereoToMono averages each left/right pair of 16-bit little-endian PCM.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, 2*n)
	for i := range n {
		putSample(out, i, (sample(pcm, 2*i)+sample(pcm, 2*i+1))/2)
	}
	return out
}

// ResampleMono16 linearly interpolates 16-bit mono PCM from srcRate to
// dstRate. Equal or invalid rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	n := len(pcm) / 2
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || n == 0 {
		return pcm
	}
	m := int(int64(n) * int64(dstRate) / int64(srcRate))
	if m == 0 {
		return nil
	}
	out := make([]byte, 2*m)
	step := float64(srcRate) / float64(dstRate)
	for i := range m {
		pos := float64(i) * step
		j := int(pos)
		a := sample(pcm, j)
		b := a
		if j+1 < n {
			b = sample(pcm, j+1)
		}
		frac := pos - float64(j)
		putSample(out, i, int32(float64(a)+(float64(b)-float64(a))*frac))
	}
	return out
}

// Int16sToBytes encodes samples as little-endian PCM.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// BytesToFloat32 decodes little-endian PCM to samples in [-1, 1).
func BytesToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(sample(pcm, i)) / 32768
	}
	return out
}
