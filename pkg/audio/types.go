package audio

import "time"

// AudioFrame represents a single frame of PCM audio flowing through the pipeline.
// Frames arrive from a client microphone, are normalised by [FormatConverter],
// analysed for voice energy and finally accumulated into a [Segment].
type AudioFrame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Opus input, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame's PCM data.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// Segment is one finished span of captured audio corresponding to a single
// user utterance. It is handed to transcription as a whole and discarded
// afterwards.
type Segment struct {
	// Data holds the encoded audio (see MIMEType).
	Data []byte

	// MIMEType describes Data, e.g. "audio/wav".
	MIMEType string

	SampleRate int
	Channels   int

	// Duration is the captured audio length.
	Duration time.Duration
}

// IsEmpty reports whether the segment carries no audio.
func (s Segment) IsEmpty() bool {
	return len(s.Data) == 0 || s.Duration <= 0
}

// Clip is a synthesized piece of speech ready for playback on the client.
type Clip struct {
	// Data is the encoded audio payload.
	Data []byte

	// MIMEType describes Data, e.g. "audio/wav" or "audio/mpeg".
	MIMEType string

	// SampleRate is set for raw PCM clips; zero for self-describing formats.
	SampleRate int

	// Text is the sanitized sentence the clip was synthesized from.
	Text string
}

// PCMDuration returns how long n bytes of 16-bit PCM last at the given format.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
