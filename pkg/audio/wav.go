package audio

import (
	"encoding/binary"
	"errors"
)

const wavHeaderSize = 44

// ErrNotWAV is returned by [DecodeWAV] for payloads without a PCM RIFF header.
var ErrNotWAV = errors.New("audio: not a PCM WAV payload")

// EncodeWAV wraps raw little-endian int16 PCM in a canonical 44-byte RIFF/WAVE
// header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	buf := make([]byte, wavHeaderSize+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*bps/8))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*bps/8))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// DecodeWAV extracts the PCM payload and format from a canonical WAV file as
// produced by [EncodeWAV] and most TTS vendors.
func DecodeWAV(b []byte) (pcm []byte, f Format, err error) {
	if len(b) < wavHeaderSize || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}
	if binary.LittleEndian.Uint16(b[20:22]) != 1 {
		return nil, Format{}, ErrNotWAV
	}
	f = Format{
		Channels:   int(binary.LittleEndian.Uint16(b[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(b[24:28])),
	}
	size := int(binary.LittleEndian.Uint32(b[40:44]))
	if size > len(b)-wavHeaderSize {
		size = len(b) - wavHeaderSize
	}
	return b[wavHeaderSize : wavHeaderSize+size], f, nil
}
