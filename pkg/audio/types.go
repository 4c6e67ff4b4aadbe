package audio

import "time"

// Frame represents a single chunk of raw PCM audio flowing from a capture
// stream. Frames are the atomic transport unit — captured from the device,
// fed to the encoder, and pushed into the analyzer in parallel.
type Frame struct {
	// PCM audio data, little-endian signed 16-bit samples.
	Data []byte

	// SampleRate in Hz (16000 for Clinivox capture).
	SampleRate int

	// Channels: 1 for mono capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Clip is a finalized, encoded utterance produced by a capture session or
// received as a synthesized reply. Immutable once produced.
type Clip struct {
	// Data is the encoded byte payload.
	Data []byte

	// MIMEType labels the encoding (e.g., "audio/ogg;codecs=opus").
	MIMEType string
}

// Size returns the payload size in bytes.
func (c Clip) Size() int { return len(c.Data) }

// BytesToPCM converts little-endian bytes to int16 PCM samples.
func BytesToPCM(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// PCMToBytes converts int16 PCM samples to little-endian bytes.
func PCMToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
