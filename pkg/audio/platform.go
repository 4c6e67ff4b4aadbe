// Package audio defines the interfaces and types for microphone capture and
// reply playback within Clinivox.
//
// The three primary abstractions are:
//
//   - [Device] — negotiates access to a microphone and returns a [CaptureStream].
//   - [Analyzer] — exposes a smoothed frequency-magnitude view of live audio,
//     consumed by the voice activity detector.
//   - [Sink] — plays a single synthesized reply clip and reports completion.
//
// Implementations are provided by host-specific adapter packages (e.g., the
// gateway's remote browser device, or local ALSA/CoreAudio adapters). The
// interfaces are intentionally narrow to keep the turn controller decoupled
// from host details.
//
// This package lives under pkg/ because external code (third-party host
// adapters) is expected to implement [Device] and [Sink].
package audio

import (
	"context"
	"errors"
)

// Typed device-acquisition errors. Callers match with [errors.Is] to render a
// specific remedy message; see internal/turn for the mapping.
var (
	// ErrPermissionDenied indicates the host refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceNotFound indicates no capture device is available.
	ErrDeviceNotFound = errors.New("audio: no capture device found")

	// ErrDeviceBusy indicates another process holds the capture device.
	ErrDeviceBusy = errors.New("audio: capture device busy")

	// ErrUnsupportedEncoding indicates no candidate encoding is supported
	// by the host platform.
	ErrUnsupportedEncoding = errors.New("audio: no supported encoding")
)

// CaptureConfig describes the capture preferences requested from a [Device].
// The fixed Clinivox preference is mono 16 kHz with all noise-reduction
// processing enabled, matching the transcription backend's expected input.
type CaptureConfig struct {
	// SampleRate in Hz. Clinivox requests 16000.
	SampleRate int

	// Channels is the channel count. Clinivox requests 1 (mono).
	Channels int

	// EchoCancellation enables acoustic echo cancellation when supported.
	EchoCancellation bool

	// NoiseSuppression enables stationary noise suppression when supported.
	NoiseSuppression bool

	// AutoGainControl enables automatic input gain when supported.
	AutoGainControl bool
}

// DefaultCaptureConfig returns the fixed Clinivox capture preference.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:       16000,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// CaptureStream is an open microphone stream. It delivers raw PCM frames
// until closed.
//
// Callers must call Close when the stream is no longer needed. Failing to do
// so leaks the underlying device handle. Close must be idempotent.
type CaptureStream interface {
	// Frames returns a read-only channel delivering [Frame] values as they
	// arrive from the device. The channel is closed when the stream ends,
	// either via Close or a device-side failure.
	Frames() <-chan Frame

	// Close releases the device handle and closes the Frames channel.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Device is the entry point for a microphone capture capability.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open acquires the capture device with the given preferences and returns
	// a live [CaptureStream]. The supplied ctx governs the acquisition step
	// only (the host permission prompt); once open, the stream remains alive
	// until [CaptureStream.Close].
	//
	// Returns [ErrPermissionDenied], [ErrDeviceNotFound], or [ErrDeviceBusy]
	// (possibly wrapped) when acquisition fails.
	Open(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)
}

// Analyzer exposes a frequency-domain view of live audio for voice activity
// detection. Implementations maintain a sliding analysis window over pushed
// PCM data and apply temporal smoothing across reads.
//
// An Analyzer is owned by a single capture session and is not safe for
// concurrent use unless the implementation documents otherwise.
type Analyzer interface {
	// Push appends little-endian 16-bit PCM bytes to the analysis window.
	Push(pcm []byte)

	// Magnitudes fills dst with byte-scaled (0–255) smoothed magnitudes, one
	// per frequency bin, and returns the number of bins written. A dst
	// shorter than the bin count receives a truncated view.
	Magnitudes(dst []byte) int

	// Reset clears the window and smoothing history.
	Reset()
}

// Playback represents one in-flight reply playback started via [Sink.Start].
type Playback interface {
	// Done returns a channel that is closed when playback finishes. A non-nil
	// value received before close reports a playback failure.
	Done() <-chan error

	// Stop aborts playback and releases the handle. Calling Stop more than
	// once is safe and returns nil.
	Stop() error
}

// Sink is the single-shot playback capability for synthesized replies.
//
// Implementations must be safe for concurrent use, though Clinivox's player
// guarantees at most one active [Playback] at a time.
type Sink interface {
	// Start begins playback of clip and returns a [Playback] handle. The
	// supplied ctx governs the start only; a started playback runs until it
	// completes or [Playback.Stop] is called.
	Start(ctx context.Context, clip Clip) (Playback, error)
}
