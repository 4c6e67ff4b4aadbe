// Package encoding provides the streaming utterance encoders used by the
// capture session and the negotiation logic that selects one from a ranked
// candidate list.
//
// An [Encoder] consumes raw PCM frames and emits encoded fragments through a
// callback at a sub-second cadence, so partial data survives an abrupt stop.
// [Encoder.Finalize] assembles all fragments into one complete [audio.Clip].
//
// Three profiles are registered by default:
//
//   - "audio/ogg;codecs=opus" — Opus packets in an Ogg container (preferred).
//   - "audio/wav"             — 16-bit PCM in a RIFF/WAVE container.
//   - "audio/pcm"             — raw little-endian 16-bit PCM.
//
// Negotiation walks the caller's candidate list in order and picks the first
// MIME type with a registered profile, mirroring how a browser walks
// MediaRecorder.isTypeSupported over its preference list.
package encoding

import (
	"fmt"
	"sync"
	"time"

	"github.com/clinivox/clinivox/pkg/audio"
)

// DefaultFragmentInterval is the fragment emission cadence used when
// [Config.FragmentInterval] is zero.
const DefaultFragmentInterval = 250 * time.Millisecond

// DefaultCandidates is the ranked encoding preference used by the capture
// session when the configuration does not override it. The WebM entry is
// deliberately present and unregistered: it documents the browser-side
// preference order and exercises the negotiation fallback.
var DefaultCandidates = []string{
	"audio/ogg;codecs=opus",
	"audio/webm;codecs=opus",
	"audio/wav",
	"audio/pcm",
}

// Config holds the parameters for a new [Encoder] instance.
type Config struct {
	// Capture describes the PCM input format.
	Capture audio.CaptureConfig

	// FragmentInterval is the minimum audio duration accumulated before a
	// fragment is emitted. Defaults to [DefaultFragmentInterval].
	FragmentInterval time.Duration

	// OnFragment receives each encoded fragment as it is emitted. May be nil
	// when the caller only needs the finalized clip.
	OnFragment func([]byte)
}

// Encoder is a streaming utterance encoder. Implementations are not safe for
// concurrent use; the capture session owns exactly one encoder.
type Encoder interface {
	// Write appends a PCM frame. Fragments are emitted through the configured
	// callback once enough audio has accumulated.
	Write(frame audio.Frame) error

	// Finalize flushes any buffered audio and returns the complete encoded
	// clip. The encoder is unusable afterwards; further Write calls error.
	// Calling Finalize more than once returns the same clip.
	Finalize() (audio.Clip, error)
}

// Profile describes one negotiable encoding.
type Profile struct {
	// MIMEType is the full encoding label (e.g., "audio/ogg;codecs=opus").
	MIMEType string

	// Extension is the file extension used for the multipart upload filename.
	Extension string

	// New constructs an encoder for this profile.
	New func(cfg Config) (Encoder, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Profile{}
	order      []string
)

// Register makes a profile available for negotiation. Registering the same
// MIME type twice replaces the previous profile.
func Register(p Profile) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[p.MIMEType]; !ok {
		order = append(order, p.MIMEType)
	}
	registry[p.MIMEType] = p
}

// Supported reports whether mimeType has a registered profile.
func Supported(mimeType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[mimeType]
	return ok
}

// ExtensionFor returns the upload file extension for a registered MIME type,
// or "bin" when the type is unknown.
func ExtensionFor(mimeType string) string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if p, ok := registry[mimeType]; ok {
		return p.Extension
	}
	return "bin"
}

// Negotiate returns the profile for the first candidate with a registered
// encoder. Returns [audio.ErrUnsupportedEncoding] when no candidate matches.
func Negotiate(candidates []string) (Profile, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, c := range candidates {
		if p, ok := registry[c]; ok {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("encoding: negotiate %v: %w", candidates, audio.ErrUnsupportedEncoding)
}

// fragmentSamples returns the per-fragment sample threshold for cfg.
func fragmentSamples(cfg Config) int {
	interval := cfg.FragmentInterval
	if interval <= 0 {
		interval = DefaultFragmentInterval
	}
	return int(interval.Seconds() * float64(cfg.Capture.SampleRate) * float64(cfg.Capture.Channels))
}

func init() {
	Register(Profile{MIMEType: "audio/ogg;codecs=opus", Extension: "ogg", New: newOpusEncoder})
	Register(Profile{MIMEType: "audio/wav", Extension: "wav", New: newWAVEncoder})
	Register(Profile{MIMEType: "audio/pcm", Extension: "pcm", New: newPCMEncoder})
}
