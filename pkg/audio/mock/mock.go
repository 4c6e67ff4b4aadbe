// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.CaptureStream], [audio.Analyzer], and [audio.Sink] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(16)
//	device := &mock.Device{OpenResult: stream}
//	got, err := device.Open(ctx, audio.DefaultCaptureConfig())
//	stream.EmitPCM([]byte{0x00, 0x10, 0x00, 0x10})
package mock

import (
	"context"
	"sync"

	"github.com/clinivox/clinivox/pkg/audio"
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream].
// Create with [NewCaptureStream] and feed frames via [CaptureStream.Emit].
type CaptureStream struct {
	mu sync.Mutex

	// CloseError is returned by the first call to [CaptureStream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	frames chan audio.Frame
	closed bool
}

// NewCaptureStream creates a mock stream whose Frames channel has the given
// buffer depth.
func NewCaptureStream(buf int) *CaptureStream {
	return &CaptureStream{frames: make(chan audio.Frame, buf)}
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.Frame { return s.frames }

// Close implements [audio.CaptureStream]. The first call closes the Frames
// channel and returns CloseError; subsequent calls return nil.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers a frame to the stream's consumers. Emit after Close is a
// no-op so tests can race close against emission safely.
func (s *CaptureStream) Emit(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- f
}

// EmitPCM is a convenience wrapper around [CaptureStream.Emit] that wraps raw
// PCM bytes in a mono 16 kHz frame.
func (s *CaptureStream) EmitPCM(pcm []byte) {
	s.Emit(audio.Frame{Data: pcm, SampleRate: 16000, Channels: 1})
}

// ─── Device ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Device.Open] invocation.
type OpenCall struct {
	// Config is the capture configuration passed to Open.
	Config audio.CaptureConfig
}

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// OpenResult is returned by [Device.Open] when OpenError is nil.
	OpenResult audio.CaptureStream

	// OpenError, when non-nil, is returned by [Device.Open].
	OpenError error

	// OpenCalls records the arguments of every Open invocation.
	OpenCalls []OpenCall
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Config: cfg})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.OpenResult, nil
}

// ─── Analyzer ─────────────────────────────────────────────────────────────────

// Analyzer is a mock implementation of [audio.Analyzer] that returns a fixed
// energy level for every bin. Set [Analyzer.Level] (atomically guarded) to
// steer the voice activity detector in tests.
type Analyzer struct {
	mu sync.Mutex

	// Bins is the number of frequency bins reported. Defaults to 128 when zero.
	Bins int

	// CallCountPush records how many times Push was called.
	CallCountPush int

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	level byte
}

// SetLevel sets the magnitude value returned for every bin.
func (a *Analyzer) SetLevel(v byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.level = v
}

// Push implements [audio.Analyzer].
func (a *Analyzer) Push(_ []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CallCountPush++
}

// Magnitudes implements [audio.Analyzer]. Every bin receives the configured level.
func (a *Analyzer) Magnitudes(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	bins := a.Bins
	if bins == 0 {
		bins = 128
	}
	if bins > len(dst) {
		bins = len(dst)
	}
	for i := 0; i < bins; i++ {
		dst[i] = a.level
	}
	return bins
}

// Reset implements [audio.Analyzer].
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CallCountReset++
}

// ─── Sink / Playback ──────────────────────────────────────────────────────────

// PlaybackHandle is a mock implementation of [audio.Playback]. Complete it
// from the test via [PlaybackHandle.Finish] or [PlaybackHandle.Fail].
type PlaybackHandle struct {
	mu sync.Mutex

	// StopError is returned by the first call to [PlaybackHandle.Stop].
	StopError error

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	done   chan error
	closed bool
}

// NewPlaybackHandle creates an unfinished playback handle.
func NewPlaybackHandle() *PlaybackHandle {
	return &PlaybackHandle{done: make(chan error, 1)}
}

// Done implements [audio.Playback].
func (p *PlaybackHandle) Done() <-chan error { return p.done }

// Stop implements [audio.Playback]. The first call completes the handle.
func (p *PlaybackHandle) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStop++
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	return p.StopError
}

// Finish completes the playback successfully.
func (p *PlaybackHandle) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Fail completes the playback with err.
func (p *PlaybackHandle) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.done <- err
	close(p.done)
}

// StartCall records the arguments of a single [Sink.Start] invocation.
type StartCall struct {
	// Clip is the clip passed to Start.
	Clip audio.Clip
}

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// StartError, when non-nil, is returned by [Sink.Start].
	StartError error

	// StartCalls records the arguments of every Start invocation.
	StartCalls []StartCall

	// Handles holds the playback handles returned by Start, in order.
	Handles []*PlaybackHandle
}

// Start implements [audio.Sink]. Each successful call returns a fresh
// unfinished [PlaybackHandle] that the test can complete.
func (s *Sink) Start(_ context.Context, clip audio.Clip) (audio.Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls = append(s.StartCalls, StartCall{Clip: clip})
	if s.StartError != nil {
		return nil, s.StartError
	}
	h := NewPlaybackHandle()
	s.Handles = append(s.Handles, h)
	return h, nil
}

// LastHandle returns the most recently created playback handle, or nil.
func (s *Sink) LastHandle() *PlaybackHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Handles) == 0 {
		return nil
	}
	return s.Handles[len(s.Handles)-1]
}
