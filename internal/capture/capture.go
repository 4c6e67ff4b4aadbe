// Package capture owns the microphone for the duration of one utterance. A
// [Recorder] acquires the device, negotiates a clip encoding, and pumps PCM
// frames into both the encoder and the spectrum analyzer; stopping the
// resulting [Session] finalizes the clip and releases every resource.
//
// At most one [Session] is live per [Recorder] at any time. Stop is
// idempotent and safe to call from teardown paths that race the normal stop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinivox/clinivox/pkg/audio"
	"github.com/clinivox/clinivox/pkg/audio/encoding"
)

// ErrSessionActive is returned by [Recorder.Start] while a prior session has
// not been stopped.
var ErrSessionActive = errors.New("capture: a recording session is already active")

// ErrSessionStopped is returned by operations on a stopped [Session] other
// than Stop itself.
var ErrSessionStopped = errors.New("capture: session already stopped")

// AnalyzerFactory builds the frequency analyzer attached to each session.
type AnalyzerFactory func() audio.Analyzer

// Recorder creates recording sessions against one capture device.
// All methods are safe for concurrent use.
type Recorder struct {
	device      audio.Device
	captureCfg  audio.CaptureConfig
	candidates  []string
	fragmentInt time.Duration
	newAnalyzer AnalyzerFactory
	onFragment  func([]byte)
	log         *slog.Logger

	mu     sync.Mutex
	active *Session
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithCaptureConfig overrides the device constraints. Defaults to mono
// 16 kHz with all noise-reduction flags set.
func WithCaptureConfig(cfg audio.CaptureConfig) Option {
	return func(r *Recorder) {
		r.captureCfg = cfg
	}
}

// WithCandidates overrides the ranked encoding preference list.
func WithCandidates(candidates []string) Option {
	return func(r *Recorder) {
		r.candidates = candidates
	}
}

// WithFragmentInterval overrides the encoder fragment cadence.
func WithFragmentInterval(d time.Duration) Option {
	return func(r *Recorder) {
		r.fragmentInt = d
	}
}

// WithAnalyzerFactory sets the analyzer constructor. Sessions created
// without one carry no analyzer and report zero energy.
func WithAnalyzerFactory(f AnalyzerFactory) Option {
	return func(r *Recorder) {
		r.newAnalyzer = f
	}
}

// WithFragmentSink forwards each encoded fragment as it is emitted, in
// order. The callback runs on the frame pump goroutine and must not block.
func WithFragmentSink(fn func([]byte)) Option {
	return func(r *Recorder) {
		r.onFragment = fn
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) {
		r.log = log
	}
}

// NewRecorder creates a recorder over the given capture device.
func NewRecorder(device audio.Device, opts ...Option) *Recorder {
	r := &Recorder{
		device:     device,
		captureCfg: audio.DefaultCaptureConfig(),
		candidates: encoding.DefaultCandidates,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session is one live recording. Created by [Recorder.Start]; finished by
// [Session.Stop].
type Session struct {
	id        uuid.UUID
	mimeType  string
	startedAt time.Time
	stream    audio.CaptureStream
	encoder   encoding.Encoder
	analyzer  audio.Analyzer
	release   func()
	log       *slog.Logger

	pumpDone chan struct{}

	mu        sync.Mutex
	stopped   bool
	fragments int
	clip      audio.Clip
	clipErr   error
}

// Start acquires the microphone and begins a new session. It fails with
// [ErrSessionActive] while a prior session is live, and passes through the
// device's typed errors ([audio.ErrPermissionDenied],
// [audio.ErrDeviceNotFound], [audio.ErrDeviceBusy]) as well as
// [audio.ErrUnsupportedEncoding] when no encoding candidate is available.
func (r *Recorder) Start(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		return nil, ErrSessionActive
	}
	// Reserve the slot before the (blocking) device acquisition so a
	// concurrent Start cannot slip in while we wait for permission.
	placeholder := &Session{}
	r.active = placeholder
	r.mu.Unlock()

	abort := func() {
		r.mu.Lock()
		if r.active == placeholder {
			r.active = nil
		}
		r.mu.Unlock()
	}

	profile, err := encoding.Negotiate(r.candidates)
	if err != nil {
		abort()
		return nil, err
	}

	stream, err := r.device.Open(ctx, r.captureCfg)
	if err != nil {
		abort()
		return nil, fmt.Errorf("capture: open device: %w", err)
	}

	s := &Session{
		id:        uuid.New(),
		mimeType:  profile.MIMEType,
		startedAt: time.Now(),
		stream:    stream,
		log:       r.log,
		pumpDone:  make(chan struct{}),
	}
	if r.newAnalyzer != nil {
		s.analyzer = r.newAnalyzer()
	}
	onFragment := r.onFragment
	enc, err := profile.New(encoding.Config{
		Capture:          r.captureCfg,
		FragmentInterval: r.fragmentInt,
		OnFragment: func(frag []byte) {
			s.mu.Lock()
			s.fragments++
			s.mu.Unlock()
			if onFragment != nil {
				onFragment(frag)
			}
		},
	})
	if err != nil {
		stream.Close()
		abort()
		return nil, fmt.Errorf("capture: create encoder: %w", err)
	}
	s.encoder = enc
	s.release = func() {
		r.mu.Lock()
		if r.active == s {
			r.active = nil
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.active = s
	r.mu.Unlock()

	go s.pump()

	r.log.Info("recording session started",
		"session_id", s.id,
		"mime_type", s.mimeType,
		"sample_rate", r.captureCfg.SampleRate,
	)
	return s, nil
}

// Active reports whether a session is currently live.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// pump drains the capture stream into the encoder and analyzer until the
// stream closes.
func (s *Session) pump() {
	defer close(s.pumpDone)
	for frame := range s.stream.Frames() {
		if s.analyzer != nil {
			s.analyzer.Push(frame.Data)
		}
		if err := s.encoder.Write(frame); err != nil {
			// Write only fails after Finalize; the stream is about to
			// close, so just stop consuming.
			return
		}
	}
}

// ID returns the session identity.
func (s *Session) ID() uuid.UUID { return s.id }

// MIMEType returns the negotiated clip encoding.
func (s *Session) MIMEType() string { return s.mimeType }

// StartedAt returns when the session began.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Analyzer returns the attached frequency analyzer, nil when the recorder
// was built without one.
func (s *Session) Analyzer() audio.Analyzer { return s.analyzer }

// Fragments returns the number of encoded fragments emitted so far.
func (s *Session) Fragments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fragments
}

// Stop ends the session: the capture stream is closed, the frame pump
// drained, the encoder finalized, and the analyzer reset. Idempotent —
// repeated calls return the same clip and error as the first.
func (s *Session) Stop() (audio.Clip, error) {
	s.mu.Lock()
	if s.stopped {
		clip, err := s.clip, s.clipErr
		s.mu.Unlock()
		return clip, err
	}
	s.stopped = true
	s.mu.Unlock()

	if err := s.stream.Close(); err != nil {
		s.log.Warn("closing capture stream", "session_id", s.id, "error", err)
	}
	<-s.pumpDone

	clip, err := s.encoder.Finalize()
	if err != nil {
		err = fmt.Errorf("capture: finalize clip: %w", err)
	}
	if s.analyzer != nil {
		s.analyzer.Reset()
	}
	if s.release != nil {
		s.release()
	}

	s.mu.Lock()
	s.clip, s.clipErr = clip, err
	s.mu.Unlock()

	s.log.Info("recording session stopped",
		"session_id", s.id,
		"duration", time.Since(s.startedAt),
		"clip_bytes", clip.Size(),
	)
	return clip, err
}
