// Package vad implements energy-based voice activity detection over the
// spectrum analyzer attached to a live recording session.
//
// The detector polls the analyzer on a fixed tick, classifies each tick as
// speech or silence against two thresholds, and fires a single auto-stop
// callback once speech has been heard and a configured silence window has
// elapsed. It never touches the microphone itself; the turn controller owns
// session lifetime, including the hard duration ceiling.
package vad

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clinivox/clinivox/pkg/audio"
)

// Config holds the detection thresholds. Energy values are on the analyzer's
// 0–255 magnitude scale.
type Config struct {
	// NoiseFloor is the energy level at or below which a tick is treated as
	// ambient noise. Used for state reporting only; it does not gate
	// auto-stop.
	NoiseFloor int

	// SpeechFloor is the energy level above which a tick counts as speech.
	SpeechFloor int

	// SilenceWindow is how long after the last speech tick silence must
	// persist before auto-stop fires.
	SilenceWindow time.Duration

	// MinRecording is the elapsed-time floor below which auto-stop never
	// fires.
	MinRecording time.Duration

	// TickInterval is the polling cadence.
	TickInterval time.Duration
}

// State is a snapshot of the detector, for status reporting.
type State struct {
	// Energy is the most recent averaged magnitude.
	Energy int

	// Speaking reports whether the last tick was above the speech floor.
	Speaking bool

	// SpeechDetected reports whether any tick this session crossed the
	// speech floor. Monotonic: never resets within a session.
	SpeechDetected bool

	// Elapsed is the time since the detector started.
	Elapsed time.Duration
}

// Detector watches one session's analyzer. Create with [NewDetector]; one
// detector serves exactly one recording session.
type Detector struct {
	analyzer   audio.Analyzer
	onAutoStop func()
	log        *slog.Logger
	buf        []byte

	mu             sync.Mutex
	cfg            Config
	started        time.Time
	lastLoud       time.Time
	lastEnergy     int
	speaking       bool
	speechDetected bool
	cancel         context.CancelFunc
}

// Option configures a [Detector].
type Option func(*Detector)

// WithAutoStop sets the callback fired (at most once) when the silence
// window elapses after detected speech.
func WithAutoStop(fn func()) Option {
	return func(d *Detector) {
		d.onAutoStop = fn
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(d *Detector) {
		d.log = log
	}
}

// NewDetector creates a detector reading from the given analyzer.
func NewDetector(analyzer audio.Analyzer, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		analyzer: analyzer,
		cfg:      cfg,
		log:      slog.Default(),
		buf:      make([]byte, 1024),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetConfig replaces the thresholds, taking effect on the next tick. Used by
// configuration hot-reload; the session state (speech-detected flag, last
// loud marker) is untouched.
func (d *Detector) SetConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg.TickInterval = d.cfg.TickInterval // cadence is fixed per session
	d.cfg = cfg
}

// Start begins the polling loop on its own goroutine. It may be called once
// per detector.
func (d *Detector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.cancel = cancel
	d.started = time.Now()
	d.mu.Unlock()

	go d.run(ctx)
}

// Stop cancels the polling loop. Idempotent, O(1), and safe to call whether
// or not auto-stop has already fired.
func (d *Detector) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State returns a snapshot of the current detector state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := State{
		Energy:         d.lastEnergy,
		Speaking:       d.speaking,
		SpeechDetected: d.speechDetected,
	}
	if !d.started.IsZero() {
		s.Elapsed = time.Since(d.started)
	}
	return s
}

func (d *Detector) run(ctx context.Context) {
	d.mu.Lock()
	interval := d.cfg.TickInterval
	d.mu.Unlock()
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if d.sample(now) {
				d.Stop()
				d.log.Debug("auto-stop fired")
				if d.onAutoStop != nil {
					d.onAutoStop()
				}
				return
			}
		}
	}
}

// sample processes one tick and reports whether auto-stop should fire.
func (d *Detector) sample(now time.Time) bool {
	n := d.analyzer.Magnitudes(d.buf)
	energy := 0
	if n > 0 {
		sum := 0
		for _, v := range d.buf[:n] {
			sum += int(v)
		}
		energy = sum / n
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastEnergy = energy
	d.speaking = energy > d.cfg.SpeechFloor
	if d.speaking {
		if !d.speechDetected {
			d.speechDetected = true
			d.log.Debug("speech detected", "energy", energy)
		}
		d.lastLoud = now
	}

	return d.speechDetected &&
		now.Sub(d.lastLoud) > d.cfg.SilenceWindow &&
		now.Sub(d.started) > d.cfg.MinRecording
}
