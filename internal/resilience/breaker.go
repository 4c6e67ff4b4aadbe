// Package resilience shields the turn pipeline from failing backends.
//
// The central type is [Breaker], a classic three-state circuit breaker
// (closed → open → half-open). The transcription and dialogue collaborators
// are each wrapped in one, so a backend outage fails turns immediately with
// [ErrOpen] instead of making every utterance wait out a full timeout.
//
// Breakers trip on transport faults only: a typed rejection such as unclear
// audio is a healthy backend doing its job, and the [Config.Trip] predicate
// keeps those out of the failure count.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without calling the backend while a breaker is open
// and its reset timeout has not yet elapsed.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through; success
	// closes the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the tuning knobs for a [Breaker].
type Config struct {
	// Name labels the breaker in log messages (e.g., "transcription").
	Name string

	// MaxFailures is the number of consecutive faults in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing again.
	// Default: 30s.
	ResetTimeout time.Duration

	// ProbeBudget is the number of half-open probe calls allowed before the
	// breaker decides whether to close or re-open. Default: 3.
	ProbeBudget int

	// Trip reports whether an error counts as a backend fault. Nil means
	// every error trips. Errors for which Trip returns false are returned to
	// the caller but treated as successes by the breaker.
	Trip func(error) bool

	// Logger receives state-transition logs. Default: [slog.Default].
	Logger *slog.Logger
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probeBudget  int
	trip         func(error) bool
	log          *slog.Logger

	mu          sync.Mutex
	state       State
	faults      int // consecutive faults while closed
	lastFault   time.Time
	probeCalls  int
	probeFaults int
}

// NewBreaker creates a [Breaker]. Zero-value config fields get defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	if cfg.Trip == nil {
		cfg.Trip = func(error) bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		probeBudget:  cfg.ProbeBudget,
		trip:         cfg.Trip,
		log:          cfg.Logger,
		state:        StateClosed,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns [ErrOpen]
// without calling fn; in the half-open state only the probe budget's worth of
// calls go through.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFault) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probeCalls = 0
		b.probeFaults = 0
		b.log.Info("circuit half-open", "name", b.name)

	case StateHalfOpen:
		if b.probeCalls >= b.probeBudget {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && b.trip(err) {
		b.recordFault(probing)
	} else {
		b.recordSuccess(probing)
	}
	return err
}

// recordFault must be called with b.mu held.
func (b *Breaker) recordFault(probing bool) {
	b.lastFault = time.Now()

	if probing {
		b.probeFaults++
		// Any probe fault re-opens immediately.
		b.state = StateOpen
		b.faults = b.maxFailures
		b.log.Warn("circuit re-opened", "name", b.name)
		return
	}

	b.faults++
	if b.faults >= b.maxFailures {
		b.state = StateOpen
		b.log.Warn("circuit opened", "name", b.name, "consecutive_faults", b.faults)
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFaults >= b.probeBudget {
			b.state = StateClosed
			b.faults = 0
			b.probeCalls = 0
			b.probeFaults = 0
			b.log.Info("circuit closed", "name", b.name)
		}
		return
	}
	b.faults = 0
}

// State returns the breaker's current [State]. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the actual transition happens
// on the next [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFault) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}
