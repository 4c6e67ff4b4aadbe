// Package playback arbitrates synthesized-reply playback: at most one reply
// is audible at any time. Starting a new playback always stops and releases
// the previous handle first, and stopping is idempotent from every path,
// including teardown racing natural completion.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clinivox/clinivox/pkg/audio"
)

// Player owns the single active playback handle.
// All methods are safe for concurrent use.
type Player struct {
	sink audio.Sink
	log  *slog.Logger

	mu      sync.Mutex
	current audio.Playback
}

// Option configures a [Player].
type Option func(*Player)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(p *Player) {
		p.log = log
	}
}

// NewPlayer creates a player over the given audio sink.
func NewPlayer(sink audio.Sink, opts ...Option) *Player {
	p := &Player{
		sink: sink,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Play starts the clip, first stopping any playback still active. The
// returned channel yields the playback outcome (nil on natural completion)
// and is closed afterwards.
func (p *Player) Play(ctx context.Context, clip audio.Clip) (<-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		if err := p.current.Stop(); err != nil {
			p.log.Warn("stopping previous playback", "error", err)
		}
		p.current = nil
	}

	handle, err := p.sink.Start(ctx, clip)
	if err != nil {
		return nil, fmt.Errorf("playback: start: %w", err)
	}
	p.current = handle
	p.log.Debug("playback started", "mime_type", clip.MIMEType, "bytes", clip.Size())

	done := make(chan error, 1)
	go func() {
		err, ok := <-handle.Done()
		if !ok {
			err = nil
		}

		p.mu.Lock()
		if p.current == handle {
			p.current = nil
		}
		p.mu.Unlock()

		if err != nil {
			p.log.Warn("playback failed", "error", err)
			done <- err
		}
		close(done)
	}()
	return done, nil
}

// Stop halts the active playback, if any. Idempotent.
func (p *Player) Stop() {
	p.mu.Lock()
	handle := p.current
	p.current = nil
	p.mu.Unlock()

	if handle != nil {
		if err := handle.Stop(); err != nil {
			p.log.Warn("stopping playback", "error", err)
		}
	}
}

// Playing reports whether a playback is currently active.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}
