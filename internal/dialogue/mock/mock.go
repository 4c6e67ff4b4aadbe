// Package mock provides a test double for the dialogue client.
package mock

import (
	"context"
	"sync"

	"github.com/clinivox/clinivox/internal/dialogue"
)

// Responder is a mock implementation of [dialogue.Responder].
type Responder struct {
	mu sync.Mutex

	// Reply is returned from Submit when Err is nil.
	Reply *dialogue.Reply

	// Err is returned from Submit when non-nil.
	Err error

	// Delay, when non-nil, is waited on before returning; closing it
	// releases all in-flight calls. Context cancellation wins.
	Delay chan struct{}

	texts []string
}

var _ dialogue.Responder = (*Responder)(nil)

// Submit records the submitted text and returns the configured reply.
func (r *Responder) Submit(ctx context.Context, text string) (*dialogue.Reply, error) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	reply, err, delay := r.Reply, r.Err, r.Delay
	r.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Texts returns a snapshot of all submitted turn texts.
func (r *Responder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.texts))
	copy(out, r.texts)
	return out
}
