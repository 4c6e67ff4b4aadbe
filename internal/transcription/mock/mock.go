// Package mock provides a test double for the transcription client.
package mock

import (
	"context"
	"sync"

	"github.com/clinivox/clinivox/internal/transcription"
	"github.com/clinivox/clinivox/pkg/audio"
)

// Recognizer is a mock implementation of [transcription.Recognizer].
type Recognizer struct {
	mu sync.Mutex

	// Result is returned from Transcribe when Err is nil.
	Result *transcription.Result

	// Err is returned from Transcribe when non-nil.
	Err error

	// Delay, when non-nil, is waited on before returning; closing it
	// releases all in-flight calls. Context cancellation wins.
	Delay chan struct{}

	calls []Call
}

// Call records the arguments of one Transcribe invocation.
type Call struct {
	Clip    audio.Clip
	Context string
}

var _ transcription.Recognizer = (*Recognizer)(nil)

// Transcribe records the call and returns the configured result or error.
func (r *Recognizer) Transcribe(ctx context.Context, clip audio.Clip, convContext string) (*transcription.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Clip: clip, Context: convContext})
	res, err, delay := r.Result, r.Err, r.Delay
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
	return res, nil
}

// Calls returns a snapshot of all recorded invocations.
func (r *Recognizer) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}
