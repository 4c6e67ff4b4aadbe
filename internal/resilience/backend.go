package resilience

import (
	"context"
	"errors"

	"github.com/clinivox/clinivox/internal/dialogue"
	"github.com/clinivox/clinivox/internal/transcription"
	"github.com/clinivox/clinivox/pkg/audio"
)

// transcriptionTrip decides which transcription errors count as backend
// faults. Typed rejections (silent audio, unclear speech) are the service
// working as intended, and a canceled context is the caller's doing.
func transcriptionTrip(err error) bool {
	var se *transcription.ServiceError
	if errors.As(err, &se) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// dialogueTrip mirrors [transcriptionTrip] for the reply backend, which has
// no typed rejections.
func dialogueTrip(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Recognizer wraps a [transcription.Recognizer] in a circuit breaker.
type Recognizer struct {
	next    transcription.Recognizer
	breaker *Breaker
}

var _ transcription.Recognizer = (*Recognizer)(nil)

// NewRecognizer guards next with a breaker named "transcription". Pass a
// zero [Config] for the defaults; Name and Trip are set here.
func NewRecognizer(next transcription.Recognizer, cfg Config) *Recognizer {
	cfg.Name = "transcription"
	cfg.Trip = transcriptionTrip
	return &Recognizer{next: next, breaker: NewBreaker(cfg)}
}

// Transcribe implements [transcription.Recognizer].
func (r *Recognizer) Transcribe(ctx context.Context, clip audio.Clip, convContext string) (*transcription.Result, error) {
	var res *transcription.Result
	err := r.breaker.Do(func() error {
		var err error
		res, err = r.next.Transcribe(ctx, clip, convContext)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Responder wraps a [dialogue.Responder] in a circuit breaker.
type Responder struct {
	next    dialogue.Responder
	breaker *Breaker
}

var _ dialogue.Responder = (*Responder)(nil)

// NewResponder guards next with a breaker named "dialogue".
func NewResponder(next dialogue.Responder, cfg Config) *Responder {
	cfg.Name = "dialogue"
	cfg.Trip = dialogueTrip
	return &Responder{next: next, breaker: NewBreaker(cfg)}
}

// Submit implements [dialogue.Responder].
func (r *Responder) Submit(ctx context.Context, text string) (*dialogue.Reply, error) {
	var reply *dialogue.Reply
	err := r.breaker.Do(func() error {
		var err error
		reply, err = r.next.Submit(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}
