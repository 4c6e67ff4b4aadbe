package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clinivox/clinivox/internal/dialogue"
	dialoguemock "github.com/clinivox/clinivox/internal/dialogue/mock"
	"github.com/clinivox/clinivox/internal/resilience"
	"github.com/clinivox/clinivox/internal/transcription"
	transcriptionmock "github.com/clinivox/clinivox/internal/transcription/mock"
	"github.com/clinivox/clinivox/pkg/audio"
)

func TestRecognizer_ForwardsResult(t *testing.T) {
	t.Parallel()

	mock := &transcriptionmock.Recognizer{
		Result: &transcription.Result{Text: "any fever or chills"},
	}
	guarded := resilience.NewRecognizer(mock, resilience.Config{})

	res, err := guarded.Transcribe(context.Background(), audio.Clip{Data: []byte{1}}, "ctx")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "any fever or chills" {
		t.Errorf("text = %q", res.Text)
	}
	if calls := mock.Calls(); len(calls) != 1 || calls[0].Context != "ctx" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestRecognizer_OpensOnTransportFaults(t *testing.T) {
	t.Parallel()

	mock := &transcriptionmock.Recognizer{Err: errors.New("connection refused")}
	guarded := resilience.NewRecognizer(mock, resilience.Config{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	for i := 0; i < 2; i++ {
		if _, err := guarded.Transcribe(context.Background(), audio.Clip{}, ""); err == nil {
			t.Fatal("expected transport error")
		}
	}

	_, err := guarded.Transcribe(context.Background(), audio.Clip{}, "")
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if got := len(mock.Calls()); got != 2 {
		t.Errorf("backend calls = %d, want 2; open breaker must not call through", got)
	}
}

func TestRecognizer_TypedRejectionsNeverTrip(t *testing.T) {
	t.Parallel()

	mock := &transcriptionmock.Recognizer{
		Err: &transcription.ServiceError{Kind: "unclear_audio", Message: "unclear"},
	}
	guarded := resilience.NewRecognizer(mock, resilience.Config{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})

	for i := 0; i < 5; i++ {
		_, err := guarded.Transcribe(context.Background(), audio.Clip{}, "")
		if !errors.Is(err, transcription.ErrUnclearAudio) {
			t.Fatalf("err = %v, want the typed rejection passed through", err)
		}
	}
	if got := len(mock.Calls()); got != 5 {
		t.Errorf("backend calls = %d, want 5; rejections must not open the circuit", got)
	}
}

func TestResponder_OpensOnTransportFaults(t *testing.T) {
	t.Parallel()

	mock := &dialoguemock.Responder{Err: errors.New("bad gateway")}
	guarded := resilience.NewResponder(mock, resilience.Config{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	for i := 0; i < 2; i++ {
		if _, err := guarded.Submit(context.Background(), "hello"); err == nil {
			t.Fatal("expected transport error")
		}
	}

	_, err := guarded.Submit(context.Background(), "hello")
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestResponder_CancellationNeverTrips(t *testing.T) {
	t.Parallel()

	mock := &dialoguemock.Responder{Err: context.Canceled}
	guarded := resilience.NewResponder(mock, resilience.Config{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})

	for i := 0; i < 3; i++ {
		if _, err := guarded.Submit(context.Background(), "hi"); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if got := len(mock.Texts()); got != 3 {
		t.Errorf("backend calls = %d, want 3; cancellation must not open the circuit", got)
	}
}

func TestResponder_ForwardsReply(t *testing.T) {
	t.Parallel()

	mock := &dialoguemock.Responder{
		Reply: &dialogue.Reply{Text: "It hurts when I breathe in."},
	}
	guarded := resilience.NewResponder(mock, resilience.Config{})

	reply, err := guarded.Submit(context.Background(), "where does it hurt")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.Text != "It hurts when I breathe in." {
		t.Errorf("reply = %q", reply.Text)
	}
}
