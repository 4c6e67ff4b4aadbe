package turn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/clinivox/clinivox/internal/capture"
	"github.com/clinivox/clinivox/internal/dialogue"
	dialoguemock "github.com/clinivox/clinivox/internal/dialogue/mock"
	"github.com/clinivox/clinivox/internal/playback"
	"github.com/clinivox/clinivox/internal/transcript"
	"github.com/clinivox/clinivox/internal/transcription"
	transcriptionmock "github.com/clinivox/clinivox/internal/transcription/mock"
	"github.com/clinivox/clinivox/internal/turn"
	"github.com/clinivox/clinivox/pkg/audio"
	"github.com/clinivox/clinivox/pkg/audio/mock"
)

type fixture struct {
	stream     *mock.CaptureStream
	sink       *mock.Sink
	recognizer *transcriptionmock.Recognizer
	responder  *dialoguemock.Responder
	events     chan turn.Event
	controller *turn.Controller
}

func newFixture(t *testing.T, opts ...turn.Option) *fixture {
	t.Helper()

	f := &fixture{
		stream:     mock.NewCaptureStream(64),
		sink:       &mock.Sink{},
		recognizer: &transcriptionmock.Recognizer{},
		responder:  &dialoguemock.Responder{},
		events:     make(chan turn.Event, 64),
	}
	recorder := capture.NewRecorder(
		&mock.Device{OpenResult: f.stream},
		capture.WithCandidates([]string{"audio/pcm"}),
		capture.WithAnalyzerFactory(func() audio.Analyzer { return &mock.Analyzer{} }),
	)
	player := playback.NewPlayer(f.sink)

	base := []turn.Option{
		turn.WithMinClipBytes(10),
		turn.WithNotify(func(ev turn.Event) { f.events <- ev }),
	}
	f.controller = turn.NewController(
		recorder, f.recognizer, f.responder, player,
		transcript.NewLog(),
		append(base, opts...)...,
	)
	t.Cleanup(func() { f.controller.Close() })
	return f
}

func (f *fixture) waitState(t *testing.T, want turn.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Type == turn.EventState && ev.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %q never reached (controller in %q)", want, f.controller.State())
		}
	}
}

func (f *fixture) waitError(t *testing.T) turn.ErrorInfo {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Type == turn.EventError {
				return *ev.Error
			}
		case <-deadline:
			t.Fatal("error event never delivered")
		}
	}
}

// finishPlaybackSoon completes the sink's playback handle once it appears.
func (f *fixture) finishPlaybackSoon() {
	go func() {
		for i := 0; i < 1000; i++ {
			if h := f.sink.LastHandle(); h != nil {
				h.Finish()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func emitSpeech(stream *mock.CaptureStream, frames int) {
	for i := 0; i < frames; i++ {
		stream.EmitPCM(make([]byte, 640))
	}
}

func TestController_FullTurnWithCorrectionAndPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.recognizer.Result = &transcription.Result{
		Text: "ปวดหัวตั้งแต่เมื่อคืน",
		Correction: &transcript.Correction{
			WasCorrected:  true,
			OriginalText:  "ปวดหัวตังแต่เมื่อคืน",
			CorrectedText: "ปวดหัวตั้งแต่เมื่อคืน",
		},
	}
	f.responder.Reply = &dialogue.Reply{
		Text:  "ปวดมากไหมคะ",
		Usage: transcript.TokenUsage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
		Audio: &dialogue.ReplyAudio{Data: []byte("mp3"), MIMEType: "audio/mpeg"},
	}

	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	f.waitState(t, turn.StateRecording)
	emitSpeech(f.stream, 4)

	f.finishPlaybackSoon()
	if err := f.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	f.waitState(t, turn.StatePlaying)
	f.waitState(t, turn.StateIdle)

	turns := f.controller.Transcript().Turns()
	if len(turns) != 2 {
		t.Fatalf("transcript has %d turns, want 2", len(turns))
	}
	if turns[0].Role != transcript.RoleInterviewer || turns[0].Text != "ปวดหัวตั้งแต่เมื่อคืน" {
		t.Errorf("interviewer turn = %+v", turns[0])
	}
	if turns[0].Correction == nil || !turns[0].Correction.WasCorrected {
		t.Error("correction metadata not attached to the interviewer turn")
	}
	if turns[1].Role != transcript.RolePatient || turns[1].Usage.TotalTokens != 120 {
		t.Errorf("patient turn = %+v", turns[1])
	}
	if got := f.responder.Texts(); len(got) != 1 || got[0] != "ปวดหัวตั้งแต่เมื่อคืน" {
		t.Errorf("submissions = %v, want exactly one with the corrected text", got)
	}
	if len(f.recognizer.Calls()) != 1 {
		t.Errorf("transcriptions = %d, want 1", len(f.recognizer.Calls()))
	}
}

func TestController_ReplyWithoutAudioSkipsPlaying(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.recognizer.Result = &transcription.Result{Text: "any better today?"}
	f.responder.Reply = &dialogue.Reply{Text: "a little"}

	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	emitSpeech(f.stream, 4)
	if err := f.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	f.waitState(t, turn.StateAwaitingReply)
	f.waitState(t, turn.StateIdle)

	if len(f.sink.StartCalls) != 0 {
		t.Errorf("playback started %d times, want 0", len(f.sink.StartCalls))
	}
	if got := len(f.controller.Transcript().Turns()); got != 2 {
		t.Errorf("transcript has %d turns, want 2", got)
	}
}

func TestController_StartGuardRejectsOverlap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := f.controller.StartRecording(context.Background()); !errors.Is(err, turn.ErrNotIdle) {
		t.Fatalf("second StartRecording err = %v, want ErrNotIdle", err)
	}
}

func TestController_StopGuardOutsideRecording(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.controller.StopRecording(); !errors.Is(err, turn.ErrNotRecording) {
		t.Fatalf("StopRecording while idle err = %v, want ErrNotRecording", err)
	}
}

func TestController_ClipTooShortSkipsNetwork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, turn.WithMinClipBytes(1<<20))

	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	emitSpeech(f.stream, 2)
	if err := f.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	info := f.waitError(t)
	if info.Code != turn.CodeClipTooShort {
		t.Errorf("error code = %q, want %q", info.Code, turn.CodeClipTooShort)
	}
	if calls := len(f.recognizer.Calls()); calls != 0 {
		t.Errorf("transcription called %d times for an under-size clip, want 0", calls)
	}
}

func TestController_UnclearAudioSurfacesHints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.recognizer.Err = &transcription.ServiceError{
		Kind:    "unclear_audio",
		Message: "could not recognize speech",
		Hints:   []string{"speak closer to the microphone"},
	}

	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	emitSpeech(f.stream, 4)
	if err := f.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	info := f.waitError(t)
	if info.Code != turn.CodeUnclearAudio {
		t.Errorf("error code = %q", info.Code)
	}
	if len(info.Hints) != 1 {
		t.Errorf("hints = %v, want the backend hint", info.Hints)
	}
	if got := len(f.responder.Texts()); got != 0 {
		t.Errorf("reply submitted %d times after failed transcription, want 0", got)
	}
	if got := f.controller.Transcript().Len(); got != 0 {
		t.Errorf("transcript has %d turns after failed transcription, want 0", got)
	}
}

func TestController_ErrorAutoDismisses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, turn.WithMinClipBytes(1<<20), turn.WithErrorWindow(30*time.Millisecond))

	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := f.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	f.waitError(t)
	f.waitState(t, turn.StateIdle)
}

func TestController_DismissClearsErrorImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t, turn.WithMinClipBytes(1<<20), turn.WithErrorWindow(time.Hour))

	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := f.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	f.waitError(t)

	f.controller.Dismiss()
	f.waitState(t, turn.StateIdle)
}

func TestController_HardCeilingStopsRecording(t *testing.T) {
	t.Parallel()

	f := newFixture(t, turn.WithHardCeiling(50*time.Millisecond))
	f.recognizer.Result = &transcription.Result{Text: "ceiling"}
	f.responder.Reply = &dialogue.Reply{Text: "ok"}

	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	emitSpeech(f.stream, 4)

	// No manual stop: the ceiling timer must end the recording on its own.
	f.waitState(t, turn.StateProcessing)
	f.waitState(t, turn.StateIdle)

	if len(f.recognizer.Calls()) != 1 {
		t.Errorf("transcriptions = %d, want 1", len(f.recognizer.Calls()))
	}
}

func TestController_CloseDuringRecording(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	emitSpeech(f.stream, 2)

	if err := f.controller.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.controller.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if f.stream.CallCountClose == 0 {
		t.Error("capture stream not released on Close")
	}
	if err := f.controller.StartRecording(context.Background()); !errors.Is(err, turn.ErrClosed) {
		t.Fatalf("StartRecording after Close err = %v, want ErrClosed", err)
	}
}

func TestController_PlaybackFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.recognizer.Result = &transcription.Result{Text: "hello"}
	f.responder.Reply = &dialogue.Reply{
		Text:  "hi",
		Audio: &dialogue.ReplyAudio{Data: []byte("mp3"), MIMEType: "audio/mpeg"},
	}

	go func() {
		for i := 0; i < 1000; i++ {
			if h := f.sink.LastHandle(); h != nil {
				h.Fail(errors.New("decoder underrun"))
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	emitSpeech(f.stream, 4)
	if err := f.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	// The failed playback still settles to idle with both turns intact.
	f.waitState(t, turn.StateIdle)
	if got := len(f.controller.Transcript().Turns()); got != 2 {
		t.Errorf("transcript has %d turns, want 2", got)
	}
}

func TestController_CloseAfterStopStillReleasesCapture(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.recognizer.Result = &transcription.Result{Text: "hello"}
	f.responder.Reply = &dialogue.Reply{Text: "hi"}

	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	f.waitState(t, turn.StateRecording)
	emitSpeech(f.stream, 4)

	// Close lands right on the stop's heels, so the in-flight turn goes
	// stale before it runs. The capture stream must still be released.
	if err := f.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if err := f.controller.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !f.stream.Closed() {
		select {
		case <-deadline:
			t.Fatal("capture stream never released after stop+close")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestController_StartFailureReturnsToIdleImmediately(t *testing.T) {
	t.Parallel()

	events := make(chan turn.Event, 16)
	recorder := capture.NewRecorder(
		&mock.Device{OpenError: audio.ErrDeviceBusy},
		capture.WithCandidates([]string{"audio/pcm"}),
	)
	ctrl := turn.NewController(
		recorder, &transcriptionmock.Recognizer{}, &dialoguemock.Responder{},
		playback.NewPlayer(&mock.Sink{}), transcript.NewLog(),
		turn.WithNotify(func(ev turn.Event) { events <- ev }),
		// A huge window proves idle does not wait for auto-dismissal.
		turn.WithErrorWindow(time.Hour),
	)
	t.Cleanup(func() { ctrl.Close() })

	if err := ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	sawError := false
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case turn.EventError:
				sawError = true
				if ev.Error.Code != turn.CodeDeviceBusy {
					t.Errorf("error code = %q, want %q", ev.Error.Code, turn.CodeDeviceBusy)
				}
				if ev.State != turn.StateIdle {
					t.Errorf("error event state = %q, want idle", ev.State)
				}
			case turn.EventState:
				if ev.State == turn.StateError {
					t.Fatal("device failure must not enter the error state")
				}
				if ev.State == turn.StateIdle {
					if !sawError {
						t.Fatal("idle reached before the error event")
					}
					if got := ctrl.State(); got != turn.StateIdle {
						t.Errorf("controller state = %q, want idle", got)
					}
					return
				}
			}
		case <-deadline:
			t.Fatal("idle never reached after a device failure")
		}
	}
}

func TestController_TurnEmitsPipelineSpans(t *testing.T) {
	// Swaps the global tracer provider, so no t.Parallel.
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	f := newFixture(t)
	f.recognizer.Result = &transcription.Result{Text: "hello"}
	f.responder.Reply = &dialogue.Reply{
		Text:  "hi",
		Audio: &dialogue.ReplyAudio{Data: []byte("mp3"), MIMEType: "audio/mpeg"},
	}

	if err := f.controller.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	emitSpeech(f.stream, 4)
	f.finishPlaybackSoon()
	if err := f.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	f.waitState(t, turn.StateIdle)

	// The root span ends after the idle event; poll until it is exported.
	want := []string{"turn", "turn.transcribe", "turn.reply", "turn.playback"}
	deadline := time.After(5 * time.Second)
	for {
		names := map[string]bool{}
		for _, s := range exporter.GetSpans() {
			names[s.Name] = true
		}
		missing := ""
		for _, n := range want {
			if !names[n] {
				missing = n
				break
			}
		}
		if missing == "" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("span %q never recorded (got %v)", missing, names)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
