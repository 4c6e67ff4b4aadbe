// Package turn implements the conversational turn controller: the state
// machine that starts and stops microphone capture, ships finalized clips
// through transcription, submits the corrected text for reply generation
// exactly once, and hands the synthesized reply to the playback arbiter.
//
// The controller's mutex is the sole arbitration point for the whole voice
// path. Every mutating entry point — user action, detector auto-stop, hard
// ceiling, teardown — checks the current state under that mutex and proceeds
// only when the guard holds, so the microphone and the speaker can never be
// live in conflicting ways.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinivox/clinivox/internal/capture"
	"github.com/clinivox/clinivox/internal/dialogue"
	"github.com/clinivox/clinivox/internal/observe"
	"github.com/clinivox/clinivox/internal/playback"
	"github.com/clinivox/clinivox/internal/transcript"
	"github.com/clinivox/clinivox/internal/transcription"
	"github.com/clinivox/clinivox/internal/vad"
	"github.com/clinivox/clinivox/pkg/audio"
)

// State is a turn controller state.
type State string

const (
	// StateIdle accepts a new recording.
	StateIdle State = "idle"

	// StateRecording has a live microphone session.
	StateRecording State = "recording"

	// StateProcessing is transcribing the finalized clip.
	StateProcessing State = "processing"

	// StateSending is appending the interviewer turn.
	StateSending State = "sending"

	// StateAwaitingReply is waiting for the generated reply.
	StateAwaitingReply State = "awaiting_reply"

	// StatePlaying is playing the synthesized reply.
	StatePlaying State = "playing"

	// StateError is showing a failure; auto-dismisses back to idle.
	StateError State = "error"
)

// ErrClipTooShort is reported when the finalized clip is below the minimum
// forwardable size; no network call is made for such clips.
var ErrClipTooShort = errors.New("turn: clip below minimum size")

// ErrNotIdle is returned by [Controller.StartRecording] outside [StateIdle].
var ErrNotIdle = errors.New("turn: controller is not idle")

// ErrNotRecording is returned by [Controller.StopRecording] outside
// [StateRecording].
var ErrNotRecording = errors.New("turn: controller is not recording")

// ErrClosed is returned after [Controller.Close].
var ErrClosed = errors.New("turn: controller closed")

// StopReason labels why a recording ended.
type StopReason string

const (
	// StopManual is a user-initiated stop.
	StopManual StopReason = "manual"

	// StopAuto is the silence detector's auto-stop.
	StopAuto StopReason = "auto"

	// StopCeiling is the unconditional maximum-duration stop.
	StopCeiling StopReason = "ceiling"
)

// ErrorInfo is a user-presentable failure: a stable code for the client to
// key remedies on, a message, and optional hints from the backend.
type ErrorInfo struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Hints   []string `json:"hints,omitempty"`
}

// EventType discriminates [Event] values.
type EventType string

const (
	// EventState announces a state transition.
	EventState EventType = "state"

	// EventTurn announces a turn appended to the transcript.
	EventTurn EventType = "turn"

	// EventError announces a failure entering [StateError].
	EventError EventType = "error"

	// EventReplyAudio announces synthesized reply audio about to play.
	EventReplyAudio EventType = "reply_audio"
)

// Event is a controller notification, delivered in transition order.
type Event struct {
	Type  EventType
	State State
	Turn  *transcript.Turn
	Error *ErrorInfo
	Audio *dialogue.ReplyAudio
}

// Controller drives one interview session's voice turn-taking.
type Controller struct {
	recorder   *capture.Recorder
	recognizer transcription.Recognizer
	responder  dialogue.Responder
	player     *playback.Player
	transcript *transcript.Log
	log        *slog.Logger
	notify     func(Event)
	metrics    *observe.Metrics

	caseMeta    transcript.CaseMetadata
	hardCeiling time.Duration
	errorWindow time.Duration
	minClip     int

	mu        sync.Mutex
	state     State
	closed    bool
	vadCfg    vad.Config
	ctxCfg    transcript.ContextConfig
	session   *capture.Session
	detector  *vad.Detector
	ceiling   *time.Timer
	turnGen   int
	turnCtx   context.Context
	turnCause context.CancelFunc
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithNotify sets the event callback. It is invoked synchronously, in
// order, off the controller's lock; it must not call back into the
// controller's mutating methods.
func WithNotify(fn func(Event)) Option {
	return func(c *Controller) {
		c.notify = fn
	}
}

// WithMetrics attaches the observability instruments recorded along the
// voice path. Nil disables recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithVADConfig sets the detection thresholds for new sessions.
func WithVADConfig(cfg vad.Config) Option {
	return func(c *Controller) {
		c.vadCfg = cfg
	}
}

// WithContextConfig bounds the conversation context sent for correction.
func WithContextConfig(cfg transcript.ContextConfig) Option {
	return func(c *Controller) {
		c.ctxCfg = cfg
	}
}

// WithCaseMetadata attaches the clinical case metadata prepended to the
// correction context.
func WithCaseMetadata(meta transcript.CaseMetadata) Option {
	return func(c *Controller) {
		c.caseMeta = meta
	}
}

// WithHardCeiling sets the unconditional maximum recording duration.
func WithHardCeiling(d time.Duration) Option {
	return func(c *Controller) {
		c.hardCeiling = d
	}
}

// WithErrorWindow sets how long [StateError] persists before
// auto-dismissing.
func WithErrorWindow(d time.Duration) Option {
	return func(c *Controller) {
		c.errorWindow = d
	}
}

// WithMinClipBytes sets the minimum finalized clip size forwarded to
// transcription.
func WithMinClipBytes(n int) Option {
	return func(c *Controller) {
		c.minClip = n
	}
}

// NewController creates an idle controller.
func NewController(
	recorder *capture.Recorder,
	recognizer transcription.Recognizer,
	responder dialogue.Responder,
	player *playback.Player,
	log *transcript.Log,
	opts ...Option,
) *Controller {
	c := &Controller{
		recorder:   recorder,
		recognizer: recognizer,
		responder:  responder,
		player:     player,
		transcript: log,
		log:        slog.Default(),
		state:      StateIdle,
		vadCfg: vad.Config{
			NoiseFloor:    12,
			SpeechFloor:   32,
			SilenceWindow: 1250 * time.Millisecond,
			MinRecording:  time.Second,
			TickInterval:  16 * time.Millisecond,
		},
		ctxCfg:      transcript.ContextConfig{MaxTurns: 6, MaxTurnRunes: 200},
		hardCeiling: 60 * time.Second,
		errorWindow: 5 * time.Second,
		minClip:     6144,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the session transcript.
func (c *Controller) Transcript() *transcript.Log {
	return c.transcript
}

// SetVADConfig replaces the detection thresholds, applying them to the
// active detector as well as future sessions. Used by config hot-reload.
func (c *Controller) SetVADConfig(cfg vad.Config) {
	c.mu.Lock()
	c.vadCfg = cfg
	det := c.detector
	c.mu.Unlock()
	if det != nil {
		det.SetConfig(cfg)
	}
}

// SetContextConfig replaces the context window bounds.
func (c *Controller) SetContextConfig(cfg transcript.ContextConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctxCfg = cfg
}

// VADState returns the live detector state, zero outside [StateRecording].
func (c *Controller) VADState() vad.State {
	c.mu.Lock()
	det := c.detector
	c.mu.Unlock()
	if det == nil {
		return vad.State{}
	}
	return det.State()
}

// StartRecording begins a new capture session. Guarded: only [StateIdle]
// accepts it, so overlapping sessions are impossible.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	gen := c.turnGen + 1
	c.turnGen = gen
	c.state = StateRecording
	c.mu.Unlock()
	c.emitState(StateRecording)

	turnCtx, cancel := context.WithCancel(ctx)

	session, err := c.recorder.Start(turnCtx)
	if err != nil {
		cancel()
		c.failStart(gen, err)
		return nil
	}

	c.mu.Lock()
	if c.closed || c.turnGen != gen || c.state != StateRecording {
		// Torn down while acquiring the device.
		c.mu.Unlock()
		cancel()
		session.Stop()
		return nil
	}
	c.session = session
	c.turnCtx = turnCtx
	c.turnCause = cancel
	vadCfg := c.vadCfg
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveRecordings.Add(turnCtx, 1)
	}

	// The session is registered before the timers exist, so an early fire
	// always finds it.
	var detector *vad.Detector
	if analyzer := session.Analyzer(); analyzer != nil {
		detector = vad.NewDetector(analyzer, vadCfg,
			vad.WithAutoStop(func() { c.finishRecording(gen, StopAuto) }),
			vad.WithLogger(c.log),
		)
	}
	ceiling := time.AfterFunc(c.hardCeiling, func() {
		c.finishRecording(gen, StopCeiling)
	})

	c.mu.Lock()
	if c.closed || c.turnGen != gen || c.state != StateRecording {
		c.mu.Unlock()
		ceiling.Stop()
		return nil
	}
	c.detector = detector
	c.ceiling = ceiling
	c.mu.Unlock()

	if detector != nil {
		detector.Start(turnCtx)
	}
	return nil
}

// StopRecording is the manual stop. Guarded: only [StateRecording] accepts
// it.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	gen := c.turnGen
	c.mu.Unlock()
	c.finishRecording(gen, StopManual)
	return nil
}

// finishRecording moves Recording to Processing exactly once per turn; the
// manual stop, the auto-stop, and the hard ceiling all funnel here and the
// guard makes the extras no-ops.
func (c *Controller) finishRecording(gen int, reason StopReason) {
	c.mu.Lock()
	if c.closed || c.turnGen != gen || c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	c.state = StateProcessing
	session := c.session
	detector := c.detector
	ceiling := c.ceiling
	c.session = nil
	c.detector = nil
	c.ceiling = nil
	c.mu.Unlock()
	c.emitState(StateProcessing)

	// The ceiling timer must die with the session on every path, or a stale
	// fire would hit a later turn.
	if ceiling != nil {
		ceiling.Stop()
	}
	if detector != nil {
		detector.Stop()
	}

	if c.metrics != nil {
		c.metrics.ActiveRecordings.Add(context.Background(), -1)
		c.metrics.RecordingDuration.Record(context.Background(), time.Since(session.StartedAt()).Seconds())
	}
	c.log.Info("recording finished", "reason", reason)
	go c.processTurn(gen, session, reason)
}

// processTurn runs the Processing → Sending → AwaitingReply → Playing
// pipeline for one finalized clip. Runs on its own goroutine; every
// transition is re-guarded against teardown.
func (c *Controller) processTurn(gen int, session *capture.Session, reason StopReason) {
	// The session must be released unconditionally: once finishRecording hands
	// it here, Close can no longer reach it, so a stale-generation return
	// before Stop would strand the stream and its pump. Stop is idempotent.
	clip, err := session.Stop()

	ctx := c.turnContext(gen)
	if ctx == nil {
		return
	}

	ctx, span := observe.StartSpan(ctx, "turn",
		trace.WithAttributes(attribute.String("clinivox.stop_reason", string(reason))))
	defer span.End()
	log := observe.Logger(ctx, c.log)

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.failTurn(gen, err)
	}

	if err != nil {
		fail(err)
		return
	}
	if clip.Size() < c.minClip {
		fail(ErrClipTooShort)
		return
	}
	span.SetAttributes(attribute.Int("clinivox.clip_bytes", clip.Size()))
	if c.metrics != nil {
		c.metrics.RecordClip(ctx, clip.MIMEType, clip.Size())
	}

	convContext := transcript.BuildContext(c.transcript.Recent(c.contextConfig().MaxTurns), c.caseMeta, c.contextConfig())
	transcribeCtx, transcribeSpan := observe.StartSpan(ctx, "turn.transcribe")
	transcribeStart := time.Now()
	result, err := c.recognizer.Transcribe(transcribeCtx, clip, convContext)
	transcribeSpan.End()
	if c.metrics != nil {
		c.metrics.TranscriptionDuration.Record(ctx, time.Since(transcribeStart).Seconds())
	}
	if err != nil {
		fail(err)
		return
	}

	if !c.advance(gen, StateProcessing, StateSending) {
		return
	}
	var opts []transcript.TurnOption
	if result.Correction != nil {
		opts = append(opts, transcript.WithCorrection(result.Correction))
	}
	userTurn := c.transcript.Append(transcript.RoleInterviewer, result.Text, opts...)
	c.emitTurn(userTurn)

	if !c.advance(gen, StateSending, StateAwaitingReply) {
		return
	}
	// Exactly one submission per utterance: failures surface as an error
	// state and the retry is always a fresh user-initiated turn.
	replyCtx, replySpan := observe.StartSpan(ctx, "turn.reply")
	replyStart := time.Now()
	reply, err := c.responder.Submit(replyCtx, result.Text)
	replySpan.End()
	if c.metrics != nil {
		c.metrics.ReplyDuration.Record(ctx, time.Since(replyStart).Seconds())
	}
	if err != nil {
		fail(err)
		return
	}

	patientTurn := c.transcript.Append(transcript.RolePatient, reply.Text, transcript.WithUsage(reply.Usage))
	c.emitTurn(patientTurn)

	if reply.Audio == nil || len(reply.Audio.Data) == 0 {
		c.completeTurn(gen, reason)
		return
	}

	if !c.advance(gen, StateAwaitingReply, StatePlaying) {
		return
	}
	c.emit(Event{Type: EventReplyAudio, Audio: reply.Audio})

	playCtx, playSpan := observe.StartSpan(ctx, "turn.playback")
	playStart := time.Now()
	done, err := c.player.Play(playCtx, audio.Clip{Data: reply.Audio.Data, MIMEType: reply.Audio.MIMEType})
	if err != nil {
		// Playback failure is non-fatal: the text turn stands.
		playSpan.RecordError(err)
		playSpan.End()
		log.Warn("reply playback failed to start", "error", err)
		c.completeTurn(gen, reason)
		return
	}
	if err := <-done; err != nil {
		playSpan.RecordError(err)
		log.Warn("reply playback failed", "error", err)
	}
	playSpan.End()
	if c.metrics != nil {
		c.metrics.PlaybackDuration.Record(ctx, time.Since(playStart).Seconds())
	}
	c.completeTurn(gen, reason)
}

// completeTurn records a successful turn and settles to idle.
func (c *Controller) completeTurn(gen int, reason StopReason) {
	if c.metrics != nil {
		c.metrics.RecordTurn(context.Background(), string(reason), "ok")
	}
	c.settle(gen)
}

// turnContext returns the cancellation context for the given turn, nil when
// the turn is stale.
func (c *Controller) turnContext(gen int) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.turnGen != gen {
		return nil
	}
	if c.turnCtx == nil {
		return context.Background()
	}
	return c.turnCtx
}

// advance performs a guarded transition, reporting whether it took effect.
func (c *Controller) advance(gen int, from, to State) bool {
	c.mu.Lock()
	if c.closed || c.turnGen != gen || c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()
	c.emitState(to)
	return true
}

// settle returns the controller to idle at the end of a turn.
func (c *Controller) settle(gen int) {
	c.mu.Lock()
	if c.closed || c.turnGen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	cancel := c.turnCause
	c.turnCause = nil
	c.turnCtx = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.emitState(StateIdle)
}

// failStart surfaces a device-acquisition failure and returns straight to
// idle. No session ever existed, so there is nothing to tear down and
// nothing worth holding an error-display window for: the remedy is delivered
// with the event and a retry is immediately possible.
func (c *Controller) failStart(gen int, err error) {
	info := Classify(err)

	c.mu.Lock()
	if c.closed || c.turnGen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordTurnError(context.Background(), info.Code)
	}
	c.log.Warn("recording failed to start", "code", info.Code, "error", err)
	c.emit(Event{Type: EventError, State: StateIdle, Error: &info})
	c.emitState(StateIdle)
}

// failTurn enters the error state with a classified failure and schedules
// its auto-dismissal.
func (c *Controller) failTurn(gen int, err error) {
	info := Classify(err)

	c.mu.Lock()
	if c.closed || c.turnGen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	cancel := c.turnCause
	c.turnCause = nil
	c.turnCtx = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if c.metrics != nil {
		c.metrics.RecordTurnError(context.Background(), info.Code)
	}
	c.log.Warn("turn failed", "code", info.Code, "error", err)
	c.emit(Event{Type: EventError, State: StateError, Error: &info})

	time.AfterFunc(c.errorWindow, func() {
		c.dismiss(gen)
	})
}

// Dismiss clears the error state immediately instead of waiting out the
// display window. No-op outside [StateError].
func (c *Controller) Dismiss() {
	c.mu.Lock()
	gen := c.turnGen
	c.mu.Unlock()
	c.dismiss(gen)
}

func (c *Controller) dismiss(gen int) {
	c.mu.Lock()
	if c.closed || c.turnGen != gen || c.state != StateError {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.mu.Unlock()
	c.emitState(StateIdle)
}

// Close tears the controller down: the detector, the capture session, any
// in-flight turn, and the playback all stop. Idempotent; the controller
// accepts no further work.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.turnGen++ // invalidate every in-flight callback
	session := c.session
	detector := c.detector
	ceiling := c.ceiling
	cancel := c.turnCause
	c.session = nil
	c.detector = nil
	c.ceiling = nil
	c.turnCtx = nil
	c.turnCause = nil
	c.mu.Unlock()

	if ceiling != nil {
		ceiling.Stop()
	}
	if detector != nil {
		detector.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if session != nil {
		if _, err := session.Stop(); err != nil {
			c.log.Warn("stopping session during close", "error", err)
		}
		if c.metrics != nil {
			c.metrics.ActiveRecordings.Add(context.Background(), -1)
		}
	}
	c.player.Stop()
	return nil
}

func (c *Controller) contextConfig() transcript.ContextConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctxCfg
}

func (c *Controller) emitState(s State) {
	c.emit(Event{Type: EventState, State: s})
}

func (c *Controller) emitTurn(t transcript.Turn) {
	c.emit(Event{Type: EventTurn, Turn: &t})
}

func (c *Controller) emit(ev Event) {
	if c.notify != nil {
		c.notify(ev)
	}
}
