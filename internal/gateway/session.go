package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/clinivox/clinivox/internal/turn"
	"github.com/clinivox/clinivox/pkg/audio"
)

// vadReportInterval is the cadence of MsgVAD snapshots while recording.
const vadReportInterval = 100 * time.Millisecond

// session is one websocket connection driving one turn controller. The
// client's microphone frames arrive as binary messages and are bridged into
// the controller's capture device; synthesized replies travel back the same
// way.
type session struct {
	conn *websocket.Conn
	ctx  context.Context
	log  *slog.Logger

	controller *turn.Controller

	writeMu sync.Mutex

	mu        sync.Mutex
	stream    *remoteStream
	playback  *remoteHandle
	vadCancel context.CancelFunc
}

// ─── capture bridge ───────────────────────────────────────────────────────────

// remoteStream adapts the client's binary audio messages to
// [audio.CaptureStream].
type remoteStream struct {
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool
	cfg    audio.CaptureConfig
	start  time.Time
}

func newRemoteStream(cfg audio.CaptureConfig) *remoteStream {
	return &remoteStream{
		frames: make(chan audio.Frame, 64),
		cfg:    cfg,
		start:  time.Now(),
	}
}

func (s *remoteStream) Frames() <-chan audio.Frame { return s.frames }

func (s *remoteStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// deliver forwards one client audio payload. Frames are dropped rather than
// blocking the read loop when the pump falls behind, and delivery after
// Close is a no-op.
func (s *remoteStream) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	frame := audio.Frame{
		Data:       data,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Timestamp:  time.Since(s.start),
	}
	select {
	case s.frames <- frame:
	default:
	}
}

// remoteDevice implements [audio.Device] over the session's websocket.
type remoteDevice struct {
	s *session
}

func (d *remoteDevice) Open(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	stream := newRemoteStream(cfg)
	d.s.mu.Lock()
	d.s.stream = stream
	d.s.mu.Unlock()
	return stream, nil
}

// ─── playback bridge ──────────────────────────────────────────────────────────

// remoteHandle implements [audio.Playback] for audio played by the client.
// It completes when the client reports CmdPlaybackDone or when stopped.
type remoteHandle struct {
	done chan error
	once sync.Once
}

func newRemoteHandle() *remoteHandle {
	return &remoteHandle{done: make(chan error, 1)}
}

func (h *remoteHandle) Done() <-chan error { return h.done }

func (h *remoteHandle) Stop() error {
	h.finish(nil)
	return nil
}

func (h *remoteHandle) finish(err error) {
	h.once.Do(func() {
		if err != nil {
			h.done <- err
		}
		close(h.done)
	})
}

// remoteSink implements [audio.Sink] by shipping the clip to the client as a
// binary message.
type remoteSink struct {
	s *session
}

func (rs *remoteSink) Start(ctx context.Context, clip audio.Clip) (audio.Playback, error) {
	h := newRemoteHandle()
	rs.s.mu.Lock()
	rs.s.playback = h
	rs.s.mu.Unlock()

	if err := rs.s.writeBinary(ctx, clip.Data); err != nil {
		h.finish(err)
		return nil, err
	}
	return h, nil
}

// ─── session loops ────────────────────────────────────────────────────────────

// readLoop consumes client messages until the connection drops.
func (s *session) readLoop() error {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			s.deliverAudio(data)
		case websocket.MessageText:
			s.handleCommand(data)
		}
	}
}

func (s *session) deliverAudio(data []byte) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.deliver(data)
	}
}

func (s *session) handleCommand(data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.send(Message{Type: MsgRejected, Rejected: "malformed command"})
		return
	}

	switch cmd.Type {
	case CmdStart:
		if err := s.controller.StartRecording(s.ctx); err != nil {
			s.send(Message{Type: MsgRejected, Rejected: err.Error()})
		}
	case CmdStop:
		if err := s.controller.StopRecording(); err != nil {
			s.send(Message{Type: MsgRejected, Rejected: err.Error()})
		}
	case CmdDismiss:
		s.controller.Dismiss()
	case CmdPlaybackDone:
		s.finishPlayback()
	default:
		s.send(Message{Type: MsgRejected, Rejected: "unknown command " + cmd.Type})
	}
}

func (s *session) finishPlayback() {
	s.mu.Lock()
	h := s.playback
	s.playback = nil
	s.mu.Unlock()
	if h != nil {
		h.finish(nil)
	}
}

// onEvent fans controller notifications out to the client.
func (s *session) onEvent(ev turn.Event) {
	switch ev.Type {
	case turn.EventState:
		s.trackRecording(ev.State)
		s.send(Message{Type: MsgState, State: ev.State})
	case turn.EventTurn:
		s.send(Message{Type: MsgTurn, Turn: turnPayload(ev.Turn)})
	case turn.EventError:
		s.send(Message{Type: MsgError, State: ev.State, Error: ev.Error})
	case turn.EventReplyAudio:
		s.send(Message{Type: MsgReplyAudio, Audio: &ReplyAudioIntro{
			MIMEType:     ev.Audio.MIMEType,
			VoiceID:      ev.Audio.VoiceID,
			AutoSelected: ev.Audio.AutoSelected,
			SpeakerRole:  ev.Audio.SpeakerRole,
			ChildPatient: ev.Audio.ChildPatient,
			Bytes:        len(ev.Audio.Data),
		}})
	}
}

// trackRecording starts the detector snapshot loop while recording and stops
// it on any other state.
func (s *session) trackRecording(state turn.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == turn.StateRecording {
		if s.vadCancel != nil {
			return
		}
		ctx, cancel := context.WithCancel(s.ctx)
		s.vadCancel = cancel
		go s.vadLoop(ctx)
		return
	}
	if s.vadCancel != nil {
		s.vadCancel()
		s.vadCancel = nil
	}
}

func (s *session) vadLoop(ctx context.Context) {
	ticker := time.NewTicker(vadReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.controller.VADState()
			s.send(Message{Type: MsgVAD, VAD: &VADPayload{
				Energy:         st.Energy,
				Speaking:       st.Speaking,
				SpeechDetected: st.SpeechDetected,
				Elapsed:        st.Elapsed / time.Millisecond,
			}})
		}
	}
}

// close tears the session down; safe to call after the read loop exits.
func (s *session) close() {
	s.mu.Lock()
	if s.vadCancel != nil {
		s.vadCancel()
		s.vadCancel = nil
	}
	s.mu.Unlock()
	s.finishPlayback()
	if err := s.controller.Close(); err != nil {
		s.log.Warn("closing controller", "error", err)
	}
}

func (s *session) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encoding message", "type", msg.Type, "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		s.log.Debug("writing message", "type", msg.Type, "error", err)
	}
}

func (s *session) writeBinary(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}
