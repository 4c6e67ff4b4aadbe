// Package gateway exposes the voice turn-taking engine over a websocket.
//
// One connection is one interview session. The client streams raw PCM
// microphone frames as binary messages and drives the engine with small JSON
// commands; the server answers with JSON events (state transitions,
// transcript turns, errors, detector levels) and ships synthesized reply
// audio back as a binary message. The browser keeps the hardware; the engine
// keeps every decision.
package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinivox/clinivox/internal/transcript"
	"github.com/clinivox/clinivox/internal/turn"
)

// Client commands, sent as JSON text messages.
const (
	// CmdStart begins a recording. Rejected outside the idle state.
	CmdStart = "start"

	// CmdStop is the manual stop. Rejected outside the recording state.
	CmdStop = "stop"

	// CmdDismiss clears an error state immediately.
	CmdDismiss = "dismiss"

	// CmdPlaybackDone reports that the client finished playing the reply
	// audio it received.
	CmdPlaybackDone = "playback_done"
)

// Server event types, sent as JSON text messages.
const (
	// MsgState announces a turn controller state transition.
	MsgState = "state"

	// MsgTurn announces a transcript turn.
	MsgTurn = "turn"

	// MsgError announces a turn failure with its remedy.
	MsgError = "error"

	// MsgRejected answers a command whose state guard failed.
	MsgRejected = "rejected"

	// MsgVAD carries a live detector snapshot while recording.
	MsgVAD = "vad"

	// MsgReplyAudio announces that the next binary message is synthesized
	// reply audio.
	MsgReplyAudio = "reply_audio"
)

// Command is a client-to-server message.
type Command struct {
	Type string `json:"type"`
}

// Message is a server-to-client event.
type Message struct {
	Type     string           `json:"type"`
	State    turn.State       `json:"state,omitempty"`
	Turn     *TurnPayload     `json:"turn,omitempty"`
	Error    *turn.ErrorInfo  `json:"error,omitempty"`
	Rejected string           `json:"rejected,omitempty"`
	VAD      *VADPayload      `json:"vad,omitempty"`
	Audio    *ReplyAudioIntro `json:"audio,omitempty"`
}

// TurnPayload is the wire form of a transcript turn.
type TurnPayload struct {
	ID        uuid.UUID          `json:"id"`
	Role      transcript.Role    `json:"role"`
	Text      string             `json:"text"`
	Timestamp time.Time          `json:"timestamp"`
	Usage     *UsagePayload      `json:"usage,omitempty"`
	Correct   *CorrectionPayload `json:"correction,omitempty"`
}

// UsagePayload carries reply-generation token counters.
type UsagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CorrectionPayload is the wire form of correction metadata.
type CorrectionPayload struct {
	WasCorrected  bool    `json:"was_corrected"`
	OriginalText  string  `json:"original_text"`
	CorrectedText string  `json:"corrected_text"`
	Confidence    float64 `json:"confidence"`
}

// VADPayload is a live voice-activity snapshot.
type VADPayload struct {
	Energy         int           `json:"energy"`
	Speaking       bool          `json:"speaking"`
	SpeechDetected bool          `json:"speech_detected"`
	Elapsed        time.Duration `json:"elapsed_ms"`
}

// ReplyAudioIntro describes the binary reply-audio message that follows it.
type ReplyAudioIntro struct {
	MIMEType     string `json:"mime_type"`
	VoiceID      string `json:"voice_id,omitempty"`
	AutoSelected bool   `json:"auto_selected"`
	SpeakerRole  string `json:"speaker_role,omitempty"`
	ChildPatient bool   `json:"is_child_patient"`
	Bytes        int    `json:"bytes"`
}

// turnPayload converts a transcript turn for the wire.
func turnPayload(t *transcript.Turn) *TurnPayload {
	p := &TurnPayload{
		ID:        t.ID,
		Role:      t.Role,
		Text:      t.Text,
		Timestamp: t.Timestamp,
	}
	if t.Usage != (transcript.TokenUsage{}) {
		p.Usage = &UsagePayload{
			InputTokens:  t.Usage.InputTokens,
			OutputTokens: t.Usage.OutputTokens,
			TotalTokens:  t.Usage.TotalTokens,
		}
	}
	if t.Correction != nil {
		p.Correct = &CorrectionPayload{
			WasCorrected:  t.Correction.WasCorrected,
			OriginalText:  t.Correction.OriginalText,
			CorrectedText: t.Correction.CorrectedText,
			Confidence:    t.Correction.Confidence,
		}
	}
	return p
}
