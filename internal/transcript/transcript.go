// Package transcript holds the conversation model for a Clinivox interview:
// an append-only log of [Turn] values, the correction metadata attached to
// recognised speech, and the bounded context builder consumed by the
// correction pass.
//
// Turns are immutable once appended. The log never mutates or reorders
// entries; the admin and report layers treat it as the authoritative record
// of the interview.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of a [Turn].
type Role string

const (
	// RoleInterviewer is the student conducting the interview.
	RoleInterviewer Role = "interviewer"

	// RolePatient is the simulated patient (or caregiver persona).
	RolePatient Role = "patient"

	// RoleSystem marks out-of-band notices injected into the transcript.
	RoleSystem Role = "system"
)

// TokenUsage carries the reply-generation token counters when known.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Change records a single discrete substitution made by the correction pass.
type Change struct {
	// Original is the span as recognised by the transcription backend.
	Original string

	// Corrected is the span after the correction pass.
	Corrected string

	// Type categorises the change (e.g., "medical_term", "grammar").
	Type string
}

// Correction is the full correction metadata produced once per
// transcription call and attached to the interviewer turn it produced.
type Correction struct {
	// WasCorrected reports whether the corrected text differs from the
	// original recognition.
	WasCorrected bool

	// OriginalText is the raw recognised text.
	OriginalText string

	// CorrectedText is the text after the correction pass.
	CorrectedText string

	// Changes itemises every substitution, in order.
	Changes []Change

	// Confidence is the correction model's confidence (0.0–1.0).
	Confidence float64

	// ModelUsed names the correction model, for auditing.
	ModelUsed string

	// ProcessingTime is the correction latency reported by the backend.
	ProcessingTime time.Duration
}

// Turn is one conversational turn. Immutable after creation.
type Turn struct {
	// ID is the unique turn identity.
	ID uuid.UUID

	// Role identifies the speaker.
	Role Role

	// Text is the turn content. For interviewer turns this is the corrected
	// text when a correction was applied.
	Text string

	// Timestamp records when the turn was appended.
	Timestamp time.Time

	// Usage holds token counters for patient turns, zero otherwise.
	Usage TokenUsage

	// Correction is non-nil on interviewer turns produced from speech.
	Correction *Correction
}

// Log is the append-only transcript of one interview session.
// All methods are safe for concurrent use.
type Log struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewLog creates an empty transcript log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a turn, assigning its ID and timestamp, and returns the stored
// value.
func (l *Log) Append(role Role, text string, opts ...TurnOption) Turn {
	t := Turn{
		ID:        uuid.New(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
	for _, o := range opts {
		o(&t)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, t)
	return t
}

// TurnOption attaches optional metadata to a turn during [Log.Append].
type TurnOption func(*Turn)

// WithUsage attaches token counters.
func WithUsage(u TokenUsage) TurnOption {
	return func(t *Turn) { t.Usage = u }
}

// WithCorrection attaches correction metadata.
func WithCorrection(c *Correction) TurnOption {
	return func(t *Turn) { t.Correction = c }
}

// Turns returns a snapshot of all turns in chronological order.
func (l *Log) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Recent returns up to maxTurns of the most recent turns, oldest first.
func (l *Log) Recent(maxTurns int) []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if maxTurns <= 0 || len(l.turns) == 0 {
		return nil
	}
	start := len(l.turns) - maxTurns
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(l.turns)-start)
	copy(out, l.turns[start:])
	return out
}

// Len returns the number of turns appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}
