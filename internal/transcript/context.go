package transcript

import (
	"strings"
)

// CaseMetadata describes the clinical case being simulated. Supplied by the
// case data layer; only the fields useful as correction context appear here.
type CaseMetadata struct {
	// Title is the case title (e.g., "Acute abdominal pain").
	Title string

	// Specialty is the clinical specialty label.
	Specialty string

	// PresentingComplaint is the patient's chief complaint.
	PresentingComplaint string
}

// ContextConfig bounds the context window built by [BuildContext].
type ContextConfig struct {
	// MaxTurns is the number of most recent turns included.
	MaxTurns int

	// MaxTurnRunes caps each turn's text length; longer texts are truncated
	// with an ellipsis.
	MaxTurnRunes int
}

// roleLabels maps transcript roles to the labels the correction backend was
// trained against.
var roleLabels = map[Role]string{
	RoleInterviewer: "Student",
	RolePatient:     "Patient",
	RoleSystem:      "System",
}

// BuildContext produces the bounded context string supplied to the
// correction pass: case metadata when available, then the most recent turns,
// each truncated to the configured rune cap.
//
// BuildContext is a pure function of its inputs — no clock, no I/O — so
// correction quality is reproducible for a given transcript prefix.
func BuildContext(turns []Turn, meta CaseMetadata, cfg ContextConfig) string {
	var b strings.Builder

	if meta.Title != "" {
		b.WriteString("Case: ")
		b.WriteString(meta.Title)
		if meta.Specialty != "" {
			b.WriteString(" (")
			b.WriteString(meta.Specialty)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	if meta.PresentingComplaint != "" {
		b.WriteString("Presenting complaint: ")
		b.WriteString(meta.PresentingComplaint)
		b.WriteString("\n")
	}

	recent := turns
	if cfg.MaxTurns > 0 && len(recent) > cfg.MaxTurns {
		recent = recent[len(recent)-cfg.MaxTurns:]
	}

	for _, t := range recent {
		label, ok := roleLabels[t.Role]
		if !ok {
			label = string(t.Role)
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(truncateRunes(t.Text, cfg.MaxTurnRunes))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// truncateRunes caps s at max runes, appending an ellipsis when truncated.
// A non-positive max leaves s untouched.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
