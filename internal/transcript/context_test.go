package transcript_test

import (
	"strings"
	"testing"

	"github.com/clinivox/clinivox/internal/transcript"
)

func contextCfg() transcript.ContextConfig {
	return transcript.ContextConfig{MaxTurns: 3, MaxTurnRunes: 20}
}

func makeTurns(texts ...string) []transcript.Turn {
	log := transcript.NewLog()
	for i, text := range texts {
		role := transcript.RoleInterviewer
		if i%2 == 1 {
			role = transcript.RolePatient
		}
		log.Append(role, text)
	}
	return log.Turns()
}

func TestBuildContext_Deterministic(t *testing.T) {
	t.Parallel()

	turns := makeTurns("สวัสดีครับ", "สวัสดีค่ะ", "เป็นอะไรมาครับ")
	meta := transcript.CaseMetadata{Title: "Headache", Specialty: "Neurology"}

	first := transcript.BuildContext(turns, meta, contextCfg())
	second := transcript.BuildContext(turns, meta, contextCfg())
	if first != second {
		t.Error("BuildContext is not deterministic for identical input")
	}
}

func TestBuildContext_MetadataHeader(t *testing.T) {
	t.Parallel()

	got := transcript.BuildContext(nil, transcript.CaseMetadata{
		Title:               "Chest pain",
		Specialty:           "Cardiology",
		PresentingComplaint: "Crushing chest pain for 2 hours",
	}, contextCfg())

	if !strings.Contains(got, "Case: Chest pain (Cardiology)") {
		t.Errorf("missing case header in %q", got)
	}
	if !strings.Contains(got, "Presenting complaint: Crushing chest pain for 2 hours") {
		t.Errorf("missing complaint in %q", got)
	}
}

func TestBuildContext_NoMetadata(t *testing.T) {
	t.Parallel()

	got := transcript.BuildContext(makeTurns("hello"), transcript.CaseMetadata{}, contextCfg())
	if strings.Contains(got, "Case:") {
		t.Errorf("empty metadata should omit the header, got %q", got)
	}
	if !strings.HasPrefix(got, "Student: hello") {
		t.Errorf("context = %q, want it to begin with the turn line", got)
	}
}

func TestBuildContext_BoundsTurnCount(t *testing.T) {
	t.Parallel()

	turns := makeTurns("one", "two", "three", "four", "five")
	got := transcript.BuildContext(turns, transcript.CaseMetadata{}, contextCfg())

	if strings.Contains(got, "one") || strings.Contains(got, "two") {
		t.Errorf("context %q includes turns beyond the window", got)
	}
	for _, want := range []string{"three", "four", "five"} {
		if !strings.Contains(got, want) {
			t.Errorf("context %q missing %q", got, want)
		}
	}
}

func TestBuildContext_TruncatesLongTurns(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("ก", 50)
	got := transcript.BuildContext(makeTurns(long), transcript.CaseMetadata{}, contextCfg())

	if !strings.Contains(got, "…") {
		t.Errorf("long turn not truncated: %q", got)
	}
	if strings.Contains(got, long) {
		t.Error("full long text should not appear in context")
	}
}

func TestBuildContext_RoleLabels(t *testing.T) {
	t.Parallel()

	turns := makeTurns("q", "a")
	got := transcript.BuildContext(turns, transcript.CaseMetadata{}, contextCfg())

	if !strings.Contains(got, "Student: q") {
		t.Errorf("missing interviewer label in %q", got)
	}
	if !strings.Contains(got, "Patient: a") {
		t.Errorf("missing patient label in %q", got)
	}
}
