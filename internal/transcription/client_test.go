package transcription_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clinivox/clinivox/internal/transcription"
	"github.com/clinivox/clinivox/pkg/audio"
)

func testClip() audio.Clip {
	return audio.Clip{Data: []byte("OggS fake payload"), MIMEType: "audio/ogg;codecs=opus"}
}

func TestClient_TranscribeSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" {
			t.Errorf("path = %q, want /transcribe", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		fh := r.MultipartForm.File["audio"]
		if len(fh) != 1 || fh[0].Filename != "utterance.ogg" {
			t.Errorf("audio part = %+v, want one file named utterance.ogg", fh)
		}
		if got := r.FormValue("context"); got != "Student: hello" {
			t.Errorf("context field = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"success": true,
			"text": "ปวดหัวตังแต่เมื่อคืน",
			"correction": {
				"was_corrected": true,
				"original_text": "ปวดหัวตังแต่เมื่อคืน",
				"corrected_text": "ปวดหัวตั้งแต่เมื่อคืน",
				"changes": [{"original": "ตังแต่", "corrected": "ตั้งแต่", "type": "spelling"}],
				"confidence": 0.93,
				"model_used": "typhoon-correct",
				"processing_time_ms": 120
			},
			"transcribe_time_ms": 800,
			"total_time_ms": 950
		}`)
	}))
	defer srv.Close()

	c, err := transcription.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	res, err := c.Transcribe(context.Background(), testClip(), "Student: hello")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "ปวดหัวตั้งแต่เมื่อคืน" {
		t.Errorf("Text = %q, want the corrected text", res.Text)
	}
	if res.Correction == nil || !res.Correction.WasCorrected {
		t.Fatalf("Correction = %+v, want applied correction", res.Correction)
	}
	if len(res.Correction.Changes) != 1 || res.Correction.Changes[0].Type != "spelling" {
		t.Errorf("Changes = %+v", res.Correction.Changes)
	}
	if res.Correction.ProcessingTime != 120*time.Millisecond {
		t.Errorf("ProcessingTime = %v", res.Correction.ProcessingTime)
	}
	if res.TotalTime != 950*time.Millisecond {
		t.Errorf("TotalTime = %v", res.TotalTime)
	}
}

func TestClient_TranscribeSkipCorrectionFlag(t *testing.T) {
	t.Parallel()

	var skip string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		skip = r.FormValue("skip_correction")
		io.WriteString(w, `{"success": true, "text": "ok"}`)
	}))
	defer srv.Close()

	c, err := transcription.NewClient(srv.URL, transcription.WithCorrection(false))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Transcribe(context.Background(), testClip(), ""); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if skip != "true" {
		t.Errorf("skip_correction = %q, want true", skip)
	}
}

func TestClient_TranscribeTypedFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want error
	}{
		{
			name: "silent audio",
			body: `{"success": false, "error": "silent_audio", "message": "no speech detected"}`,
			want: transcription.ErrSilentAudio,
		},
		{
			name: "audio too short",
			body: `{"success": false, "error": "audio_too_short", "message": "clip below minimum duration"}`,
			want: transcription.ErrAudioTooShort,
		},
		{
			name: "unclear audio",
			body: `{"success": false, "error": "unclear_audio", "message": "could not recognize speech", "hints": ["speak closer to the microphone"]}`,
			want: transcription.ErrUnclearAudio,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			c, err := transcription.NewClient(srv.URL)
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			_, err = c.Transcribe(context.Background(), testClip(), "")
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}

			var se *transcription.ServiceError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *ServiceError", err)
			}
			if se.Message == "" {
				t.Error("ServiceError.Message is empty")
			}
			if tc.want == transcription.ErrUnclearAudio && len(se.Hints) == 0 {
				t.Error("unclear audio error carries no hints")
			}
		})
	}
}

func TestClient_TranscribeTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c, err := transcription.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Transcribe(ctx, testClip(), "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := transcription.NewClient(""); err == nil {
		t.Fatal("NewClient with empty base URL did not error")
	}
}
