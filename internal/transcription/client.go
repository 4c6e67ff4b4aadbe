// Package transcription implements the HTTP client for the speech
// recognition and correction backend. One finalized utterance clip goes in,
// recognized (and optionally corrected) text comes back.
//
// Backend failures that describe the audio itself — silence, too-short
// clips, unintelligible speech — are surfaced as a typed [*ServiceError]
// wrapping one of the sentinel errors, so the turn controller can render a
// specific remedy message instead of a generic failure.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/clinivox/clinivox/internal/transcript"
	"github.com/clinivox/clinivox/pkg/audio"
	"github.com/clinivox/clinivox/pkg/audio/encoding"
)

// Sentinel errors for the backend's typed audio failures. Match with
// [errors.Is]; the full backend payload is available via [*ServiceError].
var (
	// ErrSilentAudio means the backend detected no speech energy at all.
	ErrSilentAudio = errors.New("transcription: silent audio")

	// ErrAudioTooShort means the clip was below the backend's duration floor.
	ErrAudioTooShort = errors.New("transcription: audio too short")

	// ErrUnclearAudio means speech was present but could not be recognized.
	// The wrapping [*ServiceError] carries the backend's hints.
	ErrUnclearAudio = errors.New("transcription: unclear audio")
)

// ServiceError is a typed failure reported by the transcription backend.
type ServiceError struct {
	// Kind is the backend's error discriminator
	// ("silent_audio", "audio_too_short", "unclear_audio").
	Kind string

	// Message is the backend's human-readable description.
	Message string

	// Hints lists remediation suggestions; set for unclear audio only.
	Hints []string
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transcription: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("transcription: %s", e.Kind)
}

// Unwrap maps the backend discriminator onto the package sentinels.
func (e *ServiceError) Unwrap() error {
	switch e.Kind {
	case "silent_audio":
		return ErrSilentAudio
	case "audio_too_short":
		return ErrAudioTooShort
	case "unclear_audio":
		return ErrUnclearAudio
	}
	return nil
}

// Result is one successful transcription round-trip.
type Result struct {
	// Text is the final text: the corrected text when a correction was
	// applied, the raw recognition otherwise.
	Text string

	// Correction is the correction metadata, nil when the backend skipped
	// the correction pass.
	Correction *transcript.Correction

	// TranscribeTime is the recognition latency reported by the backend.
	TranscribeTime time.Duration

	// TotalTime is the full backend processing time.
	TotalTime time.Duration
}

// Recognizer is the interface the turn controller consumes. Implemented by
// [*Client]; mock implementations live in the mock subpackage.
type Recognizer interface {
	Transcribe(ctx context.Context, clip audio.Clip, convContext string) (*Result, error)
}

// Client talks to the transcription backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	correction bool
}

var _ Recognizer = (*Client)(nil)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds one transcription round-trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithCorrection toggles the backend's context-aware correction pass.
// Enabled by default.
func WithCorrection(enabled bool) Option {
	return func(c *Client) {
		c.correction = enabled
	}
}

// NewClient creates a transcription client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("transcription: base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		correction: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// wire types

type correctionPayload struct {
	WasCorrected     bool            `json:"was_corrected"`
	OriginalText     string          `json:"original_text"`
	CorrectedText    string          `json:"corrected_text"`
	Changes          []changePayload `json:"changes"`
	Confidence       float64         `json:"confidence"`
	ModelUsed        string          `json:"model_used"`
	ProcessingTimeMS int64           `json:"processing_time_ms"`
}

type changePayload struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Type      string `json:"type"`
}

type transcribeResponse struct {
	Success      bool               `json:"success"`
	Text         string             `json:"text"`
	Correction   *correctionPayload `json:"correction,omitempty"`
	TranscribeMS int64              `json:"transcribe_time_ms"`
	TotalMS      int64              `json:"total_time_ms"`

	Error   string   `json:"error,omitempty"`
	Message string   `json:"message,omitempty"`
	Hints   []string `json:"hints,omitempty"`
}

// Transcribe uploads the clip as a multipart request and returns the
// recognized text. The clip is sent under a fixed filename derived from its
// encoding ("utterance.ogg" for Opus-in-Ogg); convContext, when non-empty,
// travels alongside it for the correction pass.
func (c *Client) Transcribe(ctx context.Context, clip audio.Clip, convContext string) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	filename := "utterance." + encoding.ExtensionFor(clip.MIMEType)
	fw, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, fmt.Errorf("transcription: build multipart body: %w", err)
	}
	if _, err := fw.Write(clip.Data); err != nil {
		return nil, fmt.Errorf("transcription: build multipart body: %w", err)
	}
	if convContext != "" {
		if err := mw.WriteField("context", convContext); err != nil {
			return nil, fmt.Errorf("transcription: build multipart body: %w", err)
		}
	}
	if !c.correction {
		if err := mw.WriteField("skip_correction", "true"); err != nil {
			return nil, fmt.Errorf("transcription: build multipart body: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("transcription: build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &body)
	if err != nil {
		return nil, fmt.Errorf("transcription: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription: request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("transcription: read response: %w", err)
	}

	var tr transcribeResponse
	if err := json.Unmarshal(payload, &tr); err != nil {
		return nil, fmt.Errorf("transcription: decode response (status %d): %w", resp.StatusCode, err)
	}

	if !tr.Success {
		if tr.Error != "" {
			return nil, &ServiceError{Kind: tr.Error, Message: tr.Message, Hints: tr.Hints}
		}
		return nil, fmt.Errorf("transcription: backend returned status %d", resp.StatusCode)
	}

	res := &Result{
		Text:           tr.Text,
		TranscribeTime: time.Duration(tr.TranscribeMS) * time.Millisecond,
		TotalTime:      time.Duration(tr.TotalMS) * time.Millisecond,
	}
	if cp := tr.Correction; cp != nil {
		corr := &transcript.Correction{
			WasCorrected:   cp.WasCorrected,
			OriginalText:   cp.OriginalText,
			CorrectedText:  cp.CorrectedText,
			Confidence:     cp.Confidence,
			ModelUsed:      cp.ModelUsed,
			ProcessingTime: time.Duration(cp.ProcessingTimeMS) * time.Millisecond,
		}
		for _, ch := range cp.Changes {
			corr.Changes = append(corr.Changes, transcript.Change{
				Original:  ch.Original,
				Corrected: ch.Corrected,
				Type:      ch.Type,
			})
		}
		res.Correction = corr
		if corr.WasCorrected && corr.CorrectedText != "" {
			res.Text = corr.CorrectedText
		}
	}
	return res, nil
}
