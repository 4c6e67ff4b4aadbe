// Package dialogue implements the HTTP client for the reply-generation
// backend: it submits one conversational turn and returns the simulated
// patient's reply, optionally with synthesized speech.
package dialogue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clinivox/clinivox/internal/transcript"
)

// ReplyAudio is the synthesized speech accompanying a reply. The payload
// arrives base64-encoded and is decoded exactly once, here, so downstream
// consumers only ever see raw bytes.
type ReplyAudio struct {
	// Data is the decoded audio payload.
	Data []byte

	// MIMEType labels the payload encoding.
	MIMEType string

	// VoiceID identifies the synthesis voice used.
	VoiceID string

	// AutoSelected reports whether the backend chose the voice itself.
	AutoSelected bool

	// SpeakerRole labels who is speaking (e.g., "patient", "caregiver").
	SpeakerRole string

	// ChildPatient reports a pediatric case, where a caregiver persona
	// speaks in place of the patient.
	ChildPatient bool
}

// Reply is one reply-generation round-trip.
type Reply struct {
	// Text is the reply content.
	Text string

	// Usage holds the generation token counters.
	Usage transcript.TokenUsage

	// Audio is the synthesized speech, nil when synthesis was not requested
	// or the backend produced none.
	Audio *ReplyAudio
}

// Responder is the interface the turn controller consumes. Implemented by
// [*Client]; mock implementations live in the mock subpackage.
type Responder interface {
	Submit(ctx context.Context, text string) (*Reply, error)
}

// Client talks to the reply-generation backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	withAudio  bool
	voice      string
	speechRate float64
}

var _ Responder = (*Client)(nil)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds one reply round-trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithSynthesis toggles synthesized audio in replies. Enabled by default.
func WithSynthesis(enabled bool) Option {
	return func(c *Client) {
		c.withAudio = enabled
	}
}

// WithVoice overrides the synthesis voice. Empty means auto-select.
func WithVoice(voice string) Option {
	return func(c *Client) {
		c.voice = voice
	}
}

// WithSpeechRate sets the synthesis speech-rate multiplier. Zero means the
// backend default.
func WithSpeechRate(rate float64) Option {
	return func(c *Client) {
		c.speechRate = rate
	}
}

// NewClient creates a dialogue client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("dialogue: base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		withAudio:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// wire types

type submitRequest struct {
	Text       string  `json:"text"`
	WithAudio  bool    `json:"with_audio"`
	Voice      string  `json:"voice,omitempty"`
	SpeechRate float64 `json:"speech_rate,omitempty"`
}

type audioPayload struct {
	Data           string `json:"data"`
	MIMEType       string `json:"mime_type"`
	VoiceID        string `json:"voice_id"`
	AutoSelected   bool   `json:"auto_selected"`
	SpeakerRole    string `json:"speaker_role"`
	IsChildPatient bool   `json:"is_child_patient"`
}

type submitResponse struct {
	Reply        string        `json:"reply"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalTokens  int           `json:"total_tokens"`
	Audio        *audioPayload `json:"audio,omitempty"`

	Error string `json:"error,omitempty"`
}

// Submit sends one turn of interviewer text and returns the patient reply.
// The synthesized audio payload, when present, is base64-decoded before
// return; a payload that fails to decode is an error for the whole call.
func (c *Client) Submit(ctx context.Context, text string) (*Reply, error) {
	reqBody, err := json.Marshal(submitRequest{
		Text:       text,
		WithAudio:  c.withAudio,
		Voice:      c.voice,
		SpeechRate: c.speechRate,
	})
	if err != nil {
		return nil, fmt.Errorf("dialogue: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/turns", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("dialogue: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dialogue: request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("dialogue: read response: %w", err)
	}

	var sr submitResponse
	if err := json.Unmarshal(payload, &sr); err != nil {
		return nil, fmt.Errorf("dialogue: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if sr.Error != "" {
			return nil, fmt.Errorf("dialogue: backend error: %s", sr.Error)
		}
		return nil, fmt.Errorf("dialogue: backend returned status %d", resp.StatusCode)
	}

	reply := &Reply{
		Text: sr.Reply,
		Usage: transcript.TokenUsage{
			InputTokens:  sr.InputTokens,
			OutputTokens: sr.OutputTokens,
			TotalTokens:  sr.TotalTokens,
		},
	}
	if ap := sr.Audio; ap != nil {
		data, err := base64.StdEncoding.DecodeString(ap.Data)
		if err != nil {
			return nil, fmt.Errorf("dialogue: decode audio payload: %w", err)
		}
		mime := ap.MIMEType
		if mime == "" {
			mime = "audio/mpeg"
		}
		reply.Audio = &ReplyAudio{
			Data:         data,
			MIMEType:     mime,
			VoiceID:      ap.VoiceID,
			AutoSelected: ap.AutoSelected,
			SpeakerRole:  ap.SpeakerRole,
			ChildPatient: ap.IsChildPatient,
		}
	}
	return reply, nil
}
