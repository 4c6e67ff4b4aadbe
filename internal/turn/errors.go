package turn

import (
	"context"
	"errors"

	"github.com/clinivox/clinivox/internal/capture"
	"github.com/clinivox/clinivox/internal/resilience"
	"github.com/clinivox/clinivox/internal/transcription"
	"github.com/clinivox/clinivox/pkg/audio"
)

// Error codes surfaced to clients. Each maps to a specific remedy message so
// the UI never shows a generic failure for a distinguishable cause.
const (
	CodePermissionDenied    = "microphone_permission_denied"
	CodeDeviceNotFound      = "microphone_not_found"
	CodeDeviceBusy          = "microphone_busy"
	CodeUnsupportedEncoding = "unsupported_encoding"
	CodeSessionActive       = "recording_in_progress"
	CodeClipTooShort        = "clip_too_short"
	CodeSilentAudio         = "silent_audio"
	CodeAudioTooShort       = "audio_too_short"
	CodeUnclearAudio        = "unclear_audio"
	CodeBackendUnavailable  = "backend_unavailable"
	CodeTimeout             = "request_timeout"
	CodeCanceled            = "request_canceled"
	CodeNetwork             = "network_error"
)

// Classify maps a voice-path failure onto its presentable [ErrorInfo].
func Classify(err error) ErrorInfo {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return ErrorInfo{
			Code:    CodePermissionDenied,
			Message: "Microphone access was denied. Allow microphone use and try again.",
		}
	case errors.Is(err, audio.ErrDeviceNotFound):
		return ErrorInfo{
			Code:    CodeDeviceNotFound,
			Message: "No microphone was found. Connect one and try again.",
		}
	case errors.Is(err, audio.ErrDeviceBusy):
		return ErrorInfo{
			Code:    CodeDeviceBusy,
			Message: "The microphone is in use by another application. Close it and try again.",
		}
	case errors.Is(err, audio.ErrUnsupportedEncoding):
		return ErrorInfo{
			Code:    CodeUnsupportedEncoding,
			Message: "No supported audio encoding is available on this device.",
		}
	case errors.Is(err, capture.ErrSessionActive):
		return ErrorInfo{
			Code:    CodeSessionActive,
			Message: "A recording is already in progress.",
		}
	case errors.Is(err, ErrClipTooShort):
		return ErrorInfo{
			Code:    CodeClipTooShort,
			Message: "The recording was too short. Hold the button and speak for at least a second.",
		}
	case errors.Is(err, transcription.ErrSilentAudio):
		return withBackendDetail(err, ErrorInfo{
			Code:    CodeSilentAudio,
			Message: "No speech was detected. Check your microphone level and try again.",
		})
	case errors.Is(err, transcription.ErrAudioTooShort):
		return withBackendDetail(err, ErrorInfo{
			Code:    CodeAudioTooShort,
			Message: "The recording was too short to transcribe. Try a longer utterance.",
		})
	case errors.Is(err, transcription.ErrUnclearAudio):
		return withBackendDetail(err, ErrorInfo{
			Code:    CodeUnclearAudio,
			Message: "The speech could not be understood. Speak clearly and try again.",
		})
	case errors.Is(err, resilience.ErrOpen):
		return ErrorInfo{
			Code:    CodeBackendUnavailable,
			Message: "The service is temporarily unavailable. Wait a moment and try again.",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorInfo{
			Code:    CodeTimeout,
			Message: "The request timed out. Try again.",
		}
	case errors.Is(err, context.Canceled):
		return ErrorInfo{
			Code:    CodeCanceled,
			Message: "The request was canceled.",
		}
	}
	return ErrorInfo{
		Code:    CodeNetwork,
		Message: "The request failed. Check your connection and try again.",
	}
}

// withBackendDetail copies the backend's hints onto the presentable error.
func withBackendDetail(err error, info ErrorInfo) ErrorInfo {
	var se *transcription.ServiceError
	if errors.As(err, &se) {
		info.Hints = se.Hints
	}
	return info
}
