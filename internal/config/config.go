// Package config provides the configuration schema, loader, and hot-reload
// watcher for the Clinivox voice turn-taking engine.
package config

import "time"

// LogLevel controls log verbosity for the Clinivox server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Clinivox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Capture       CaptureConfig       `yaml:"capture"`
	VAD           VADConfig           `yaml:"vad"`
	Turn          TurnConfig          `yaml:"turn"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Dialogue      DialogueConfig      `yaml:"dialogue"`
	Context       ContextConfig       `yaml:"context"`
}

// ServerConfig holds network and logging settings for the Clinivox gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CaptureConfig holds microphone and encoder negotiation settings.
type CaptureConfig struct {
	// SampleRate is the requested capture rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the requested channel count. Default: 1.
	Channels int `yaml:"channels"`

	// Encodings is the ranked encoding candidate list. Empty means the
	// built-in default order (Opus-in-Ogg first).
	Encodings []string `yaml:"encodings"`

	// FragmentInterval is the encoder fragment emission cadence.
	// Default: 250ms.
	FragmentInterval time.Duration `yaml:"fragment_interval"`

	// MinClipBytes is the minimum finalized clip size forwarded to
	// transcription; smaller clips are rejected locally. Default: 6144.
	MinClipBytes int `yaml:"min_clip_bytes"`
}

// VADConfig holds the voice activity detection thresholds. Every value is
// deliberately named, tunable configuration: the divergent constants found
// across earlier implementations are reconciled here as defaults only, and
// the whole block is hot-reloadable through the [Watcher].
type VADConfig struct {
	// NoiseFloor is the 0–255 energy level treated as ambient noise.
	// Default: 12.
	NoiseFloor int `yaml:"noise_floor"`

	// SpeechFloor is the 0–255 energy level above which a frame counts as
	// speech. Must be greater than NoiseFloor. Default: 32.
	SpeechFloor int `yaml:"speech_floor"`

	// SilenceWindow is how long after the last speech frame silence must
	// persist before auto-stop fires. Default: 1250ms.
	SilenceWindow time.Duration `yaml:"silence_window"`

	// MinRecording is the floor below which auto-stop never fires, so a
	// leading breath or click cannot end a turn prematurely. Default: 1s.
	MinRecording time.Duration `yaml:"min_recording"`

	// HardCeiling unconditionally ends the recording regardless of detector
	// state. Default: 60s.
	HardCeiling time.Duration `yaml:"hard_ceiling"`

	// TickInterval is the detector polling cadence. Default: 16ms
	// (one display refresh at 60 Hz, matching the original loop).
	TickInterval time.Duration `yaml:"tick_interval"`

	// AnalysisWindow is the spectrum analysis window size in samples.
	// Default: 256.
	AnalysisWindow int `yaml:"analysis_window"`

	// Smoothing is the spectrum temporal smoothing factor in [0, 1).
	// Default: 0.8.
	Smoothing float64 `yaml:"smoothing"`
}

// TurnConfig holds turn controller behaviour settings.
type TurnConfig struct {
	// ErrorDisplayWindow is how long the controller stays in the error state
	// before auto-dismissing back to idle. Default: 5s.
	ErrorDisplayWindow time.Duration `yaml:"error_display_window"`
}

// TranscriptionConfig holds the transcription collaborator endpoint settings.
type TranscriptionConfig struct {
	// BaseURL is the transcription service endpoint
	// (e.g., "http://localhost:9000").
	BaseURL string `yaml:"base_url"`

	// Timeout bounds one transcription round-trip. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// CorrectionEnabled requests the context-aware correction pass.
	CorrectionEnabled bool `yaml:"correction_enabled"`
}

// DialogueConfig holds the reply-generation collaborator endpoint settings.
type DialogueConfig struct {
	// BaseURL is the dialogue service endpoint.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds one reply round-trip. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`

	// SynthesizeReplies requests synthesized audio with each reply.
	SynthesizeReplies bool `yaml:"synthesize_replies"`

	// Voice overrides the synthesis voice. Empty means auto-select.
	Voice string `yaml:"voice"`

	// SpeechRate is the synthesis speech-rate multiplier in [0.5, 2.0].
	// Zero means the service default.
	SpeechRate float64 `yaml:"speech_rate"`
}

// ContextConfig bounds the conversation context window supplied to the
// correction pass.
type ContextConfig struct {
	// MaxTurns is the number of most recent turns included. Default: 6.
	MaxTurns int `yaml:"max_turns"`

	// MaxTurnRunes caps each turn's text length in the context string.
	// Default: 200.
	MaxTurnRunes int `yaml:"max_turn_runes"`
}

// Default returns a Config populated with every default value. Loading
// starts from this baseline so an empty file yields a runnable config.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Capture: CaptureConfig{
			SampleRate:       16000,
			Channels:         1,
			FragmentInterval: 250 * time.Millisecond,
			MinClipBytes:     6144,
		},
		VAD: VADConfig{
			NoiseFloor:     12,
			SpeechFloor:    32,
			SilenceWindow:  1250 * time.Millisecond,
			MinRecording:   time.Second,
			HardCeiling:    60 * time.Second,
			TickInterval:   16 * time.Millisecond,
			AnalysisWindow: 256,
			Smoothing:      0.8,
		},
		Turn: TurnConfig{
			ErrorDisplayWindow: 5 * time.Second,
		},
		Transcription: TranscriptionConfig{
			Timeout:           30 * time.Second,
			CorrectionEnabled: true,
		},
		Dialogue: DialogueConfig{
			Timeout:           60 * time.Second,
			SynthesizeReplies: true,
		},
		Context: ContextConfig{
			MaxTurns:     6,
			MaxTurnRunes: 200,
		},
	}
}
