package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels != 1 {
		errs = append(errs, fmt.Errorf("capture.channels %d is unsupported; transcription expects mono input", cfg.Capture.Channels))
	}
	if cfg.Capture.MinClipBytes < 0 {
		errs = append(errs, fmt.Errorf("capture.min_clip_bytes %d must not be negative", cfg.Capture.MinClipBytes))
	}

	if err := validateVAD(&cfg.VAD); err != nil {
		errs = append(errs, err)
	}

	if cfg.Turn.ErrorDisplayWindow <= 0 {
		errs = append(errs, fmt.Errorf("turn.error_display_window must be positive"))
	}

	if cfg.Transcription.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("transcription.timeout must be positive"))
	}
	if cfg.Dialogue.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("dialogue.timeout must be positive"))
	}
	if r := cfg.Dialogue.SpeechRate; r != 0 && (r < 0.5 || r > 2.0) {
		errs = append(errs, fmt.Errorf("dialogue.speech_rate %.2f is out of range [0.5, 2.0]", r))
	}

	if cfg.Context.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("context.max_turns must be positive"))
	}
	if cfg.Context.MaxTurnRunes <= 0 {
		errs = append(errs, fmt.Errorf("context.max_turn_runes must be positive"))
	}

	return errors.Join(errs...)
}

// validateVAD checks the detector thresholds as a group, since their
// relationships matter as much as their individual ranges.
func validateVAD(v *VADConfig) error {
	var errs []error

	if v.NoiseFloor < 0 || v.NoiseFloor > 255 {
		errs = append(errs, fmt.Errorf("vad.noise_floor %d is out of range [0, 255]", v.NoiseFloor))
	}
	if v.SpeechFloor < 0 || v.SpeechFloor > 255 {
		errs = append(errs, fmt.Errorf("vad.speech_floor %d is out of range [0, 255]", v.SpeechFloor))
	}
	if v.SpeechFloor <= v.NoiseFloor {
		errs = append(errs, fmt.Errorf("vad.speech_floor %d must be greater than vad.noise_floor %d", v.SpeechFloor, v.NoiseFloor))
	}
	if v.SilenceWindow <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_window must be positive"))
	}
	if v.MinRecording < 0 {
		errs = append(errs, fmt.Errorf("vad.min_recording must not be negative"))
	}
	if v.HardCeiling <= 0 {
		errs = append(errs, fmt.Errorf("vad.hard_ceiling must be positive"))
	}
	if v.HardCeiling <= v.MinRecording {
		errs = append(errs, fmt.Errorf("vad.hard_ceiling %v must exceed vad.min_recording %v", v.HardCeiling, v.MinRecording))
	}
	if v.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("vad.tick_interval must be positive"))
	}
	if v.AnalysisWindow <= 0 {
		errs = append(errs, fmt.Errorf("vad.analysis_window must be positive"))
	}
	if v.Smoothing < 0 || v.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("vad.smoothing %.2f is out of range [0, 1)", v.Smoothing))
	}

	return errors.Join(errs...)
}
