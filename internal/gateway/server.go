package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/clinivox/clinivox/internal/capture"
	"github.com/clinivox/clinivox/internal/config"
	"github.com/clinivox/clinivox/internal/dialogue"
	"github.com/clinivox/clinivox/internal/health"
	"github.com/clinivox/clinivox/internal/observe"
	"github.com/clinivox/clinivox/internal/playback"
	"github.com/clinivox/clinivox/internal/resilience"
	"github.com/clinivox/clinivox/internal/transcript"
	"github.com/clinivox/clinivox/internal/transcription"
	"github.com/clinivox/clinivox/internal/turn"
	"github.com/clinivox/clinivox/internal/vad"
	"github.com/clinivox/clinivox/pkg/audio"
	"github.com/clinivox/clinivox/pkg/audio/encoding"
	"github.com/clinivox/clinivox/pkg/audio/spectrum"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Server hosts the websocket session endpoint plus the health and metrics
// surface.
type Server struct {
	cfg        *config.Config
	log        *slog.Logger
	metrics    *observe.Metrics
	recognizer transcription.Recognizer
	responder  dialogue.Responder
	caseMeta   transcript.CaseMetadata

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithMetrics sets the observability instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRecognizer overrides the transcription backend client.
func WithRecognizer(r transcription.Recognizer) ServerOption {
	return func(s *Server) {
		s.recognizer = r
	}
}

// WithResponder overrides the reply-generation backend client.
func WithResponder(r dialogue.Responder) ServerOption {
	return func(s *Server) {
		s.responder = r
	}
}

// WithCaseMetadata sets the clinical case metadata supplied to every
// session's correction context.
func WithCaseMetadata(meta transcript.CaseMetadata) ServerOption {
	return func(s *Server) {
		s.caseMeta = meta
	}
}

// NewServer creates a gateway server from the given configuration. The
// transcription and dialogue clients are built from the config unless
// overridden by options.
func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		log:      slog.Default(),
		sessions: map[*session]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.recognizer == nil {
		c, err := transcription.NewClient(cfg.Transcription.BaseURL,
			transcription.WithTimeout(cfg.Transcription.Timeout),
			transcription.WithCorrection(cfg.Transcription.CorrectionEnabled),
		)
		if err != nil {
			return nil, fmt.Errorf("gateway: transcription client: %w", err)
		}
		s.recognizer = resilience.NewRecognizer(c, resilience.Config{Logger: s.log})
	}
	if s.responder == nil {
		c, err := dialogue.NewClient(cfg.Dialogue.BaseURL,
			dialogue.WithTimeout(cfg.Dialogue.Timeout),
			dialogue.WithSynthesis(cfg.Dialogue.SynthesizeReplies),
			dialogue.WithVoice(cfg.Dialogue.Voice),
			dialogue.WithSpeechRate(cfg.Dialogue.SpeechRate),
		)
		if err != nil {
			return nil, fmt.Errorf("gateway: dialogue client: %w", err)
		}
		s.responder = resilience.NewResponder(c, resilience.Config{Logger: s.log})
	}
	return s, nil
}

// Handler returns the full HTTP surface: the websocket session endpoint,
// liveness and readiness probes, and the Prometheus scrape endpoint, all
// wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.handleSession)

	checkers := []health.Checker{}
	if s.cfg.Transcription.BaseURL != "" {
		checkers = append(checkers, health.Backend("transcription", s.cfg.Transcription.BaseURL, nil))
	}
	if s.cfg.Dialogue.BaseURL != "" {
		checkers = append(checkers, health.Backend("dialogue", s.cfg.Dialogue.BaseURL, nil))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("/metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// handleSession upgrades the connection and runs one interview session until
// the client disconnects.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser clients connect cross-origin during development.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	// The engine ships PCM and Ogg pages; message sizes exceed the default
	// read limit.
	conn.SetReadLimit(1 << 20)

	ctx := r.Context()
	sess := &session{
		conn: conn,
		ctx:  ctx,
		log:  s.log.With("remote", r.RemoteAddr),
	}
	sess.controller = s.newController(sess)

	s.addSession(sess)
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("session connected", "remote", r.RemoteAddr)

	defer func() {
		sess.close()
		s.removeSession(sess)
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		conn.Close(websocket.StatusNormalClosure, "session closed")
		s.log.Info("session disconnected", "remote", r.RemoteAddr)
	}()

	if err := sess.readLoop(); err != nil && websocket.CloseStatus(err) == -1 {
		s.log.Debug("session read loop ended", "error", err)
	}
}

// newController wires one session's capture, detection, playback, and
// backends into a turn controller.
func (s *Server) newController(sess *session) *turn.Controller {
	cfg := s.cfg
	captureCfg := audio.CaptureConfig{
		SampleRate:       cfg.Capture.SampleRate,
		Channels:         cfg.Capture.Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
	candidates := cfg.Capture.Encodings
	if len(candidates) == 0 {
		candidates = encoding.DefaultCandidates
	}
	recorder := capture.NewRecorder(&remoteDevice{s: sess},
		capture.WithCaptureConfig(captureCfg),
		capture.WithCandidates(candidates),
		capture.WithFragmentInterval(cfg.Capture.FragmentInterval),
		capture.WithAnalyzerFactory(func() audio.Analyzer {
			return spectrum.New(spectrum.Config{
				WindowSize: cfg.VAD.AnalysisWindow,
				Smoothing:  cfg.VAD.Smoothing,
			})
		}),
		capture.WithLogger(s.log),
	)
	player := playback.NewPlayer(&remoteSink{s: sess}, playback.WithLogger(s.log))

	return turn.NewController(recorder, s.recognizer, s.responder, player,
		transcript.NewLog(),
		turn.WithLogger(s.log),
		turn.WithMetrics(s.metrics),
		turn.WithNotify(sess.onEvent),
		turn.WithVADConfig(vadConfig(cfg.VAD)),
		turn.WithContextConfig(transcript.ContextConfig{
			MaxTurns:     cfg.Context.MaxTurns,
			MaxTurnRunes: cfg.Context.MaxTurnRunes,
		}),
		turn.WithCaseMetadata(s.caseMeta),
		turn.WithHardCeiling(cfg.VAD.HardCeiling),
		turn.WithErrorWindow(cfg.Turn.ErrorDisplayWindow),
		turn.WithMinClipBytes(cfg.Capture.MinClipBytes),
	)
}

// Reload applies a configuration change to every live session. Only the
// hot-reloadable sections take effect; the rest need a restart.
func (s *Server) Reload(diff config.ConfigDiff) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if diff.VADChanged {
			sess.controller.SetVADConfig(vadConfig(diff.NewVAD))
		}
		if diff.ContextChanged {
			sess.controller.SetContextConfig(transcript.ContextConfig{
				MaxTurns:     diff.NewContext.MaxTurns,
				MaxTurnRunes: diff.NewContext.MaxTurnRunes,
			})
		}
	}
	if diff.VADChanged {
		s.log.Info("detection thresholds reloaded",
			"sessions", len(sessions),
			"speech_floor", diff.NewVAD.SpeechFloor,
			"silence_window", diff.NewVAD.SilenceWindow,
		)
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// vadConfig maps the configuration schema onto the detector's thresholds.
func vadConfig(cfg config.VADConfig) vad.Config {
	return vad.Config{
		NoiseFloor:    cfg.NoiseFloor,
		SpeechFloor:   cfg.SpeechFloor,
		SilenceWindow: cfg.SilenceWindow,
		MinRecording:  cfg.MinRecording,
		TickInterval:  cfg.TickInterval,
	}
}
