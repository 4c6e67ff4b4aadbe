// Command clinivox is the main entry point for the Clinivox voice
// turn-taking server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinivox/clinivox/internal/config"
	"github.com/clinivox/clinivox/internal/gateway"
	"github.com/clinivox/clinivox/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "clinivox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "clinivox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("clinivox starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "clinivox",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Gateway ───────────────────────────────────────────────────────────────
	server, err := gateway.NewServer(cfg, gateway.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise gateway", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		server.Reload(diff)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Clinivox — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEndpoint("Transcription", cfg.Transcription.BaseURL)
	printEndpoint("Dialogue", cfg.Dialogue.BaseURL)
	printFlag("Correction", cfg.Transcription.CorrectionEnabled)
	printFlag("Synthesis", cfg.Dialogue.SynthesizeReplies)
	fmt.Printf("║  Silence window  : %-19s ║\n", cfg.VAD.SilenceWindow)
	fmt.Printf("║  Hard ceiling    : %-19s ║\n", cfg.VAD.HardCeiling)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEndpoint(name, baseURL string) {
	value := baseURL
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", name, value)
}

func printFlag(name string, on bool) {
	value := "disabled"
	if on {
		value = "enabled"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
