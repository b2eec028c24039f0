package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleSMC/ESP32-Video-Rover/internal/capture"
	"github.com/AleSMC/ESP32-Video-Rover/internal/config"
	"github.com/AleSMC/ESP32-Video-Rover/internal/core"
	"github.com/AleSMC/ESP32-Video-Rover/internal/dispatch"
	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
	"github.com/AleSMC/ESP32-Video-Rover/internal/input"
)

const (
	defaultConfigPath = "config/pilot.yaml"
	defaultLogFile    = "rover-pilot.log"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty for built-in defaults)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rover-pilot: %v\n", err)
		os.Exit(1)
	}

	// The terminal source owns stdout, so logs go to a file while it runs.
	var logOut io.Writer = os.Stdout
	logPath := cfg.Logging.File
	if logPath == "" && cfg.Input.Source == "terminal" {
		logPath = defaultLogFile
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rover-pilot: open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting rover pilot",
		"config", *configPath,
		"debug", *debug,
		"control_addr", cfg.ControlAddr(),
		"video_url", cfg.Rover.VideoURL,
	)

	if err := run(cfg); err != nil {
		slog.Error("rover pilot failed", "error", err)
		fmt.Fprintf(os.Stderr, "rover-pilot: %v\n", err)
		os.Exit(1)
	}
	slog.Info("rover pilot stopped successfully")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

func run(cfg *config.Config) error {
	transport, err := dispatch.DialUDP(cfg.ControlAddr())
	if err != nil {
		return fmt.Errorf("failed to open control link: %w", err)
	}

	opts := core.Options{
		Transport: transport,
		OpenVideo: func(ctx context.Context) (framebuffer.Source, error) {
			return capture.Open(ctx, capture.Config{
				Kind:         cfg.Video.Source,
				URL:          cfg.Rover.VideoURL,
				Width:        cfg.Video.Width,
				Height:       cfg.Video.Height,
				MockFPS:      cfg.Video.MockFPS,
				DialTimeout:  msDuration(cfg.Video.DialTimeoutMS),
				StallTimeout: msDuration(cfg.Video.StallTimeoutMS),
			})
		},
	}

	if cfg.Input.Source == "terminal" {
		term, err := input.NewTerminalSource(nil, cfg.HoldTimeout())
		if err != nil {
			transport.Close()
			return err
		}
		opts.Input = term
	}

	pilot, err := core.NewPilot(cfg, opts)
	if err != nil {
		transport.Close()
		return fmt.Errorf("failed to create pilot: %w", err)
	}

	if cfg.Health.Port != "" {
		if err := pilot.StartHealthServer(cfg.Health.Port); err != nil {
			return fmt.Errorf("failed to start health check server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- pilot.Run(ctx) // Always send, even if nil
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr == nil {
			slog.Info("pilot stopped", "reason", pilot.ExitReason())
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()

	slog.Info("shutting down gracefully", "timeout", cfg.ShutdownTimeout())
	if err := pilot.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	return runErr
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
