package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleSMC/ESP32-Video-Rover/internal/config"
	"github.com/AleSMC/ESP32-Video-Rover/internal/rover"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (empty for built-in defaults)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	} else if err := config.Validate(cfg); err != nil {
		slog.Error("invalid default config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("rover emulator failed", "error", err)
		os.Exit(1)
	}
	slog.Info("rover emulator stopped")
}

func run(cfg *config.Config) error {
	receiver, err := rover.NewReceiver(rover.ReceiverConfig{
		Failsafe:       time.Duration(cfg.Sim.FailsafeMS) * time.Millisecond,
		SteeringMin:    cfg.Sim.SteeringMin,
		SteeringMax:    cfg.Sim.SteeringMax,
		SteeringCenter: cfg.Calibration.Steering.Center,
		Deadband:       cfg.Sim.Deadband,
	}, rover.LogActuator{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	stream := rover.NewStreamHandler(cfg.Video.Width, cfg.Video.Height, cfg.Sim.StreamFPS)
	mux := http.NewServeMux()
	mux.Handle("/stream", stream)
	server := &http.Server{
		Addr:        cfg.Sim.StreamAddr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("camera stream listening", "addr", cfg.Sim.StreamAddr, "path", "/stream")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("camera server: %w", err)
		}
	}()
	go func() {
		errChan <- receiver.ListenAndServe(ctx, cfg.Sim.ListenAddr)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case runErr = <-errChan:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("camera server shutdown", "error", err)
	}

	stats := receiver.Stats()
	slog.Info("receiver summary",
		"packets", stats.Packets,
		"ignored", stats.Ignored,
		"motor_writes", stats.MotorWrites,
		"servo_writes", stats.ServoWrites,
		"failsafes", stats.Failsafes,
		"stream_frames", stream.Frames(),
	)
	return runErr
}
