package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleSMC/ESP32-Video-Rover/internal/config"
)

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	MaxRetries    int           // Maximum number of reconnection attempts (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// reconnectConfigFrom converts the YAML section.
func reconnectConfigFrom(c config.ReconnectConfig) ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    c.MaxRetries,
		RetryDelay:    time.Duration(c.InitialDelayMS) * time.Millisecond,
		MaxRetryDelay: time.Duration(c.MaxDelayMS) * time.Millisecond,
	}
}

// ReconnectState tracks the current state of reconnection attempts
type ReconnectState struct {
	CurrentRetries int
	Reconnects     atomic.Uint32 // total failed attempts, for health reporting
}

// ConnectFunc is a function that attempts to establish a connection
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect calls connectFn until it succeeds, waiting with
// exponential backoff between failures.
//
// Backoff schedule with a 1s initial delay: 1s, 2s, 4s, 8s, 16s, then stop.
//
// Returns an error if max retries are exceeded or context is cancelled.
func RunWithReconnect(ctx context.Context, connectFn ConnectFunc, cfg ReconnectConfig, state *ReconnectState) error {
	for {
		select {
		case <-ctx.Done():
			slog.Info("core: context cancelled, stopping reconnection")
			return ctx.Err()
		default:
		}

		err := connectFn(ctx)
		if err == nil {
			state.CurrentRetries = 0
			slog.Info("core: video reconnected")
			return nil
		}

		slog.Error("core: video reconnect failed", "error", err)

		state.CurrentRetries++
		state.Reconnects.Add(1)

		if state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("core: max retries exceeded (%d attempts)", cfg.MaxRetries)
		}

		delay := calculateBackoff(state.CurrentRetries, cfg)

		slog.Warn("core: retrying video connection",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			slog.Info("core: context cancelled during backoff")
			return ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at
// maxRetryDelay.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
