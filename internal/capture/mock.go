package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
)

// ErrMockFailure is returned by a MockSource configured with FailAfter.
var ErrMockFailure = errors.New("capture: mock source failure")

// MockConfig configures a MockSource.
type MockConfig struct {
	Width  int
	Height int
	FPS    float64

	// FailAfter makes Next fail once this many frames were produced.
	// Zero means never.
	FailAfter uint64
}

// MockSource generates synthetic JPEG frames at a fixed rate.
type MockSource struct {
	cfg      MockConfig
	interval time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	mu   sync.Mutex
	next time.Time

	frames atomic.Uint64
}

// NewMockSource validates cfg and returns a ready source.
func NewMockSource(cfg MockConfig) (*MockSource, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("capture: mock resolution must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("capture: mock fps must be positive, got %.2f", cfg.FPS)
	}

	slog.Info("capture: mock source ready",
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
		"fail_after", cfg.FailAfter,
	)

	return &MockSource{
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / cfg.FPS),
		closed:   make(chan struct{}),
	}, nil
}

// Next waits for the next frame slot and returns a rendered frame. The first
// frame is produced immediately.
func (m *MockSource) Next(ctx context.Context) (*framebuffer.Frame, error) {
	if n := m.frames.Load(); m.cfg.FailAfter > 0 && n >= m.cfg.FailAfter {
		return nil, fmt.Errorf("%w after %d frames", ErrMockFailure, n)
	}

	m.mu.Lock()
	now := time.Now()
	wait := m.next.Sub(now)
	if m.next.IsZero() || wait < 0 {
		wait = 0
		m.next = now
	}
	m.next = m.next.Add(m.interval)
	m.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.closed:
			return nil, framebuffer.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case <-m.closed:
			return nil, framebuffer.ErrClosed
		default:
		}
	}

	seq := m.frames.Add(1)
	data, err := SyntheticJPEG(m.cfg.Width, m.cfg.Height, seq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}

	return &framebuffer.Frame{
		Data:      data,
		Format:    "jpeg",
		Width:     m.cfg.Width,
		Height:    m.cfg.Height,
		Timestamp: time.Now(),
		TraceID:   uuid.New().String(),
	}, nil
}

// Close is idempotent and unblocks a pending Next.
func (m *MockSource) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		slog.Debug("capture: mock source closed", "frames", m.frames.Load())
	})
	return nil
}

// Stats reports counters since construction.
func (m *MockSource) Stats() SourceStats {
	return SourceStats{Kind: "mock", Frames: m.frames.Load()}
}
