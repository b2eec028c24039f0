// Package capture provides frame sources for the rover video feed.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
)

// Source kinds accepted by Open.
const (
	KindMJPEG     = "mjpeg"
	KindGStreamer = "gstreamer"
	KindMock      = "mock"
)

// SourceStats is a counter snapshot common to all sources.
type SourceStats struct {
	Kind      string `json:"kind"`
	Frames    uint64 `json:"frames"`
	Skipped   uint64 `json:"skipped"`
	BytesRead uint64 `json:"bytes_read"`
}

// Config selects and configures a frame source.
type Config struct {
	Kind        string
	URL         string
	Width       int
	Height      int
	MockFPS     float64
	DialTimeout time.Duration

	// StallTimeout fails a network source that delivers no frame for this
	// long. Zero disables it.
	StallTimeout time.Duration
}

// Open creates the source named by cfg.Kind. Network sources connect before
// returning, so an unreachable camera surfaces here.
func Open(ctx context.Context, cfg Config) (framebuffer.Source, error) {
	var (
		src framebuffer.Source
		err error
	)

	switch cfg.Kind {
	case KindMJPEG, "":
		var opts []MJPEGOption
		if cfg.DialTimeout > 0 {
			opts = append(opts, WithDialTimeout(cfg.DialTimeout))
		}
		if cfg.StallTimeout > 0 {
			opts = append(opts, WithStallTimeout(cfg.StallTimeout))
		}
		src, err = Dial(ctx, cfg.URL, opts...)

	case KindGStreamer:
		src, err = NewGStreamerSource(GStreamerConfig{
			URL:          cfg.URL,
			Width:        cfg.Width,
			Height:       cfg.Height,
			StallTimeout: cfg.StallTimeout,
		})

	case KindMock:
		src, err = NewMockSource(MockConfig{
			Width:  cfg.Width,
			Height: cfg.Height,
			FPS:    cfg.MockFPS,
		})

	default:
		return nil, fmt.Errorf("capture: unknown source kind %q", cfg.Kind)
	}

	// Avoid handing back a typed nil inside the interface.
	if err != nil {
		return nil, err
	}
	return src, nil
}
