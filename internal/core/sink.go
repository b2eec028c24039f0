package core

import (
	"log/slog"
	"sync/atomic"

	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
)

// FrameSink receives the buffer's current frame once per control tick.
// Consume is called from the foreground loop and must not block.
type FrameSink interface {
	Consume(frame *framebuffer.Frame, live bool)
}

// NullSink discards frames. It counts distinct frames and logs transitions
// between live video and no signal.
type NullSink struct {
	frames  atomic.Uint64
	lastSeq uint64
	seen    bool
	live    bool
}

func (n *NullSink) Consume(frame *framebuffer.Frame, live bool) {
	if !n.seen || live != n.live {
		if live {
			slog.Info("core: video live", "width", frame.Width, "height", frame.Height)
		} else {
			slog.Warn("core: no video signal")
		}
		n.seen = true
		n.live = live
	}

	if live && frame.Seq != n.lastSeq {
		n.lastSeq = frame.Seq
		n.frames.Add(1)
	}
}

// Frames returns the number of distinct frames consumed.
func (n *NullSink) Frames() uint64 { return n.frames.Load() }
