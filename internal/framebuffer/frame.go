package framebuffer

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoFrame is returned by a Source whose stream ended normally.
	ErrNoFrame = errors.New("framebuffer: no frame available")

	// ErrClosed is returned by a Source after Close.
	ErrClosed = errors.New("framebuffer: source closed")

	// ErrAlreadyStarted is returned by Start on a running buffer.
	ErrAlreadyStarted = errors.New("framebuffer: already started")
)

// Frame is one decoded video frame.
//
// IMMUTABILITY CONTRACT:
//   - Sources MUST NOT modify Data after returning the frame from Next.
//   - Readers MUST NOT modify Data (the same pointer is handed to every Read).
//
// Because frames are never mutated after publication, swapping the slot
// pointer under a mutex is enough to rule out torn reads.
type Frame struct {
	// Data holds the frame bytes in the encoding named by Format.
	Data []byte

	// Format is "jpeg" for MJPEG parts or "rgb" for decoded pixels.
	Format string

	Width  int
	Height int

	// Timestamp is when the source produced the frame.
	Timestamp time.Time

	// TraceID identifies the frame across logs.
	TraceID string

	// Seq is assigned by the Buffer on publication. Monotonically increasing
	// within one Start.
	Seq uint64
}

// Source is a pull-based frame producer.
//
// Next blocks until a frame is available, the context is cancelled or the
// source fails. Close releases the underlying connection and MUST unblock a
// pending Next. The Buffer calls Close exactly once.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}
