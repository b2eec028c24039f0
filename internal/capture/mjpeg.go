package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG for DecodeConfig
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
)

const (
	// maxFrameBytes bounds a single JPEG part. QVGA at quality 12 is ~10 KB;
	// anything this large means the stream is corrupt.
	maxFrameBytes = 4 << 20

	// maxSkippedParts is how many consecutive unusable parts Next tolerates
	// before reporting a codec failure.
	maxSkippedParts = 30

	defaultDialTimeout = 5 * time.Second
)

// MJPEGSource reads a multipart/x-mixed-replace JPEG stream over HTTP, the
// format served by the rover camera at /stream.
type MJPEGSource struct {
	url    string
	body   io.ReadCloser
	reader *multipart.Reader
	stall  time.Duration

	stalled atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	frames  atomic.Uint64
	skipped atomic.Uint64
	bytes   atomic.Uint64
}

// MJPEGOption configures Dial.
type MJPEGOption func(*mjpegOptions)

type mjpegOptions struct {
	client       *http.Client
	dialTimeout  time.Duration
	stallTimeout time.Duration
}

// WithHTTPClient overrides the HTTP client (tests use httptest clients).
func WithHTTPClient(c *http.Client) MJPEGOption {
	return func(o *mjpegOptions) { o.client = c }
}

// WithDialTimeout bounds connection setup and the wait for response headers.
func WithDialTimeout(d time.Duration) MJPEGOption {
	return func(o *mjpegOptions) { o.dialTimeout = d }
}

// WithStallTimeout fails Next when no part arrives for d. The TCP connection
// of a camera that drops off Wi-Fi can stay open with nothing on it; without
// this, Next would wait forever and the last frame would look live.
func WithStallTimeout(d time.Duration) MJPEGOption {
	return func(o *mjpegOptions) { o.stallTimeout = d }
}

// Dial connects to url and validates that it serves a multipart stream.
//
// ctx governs the whole stream lifetime, not only the connection phase;
// connection setup is bounded by the dial timeout instead.
func Dial(ctx context.Context, url string, opts ...MJPEGOption) (*MJPEGSource, error) {
	o := mjpegOptions{dialTimeout: defaultDialTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: o.dialTimeout}).DialContext,
				ResponseHeaderTimeout: o.dialTimeout,
			},
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: build request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture: connect %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: not a multipart stream (content-type %q)", ErrCodec, resp.Header.Get("Content-Type"))
	}

	slog.Info("capture: mjpeg stream connected", "url", url, "boundary", params["boundary"])

	return &MJPEGSource{
		url:    url,
		body:   resp.Body,
		reader: multipart.NewReader(resp.Body, params["boundary"]),
		stall:  o.stallTimeout,
		closed: make(chan struct{}),
	}, nil
}

// Next returns the next JPEG part. Parts that are not JPEG or do not decode
// are skipped; a run of maxSkippedParts of them is a codec failure. When a
// stall timeout is set and no part arrives in time, the stream is closed and
// Next returns a network-class ErrStalled.
func (s *MJPEGSource) Next(ctx context.Context) (*framebuffer.Frame, error) {
	select {
	case <-s.closed:
		return nil, s.translate(ctx, framebuffer.ErrClosed)
	default:
	}

	// Body reads do not observe ctx; closing the body unblocks them.
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	var watchdog *time.Timer
	if s.stall > 0 {
		watchdog = time.AfterFunc(s.stall, func() {
			s.stalled.Store(true)
			s.Close()
		})
		defer watchdog.Stop()
	}

	for skipped := 0; skipped < maxSkippedParts; skipped++ {
		data, err := s.readPart()
		if watchdog != nil && err == nil {
			watchdog.Reset(s.stall)
		}
		if err != nil {
			return nil, s.translate(ctx, err)
		}
		if data == nil {
			continue
		}

		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			s.skipped.Add(1)
			slog.Debug("capture: skipping undecodable part", "size_bytes", len(data), "error", err)
			continue
		}

		seq := s.frames.Add(1)
		s.bytes.Add(uint64(len(data)))
		frame := &framebuffer.Frame{
			Data:      data,
			Format:    "jpeg",
			Width:     cfg.Width,
			Height:    cfg.Height,
			Timestamp: time.Now(),
			TraceID:   uuid.New().String(),
		}
		slog.Debug("capture: frame received", "n", seq, "size_bytes", len(data), "trace_id", frame.TraceID)
		return frame, nil
	}

	return nil, fmt.Errorf("%w: %d consecutive unusable parts", ErrCodec, maxSkippedParts)
}

// readPart returns the body of the next part, or nil data for a part that
// should be skipped.
//
// With a Content-Length header exactly that many bytes are read, so the frame
// is returned as soon as it arrives instead of when the next boundary does.
// NextPart discards whatever is left of the part.
func (s *MJPEGSource) readPart() ([]byte, error) {
	part, err := s.reader.NextPart()
	if err != nil {
		return nil, err
	}

	if ct := part.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/jpeg") {
		s.skipped.Add(1)
		slog.Debug("capture: skipping non-jpeg part", "content_type", ct)
		return nil, nil
	}

	var data []byte
	if n, err := strconv.Atoi(part.Header.Get("Content-Length")); err == nil && n > 0 {
		if n > maxFrameBytes {
			return nil, fmt.Errorf("%w: part exceeds %d bytes", ErrCodec, maxFrameBytes)
		}
		data = make([]byte, n)
		if _, err := io.ReadFull(part, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	defer part.Close()
	data, err = io.ReadAll(io.LimitReader(part, maxFrameBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFrameBytes {
		return nil, fmt.Errorf("%w: part exceeds %d bytes", ErrCodec, maxFrameBytes)
	}
	if len(data) == 0 {
		s.skipped.Add(1)
		return nil, nil
	}
	return data, nil
}

func (s *MJPEGSource) translate(ctx context.Context, err error) error {
	if s.stalled.Load() && ctx.Err() == nil {
		return &SourceError{
			Category: CategoryNetwork,
			Err:      fmt.Errorf("%w for %s after %d frames", ErrStalled, s.stall, s.frames.Load()),
		}
	}
	select {
	case <-s.closed:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return framebuffer.ErrClosed
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: stream ended after %d frames", framebuffer.ErrNoFrame, s.frames.Load())
	}
	return fmt.Errorf("capture: read stream: %w", err)
}

// Close releases the HTTP connection. Safe to call more than once.
func (s *MJPEGSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.body.Close()
		slog.Debug("capture: mjpeg stream closed",
			"url", s.url,
			"frames", s.frames.Load(),
			"skipped", s.skipped.Load(),
		)
	})
	return s.closeErr
}

// Stats reports counters since Dial.
func (s *MJPEGSource) Stats() SourceStats {
	return SourceStats{
		Kind:      "mjpeg",
		Frames:    s.frames.Load(),
		Skipped:   s.skipped.Load(),
		BytesRead: s.bytes.Load(),
	}
}
