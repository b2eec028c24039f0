package rover

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/AleSMC/ESP32-Video-Rover/internal/capture"
)

// StreamBoundary is the multipart boundary used by the camera firmware.
const StreamBoundary = "123456789000000000000987654321"

// StreamHandler serves a multipart/x-mixed-replace MJPEG stream of
// synthetic frames, framed the same way as the camera endpoint.
type StreamHandler struct {
	Width, Height int
	Interval      time.Duration
	MaxFrames     int // 0 streams until the client disconnects

	clients atomic.Int64
	frames  atomic.Uint64
}

// NewStreamHandler creates a QVGA-sized handler at fps frames per second.
func NewStreamHandler(width, height, fps int) *StreamHandler {
	if fps <= 0 {
		fps = 15
	}
	return &StreamHandler{
		Width:    width,
		Height:   height,
		Interval: time.Second / time.Duration(fps),
	}
}

// Clients returns the number of connected viewers.
func (h *StreamHandler) Clients() int64 { return h.clients.Load() }

// Frames returns the total number of frames written.
func (h *StreamHandler) Frames() uint64 { return h.frames.Load() }

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h.clients.Add(1)
	defer h.clients.Add(-1)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary="+StreamBoundary)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	slog.Info("rover: stream client connected", "remote", r.RemoteAddr)
	defer slog.Info("rover: stream client disconnected", "remote", r.RemoteAddr)

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for seq := uint64(0); h.MaxFrames == 0 || seq < uint64(h.MaxFrames); seq++ {
		jpg, err := capture.SyntheticJPEG(h.Width, h.Height, seq)
		if err != nil {
			slog.Error("rover: frame encode failed", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "\r\n--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", StreamBoundary, len(jpg)); err != nil {
			return
		}
		if _, err := w.Write(jpg); err != nil {
			return
		}
		flusher.Flush()
		h.frames.Add(1)

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
	fmt.Fprintf(w, "\r\n--%s--\r\n", StreamBoundary)
}
