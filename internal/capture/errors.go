package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
)

// Category is the classification of a frame source failure for telemetry.
type Category int

const (
	// CategoryNetwork covers connection, timeout and DNS failures.
	CategoryNetwork Category = iota
	// CategoryCodec covers malformed parts and decode failures.
	CategoryCodec
	// CategoryAuth covers rejected credentials (proxied cameras).
	CategoryAuth
	// CategoryUnknown is everything else.
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	case CategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var (
	// ErrCodec marks a frame the source could not parse.
	ErrCodec = errors.New("capture: invalid frame")

	// ErrStalled marks a connected stream that stopped delivering frames.
	ErrStalled = errors.New("capture: no frame received")
)

// StatusError is returned when the camera answers with a non-200 status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("capture: unexpected http status %s", e.Status)
}

// SourceError wraps a pipeline failure with its category.
type SourceError struct {
	Category Category
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("capture: %s error: %v", e.Category, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Classify maps a source error to a Category.
//
// Typed errors are checked first, then the message is matched against
// keyword lists (GStreamer errors carry no structured domain).
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var se *SourceError
	if errors.As(err, &se) {
		return se.Category
	}
	var status *StatusError
	if errors.As(err, &status) {
		if status.Code == 401 || status.Code == 403 {
			return CategoryAuth
		}
		return CategoryNetwork
	}
	if errors.Is(err, ErrCodec) {
		return CategoryCodec
	}
	if errors.Is(err, framebuffer.ErrNoFrame) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}

	return classifyMessage(err.Error())
}

var (
	authKeywords = []string{"unauthorized", "401", "403", "forbidden", "authentication", "credentials"}

	codecKeywords = []string{
		"codec", "decode", "format", "negotiation", "caps", "mjpeg", "jpeg",
		"not negotiated", "no decoder", "missing plugin", "multipart",
	}

	networkKeywords = []string{
		"connection", "timeout", "unreachable", "network", "dns", "resolve",
		"socket", "tcp", "not found", "could not connect", "failed to connect",
		"eof", "reset by peer", "broken pipe", "souphttpsrc",
	}
)

func classifyMessage(msg string) Category {
	msg = strings.ToLower(msg)
	switch {
	case containsAny(msg, authKeywords):
		return CategoryAuth
	case containsAny(msg, codecKeywords):
		return CategoryCodec
	case containsAny(msg, networkKeywords):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
