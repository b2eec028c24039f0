// Package telemetry publishes pilot status over MQTT and accepts remote
// control commands on a companion topic.
package telemetry

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Status is a point-in-time snapshot of the pilot.
type Status struct {
	Session     string    `msgpack:"session" json:"session"`
	Timestamp   time.Time `msgpack:"ts" json:"timestamp"`
	Uptime      float64   `msgpack:"uptime_s" json:"uptime_s"`
	Command     string    `msgpack:"command" json:"command"`
	Speed       uint8     `msgpack:"speed" json:"speed"`
	Angle       uint8     `msgpack:"angle" json:"angle"`
	VideoLive   bool      `msgpack:"video_live" json:"video_live"`
	VideoError  string    `msgpack:"video_error,omitempty" json:"video_error,omitempty"`
	Frames      uint64    `msgpack:"frames" json:"frames"`
	FrameDrops  uint64    `msgpack:"frame_drops" json:"frame_drops"`
	Sent        uint64    `msgpack:"sent" json:"sent"`
	Throttled   uint64    `msgpack:"throttled" json:"throttled"`
	SendErrors  uint64    `msgpack:"send_errors" json:"send_errors"`
	KeysPressed []string  `msgpack:"keys" json:"keys"`

	// Source counters, when the video source keeps them.
	VideoSource   string `msgpack:"video_source,omitempty" json:"video_source,omitempty"`
	SourceSkipped uint64 `msgpack:"source_skipped" json:"source_skipped"`
	SourceBytes   uint64 `msgpack:"source_bytes" json:"source_bytes"`

	// VideoFailures counts lost or failed video by category
	// (network, codec, auth, unknown).
	VideoFailures map[string]uint64 `msgpack:"video_failures" json:"video_failures"`
}

// StatusFunc produces a fresh snapshot. It is called from the emitter
// goroutine and must be safe for concurrent use.
type StatusFunc func() Status

// EncodeStatus serializes s as msgpack.
func EncodeStatus(s Status) ([]byte, error) {
	b, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("telemetry: encode status: %w", err)
	}
	return b, nil
}

// DecodeStatus parses a msgpack status payload.
func DecodeStatus(b []byte) (Status, error) {
	var s Status
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return Status{}, fmt.Errorf("telemetry: decode status: %w", err)
	}
	return s, nil
}
