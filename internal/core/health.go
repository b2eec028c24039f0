package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleSMC/ESP32-Video-Rover/internal/capture"
	"github.com/AleSMC/ESP32-Video-Rover/internal/dispatch"
	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
	"github.com/AleSMC/ESP32-Video-Rover/internal/telemetry"
)

// HealthStatus represents the health state of the pilot
type HealthStatus struct {
	Status        string                  `json:"status"` // "healthy", "degraded", "unhealthy"
	Session       string                  `json:"session"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	VideoLive     bool                    `json:"video_live"`
	MQTTConnected bool                    `json:"mqtt_connected"`
	LastCommand   string                  `json:"last_command"`
	Reconnects    uint32                  `json:"video_reconnects"`
	Dispatcher    dispatch.Stats          `json:"dispatcher"`
	Video         framebuffer.Stats       `json:"video"`
	Source        *capture.SourceStats    `json:"source,omitempty"`
	VideoFailures map[string]uint64       `json:"video_failures"`
	Telemetry     *telemetry.EmitterStats `json:"telemetry,omitempty"`
}

// HealthCheck returns the current health status of the pilot
func (p *Pilot) HealthCheck() HealthStatus {
	p.mu.RLock()
	started := p.started
	cmd := p.lastCmd
	p.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		Session:       p.session,
		LastCommand:   cmd.String(),
		Reconnects:    p.reconnect.Reconnects.Load(),
		Dispatcher:    p.dispatcher.Stats(),
		Video:         p.buffer.Stats(),
		VideoFailures: p.failures.snapshot(),
	}
	if ss, ok := p.sourceStats(); ok {
		status.Source = &ss
	}
	if !started.IsZero() {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	status.VideoLive = status.Video.Live

	if p.emitter != nil {
		es := p.emitter.Stats()
		status.Telemetry = &es
		status.MQTTConnected = es.Connected
	}

	running := p.running.Load()
	if !running {
		status.Status = "unhealthy"
	} else if !status.VideoLive || (p.emitter != nil && !status.MQTTConnected) {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (p *Pilot) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": p.HealthCheck().UptimeSeconds,
	})
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check).
// Degraded still answers 200: the rover can be driven without video.
func (p *Pilot) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := p.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics with plain-text counters.
func (p *Pilot) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	h := p.HealthCheck()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	live := 0
	if h.VideoLive {
		live = 1
	}
	fmt.Fprintf(w, "rover_pilot_uptime_seconds %d\n", h.UptimeSeconds)
	fmt.Fprintf(w, "rover_pilot_commands_sent_total %d\n", h.Dispatcher.Sent)
	fmt.Fprintf(w, "rover_pilot_commands_throttled_total %d\n", h.Dispatcher.Throttled)
	fmt.Fprintf(w, "rover_pilot_send_errors_total %d\n", h.Dispatcher.SendErrors)
	fmt.Fprintf(w, "rover_pilot_stop_packets_total %d\n", h.Dispatcher.StopPackets)
	fmt.Fprintf(w, "rover_pilot_video_live %d\n", live)
	fmt.Fprintf(w, "rover_pilot_video_frames_total %d\n", h.Video.Frames)
	fmt.Fprintf(w, "rover_pilot_video_drops_total %d\n", h.Video.Drops)
	fmt.Fprintf(w, "rover_pilot_video_reconnects_total %d\n", h.Reconnects)
	for _, c := range videoCategories {
		fmt.Fprintf(w, "rover_pilot_video_failures_total{category=%q} %d\n", c.String(), h.VideoFailures[c.String()])
	}
	if h.Source != nil {
		fmt.Fprintf(w, "rover_pilot_video_source_bytes_total %d\n", h.Source.BytesRead)
		fmt.Fprintf(w, "rover_pilot_video_source_skipped_total %d\n", h.Source.Skipped)
	}
}

// Handler returns the health mux.
func (p *Pilot) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.LivenessHandler)
	mux.HandleFunc("/readiness", p.ReadinessHandler)
	mux.HandleFunc("/metrics", p.MetricsHandler)
	return mux
}

// StartHealthServer starts the HTTP health check server on the given port.
// It does not block; Shutdown closes it.
func (p *Pilot) StartHealthServer(port string) error {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      p.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("core: starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	p.mu.Lock()
	p.health = server
	p.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("core: health check server failed", "error", err)
		}
	}()
	return nil
}
