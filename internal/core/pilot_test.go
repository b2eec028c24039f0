package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleSMC/ESP32-Video-Rover/internal/capture"
	"github.com/AleSMC/ESP32-Video-Rover/internal/command"
	"github.com/AleSMC/ESP32-Video-Rover/internal/config"
	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
	"github.com/AleSMC/ESP32-Video-Rover/internal/input"
	"github.com/AleSMC/ESP32-Video-Rover/internal/keys"
)

var stopPacket = [2]byte{1, 90}

type recordingTransport struct {
	mu      sync.Mutex
	packets [][2]byte
	closed  bool
}

func (r *recordingTransport) Send(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, [2]byte{b[0], b[1]})
	return nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingTransport) sent() [][2]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]byte(nil), r.packets...)
}

func (r *recordingTransport) contains(p [2]byte) bool {
	for _, q := range r.sent() {
		if q == p {
			return true
		}
	}
	return false
}

func (r *recordingTransport) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// failingSource fails its first acquisition.
type failingSource struct {
	closes atomic.Int32
}

var errCameraDown = errors.New("camera down")

func (f *failingSource) Next(ctx context.Context) (*framebuffer.Frame, error) {
	return nil, errCameraDown
}

func (f *failingSource) Close() error {
	f.closes.Add(1)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Control.SendIntervalMS = 20
	cfg.Control.TickIntervalMS = 2
	cfg.Control.ShutdownDelayMS = 1
	cfg.Video.Source = "mock"
	cfg.Video.Width = 64
	cfg.Video.Height = 48
	cfg.Video.MockFPS = 100
	cfg.Video.WarmupDurationMS = 0
	cfg.Input.Source = "none"
	cfg.Health.Port = ""
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func mockOpener(opens *atomic.Int32, failAfter uint64) OpenFunc {
	return func(ctx context.Context) (framebuffer.Source, error) {
		if opens != nil {
			opens.Add(1)
		}
		return capture.NewMockSource(capture.MockConfig{Width: 64, Height: 48, FPS: 200, FailAfter: failAfter})
	}
}

func startPilot(t *testing.T, p *Pilot) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func assertStopHandshake(t *testing.T, packets [][2]byte, repeats int) {
	t.Helper()
	if len(packets) < repeats {
		t.Fatalf("only %d packets sent", len(packets))
	}
	for i, p := range packets[len(packets)-repeats:] {
		if p != stopPacket {
			t.Errorf("stop packet %d = %v, want %v", i, p, stopPacket)
		}
	}
}

func TestPilot_ExitKeySendsHandshakeOnce(t *testing.T) {
	cfg := testConfig(t)
	tr := &recordingTransport{}
	in := input.NewChannelSource(16)

	p, err := NewPilot(cfg, Options{Transport: tr, OpenVideo: mockOpener(nil, 0), Input: in})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}
	_, done := startPilot(t, p)

	in.Press("w")
	waitFor(t, "forward packet", func() bool { return tr.contains([2]byte{190, 90}) })

	in.Press(keys.Esc)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := p.ExitReason(); got != "exit key" {
		t.Errorf("exit reason = %q", got)
	}
	sent := tr.sent()
	assertStopHandshake(t, sent, 3)
	if !tr.isClosed() {
		t.Error("transport should be closed after Run")
	}

	// A second shutdown path must not repeat the handshake.
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := len(tr.sent()); n != len(sent) {
		t.Errorf("Shutdown after Run sent %d more packets", n-len(sent))
	}
	t.Logf("✅ %d packets, handshake sent once", len(sent))
}

func TestPilot_ContextCancel(t *testing.T) {
	cfg := testConfig(t)
	tr := &recordingTransport{}
	p, err := NewPilot(cfg, Options{Transport: tr, OpenVideo: mockOpener(nil, 0)})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}
	cancel, done := startPilot(t, p)

	waitFor(t, "coast packet", func() bool { return tr.contains([2]byte{0, 90}) })
	cancel()

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := p.ExitReason(); got != "context" {
		t.Errorf("exit reason = %q", got)
	}
	assertStopHandshake(t, tr.sent(), 3)
}

func TestPilot_ShutdownFromSignalPath(t *testing.T) {
	cfg := testConfig(t)
	tr := &recordingTransport{}
	p, err := NewPilot(cfg, Options{Transport: tr, OpenVideo: mockOpener(nil, 0)})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}
	_, done := startPilot(t, p)
	waitFor(t, "first packet", func() bool { return len(tr.sent()) > 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stops := 0
	for _, pk := range tr.sent() {
		if pk == stopPacket {
			stops++
		}
	}
	if stops != 3 {
		t.Errorf("stop packets = %d, want exactly 3", stops)
	}
}

func TestPilot_VideoFailsFast(t *testing.T) {
	cfg := testConfig(t)
	tr := &recordingTransport{}
	src := &failingSource{}

	p, err := NewPilot(cfg, Options{
		Transport: tr,
		OpenVideo: func(ctx context.Context) (framebuffer.Source, error) { return src, nil },
	})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}

	err = p.Run(context.Background())
	if !errors.Is(err, errCameraDown) {
		t.Fatalf("Run = %v, want camera error", err)
	}
	if n := src.closes.Load(); n != 1 {
		t.Errorf("source closed %d times, want 1", n)
	}
	assertStopHandshake(t, tr.sent(), 3)

	if err := p.Run(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("second Run = %v, want ErrStopped", err)
	}
}

func TestPilot_OpenErrorFailsFast(t *testing.T) {
	cfg := testConfig(t)
	p, err := NewPilot(cfg, Options{
		Transport: &recordingTransport{},
		OpenVideo: func(ctx context.Context) (framebuffer.Source, error) {
			return nil, &capture.StatusError{Code: http.StatusForbidden, Status: "403 Forbidden"}
		},
	})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}
	err = p.Run(context.Background())
	if capture.Classify(err) != capture.CategoryAuth {
		t.Errorf("Run = %v (category %v), want auth failure", err, capture.Classify(err))
	}
	if !strings.Contains(err.Error(), "(auth)") {
		t.Errorf("Run error %q does not name its category", err)
	}
	if got := p.HealthCheck().VideoFailures; got["auth"] != 1 || got["network"] != 0 {
		t.Errorf("video failures = %v, want one auth failure", got)
	}
}

func TestPilot_CountsVideoLoss(t *testing.T) {
	cfg := testConfig(t)
	p, err := NewPilot(cfg, Options{Transport: &recordingTransport{}, OpenVideo: mockOpener(nil, 5)})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}
	cancel, done := startPilot(t, p)

	waitFor(t, "video loss counted", func() bool { return p.Status().VideoFailures["unknown"] == 1 })

	// Later ticks see the same loss and must not count it again.
	time.Sleep(30 * time.Millisecond)
	s := p.Status()
	if s.VideoFailures["unknown"] != 1 {
		t.Errorf("video failures = %v, want the loss counted once", s.VideoFailures)
	}
	if s.VideoSource != "mock" {
		t.Errorf("video source = %q, want mock", s.VideoSource)
	}
	if s.VideoLive {
		t.Error("status still reports live video")
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Logf("✅ video loss counted once: %v", s.VideoFailures)
}

func TestPilot_RemoteStop(t *testing.T) {
	cfg := testConfig(t)
	tr := &recordingTransport{}
	p, err := NewPilot(cfg, Options{Transport: tr, OpenVideo: mockOpener(nil, 0)})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}
	_, done := startPilot(t, p)
	waitFor(t, "first packet", func() bool { return len(tr.sent()) > 0 })

	p.RequestStop()
	p.RequestStop()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := p.ExitReason(); got != "remote" {
		t.Errorf("exit reason = %q", got)
	}
	assertStopHandshake(t, tr.sent(), 3)
}

func TestPilot_RunTwice(t *testing.T) {
	cfg := testConfig(t)
	p, err := NewPilot(cfg, Options{Transport: &recordingTransport{}, OpenVideo: mockOpener(nil, 0)})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}
	cancel, done := startPilot(t, p)
	waitFor(t, "running", func() bool { return p.HealthCheck().Status != "unhealthy" })

	if err := p.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent Run = %v, want ErrAlreadyRunning", err)
	}
	cancel()
	waitRun(t, done)
}

func TestPilot_StatusReflectsCommand(t *testing.T) {
	cfg := testConfig(t)
	tr := &recordingTransport{}
	in := input.NewChannelSource(16)
	p, err := NewPilot(cfg, Options{Transport: tr, OpenVideo: mockOpener(nil, 0), Input: in})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}
	cancel, done := startPilot(t, p)

	in.Press("w")
	in.Press(keys.Space)
	in.Press("d")
	want := command.Command{Throttle: command.Turbo, Steering: command.Right}
	waitFor(t, "turbo right", func() bool { return p.LastCommand() == want })

	s := p.Status()
	if s.Speed != 255 || s.Angle != 140 || s.Command != want.String() {
		t.Errorf("status = %+v", s)
	}
	if !s.VideoLive || s.Frames == 0 {
		t.Errorf("video in status = live:%v frames:%d", s.VideoLive, s.Frames)
	}
	if len(s.KeysPressed) != 3 {
		t.Errorf("keys = %v", s.KeysPressed)
	}
	if s.Session == "" || s.Session != p.HealthCheck().Session {
		t.Errorf("session = %q, health session = %q", s.Session, p.HealthCheck().Session)
	}

	cancel()
	waitRun(t, done)
}

func TestPilot_WarmupBeforeLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Video.WarmupDurationMS = 60
	tr := &recordingTransport{}
	p, err := NewPilot(cfg, Options{Transport: tr, OpenVideo: mockOpener(nil, 0)})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}

	start := time.Now()
	cancel, done := startPilot(t, p)
	waitFor(t, "first packet", func() bool { return len(tr.sent()) > 0 })
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("first packet after %v, expected warm-up to run first", elapsed)
	}
	cancel()
	waitRun(t, done)
}

func TestPilot_ReconnectsVideo(t *testing.T) {
	cfg := testConfig(t)
	cfg.Video.Reconnect = config.ReconnectConfig{
		Enabled:        true,
		MaxRetries:     3,
		InitialDelayMS: 8,
		MaxDelayMS:     20,
	}
	var opens atomic.Int32
	p, err := NewPilot(cfg, Options{Transport: &recordingTransport{}, OpenVideo: mockOpener(&opens, 5)})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}
	cancel, done := startPilot(t, p)

	waitFor(t, "three video sessions", func() bool { return opens.Load() >= 3 })
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Logf("✅ video reopened %d times", opens.Load()-1)
}

func TestPilot_HealthEndpoints(t *testing.T) {
	cfg := testConfig(t)
	p, err := NewPilot(cfg, Options{Transport: &recordingTransport{}, OpenVideo: mockOpener(nil, 0)})
	if err != nil {
		t.Fatalf("NewPilot: %v", err)
	}
	if got := p.HealthCheck().Status; got != "unhealthy" {
		t.Errorf("before Run status = %q", got)
	}

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readiness")
	if err != nil {
		t.Fatalf("GET /readiness: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readiness before Run = %d", resp.StatusCode)
	}

	cancel, done := startPilot(t, p)
	waitFor(t, "video live", func() bool { return p.HealthCheck().Status == "healthy" })

	resp, err = http.Get(srv.URL + "/readiness")
	if err != nil {
		t.Fatalf("GET /readiness: %v", err)
	}
	var health HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !health.VideoLive || health.Telemetry != nil || health.Source == nil || health.Source.Kind != "mock" {
		t.Errorf("readiness = %d %+v", resp.StatusCode, health)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{
		"rover_pilot_commands_sent_total",
		"rover_pilot_video_live 1",
		`rover_pilot_video_failures_total{category="network"} 0`,
		`rover_pilot_video_failures_total{category="unknown"} 0`,
		"rover_pilot_video_source_bytes_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics missing %q:\n%s", name, body)
		}
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health = %d", resp.StatusCode)
	}

	cancel()
	waitRun(t, done)
}

func TestNewPilot_Validation(t *testing.T) {
	cfg := testConfig(t)
	if _, err := NewPilot(nil, Options{}); err == nil {
		t.Error("nil config should be rejected")
	}
	if _, err := NewPilot(cfg, Options{Transport: &recordingTransport{}}); err == nil {
		t.Error("missing video opener should be rejected")
	}
	if _, err := NewPilot(cfg, Options{OpenVideo: mockOpener(nil, 0)}); err == nil {
		t.Error("missing transport should be rejected")
	}
}

func TestNullSink(t *testing.T) {
	var s NullSink
	s.Consume(nil, false)

	f1 := &framebuffer.Frame{Seq: 1, Width: 64, Height: 48}
	s.Consume(f1, true)
	s.Consume(f1, true)
	s.Consume(&framebuffer.Frame{Seq: 2, Width: 64, Height: 48}, true)
	s.Consume(nil, false)

	if s.Frames() != 2 {
		t.Errorf("Frames() = %d, want 2 distinct frames", s.Frames())
	}
}
