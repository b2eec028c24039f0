package rover

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleSMC/ESP32-Video-Rover/internal/capture"
	"github.com/AleSMC/ESP32-Video-Rover/internal/command"
	"github.com/AleSMC/ESP32-Video-Rover/internal/dispatch"
	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
)

func newTestReceiver(t *testing.T) (*Receiver, *Recorder) {
	t.Helper()
	rec := &Recorder{}
	r, err := NewReceiver(DefaultReceiverConfig(), rec)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	return r, rec
}

func assertOps(t *testing.T, got []Op, want ...Op) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("ops = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || got[i].Value != want[i].Value {
			t.Errorf("op[%d] = %s(%d), want %s(%d)", i, got[i].Kind, got[i].Value, want[i].Kind, want[i].Value)
		}
	}
}

func TestReceiver_AppliesPackets(t *testing.T) {
	tests := []struct {
		name   string
		packet []byte
		want   []Op
	}{
		{"coast center", []byte{0, 90}, []Op{{Kind: OpCoast}, {Kind: OpSteer, Value: 90}}},
		{"brake", []byte{1, 90}, []Op{{Kind: OpBrake}, {Kind: OpSteer, Value: 90}}},
		{"normal left clamps", []byte{190, 40}, []Op{{Kind: OpDrive, Value: 190}, {Kind: OpSteer, Value: 70}}},
		{"turbo right clamps", []byte{255, 140}, []Op{{Kind: OpDrive, Value: 255}, {Kind: OpSteer, Value: 110}}},
		{"deadband coasts", []byte{14, 95}, []Op{{Kind: OpCoast}, {Kind: OpSteer, Value: 95}}},
		{"extra bytes ignored", []byte{40, 90, 7, 7}, []Op{{Kind: OpDrive, Value: 40}, {Kind: OpSteer, Value: 90}}},
		{"short packet ignored", []byte{190}, nil},
		{"empty packet ignored", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec := newTestReceiver(t)
			r.HandlePacket(tt.packet, time.Now())
			assertOps(t, rec.Ops(), tt.want...)
		})
	}
}

func TestReceiver_CacheSuppressesRepeats(t *testing.T) {
	r, rec := newTestReceiver(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		r.HandlePacket([]byte{190, 90}, now)
	}
	r.HandlePacket([]byte{190, 140}, now)

	assertOps(t, rec.Ops(),
		Op{Kind: OpDrive, Value: 190},
		Op{Kind: OpSteer, Value: 90},
		Op{Kind: OpSteer, Value: 110},
	)
	if s := r.Stats(); s.Packets != 6 || s.MotorWrites != 1 || s.ServoWrites != 2 {
		t.Errorf("stats = %+v", s)
	}
}

// The first packet must reach the actuators even when it carries the
// largest magnitude.
func TestReceiver_FirstTurboPacketApplied(t *testing.T) {
	r, rec := newTestReceiver(t)
	r.HandlePacket([]byte{255, 255}, time.Now())
	assertOps(t, rec.Ops(), Op{Kind: OpDrive, Value: 255}, Op{Kind: OpSteer, Value: 110})
}

func TestReceiver_FailsafeAndRearm(t *testing.T) {
	r, rec := newTestReceiver(t)
	start := time.Now()

	r.HandlePacket([]byte{190, 90}, start)
	if r.CheckFailsafe(start.Add(500 * time.Millisecond)) {
		t.Fatal("failsafe must not fire at exactly the window")
	}
	if !r.CheckFailsafe(start.Add(501 * time.Millisecond)) {
		t.Fatal("failsafe should fire after the window")
	}
	if r.CheckFailsafe(start.Add(2 * time.Second)) {
		t.Error("failsafe should act once per signal loss")
	}
	if !r.Stats().FailsafeActive {
		t.Error("stats should report the active failsafe")
	}

	// Same values as before the loss: the invalidated cache forces a write.
	r.HandlePacket([]byte{190, 90}, start.Add(3*time.Second))

	assertOps(t, rec.Ops(),
		Op{Kind: OpDrive, Value: 190},
		Op{Kind: OpSteer, Value: 90},
		Op{Kind: OpBrake},
		Op{Kind: OpSteer, Value: 90},
		Op{Kind: OpDrive, Value: 190},
		Op{Kind: OpSteer, Value: 90},
	)
	if s := r.Stats(); s.FailsafeActive || s.Failsafes != 1 {
		t.Errorf("stats after re-arm = %+v", s)
	}
	t.Logf("✅ failsafe fired once and re-armed")
}

func TestNewReceiver_Validation(t *testing.T) {
	if _, err := NewReceiver(DefaultReceiverConfig(), nil); err == nil {
		t.Error("nil actuator should be rejected")
	}
	cfg := DefaultReceiverConfig()
	cfg.Failsafe = 0
	if _, err := NewReceiver(cfg, &Recorder{}); err == nil {
		t.Error("zero failsafe should be rejected")
	}
	cfg = DefaultReceiverConfig()
	cfg.SteeringMin, cfg.SteeringMax = 120, 60
	if _, err := NewReceiver(cfg, &Recorder{}); err == nil {
		t.Error("inverted limits should be rejected")
	}
}

// The dispatcher's shutdown burst arrives at the receiver as brake + center.
func TestReceiver_ServeWithDispatcher(t *testing.T) {
	r, rec := newTestReceiver(t)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx, conn) }()

	tr, err := dispatch.DialUDP(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	d, err := dispatch.New(tr, dispatch.DefaultConfig())
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	defer d.Close()

	d.MaybeSend(command.Command{Throttle: command.Normal, Steering: command.Left}, time.Now())
	d.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	// Wait for every datagram, not only the actuator writes: the repeated
	// stop packets are absorbed by the cache and produce no ops.
	for r.Stats().Packets < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-served; err != nil {
		t.Errorf("Serve returned %v after cancel", err)
	}

	assertOps(t, rec.Ops()[:4],
		Op{Kind: OpDrive, Value: 190},
		Op{Kind: OpSteer, Value: 70},
		Op{Kind: OpBrake},
		Op{Kind: OpSteer, Value: 90},
	)
	if s := r.Stats(); s.Packets != 4 {
		t.Errorf("packets = %d, want 1 command + 3 stop packets", s.Packets)
	}
}

func TestReceiver_ServeFailsafeWithoutTraffic(t *testing.T) {
	rec := &Recorder{}
	cfg := DefaultReceiverConfig()
	cfg.Failsafe = 40 * time.Millisecond
	r, err := NewReceiver(cfg, rec)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := r.Serve(ctx, conn); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if s := r.Stats(); s.Failsafes != 1 || !s.FailsafeActive {
		t.Errorf("stats = %+v, want one failsafe", s)
	}
}

func TestStreamHandler_FeedsMJPEGSource(t *testing.T) {
	h := NewStreamHandler(160, 120, 100)
	h.MaxFrames = 4
	srv := httptest.NewServer(h)
	defer srv.Close()

	src, err := capture.Dial(context.Background(), srv.URL, capture.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer src.Close()

	for i := 0; i < 4; i++ {
		f, err := src.Next(context.Background())
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Width != 160 || f.Height != 120 {
			t.Errorf("frame %d is %dx%d", i, f.Width, f.Height)
		}
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, framebuffer.ErrNoFrame) {
		t.Errorf("after MaxFrames: %v, want ErrNoFrame", err)
	}
	if h.Frames() != 4 {
		t.Errorf("Frames() = %d", h.Frames())
	}
}
