package rover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/AleSMC/ESP32-Video-Rover/internal/command"
)

// Wire magnitudes with fixed meaning on the receiver.
const (
	speedCoast uint8 = 0
	speedBrake uint8 = 1
)

// ReceiverConfig holds the vehicle-side limits.
type ReceiverConfig struct {
	Failsafe       time.Duration // brake and center after this long without packets
	SteeringMin    uint8         // servo travel limits, applied to every write
	SteeringMax    uint8
	SteeringCenter uint8
	Deadband       uint8 // drive values below this coast
}

// DefaultReceiverConfig matches the reference chassis.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Failsafe:       500 * time.Millisecond,
		SteeringMin:    70,
		SteeringMax:    110,
		SteeringCenter: 90,
		Deadband:       15,
	}
}

// ReceiverStats is a snapshot of receiver counters.
type ReceiverStats struct {
	Packets        uint64 `json:"packets"`
	Ignored        uint64 `json:"ignored"`
	MotorWrites    uint64 `json:"motor_writes"`
	ServoWrites    uint64 `json:"servo_writes"`
	Failsafes      uint64 `json:"failsafes"`
	FailsafeActive bool   `json:"failsafe_active"`
}

// Receiver applies 2-byte control packets to an Actuator.
//
// Each byte is written only when it differs from the last applied value.
// The cache starts invalid, and is invalidated again when packets resume
// after a failsafe, so the first packet always reaches the hardware.
type Receiver struct {
	cfg ReceiverConfig
	act Actuator

	mu             sync.Mutex
	speedValid     bool
	prevSpeed      uint8
	angleValid     bool
	prevAngle      uint8
	lastPacket     time.Time
	failsafeActive bool
	stats          ReceiverStats
}

// NewReceiver creates a receiver. The failsafe clock starts now.
func NewReceiver(cfg ReceiverConfig, act Actuator) (*Receiver, error) {
	if act == nil {
		return nil, errors.New("rover: actuator is required")
	}
	if cfg.Failsafe <= 0 {
		return nil, fmt.Errorf("rover: failsafe must be > 0, got %v", cfg.Failsafe)
	}
	if cfg.SteeringMin > cfg.SteeringMax {
		return nil, fmt.Errorf("rover: steering limits inverted (%d > %d)", cfg.SteeringMin, cfg.SteeringMax)
	}
	return &Receiver{cfg: cfg, act: act, lastPacket: time.Now()}, nil
}

// HandlePacket applies one datagram received at now. Datagrams shorter than
// two bytes are ignored; bytes past the second are ignored.
func (r *Receiver) HandlePacket(b []byte, now time.Time) {
	p, err := command.DecodePacket(b)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.stats.Ignored++
		return
	}
	r.stats.Packets++
	r.lastPacket = now

	if r.failsafeActive {
		r.failsafeActive = false
		r.speedValid = false
		r.angleValid = false
		slog.Info("rover: signal recovered, control re-armed")
	}

	if !r.speedValid || p.Speed != r.prevSpeed {
		r.speedValid = true
		r.prevSpeed = p.Speed
		r.stats.MotorWrites++
		r.applySpeed(p.Speed)
	}

	if !r.angleValid || p.Angle != r.prevAngle {
		r.angleValid = true
		r.prevAngle = p.Angle
		r.stats.ServoWrites++
		r.act.Steer(r.constrain(p.Angle))
	}
}

func (r *Receiver) applySpeed(v uint8) {
	switch {
	case v == speedCoast:
		r.act.Coast()
	case v == speedBrake:
		r.act.Brake()
	case v < r.cfg.Deadband:
		r.act.Coast()
	default:
		r.act.Drive(v)
	}
}

func (r *Receiver) constrain(angle uint8) uint8 {
	return min(max(angle, r.cfg.SteeringMin), r.cfg.SteeringMax)
}

// CheckFailsafe brakes and centers the steering if no packet arrived within
// the failsafe window. It acts once per signal loss and reports whether it
// fired.
func (r *Receiver) CheckFailsafe(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failsafeActive || now.Sub(r.lastPacket) <= r.cfg.Failsafe {
		return false
	}

	slog.Warn("rover: signal lost, emergency stop", "silence", now.Sub(r.lastPacket))
	r.act.Brake()
	r.act.Steer(r.constrain(r.cfg.SteeringCenter))
	r.failsafeActive = true
	r.stats.Failsafes++
	return true
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.FailsafeActive = r.failsafeActive
	return s
}

// Serve reads datagrams from conn until ctx is done or conn is closed. The
// watchdog is evaluated between reads, at a fraction of the failsafe window.
func (r *Receiver) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	poll := r.cfg.Failsafe / 5
	buf := make([]byte, 64)

	slog.Info("rover: receiver listening", "addr", conn.LocalAddr().String(), "failsafe", r.cfg.Failsafe)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(poll)); err != nil {
			return r.serveErr(ctx, err)
		}
		n, _, err := conn.ReadFrom(buf)
		now := time.Now()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				r.CheckFailsafe(now)
				continue
			}
			return r.serveErr(ctx, err)
		}
		r.HandlePacket(buf[:n], now)
		r.CheckFailsafe(now)
	}
}

func (r *Receiver) serveErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("rover: receive: %w", err)
}

// ListenAndServe binds addr over UDP and calls Serve.
func (r *Receiver) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("rover: listen %s: %w", addr, err)
	}
	return r.Serve(ctx, conn)
}
