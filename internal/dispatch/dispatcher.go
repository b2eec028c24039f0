// Package dispatch sends resolved commands to the rover at a bounded rate and
// runs the stop handshake on exit.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleSMC/ESP32-Video-Rover/internal/command"
)

// Transport is a best-effort datagram sink. Send must not wait for a reply.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// Config controls pacing and the shutdown handshake.
type Config struct {
	// Interval is the minimum spacing between accepted sends.
	Interval time.Duration

	// ShutdownRepeats is how many stop packets Shutdown sends.
	ShutdownRepeats int

	// ShutdownDelay separates consecutive stop packets.
	ShutdownDelay time.Duration

	Calibration command.Calibration
}

// DefaultConfig matches the reference rover firmware: 5 Hz control rate,
// three stop packets 50 ms apart.
func DefaultConfig() Config {
	return Config{
		Interval:        200 * time.Millisecond,
		ShutdownRepeats: 3,
		ShutdownDelay:   50 * time.Millisecond,
		Calibration:     command.DefaultCalibration(),
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSleep replaces time.Sleep in the shutdown handshake.
func WithSleep(sleep func(time.Duration)) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Sent        uint64    `json:"sent"`
	Throttled   uint64    `json:"throttled"`
	SendErrors  uint64    `json:"send_errors"`
	StopPackets uint64    `json:"stop_packets"`
	LastCommand string    `json:"last_command,omitempty"`
	LastSendAt  time.Time `json:"last_send_at"`
}

// Dispatcher forwards commands no more often than Config.Interval.
//
// Only the latest command matters on a real-time control link, so a call
// inside the interval window is dropped, never queued.
type Dispatcher struct {
	cfg       Config
	transport Transport
	sleep     func(time.Duration)

	mu       sync.Mutex
	sentOnce bool
	lastSend time.Time
	last     command.Command
	stopping bool // set by Shutdown; MaybeSend is a no-op from then on

	sent        atomic.Uint64
	throttled   atomic.Uint64
	sendErrors  atomic.Uint64
	stopPackets atomic.Uint64

	// OTEL metrics
	sentCounter      metric.Int64Counter
	throttledCounter metric.Int64Counter
	errorCounter     metric.Int64Counter
	stopCounter      metric.Int64Counter
}

// New creates a dispatcher writing to t.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(t Transport, cfg Config, opts ...Option) (*Dispatcher, error) {
	if t == nil {
		return nil, fmt.Errorf("dispatch: transport is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("dispatch: interval must be positive, got %v", cfg.Interval)
	}
	if cfg.ShutdownRepeats < 1 {
		return nil, fmt.Errorf("dispatch: shutdown repeats must be >= 1, got %d", cfg.ShutdownRepeats)
	}
	if cfg.ShutdownDelay < 0 {
		return nil, fmt.Errorf("dispatch: shutdown delay must not be negative")
	}

	d := &Dispatcher{
		cfg:       cfg,
		transport: t,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(d)
	}

	m := meter()
	var err error

	d.sentCounter, err = m.Int64Counter(
		"dispatch.commands.sent",
		metric.WithDescription("Commands transmitted to the rover"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sent counter: %w", err)
	}

	d.throttledCounter, err = m.Int64Counter(
		"dispatch.commands.throttled",
		metric.WithDescription("Commands dropped by the rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating throttled counter: %w", err)
	}

	d.errorCounter, err = m.Int64Counter(
		"dispatch.send.errors",
		metric.WithDescription("Transport errors on send"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating error counter: %w", err)
	}

	d.stopCounter, err = m.Int64Counter(
		"dispatch.stop.packets",
		metric.WithDescription("Stop packets sent during shutdown"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stop counter: %w", err)
	}

	return d, nil
}

// MaybeSend transmits cmd if more than Interval has elapsed since the last
// accepted send. It reports whether the command was accepted. Once Shutdown
// has begun every command is rejected, so nothing follows the stop burst.
//
// A transport error does not reject the command: the send still counts for
// rate limiting and the error is logged and counted.
func (d *Dispatcher) MaybeSend(cmd command.Command, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return false
	}
	if d.sentOnce && now.Sub(d.lastSend) <= d.cfg.Interval {
		d.throttled.Add(1)
		d.throttledCounter.Add(context.Background(), 1)
		return false
	}

	d.sentOnce = true
	d.lastSend = now
	d.last = cmd

	modeAttr := attribute.String("throttle", cmd.Throttle.String())
	d.sent.Add(1)
	d.sentCounter.Add(context.Background(), 1, metric.WithAttributes(modeAttr))

	if err := d.send(cmd); err != nil {
		slog.Warn("dispatch: send failed", "command", cmd.String(), "error", err)
	}
	return true
}

// Shutdown sends the stop command ShutdownRepeats times, ShutdownDelay apart.
//
// Datagrams may be lost, so the repetition raises the odds that at least one
// stop reaches the receiver. Transport errors are logged and never abort the
// sequence; Shutdown has nothing to report to its caller.
func (d *Dispatcher) Shutdown() {
	// Taking mu also waits out a MaybeSend that is mid-send.
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	n := d.cfg.ShutdownRepeats
	slog.Info("dispatch: sending stop handshake", "repeats", n, "delay", d.cfg.ShutdownDelay)

	for i := 0; i < n; i++ {
		if err := d.send(command.Stop); err != nil {
			slog.Warn("dispatch: stop packet failed", "attempt", i+1, "error", err)
		}
		d.stopPackets.Add(1)
		d.stopCounter.Add(context.Background(), 1)

		if i < n-1 {
			d.sleep(d.cfg.ShutdownDelay)
		}
	}

	d.mu.Lock()
	d.last = command.Stop
	d.mu.Unlock()
}

func (d *Dispatcher) send(cmd command.Command) error {
	pkt := d.cfg.Calibration.Encode(cmd)
	if err := d.transport.Send(pkt[:]); err != nil {
		d.sendErrors.Add(1)
		d.errorCounter.Add(context.Background(), 1)
		return err
	}
	return nil
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	last, lastSend, ok := d.last, d.lastSend, d.sentOnce
	d.mu.Unlock()

	s := Stats{
		Sent:        d.sent.Load(),
		Throttled:   d.throttled.Load(),
		SendErrors:  d.sendErrors.Load(),
		StopPackets: d.stopPackets.Load(),
		LastSendAt:  lastSend,
	}
	if ok || s.StopPackets > 0 {
		s.LastCommand = last.String()
	}
	return s
}

// Close releases the transport.
func (d *Dispatcher) Close() error {
	return d.transport.Close()
}
