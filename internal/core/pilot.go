// Package core wires the control path together: keyboard input into the key
// tracker, the resolver and the rate-limited dispatcher, plus the video
// frame buffer, telemetry and health reporting around them.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleSMC/ESP32-Video-Rover/internal/capture"
	"github.com/AleSMC/ESP32-Video-Rover/internal/command"
	"github.com/AleSMC/ESP32-Video-Rover/internal/config"
	"github.com/AleSMC/ESP32-Video-Rover/internal/dispatch"
	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
	"github.com/AleSMC/ESP32-Video-Rover/internal/input"
	"github.com/AleSMC/ESP32-Video-Rover/internal/keys"
	"github.com/AleSMC/ESP32-Video-Rover/internal/telemetry"
)

var (
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("core: pilot is already running")
	// ErrStopped is returned by Run on a pilot that has already shut down.
	// A Pilot is single-use.
	ErrStopped = errors.New("core: pilot has been stopped")
)

// OpenFunc opens a fresh frame source. It is called once at startup and
// again on every reconnection attempt.
type OpenFunc func(ctx context.Context) (framebuffer.Source, error)

// StatusSetter is implemented by input sources that can display a status
// line (the terminal source).
type StatusSetter interface {
	SetStatus(line string)
}

// Options supplies the pilot's external dependencies.
type Options struct {
	Transport dispatch.Transport // required
	OpenVideo OpenFunc           // required
	Input     input.Source       // nil drives without a keyboard
	Sink      FrameSink          // nil uses a NullSink
}

// Pilot is the foreground control loop.
//
// Goroutine topology:
//   - foreground loop (Run): frame read, key snapshot, resolve, dispatch
//   - key consumer: input events into the tracker
//   - frame acquisition: owned by the frame buffer
//   - video supervisor: only when reconnection is enabled
//   - telemetry publisher and control handler: only when MQTT is configured
//
// Only the frame slot and the pressed-key set cross goroutines.
type Pilot struct {
	cfg     *config.Config
	session string

	tracker    *keys.Tracker
	resolver   command.Resolver
	buffer     *framebuffer.Buffer
	dispatcher *dispatch.Dispatcher
	input      input.Source
	openVideo  OpenFunc
	sink       FrameSink

	emitter *telemetry.Emitter
	control *telemetry.ControlHandler
	health  *http.Server

	reconnect ReconnectState
	failures  videoFailures

	// Foreground loop only.
	failureNoted bool

	// Lifecycle
	started      time.Time
	running      atomic.Bool
	stopped      atomic.Bool
	cancel       context.CancelFunc
	runDone      chan struct{}
	remoteStop   chan struct{}
	remoteOnce   sync.Once
	teardownOnce sync.Once
	wg           sync.WaitGroup

	mu      sync.RWMutex
	lastCmd command.Command
	exitWhy string
	source  framebuffer.Source
}

// NewPilot builds a pilot from cfg. Nothing runs until Run.
func NewPilot(cfg *config.Config, opts Options) (*Pilot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("core: config is required")
	}
	if opts.OpenVideo == nil {
		return nil, fmt.Errorf("core: video opener is required")
	}

	d, err := dispatch.New(opts.Transport, dispatch.Config{
		Interval:        cfg.SendInterval(),
		ShutdownRepeats: cfg.Control.ShutdownRepeats,
		ShutdownDelay:   cfg.ShutdownDelay(),
		Calibration:     cfg.Calibration,
	})
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	sink := opts.Sink
	if sink == nil {
		sink = &NullSink{}
	}

	p := &Pilot{
		cfg:        cfg,
		session:    uuid.NewString(),
		tracker:    keys.NewTracker(),
		resolver:   command.NewResolver(cfg.Bindings),
		buffer:     framebuffer.New(),
		dispatcher: d,
		input:      opts.Input,
		openVideo:  opts.OpenVideo,
		sink:       sink,
		runDone:    make(chan struct{}),
		remoteStop: make(chan struct{}),
		lastCmd:    command.Command{Throttle: command.Coast, Steering: command.Center},
	}

	if cfg.MQTT.Broker != "" {
		p.emitter = telemetry.NewEmitter(cfg.MQTT, cfg.TelemetryInterval(), p.Status)
	}
	return p, nil
}

// Run drives the rover until ctx is done, the exit key is pressed or a
// remote stop arrives. The stop handshake is always sent before Run returns.
//
// Startup fails fast when the first video acquisition fails.
func (p *Pilot) Run(ctx context.Context) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(p.runDone)
	defer p.teardown()

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.started = time.Now()
	p.mu.Unlock()

	slog.Info("core: pilot starting",
		"session", p.session,
		"control_addr", p.cfg.ControlAddr(),
		"video", p.cfg.Video.Source,
		"send_interval", p.cfg.SendInterval(),
	)

	if p.input != nil {
		if err := p.input.Start(ctx); err != nil {
			return fmt.Errorf("core: start input: %w", err)
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.tracker.Consume(ctx, p.input.Events())
		}()
	}

	if err := p.startVideo(ctx); err != nil {
		return fmt.Errorf("core: start video (%s): %w", capture.Classify(err), err)
	}

	if d := p.cfg.WarmupDuration(); d > 0 {
		stats, err := framebuffer.Warmup(ctx, p.buffer, d)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("core: video warm-up: %w", err)
		}
		slog.Info("core: video warm-up complete",
			"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
			"jitter_ms", fmt.Sprintf("%.1f", stats.JitterMean*1000),
			"stable", stats.IsStable,
		)
	}

	if p.cfg.Video.Reconnect.Enabled {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.superviseVideo(ctx)
		}()
	}

	p.startTelemetry(ctx)

	reason := p.loop(ctx)

	p.mu.Lock()
	p.exitWhy = reason
	p.mu.Unlock()
	slog.Info("core: control loop exiting", "reason", reason)
	return nil
}

// startVideo opens a source and starts the buffer on it. Failures are
// classified and counted.
func (p *Pilot) startVideo(ctx context.Context) error {
	src, err := p.openVideo(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.failures.record(err)
		}
		return err
	}

	p.mu.Lock()
	p.source = src
	p.mu.Unlock()

	if err := p.buffer.Start(ctx, src); err != nil {
		if ctx.Err() == nil {
			p.failures.record(err)
		}
		return err
	}
	return nil
}

// loop ticks until an exit condition and returns its name.
func (p *Pilot) loop(ctx context.Context) string {
	ticker := time.NewTicker(p.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "context"
		case <-p.remoteStop:
			return "remote"
		case now := <-ticker.C:
			if p.step(now) {
				return "exit key"
			}
		}
	}
}

// step runs one control tick. It reports whether the exit key is held.
// Every call here returns without waiting on I/O.
func (p *Pilot) step(now time.Time) bool {
	frame, live := p.buffer.Read()
	p.sink.Consume(frame, live)
	p.noteVideoFailure(live)

	state := p.tracker.Snapshot()
	if p.resolver.ExitRequested(state) {
		return true
	}

	cmd := p.resolver.Resolve(state)
	p.dispatcher.MaybeSend(cmd, now)

	p.mu.Lock()
	changed := cmd != p.lastCmd
	p.lastCmd = cmd
	p.mu.Unlock()
	if changed {
		slog.Debug("core: command changed", "command", cmd.String())
	}

	if ss, ok := p.input.(StatusSetter); ok {
		video := "live"
		if !live {
			video = "no signal"
		}
		ss.SetStatus(fmt.Sprintf("command=%s  video=%s  sent=%d", cmd, video, p.dispatcher.Stats().Sent))
	}
	return false
}

// noteVideoFailure counts a lost signal once per loss.
func (p *Pilot) noteVideoFailure(live bool) {
	if live {
		p.failureNoted = false
		return
	}
	if p.failureNoted {
		return
	}
	if err := p.buffer.Err(); err != nil {
		p.failures.record(err)
		p.failureNoted = true
	}
}

// superviseVideo restarts the frame buffer with a fresh source after a lost
// signal. The buffer itself never retries.
func (p *Pilot) superviseVideo(ctx context.Context) {
	cfg := reconnectConfigFrom(p.cfg.Video.Reconnect)
	check := time.NewTicker(cfg.RetryDelay / 4)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
		}

		if st := p.buffer.Stats(); st.Live || st.LastError == "" {
			continue
		}

		slog.Warn("core: video lost, reconnecting", "cause", p.buffer.Err())
		p.buffer.Stop()

		err := RunWithReconnect(ctx, p.startVideo, cfg, &p.reconnect)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("core: giving up on video", "error", err)
			}
			return
		}
	}
}

func (p *Pilot) startTelemetry(ctx context.Context) {
	if p.emitter == nil {
		return
	}
	if err := p.emitter.Connect(ctx); err != nil {
		slog.Warn("core: telemetry disabled, mqtt unavailable", "error", err)
		return
	}
	p.emitter.Start(ctx)

	p.control = telemetry.NewControlHandler(p.cfg.MQTT, p.emitter.Client, telemetry.ControlCallbacks{
		OnStop: func() error {
			p.RequestStop()
			return nil
		},
		OnGetStatus: p.Status,
	})
	if err := p.control.Start(ctx); err != nil {
		slog.Warn("core: remote control unavailable", "error", err)
		p.control = nil
	}
}

// RequestStop asks the control loop to exit. Safe from any goroutine.
func (p *Pilot) RequestStop() {
	p.remoteOnce.Do(func() {
		slog.Info("core: remote stop requested")
		close(p.remoteStop)
	})
}

// teardown runs exactly once, whichever path ends the pilot.
//
// Order matters: the stop handshake goes out first so the rover brakes even
// if releasing the other resources stalls.
func (p *Pilot) teardown() {
	p.teardownOnce.Do(func() {
		p.stopped.Store(true)
		p.dispatcher.Shutdown()

		p.mu.RLock()
		cancel := p.cancel
		p.mu.RUnlock()
		if cancel != nil {
			cancel()
		}

		if p.input != nil {
			if err := p.input.Stop(); err != nil {
				slog.Error("core: failed to stop input", "error", err)
			}
		}

		p.wg.Wait()

		if err := p.buffer.Stop(); err != nil {
			slog.Error("core: failed to stop frame buffer", "error", err)
		}
		if p.control != nil {
			p.control.Stop()
		}
		if p.emitter != nil {
			p.emitter.Disconnect()
		}
		if err := p.dispatcher.Close(); err != nil {
			slog.Debug("core: transport close", "error", err)
		}

		p.running.Store(false)
		stats := p.dispatcher.Stats()
		slog.Info("core: pilot stopped",
			"session", p.session,
			"sent", stats.Sent,
			"throttled", stats.Throttled,
			"send_errors", stats.SendErrors,
			"stop_packets", stats.StopPackets,
		)
	})
}

// Shutdown stops a running pilot from outside Run (signal path) and closes
// the health server. It waits for Run to return, bounded by ctx.
func (p *Pilot) Shutdown(ctx context.Context) error {
	p.mu.RLock()
	cancel := p.cancel
	server := p.health
	p.mu.RUnlock()

	if cancel != nil {
		cancel()
		select {
		case <-p.runDone:
		case <-ctx.Done():
			slog.Warn("core: run loop did not exit before shutdown timeout")
		}
	}
	p.teardown()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("core: health server shutdown: %w", err)
		}
	}
	return nil
}

// Status builds a telemetry snapshot. Safe from any goroutine.
func (p *Pilot) Status() telemetry.Status {
	p.mu.RLock()
	cmd := p.lastCmd
	started := p.started
	p.mu.RUnlock()

	fb := p.buffer.Stats()
	ds := p.dispatcher.Stats()
	wire := p.cfg.Calibration.Encode(cmd)

	pressed := p.tracker.Snapshot().Keys()
	names := make([]string, len(pressed))
	for i, k := range pressed {
		names[i] = string(k)
	}

	var uptime float64
	if !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}

	s := telemetry.Status{
		Session:     p.session,
		Timestamp:   time.Now().UTC(),
		Uptime:      uptime,
		Command:     cmd.String(),
		Speed:       wire[0],
		Angle:       wire[1],
		VideoLive:   fb.Live,
		VideoError:  fb.LastError,
		Frames:      fb.Frames,
		FrameDrops:  fb.Drops,
		Sent:        ds.Sent,
		Throttled:   ds.Throttled,
		SendErrors:  ds.SendErrors,
		KeysPressed: names,

		VideoFailures: p.failures.snapshot(),
	}
	if ss, ok := p.sourceStats(); ok {
		s.VideoSource = ss.Kind
		s.SourceSkipped = ss.Skipped
		s.SourceBytes = ss.BytesRead
	}
	return s
}

// sourceStats returns the counters of the current video source when it
// keeps any.
func (p *Pilot) sourceStats() (capture.SourceStats, bool) {
	p.mu.RLock()
	src := p.source
	p.mu.RUnlock()

	if sp, ok := src.(interface{ Stats() capture.SourceStats }); ok {
		return sp.Stats(), true
	}
	return capture.SourceStats{}, false
}

// LastCommand returns the most recently resolved command.
func (p *Pilot) LastCommand() command.Command {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastCmd
}

// ExitReason returns why the control loop ended, or "" while running.
func (p *Pilot) ExitReason() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitWhy
}

// Tracker exposes the key tracker so scripted drivers can inject state.
func (p *Pilot) Tracker() *keys.Tracker { return p.tracker }
