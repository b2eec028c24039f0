package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/AleSMC/ESP32-Video-Rover/internal/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Emitter publishes Status snapshots to the telemetry topic on its own
// goroutine. The control loop never waits on the broker.
type Emitter struct {
	cfg      config.MQTTConfig
	interval time.Duration
	status   StatusFunc
	Client   mqtt.Client // Exported for the control handler

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewEmitter creates an emitter. Nothing is sent until Connect and Start.
func NewEmitter(cfg config.MQTTConfig, interval time.Duration, status StatusFunc) *Emitter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Emitter{
		cfg:       cfg,
		interval:  interval,
		status:    status,
		newClient: mqtt.NewClient,
		stop:      make(chan struct{}),
	}
}

// Connect establishes the broker connection with automatic reconnection.
func (e *Emitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("telemetry: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("telemetry: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker)
	}

	e.Client = e.newClient(opts)

	slog.Info("telemetry: connecting to mqtt broker", "broker", e.cfg.Broker)

	// With connect retry on, a dead broker never completes the token and the
	// client keeps retrying in the background; abandoning it stops that.
	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		e.abandon()
		return fmt.Errorf("telemetry: mqtt connection timeout")
	case <-ctx.Done():
		e.abandon()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		e.abandon()
		return fmt.Errorf("telemetry: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

func (e *Emitter) abandon() {
	e.Client.Disconnect(0)
	e.setConnected(false)
}

// Start launches the periodic publisher. It returns immediately.
func (e *Emitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				if err := e.Publish(e.status()); err != nil {
					slog.Debug("telemetry: publish skipped", "error", err)
				}
			}
		}
	}()
}

// Publish encodes s and sends it to the telemetry topic.
func (e *Emitter) Publish(s Status) error {
	payload, err := EncodeStatus(s)
	if err != nil {
		e.countError()
		return err
	}
	return e.publish(e.cfg.Topics.Telemetry, payload)
}

func (e *Emitter) publish(topic string, payload []byte) error {
	if !e.IsConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	slog.Debug("telemetry: status published", "topic", topic, "size", len(payload))
	return nil
}

// Disconnect stops the publisher and closes the broker connection.
func (e *Emitter) Disconnect() error {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("telemetry: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// EmitterStats contains emitter counters.
type EmitterStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// Stats returns emitter statistics
func (e *Emitter) Stats() EmitterStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EmitterStats{
		Connected: e.connected,
		Published: e.published,
		Errors:    e.errors,
	}
}

// IsConnected reports the last known connection state.
func (e *Emitter) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
