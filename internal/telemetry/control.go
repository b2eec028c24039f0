package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/AleSMC/ESP32-Video-Rover/internal/config"
)

// ControlCommand represents a control plane command
type ControlCommand struct {
	Command string `json:"command"`
}

// ControlResponse represents a command response
type ControlResponse struct {
	CommandAck string  `json:"command_ack"`
	Status     string  `json:"status"`
	Data       *Status `json:"data,omitempty"`
	Error      string  `json:"error,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

// ControlCallbacks contains callback functions for commands
type ControlCallbacks struct {
	OnStop      func() error
	OnGetStatus func() Status
}

// ControlHandler handles remote commands received on the control topic.
// Responses go to "<control topic>/ack" as JSON.
type ControlHandler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	commands  chan ControlCommand
	callbacks ControlCallbacks

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewControlHandler creates a new control plane handler
func NewControlHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks ControlCallbacks) *ControlHandler {
	return &ControlHandler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan ControlCommand, 10),
		callbacks: callbacks,
		done:      make(chan struct{}),
	}
}

// AckTopic returns the topic responses are published on.
func (h *ControlHandler) AckTopic() string {
	return h.cfg.Topics.Control + "/ack"
}

// Start subscribes to the control topic and processes commands in the
// background.
func (h *ControlHandler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control

	slog.Info("telemetry: subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	h.wg.Add(1)
	go h.processCommands(ctx)

	slog.Info("telemetry: control plane handler started")
	return nil
}

// Stop unsubscribes and waits for the processor to exit. Idempotent.
func (h *ControlHandler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.Topics.Control)
			token.WaitTimeout(publishTimeout)
		}
		close(h.done)
		h.wg.Wait()
		slog.Info("telemetry: control plane handler stopped")
	})
	return nil
}

// messageHandler runs on the paho router goroutine; it only queues.
func (h *ControlHandler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd ControlCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("telemetry: failed to parse control command", "error", err)
		h.sendResponse(ControlResponse{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("telemetry: control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("telemetry: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *ControlHandler) processCommands(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

func (h *ControlHandler) handleCommand(cmd ControlCommand) {
	resp := ControlResponse{CommandAck: cmd.Command}

	switch cmd.Command {
	case "stop":
		if h.callbacks.OnStop == nil {
			resp.Status = "error"
			resp.Error = "stop not implemented"
			break
		}
		if err := h.callbacks.OnStop(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "stopping"
		}

	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
			break
		}
		s := h.callbacks.OnGetStatus()
		resp.Status = "success"
		resp.Data = &s

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func (h *ControlHandler) sendResponse(resp ControlResponse) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("telemetry: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.AckTopic(), h.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		slog.Error("telemetry: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("telemetry: failed to publish response", "error", err)
		return
	}

	slog.Debug("telemetry: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
