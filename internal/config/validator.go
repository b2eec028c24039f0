package config

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/AleSMC/ESP32-Video-Rover/internal/keys"
)

var (
	videoSources = map[string]bool{"mjpeg": true, "gstreamer": true, "mock": true}
	inputSources = map[string]bool{"terminal": true, "none": true}
)

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	// Rover
	if cfg.Rover.Host == "" {
		return fmt.Errorf("rover.host is required")
	}
	if cfg.Rover.ControlPort < 1 || cfg.Rover.ControlPort > 65535 {
		return fmt.Errorf("rover.control_port must be 1-65535, got %d", cfg.Rover.ControlPort)
	}
	if cfg.Rover.VideoURL == "" {
		cfg.Rover.VideoURL = fmt.Sprintf("http://%s/stream", cfg.Rover.Host)
	}

	// Control loop
	if cfg.Control.SendIntervalMS <= 0 {
		return fmt.Errorf("control.send_interval_ms must be > 0")
	}
	if cfg.Control.TickIntervalMS <= 0 {
		cfg.Control.TickIntervalMS = 10
	}
	if cfg.Control.ShutdownRepeats < 1 {
		return fmt.Errorf("control.shutdown_repeats must be >= 1")
	}
	if cfg.Control.ShutdownDelayMS < 0 {
		return fmt.Errorf("control.shutdown_delay_ms must be >= 0")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := cfg.Calibration.Validate(); err != nil {
		return err
	}

	if err := validateBindings(cfg); err != nil {
		return fmt.Errorf("bindings: %w", err)
	}

	// Video
	if !videoSources[cfg.Video.Source] {
		return fmt.Errorf("video.source must be mjpeg, gstreamer or mock, got %q", cfg.Video.Source)
	}
	if cfg.Video.Width <= 0 || cfg.Video.Height <= 0 {
		return fmt.Errorf("video.width and video.height must be > 0")
	}
	if cfg.Video.Source == "mock" && cfg.Video.MockFPS <= 0 {
		return fmt.Errorf("video.mock_fps must be > 0 for the mock source")
	}
	if cfg.Video.StallTimeoutMS < 0 {
		return fmt.Errorf("video.stall_timeout_ms must be >= 0")
	}
	if cfg.Video.WarmupDurationMS < 0 {
		return fmt.Errorf("video.warmup_duration_ms must be >= 0")
	}
	if r := cfg.Video.Reconnect; r.Enabled {
		if r.MaxRetries < 1 {
			return fmt.Errorf("video.reconnect.max_retries must be >= 1 when enabled")
		}
		if r.InitialDelayMS <= 0 || r.MaxDelayMS < r.InitialDelayMS {
			return fmt.Errorf("video.reconnect delays must satisfy 0 < initial_delay_ms <= max_delay_ms")
		}
	}

	// Input
	if !inputSources[cfg.Input.Source] {
		return fmt.Errorf("input.source must be terminal or none, got %q", cfg.Input.Source)
	}
	if cfg.Input.HoldTimeoutMS <= 0 {
		cfg.Input.HoldTimeoutMS = 600
	}

	// Health
	if cfg.Health.Port != "" {
		if p, err := strconv.Atoi(cfg.Health.Port); err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("health.port must be a port number, got %q", cfg.Health.Port)
		}
	}

	// MQTT (optional)
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "rover-pilot-" + uuid.NewString()[:8]
		}
		if cfg.MQTT.Topics.Telemetry == "" {
			cfg.MQTT.Topics.Telemetry = fmt.Sprintf("rover/telemetry/%s", cfg.Rover.Host)
		}
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("rover/control/%s", cfg.Rover.Host)
		}
		if cfg.MQTT.TelemetryIntervalMS <= 0 {
			cfg.MQTT.TelemetryIntervalMS = 1000
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	// Emulator
	if cfg.Sim.SteeringMin >= cfg.Sim.SteeringMax {
		return fmt.Errorf("sim.steering_min must be < sim.steering_max")
	}
	if cfg.Sim.FailsafeMS <= 0 {
		cfg.Sim.FailsafeMS = 500
	}

	return nil
}

// validateBindings normalizes every bound key and rejects unknown ones.
// The exit binding may be empty to disable the exit key.
func validateBindings(cfg *Config) error {
	b := &cfg.Bindings
	roles := []struct {
		name     string
		key      *keys.Key
		optional bool
	}{
		{"forward", &b.Forward, false},
		{"brake", &b.Brake, false},
		{"left", &b.Left, false},
		{"right", &b.Right, false},
		{"precision", &b.Precision, false},
		{"boost", &b.Boost, false},
		{"exit", &b.Exit, true},
	}

	seen := make(map[keys.Key]string)
	for _, r := range roles {
		if *r.key == "" {
			if r.optional {
				continue
			}
			return fmt.Errorf("%s key is required", r.name)
		}
		k, ok := keys.Normalize(string(*r.key))
		if !ok {
			return fmt.Errorf("%s key %q is not a recognized key", r.name, *r.key)
		}
		if other, dup := seen[k]; dup {
			return fmt.Errorf("%s and %s are both bound to %q", other, r.name, k)
		}
		seen[k] = r.name
		*r.key = k
	}
	return nil
}
