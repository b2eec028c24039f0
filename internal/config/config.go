package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleSMC/ESP32-Video-Rover/internal/command"
)

// Config represents the complete pilot configuration
type Config struct {
	ShutdownTimeoutS int                 `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Rover            RoverConfig         `yaml:"rover"`
	Control          ControlConfig       `yaml:"control"`
	Calibration      command.Calibration `yaml:"calibration"`
	Bindings         command.Bindings    `yaml:"bindings"`
	Video            VideoConfig         `yaml:"video"`
	Input            InputConfig         `yaml:"input"`
	Health           HealthConfig        `yaml:"health"`
	MQTT             MQTTConfig          `yaml:"mqtt"`
	Logging          LoggingConfig       `yaml:"logging"`
	Sim              SimConfig           `yaml:"sim"`
}

// RoverConfig addresses the vehicle
type RoverConfig struct {
	Host        string `yaml:"host"`
	ControlPort int    `yaml:"control_port"`
	VideoURL    string `yaml:"video_url"` // default: http://<host>/stream
}

// ControlConfig contains control loop and dispatcher settings
type ControlConfig struct {
	SendIntervalMS  int `yaml:"send_interval_ms"`  // minimum spacing between packets
	TickIntervalMS  int `yaml:"tick_interval_ms"`  // foreground loop cadence
	ShutdownRepeats int `yaml:"shutdown_repeats"`  // stop packets on exit
	ShutdownDelayMS int `yaml:"shutdown_delay_ms"` // delay between stop packets
}

// VideoConfig contains frame source settings
type VideoConfig struct {
	Source           string          `yaml:"source"` // mjpeg, gstreamer, mock
	Width            int             `yaml:"width"`
	Height           int             `yaml:"height"`
	MockFPS          float64         `yaml:"mock_fps"`
	DialTimeoutMS    int             `yaml:"dial_timeout_ms"`
	StallTimeoutMS   int             `yaml:"stall_timeout_ms"` // no frame for this long = no signal, 0 disables
	WarmupDurationMS int             `yaml:"warmup_duration_ms"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls the optional video restart policy
type ReconnectConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxRetries     int  `yaml:"max_retries"`
	InitialDelayMS int  `yaml:"initial_delay_ms"`
	MaxDelayMS     int  `yaml:"max_delay_ms"`
}

// InputConfig selects the keyboard source
type InputConfig struct {
	Source        string `yaml:"source"`          // terminal, none
	HoldTimeoutMS int    `yaml:"hold_timeout_ms"` // synthesized release delay
}

// HealthConfig contains the health server settings
type HealthConfig struct {
	Port string `yaml:"port"` // empty disables the server
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker              string     `yaml:"broker"` // empty disables telemetry
	ClientID            string     `yaml:"client_id"`
	Topics              MQTTTopics `yaml:"topics"`
	TelemetryIntervalMS int        `yaml:"telemetry_interval_ms"`
	QoS                 byte       `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Telemetry string `yaml:"telemetry"`
	Control   string `yaml:"control"`
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	File string `yaml:"file"` // used while the terminal owns stdout
}

// SimConfig configures the vehicle emulator
type SimConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	StreamAddr  string `yaml:"stream_addr"`
	FailsafeMS  int    `yaml:"failsafe_ms"`
	SteeringMin uint8  `yaml:"steering_min"`
	SteeringMax uint8  `yaml:"steering_max"`
	Deadband    uint8  `yaml:"deadband"`
	StreamFPS   int    `yaml:"stream_fps"`
}

// Default returns the configuration for the reference rover. Load starts
// from these values so a file only needs to list what it changes.
func Default() *Config {
	return &Config{
		ShutdownTimeoutS: 5,
		Rover: RoverConfig{
			Host:        "192.168.4.1",
			ControlPort: 9999,
		},
		Control: ControlConfig{
			SendIntervalMS:  200,
			TickIntervalMS:  10,
			ShutdownRepeats: 3,
			ShutdownDelayMS: 50,
		},
		Calibration: command.DefaultCalibration(),
		Bindings:    command.DefaultBindings(),
		Video: VideoConfig{
			Source:           "mjpeg",
			Width:            320,
			Height:           240,
			MockFPS:          15,
			DialTimeoutMS:    5000,
			StallTimeoutMS:   3000,
			WarmupDurationMS: 2000,
			Reconnect: ReconnectConfig{
				Enabled:        false,
				MaxRetries:     5,
				InitialDelayMS: 1000,
				MaxDelayMS:     30000,
			},
		},
		Input: InputConfig{
			Source:        "terminal",
			HoldTimeoutMS: 600,
		},
		Health: HealthConfig{Port: "8080"},
		MQTT: MQTTConfig{
			TelemetryIntervalMS: 1000,
		},
		Sim: SimConfig{
			ListenAddr:  ":9999",
			StreamAddr:  ":8081",
			FailsafeMS:  500,
			SteeringMin: 70,
			SteeringMax: 110,
			Deadband:    15,
			StreamFPS:   15,
		},
	}
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ControlAddr returns host:port for the UDP control channel
func (c *Config) ControlAddr() string {
	return fmt.Sprintf("%s:%d", c.Rover.Host, c.Rover.ControlPort)
}

// SendInterval returns the dispatcher interval
func (c *Config) SendInterval() time.Duration {
	return time.Duration(c.Control.SendIntervalMS) * time.Millisecond
}

// TickInterval returns the control loop period
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Control.TickIntervalMS) * time.Millisecond
}

// ShutdownDelay returns the delay between stop packets
func (c *Config) ShutdownDelay() time.Duration {
	return time.Duration(c.Control.ShutdownDelayMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// WarmupDuration returns the video warm-up window
func (c *Config) WarmupDuration() time.Duration {
	return time.Duration(c.Video.WarmupDurationMS) * time.Millisecond
}

// HoldTimeout returns the terminal key release delay
func (c *Config) HoldTimeout() time.Duration {
	return time.Duration(c.Input.HoldTimeoutMS) * time.Millisecond
}

// TelemetryInterval returns the MQTT status period
func (c *Config) TelemetryInterval() time.Duration {
	return time.Duration(c.MQTT.TelemetryIntervalMS) * time.Millisecond
}
