// Package command defines the actuator command sent to the rover and the
// resolver that derives it from keyboard state.
package command

import "fmt"

// Throttle is the enumerated drive mode.
type Throttle uint8

const (
	Coast Throttle = iota
	Brake
	Slow
	Normal
	Turbo
)

func (t Throttle) String() string {
	switch t {
	case Coast:
		return "coast"
	case Brake:
		return "brake"
	case Slow:
		return "slow"
	case Normal:
		return "normal"
	case Turbo:
		return "turbo"
	default:
		return fmt.Sprintf("throttle(%d)", uint8(t))
	}
}

// Steering is the enumerated lateral position.
type Steering uint8

const (
	Center Steering = iota
	Left
	Right
)

func (s Steering) String() string {
	switch s {
	case Center:
		return "center"
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("steering(%d)", uint8(s))
	}
}

// Command is the resolved (throttle, steering) pair for one control tick.
type Command struct {
	Throttle Throttle
	Steering Steering
}

// Stop is the command repeated during the shutdown handshake.
var Stop = Command{Throttle: Brake, Steering: Center}

func (c Command) String() string {
	return c.Throttle.String() + "/" + c.Steering.String()
}

// ThrottleCalibration maps each throttle mode to its wire magnitude.
//
// The receiver treats 0 as coast, 1 as active brake and 2-255 as a PWM duty.
type ThrottleCalibration struct {
	Coast  uint8 `yaml:"coast"`
	Brake  uint8 `yaml:"brake"`
	Slow   uint8 `yaml:"slow"`
	Normal uint8 `yaml:"normal"`
	Turbo  uint8 `yaml:"turbo"`
}

// SteeringCalibration maps each steering position to servo degrees.
type SteeringCalibration struct {
	Left   uint8 `yaml:"left"`
	Center uint8 `yaml:"center"`
	Right  uint8 `yaml:"right"`
}

// Calibration holds the per-vehicle wire values.
type Calibration struct {
	Throttle ThrottleCalibration `yaml:"throttle"`
	Steering SteeringCalibration `yaml:"steering"`
}

// DefaultCalibration returns the values measured on the reference rover.
// PWM slow is kept at 40 because higher duty cycles inject motor noise into
// the servo supply line.
func DefaultCalibration() Calibration {
	return Calibration{
		Throttle: ThrottleCalibration{
			Coast:  0,
			Brake:  1,
			Slow:   40,
			Normal: 190,
			Turbo:  255,
		},
		Steering: SteeringCalibration{
			Left:   40,
			Center: 90,
			Right:  140,
		},
	}
}

// Validate rejects calibrations the receiver cannot tell apart.
func (c Calibration) Validate() error {
	t := c.Throttle
	if t.Coast == t.Brake {
		return fmt.Errorf("calibration: coast and brake share magnitude %d", t.Coast)
	}
	for name, v := range map[string]uint8{"slow": t.Slow, "normal": t.Normal, "turbo": t.Turbo} {
		if v == t.Coast || v == t.Brake {
			return fmt.Errorf("calibration: %s magnitude %d collides with coast/brake", name, v)
		}
	}

	s := c.Steering
	if s.Center > 180 || s.Left > 180 || s.Right > 180 {
		return fmt.Errorf("calibration: steering angles must be within 0-180")
	}
	if s.Left == s.Center || s.Right == s.Center {
		return fmt.Errorf("calibration: left/right must differ from center (%d)", s.Center)
	}
	return nil
}

// ThrottleValue returns the wire magnitude for t.
func (c Calibration) ThrottleValue(t Throttle) uint8 {
	switch t {
	case Brake:
		return c.Throttle.Brake
	case Slow:
		return c.Throttle.Slow
	case Normal:
		return c.Throttle.Normal
	case Turbo:
		return c.Throttle.Turbo
	default:
		return c.Throttle.Coast
	}
}

// SteeringValue returns the servo angle for s.
func (c Calibration) SteeringValue(s Steering) uint8 {
	switch s {
	case Left:
		return c.Steering.Left
	case Right:
		return c.Steering.Right
	default:
		return c.Steering.Center
	}
}
