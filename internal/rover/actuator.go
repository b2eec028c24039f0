// Package rover emulates the vehicle side of the control link: the UDP
// receiver with its failsafe watchdog, the drive and steering actuators and
// the MJPEG camera endpoint. It lets the pilot run end to end without
// hardware.
package rover

import (
	"log/slog"
	"sync"
	"time"
)

// Actuator drives the physical outputs. Implementations are called from the
// receiver goroutine only.
type Actuator interface {
	Coast()
	Brake()
	Drive(pwm uint8)
	Steer(angle uint8)
}

// LogActuator reports every actuator write through slog.
type LogActuator struct {
	Logger *slog.Logger
}

func (a LogActuator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a LogActuator) Coast()            { a.logger().Info("rover: motor coast") }
func (a LogActuator) Brake()            { a.logger().Info("rover: motor brake") }
func (a LogActuator) Drive(pwm uint8)   { a.logger().Info("rover: motor drive", "pwm", pwm) }
func (a LogActuator) Steer(angle uint8) { a.logger().Info("rover: servo write", "angle", angle) }

// OpKind identifies an actuator write.
type OpKind string

const (
	OpCoast OpKind = "coast"
	OpBrake OpKind = "brake"
	OpDrive OpKind = "drive"
	OpSteer OpKind = "steer"
)

// Op is one recorded actuator write. Value is the PWM duty for drive and the
// angle for steer.
type Op struct {
	Kind  OpKind
	Value uint8
	At    time.Time
}

// Recorder keeps every actuator write in order.
type Recorder struct {
	mu  sync.Mutex
	ops []Op
}

func (r *Recorder) record(kind OpKind, v uint8) {
	r.mu.Lock()
	r.ops = append(r.ops, Op{Kind: kind, Value: v, At: time.Now()})
	r.mu.Unlock()
}

func (r *Recorder) Coast()            { r.record(OpCoast, 0) }
func (r *Recorder) Brake()            { r.record(OpBrake, 0) }
func (r *Recorder) Drive(pwm uint8)   { r.record(OpDrive, pwm) }
func (r *Recorder) Steer(angle uint8) { r.record(OpSteer, angle) }

// Ops returns a copy of the recorded writes.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// Len returns the number of recorded writes.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}
