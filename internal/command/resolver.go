package command

import "github.com/AleSMC/ESP32-Video-Rover/internal/keys"

// Bindings assigns a semantic key to each control role.
type Bindings struct {
	Forward   keys.Key `yaml:"forward"`
	Brake     keys.Key `yaml:"brake"`
	Left      keys.Key `yaml:"left"`
	Right     keys.Key `yaml:"right"`
	Precision keys.Key `yaml:"precision"`
	Boost     keys.Key `yaml:"boost"`
	Exit      keys.Key `yaml:"exit"`
}

// DefaultBindings is the WASD layout with shift for precision and space for
// boost.
func DefaultBindings() Bindings {
	return Bindings{
		Forward:   "w",
		Brake:     "s",
		Left:      "a",
		Right:     "d",
		Precision: keys.Shift,
		Boost:     keys.Space,
		Exit:      keys.Esc,
	}
}

// Resolver maps a key state to a command. It holds no mutable state: the
// same State always yields the same Command.
type Resolver struct {
	bindings Bindings
}

// NewResolver creates a resolver for the given bindings.
func NewResolver(b Bindings) Resolver {
	return Resolver{bindings: b}
}

// Bindings returns the key layout used by the resolver.
func (r Resolver) Bindings() Bindings { return r.bindings }

// Resolve applies the steering and throttle rules to s.
//
// Throttle priority, first match wins:
//  1. brake held: Brake, whatever else is held
//  2. forward held: Slow with precision, else Turbo with boost, else Normal
//  3. boost held alone: Brake (handbrake)
//  4. otherwise: Coast
//
// Precision beats boost. Reordering these rules changes how the vehicle
// reacts and must be treated as a regression.
func (r Resolver) Resolve(s keys.State) Command {
	b := r.bindings

	left := s.Pressed(b.Left)
	right := s.Pressed(b.Right)

	steer := Center
	switch {
	case left && !right:
		steer = Left
	case right && !left:
		steer = Right
	}

	forward := s.Pressed(b.Forward)
	boost := s.Pressed(b.Boost)

	throttle := Coast
	switch {
	case s.Pressed(b.Brake):
		throttle = Brake
	case forward:
		switch {
		case s.Pressed(b.Precision):
			throttle = Slow
		case boost:
			throttle = Turbo
		default:
			throttle = Normal
		}
	case boost:
		throttle = Brake
	}

	return Command{Throttle: throttle, Steering: steer}
}

// ExitRequested reports whether the exit key is held in s.
func (r Resolver) ExitRequested(s keys.State) bool {
	if r.bindings.Exit == "" {
		return false
	}
	return s.Pressed(r.bindings.Exit)
}
