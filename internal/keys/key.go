// Package keys tracks which semantic keyboard keys are currently held down.
//
// The tracker is the write side of the control path: an input source delivers
// press/release events from its own goroutine, the foreground loop reads an
// immutable State snapshot once per tick.
package keys

import (
	"strings"
	"time"
	"unicode"
)

// Key is a semantic key identifier.
//
// Letters are single lowercase runes ("w", "a"). Named keys use the
// identifiers below. Left and right shift are kept distinct so releasing one
// side does not release the other; State.Pressed(Shift) collapses them.
type Key string

const (
	Shift  Key = "shift"
	ShiftL Key = "shift_l"
	ShiftR Key = "shift_r"
	Ctrl   Key = "ctrl"
	CtrlL  Key = "ctrl_l"
	CtrlR  Key = "ctrl_r"
	Alt    Key = "alt"
	Space  Key = "space"
	Esc    Key = "esc"
	Enter  Key = "enter"
	Tab    Key = "tab"
	Up     Key = "up"
	Down   Key = "down"
	Left   Key = "left"
	Right  Key = "right"
)

var named = map[Key]struct{}{
	Shift: {}, ShiftL: {}, ShiftR: {},
	Ctrl: {}, CtrlL: {}, CtrlR: {},
	Alt: {}, Space: {}, Esc: {}, Enter: {}, Tab: {},
	Up: {}, Down: {}, Left: {}, Right: {},
}

// aliases maps common spellings to canonical identifiers.
var aliases = map[string]Key{
	" ":           Space,
	"escape":      Esc,
	"return":      Enter,
	"shift_left":  ShiftL,
	"shift_right": ShiftR,
	"lshift":      ShiftL,
	"rshift":      ShiftR,
	"ctrl_left":   CtrlL,
	"ctrl_right":  CtrlR,
	"control":     Ctrl,
}

// Normalize maps a raw key name to its semantic identifier.
//
// Single letters and digits are lowercased. Named keys are matched case
// insensitively. Anything else is reported as not recognized.
func Normalize(raw string) (Key, bool) {
	if raw == " " {
		return Space, true
	}
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}

	r := []rune(s)
	if len(r) == 1 && (unicode.IsLetter(r[0]) || unicode.IsDigit(r[0])) {
		return Key(s), true
	}

	if k, ok := aliases[s]; ok {
		return k, true
	}
	if _, ok := named[Key(s)]; ok {
		return Key(s), true
	}
	return "", false
}

// Valid reports whether k is a canonical identifier accepted by the tracker.
func (k Key) Valid() bool {
	n, ok := Normalize(string(k))
	return ok && n == k
}

// IsShift reports whether k is any of the shift identifiers.
func (k Key) IsShift() bool {
	return k == Shift || k == ShiftL || k == ShiftR
}

// Action is the kind of keyboard transition.
type Action int

const (
	Press Action = iota
	Release
)

func (a Action) String() string {
	switch a {
	case Press:
		return "press"
	case Release:
		return "release"
	default:
		return "unknown"
	}
}

// Event is a single press or release notification from an input source.
type Event struct {
	Action    Action
	Key       Key
	Timestamp time.Time
}

// PressEvent builds a press event stamped with the current time.
func PressEvent(k Key) Event {
	return Event{Action: Press, Key: k, Timestamp: time.Now()}
}

// ReleaseEvent builds a release event stamped with the current time.
func ReleaseEvent(k Key) Event {
	return Event{Action: Release, Key: k, Timestamp: time.Now()}
}
