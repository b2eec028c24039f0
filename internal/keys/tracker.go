package keys

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// State is an immutable point-in-time copy of the pressed-key set.
//
// The zero value is the empty state (nothing pressed).
type State struct {
	pressed map[Key]struct{}
}

// NewState builds a state from the given keys. Unrecognized identifiers are
// dropped, letters are lowercased.
func NewState(ks ...Key) State {
	m := make(map[Key]struct{}, len(ks))
	for _, k := range ks {
		if n, ok := Normalize(string(k)); ok {
			m[n] = struct{}{}
		}
	}
	return State{pressed: m}
}

// Pressed reports whether k is held. Shift matches either physical side.
func (s State) Pressed(k Key) bool {
	if k == Shift {
		return s.has(Shift) || s.has(ShiftL) || s.has(ShiftR)
	}
	if k == Ctrl {
		return s.has(Ctrl) || s.has(CtrlL) || s.has(CtrlR)
	}
	return s.has(k)
}

func (s State) has(k Key) bool {
	_, ok := s.pressed[k]
	return ok
}

// Len returns the number of held identifiers.
func (s State) Len() int { return len(s.pressed) }

// Keys returns the held identifiers in sorted order.
func (s State) Keys() []Key {
	out := make([]Key, 0, len(s.pressed))
	for k := range s.pressed {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tracker accumulates the currently pressed keys.
//
// OnPress and OnRelease are called from the input source's delivery
// goroutine; Snapshot is called from the control loop. All methods are safe
// for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	pressed map[Key]struct{}
	ignored uint64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pressed: make(map[Key]struct{})}
}

// OnPress marks raw as held. Pressing an already held key is a no-op and
// unrecognized identifiers are ignored.
func (t *Tracker) OnPress(raw Key) {
	k, ok := Normalize(string(raw))

	t.mu.Lock()
	defer t.mu.Unlock()
	if !ok {
		t.ignored++
		return
	}
	t.pressed[k] = struct{}{}
}

// OnRelease clears raw. Releasing a key that is not held is a no-op.
func (t *Tracker) OnRelease(raw Key) {
	k, ok := Normalize(string(raw))

	t.mu.Lock()
	defer t.mu.Unlock()
	if !ok {
		t.ignored++
		return
	}
	delete(t.pressed, k)
}

// Apply dispatches an event to OnPress or OnRelease.
func (t *Tracker) Apply(e Event) {
	switch e.Action {
	case Press:
		t.OnPress(e.Key)
	case Release:
		t.OnRelease(e.Key)
	default:
		t.mu.Lock()
		t.ignored++
		t.mu.Unlock()
	}
}

// Reset releases every key. Used when the input source goes away so a key
// held at that moment does not stay latched.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.pressed)
}

// Snapshot returns a copy of the pressed set that later events cannot mutate.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := make(map[Key]struct{}, len(t.pressed))
	for k := range t.pressed {
		m[k] = struct{}{}
	}
	return State{pressed: m}
}

// Ignored returns how many events were dropped as unrecognized.
func (t *Tracker) Ignored() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ignored
}

// Consume applies events until ctx is done or the channel is closed.
// When the stream ends every key is released.
func (t *Tracker) Consume(ctx context.Context, events <-chan Event) {
	defer t.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				slog.Debug("keys: event stream closed, releasing all keys")
				return
			}
			t.Apply(e)
		}
	}
}
