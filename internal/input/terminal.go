package input

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode"

	"github.com/gdamore/tcell/v2"

	"github.com/AleSMC/ESP32-Video-Rover/internal/keys"
)

// DefaultHoldTimeout is longer than the typical keyboard auto-repeat delay
// (~500 ms), so a key that is being held keeps refreshing before it expires.
const DefaultHoldTimeout = 600 * time.Millisecond

// TerminalSource reads keys from a tcell screen.
//
// Terminals report key presses (and auto-repeat) but never releases, so a
// release is synthesized once a key has not been seen for the hold timeout.
// An uppercase letter also holds the shift key.
type TerminalSource struct {
	screen      tcell.Screen
	holdTimeout time.Duration

	events chan keys.Event
	raw    chan *tcell.EventKey

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup

	statusMu sync.Mutex
	status   string
	redraw   chan struct{} // 1-slot, coalesces redraw requests

	screenMu sync.Mutex // serializes drawing and Fini
	active   bool       // screen initialized and not yet finalized
}

// NewTerminalSource creates a source on screen. A nil screen opens the
// controlling terminal.
func NewTerminalSource(screen tcell.Screen, holdTimeout time.Duration) (*TerminalSource, error) {
	if screen == nil {
		s, err := tcell.NewScreen()
		if err != nil {
			return nil, fmt.Errorf("input: open terminal: %w", err)
		}
		screen = s
	}
	if holdTimeout <= 0 {
		holdTimeout = DefaultHoldTimeout
	}

	return &TerminalSource{
		screen:      screen,
		holdTimeout: holdTimeout,
		events:      make(chan keys.Event, 64),
		raw:         make(chan *tcell.EventKey, 64),
		stop:        make(chan struct{}),
		redraw:      make(chan struct{}, 1),
	}, nil
}

// Start initializes the screen and begins delivering events.
func (t *TerminalSource) Start(ctx context.Context) error {
	var err error
	t.startOnce.Do(func() {
		if err = t.screen.Init(); err != nil {
			err = fmt.Errorf("input: init terminal: %w", err)
			return
		}
		t.screen.HideCursor()
		t.screenMu.Lock()
		t.active = true
		t.screenMu.Unlock()
		t.draw()

		t.wg.Add(3)
		go t.pollLoop()
		go t.deliverLoop(ctx)
		go t.drawLoop()

		slog.Info("input: terminal source started", "hold_timeout", t.holdTimeout)
	})
	return err
}

// Events returns the delivery channel. It is closed by Stop.
func (t *TerminalSource) Events() <-chan keys.Event { return t.events }

// pollLoop forwards key events from tcell. PollEvent returns nil after Fini.
func (t *TerminalSource) pollLoop() {
	defer t.wg.Done()

	for {
		ev := t.screen.PollEvent()
		if ev == nil {
			return
		}
		switch e := ev.(type) {
		case *tcell.EventKey:
			select {
			case t.raw <- e:
			case <-t.stop:
				return
			}
		case *tcell.EventResize:
			t.screen.Sync()
			t.requestRedraw()
		}
	}
}

// deliverLoop owns the held-key set and emits press and synthesized release
// events.
func (t *TerminalSource) deliverLoop(ctx context.Context) {
	defer t.wg.Done()

	held := make(map[keys.Key]time.Time)
	sweep := time.NewTicker(t.holdTimeout / 4)
	defer sweep.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return

		case ev := <-t.raw:
			now := time.Now()
			for _, k := range translate(ev) {
				if _, ok := held[k]; !ok {
					if !t.emit(keys.PressEvent(k)) {
						return
					}
				}
				held[k] = now
			}

		case now := <-sweep.C:
			for k, seen := range held {
				if now.Sub(seen) >= t.holdTimeout {
					delete(held, k)
					if !t.emit(keys.ReleaseEvent(k)) {
						return
					}
				}
			}
		}
	}
}

func (t *TerminalSource) emit(e keys.Event) bool {
	select {
	case t.events <- e:
		return true
	case <-t.stop:
		return false
	}
}

// translate maps a tcell key event to semantic keys.
func translate(ev *tcell.EventKey) []keys.Key {
	switch ev.Key() {
	case tcell.KeyRune:
		r := ev.Rune()
		if r == ' ' {
			return []keys.Key{keys.Space}
		}
		k, ok := keys.Normalize(string(r))
		if !ok {
			return nil
		}
		if unicode.IsUpper(r) {
			return []keys.Key{k, keys.Shift}
		}
		return []keys.Key{k}
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return []keys.Key{keys.Esc}
	case tcell.KeyEnter:
		return []keys.Key{keys.Enter}
	case tcell.KeyTab:
		return []keys.Key{keys.Tab}
	case tcell.KeyUp:
		return withShift(ev, keys.Up)
	case tcell.KeyDown:
		return withShift(ev, keys.Down)
	case tcell.KeyLeft:
		return withShift(ev, keys.Left)
	case tcell.KeyRight:
		return withShift(ev, keys.Right)
	default:
		return nil
	}
}

func withShift(ev *tcell.EventKey, k keys.Key) []keys.Key {
	if ev.Modifiers()&tcell.ModShift != 0 {
		return []keys.Key{k, keys.Shift}
	}
	return []keys.Key{k}
}

// SetStatus replaces the status line shown under the help text. It never
// writes to the terminal itself: the redraw happens on the draw goroutine, so
// a slow or stalled tty cannot hold up the caller.
func (t *TerminalSource) SetStatus(line string) {
	t.statusMu.Lock()
	changed := t.status != line
	t.status = line
	t.statusMu.Unlock()

	if changed {
		t.requestRedraw()
	}
}

func (t *TerminalSource) requestRedraw() {
	select {
	case t.redraw <- struct{}{}:
	default:
	}
}

// drawLoop repaints the screen whenever a redraw was requested.
func (t *TerminalSource) drawLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.stop:
			return
		case <-t.redraw:
			t.draw()
		}
	}
}

func (t *TerminalSource) draw() {
	t.statusMu.Lock()
	status := t.status
	t.statusMu.Unlock()

	t.screenMu.Lock()
	defer t.screenMu.Unlock()
	if !t.active {
		return
	}

	t.screen.Clear()
	lines := []string{
		"ESP32 rover pilot",
		"W forward  S brake  A/D steer  SHIFT precision  SPACE boost/handbrake",
		"ESC quit",
		"",
		status,
	}
	for y, line := range lines {
		for x, r := range line {
			t.screen.SetContent(x, y, r, nil, tcell.StyleDefault)
		}
	}
	t.screen.Show()
}

// Stop restores the terminal and closes Events. Idempotent.
func (t *TerminalSource) Stop() error {
	t.stopOnce.Do(func() {
		close(t.stop)

		t.screenMu.Lock()
		if t.active {
			t.active = false
			t.screen.Fini()
		}
		t.screenMu.Unlock()

		t.wg.Wait()
		close(t.events)
		slog.Debug("input: terminal source stopped")
	})
	return nil
}
