package input

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/AleSMC/ESP32-Video-Rover/internal/keys"
)

func TestChannelSource(t *testing.T) {
	src := NewChannelSource(2)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !src.Press("w") || !src.Release("w") {
		t.Fatal("sends within capacity should succeed")
	}
	if src.Press("a") {
		t.Error("send on a full buffer should be dropped, not block")
	}

	if e := <-src.Events(); e.Action != keys.Press || e.Key != "w" {
		t.Errorf("first event = %+v", e)
	}

	src.Stop()
	src.Stop()
	if src.Press("s") {
		t.Error("send after Stop should fail")
	}

	// Remaining buffered event, then the closed channel.
	<-src.Events()
	if _, ok := <-src.Events(); ok {
		t.Error("Events should be closed after Stop")
	}
}

func newSimTerminal(t *testing.T, hold time.Duration) (*TerminalSource, tcell.SimulationScreen) {
	t.Helper()
	screen := tcell.NewSimulationScreen("")
	src, err := NewTerminalSource(screen, hold)
	if err != nil {
		t.Fatalf("NewTerminalSource: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { src.Stop() })
	return src, screen
}

func nextEvent(t *testing.T, src Source) keys.Event {
	t.Helper()
	select {
	case e, ok := <-src.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for key event")
	}
	return keys.Event{}
}

func TestTerminalSource_PressThenSynthesizedRelease(t *testing.T) {
	src, screen := newSimTerminal(t, 40*time.Millisecond)

	screen.InjectKey(tcell.KeyRune, 'w', tcell.ModNone)
	if e := nextEvent(t, src); e.Action != keys.Press || e.Key != "w" {
		t.Fatalf("got %+v, want press w", e)
	}

	start := time.Now()
	if e := nextEvent(t, src); e.Action != keys.Release || e.Key != "w" {
		t.Fatalf("got %+v, want release w", e)
	}
	if held := time.Since(start); held < 30*time.Millisecond {
		t.Errorf("release after %v, want about the hold timeout", held)
	}
	t.Logf("✅ release synthesized after %v", time.Since(start))
}

func TestTerminalSource_RepeatDoesNotRepress(t *testing.T) {
	src, screen := newSimTerminal(t, 80*time.Millisecond)

	for i := 0; i < 5; i++ {
		screen.InjectKey(tcell.KeyRune, 'a', tcell.ModNone)
		time.Sleep(10 * time.Millisecond)
	}

	if e := nextEvent(t, src); e.Action != keys.Press || e.Key != "a" {
		t.Fatalf("got %+v, want press a", e)
	}
	if e := nextEvent(t, src); e.Action != keys.Release {
		t.Fatalf("auto-repeat produced %+v, want a single press then release", e)
	}
}

func TestTerminalSource_UppercaseImpliesShift(t *testing.T) {
	src, screen := newSimTerminal(t, time.Second)

	screen.InjectKey(tcell.KeyRune, 'W', tcell.ModShift)
	got := map[keys.Key]bool{}
	for i := 0; i < 2; i++ {
		e := nextEvent(t, src)
		if e.Action != keys.Press {
			t.Fatalf("unexpected %+v", e)
		}
		got[e.Key] = true
	}
	if !got["w"] || !got[keys.Shift] {
		t.Errorf("pressed %v, want w and shift", got)
	}
}

func TestTerminalSource_NamedKeys(t *testing.T) {
	src, screen := newSimTerminal(t, time.Second)

	screen.InjectKey(tcell.KeyRune, ' ', tcell.ModNone)
	if e := nextEvent(t, src); e.Key != keys.Space {
		t.Errorf("space rune mapped to %q", e.Key)
	}
	screen.InjectKey(tcell.KeyEscape, 0, tcell.ModNone)
	if e := nextEvent(t, src); e.Key != keys.Esc {
		t.Errorf("escape mapped to %q", e.Key)
	}
}

func TestTerminalSource_StopClosesEvents(t *testing.T) {
	src, _ := newSimTerminal(t, time.Second)
	src.SetStatus("throttle=coast steering=center")

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	select {
	case _, ok := <-src.Events():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("Events not closed after Stop")
	}

	// Drawing after Stop must not touch the finalized screen.
	src.SetStatus("after stop")
}

// gatedScreen is a simulation screen whose Show can be held, like a tty that
// stopped accepting output. It records the status row of the last frame.
type gatedScreen struct {
	tcell.SimulationScreen

	mu      sync.Mutex
	hold    bool
	gate    chan struct{}
	row     []rune
	shown   string
	showCnt int
}

func (g *gatedScreen) Clear() {
	g.mu.Lock()
	g.row = g.row[:0]
	g.mu.Unlock()
	g.SimulationScreen.Clear()
}

func (g *gatedScreen) SetContent(x, y int, primary rune, combining []rune, style tcell.Style) {
	if y == 4 {
		g.mu.Lock()
		g.row = append(g.row, primary)
		g.mu.Unlock()
	}
	g.SimulationScreen.SetContent(x, y, primary, combining, style)
}

func (g *gatedScreen) Show() {
	g.mu.Lock()
	hold := g.hold
	g.mu.Unlock()
	if hold {
		<-g.gate
	}

	g.mu.Lock()
	g.shown = string(g.row)
	g.showCnt++
	g.mu.Unlock()
	g.SimulationScreen.Show()
}

func (g *gatedScreen) lastShown() (string, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shown, g.showCnt
}

func TestTerminalSource_SetStatusDoesNotWaitForTerminal(t *testing.T) {
	screen := &gatedScreen{SimulationScreen: tcell.NewSimulationScreen(""), gate: make(chan struct{})}
	src, err := NewTerminalSource(screen, time.Second)
	if err != nil {
		t.Fatalf("NewTerminalSource: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	screen.mu.Lock()
	screen.hold = true
	screen.mu.Unlock()

	start := time.Now()
	for i := 0; i < 100; i++ {
		src.SetStatus("sent=" + string(rune('a'+i%26)))
	}
	src.SetStatus("sent=final")
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("101 SetStatus calls took %v with the terminal stalled", elapsed)
	}

	screen.mu.Lock()
	screen.hold = false
	screen.mu.Unlock()
	close(screen.gate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if shown, _ := screen.lastShown(); shown == "sent=final" {
			break
		}
		if time.Now().After(deadline) {
			shown, n := screen.lastShown()
			t.Fatalf("last drawn status = %q after %d shows, want %q", shown, n, "sent=final")
		}
		time.Sleep(time.Millisecond)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_, shows := screen.lastShown()
	t.Logf("✅ status updates coalesced into %d redraws", shows)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		ev   *tcell.EventKey
		want []keys.Key
	}{
		{tcell.NewEventKey(tcell.KeyRune, 'd', tcell.ModNone), []keys.Key{"d"}},
		{tcell.NewEventKey(tcell.KeyRune, '@', tcell.ModNone), nil},
		{tcell.NewEventKey(tcell.KeyCtrlC, 0, tcell.ModCtrl), []keys.Key{keys.Esc}},
		{tcell.NewEventKey(tcell.KeyUp, 0, tcell.ModShift), []keys.Key{keys.Up, keys.Shift}},
		{tcell.NewEventKey(tcell.KeyF5, 0, tcell.ModNone), nil},
	}
	for _, tt := range tests {
		got := translate(tt.ev)
		if len(got) != len(tt.want) {
			t.Errorf("translate(%v) = %v, want %v", tt.ev.Name(), got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("translate(%v)[%d] = %q, want %q", tt.ev.Name(), i, got[i], tt.want[i])
			}
		}
	}
}
