package framebuffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// stopTimeout bounds how long Stop waits for an in-flight Next to return after
// the source has been closed. A well-behaved Source unblocks on Close; this
// only guards against one that does not.
const stopTimeout = 2 * time.Second

// lifeState tracks where a Buffer is between Start and Stop.
type lifeState int

const (
	stateIdle lifeState = iota
	// stateStarting: first acquisition in flight, lifeMu released.
	stateStarting
	stateRunning
	stateStopping
)

// Buffer holds the latest frame produced by a Source.
//
// Goroutine topology:
//   - 1 acquisition goroutine per Start (exits on failure, ctx or Stop)
//   - N readers (any goroutine may call Read)
//
// Thread-safety: all methods are safe for concurrent use.
type Buffer struct {
	// --- Slot ---

	mu      sync.Mutex
	frame   *Frame // latest frame (nil before the first acquisition)
	live    bool   // false = no signal
	unread  bool   // true until the current frame has been Read once
	lastErr error  // cause of the no-signal transition
	gen     uint64 // bumped by every Start; stale loops cannot touch the slot

	// --- Stats (protected by mu) ---

	seq         uint64
	drops       uint64
	reads       uint64
	startedAt   time.Time
	lastFrameAt time.Time

	// --- Lifecycle ---

	lifeMu      sync.Mutex // guards the fields below, never held across Next
	state       lifeState
	cancel      context.CancelFunc
	done        chan struct{}
	closeSource func() error
}

// New creates an idle buffer. Read reports no signal until Start succeeds.
func New() *Buffer {
	return &Buffer{}
}

// Start takes ownership of src and begins acquiring frames.
//
// Lifecycle:
//  1. One synchronous Next. On error the source is closed and the error is
//     returned (wrapped), leaving the buffer in "no signal".
//  2. The first frame is published.
//  3. The acquisition goroutine is spawned and Start returns.
//
// Stop may run while step 1 is in flight: it closes the source, which
// unblocks Next, and Start returns ErrClosed.
//
// Start may be called again after Stop, with a new source. That is the only
// way out of the terminal "no signal" state.
func (b *Buffer) Start(ctx context.Context, src Source) error {
	if src == nil {
		return fmt.Errorf("framebuffer: nil source")
	}

	b.lifeMu.Lock()
	if b.state != stateIdle {
		b.lifeMu.Unlock()
		return ErrAlreadyStarted
	}

	var once sync.Once
	var closeErr error
	closeSource := func() error {
		once.Do(func() { closeErr = src.Close() })
		return closeErr
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	b.state = stateStarting
	b.cancel = cancel
	b.done = done
	b.closeSource = closeSource
	gen := b.reset()
	b.lifeMu.Unlock()

	first, err := src.Next(loopCtx)

	b.lifeMu.Lock()
	aborted := b.state != stateStarting
	if err == nil && !aborted {
		b.publish(gen, first)
		b.state = stateRunning
		b.lifeMu.Unlock()

		go b.acquireLoop(loopCtx, gen, src, closeSource, done)

		slog.Info("framebuffer: started",
			"width", first.Width,
			"height", first.Height,
			"format", first.Format,
		)
		return nil
	}
	if !aborted {
		b.state = stateIdle
	}
	b.lifeMu.Unlock()

	cancel()
	if cerr := closeSource(); cerr != nil {
		slog.Debug("framebuffer: close after failed start", "error", cerr)
	}
	close(done)

	if aborted {
		return fmt.Errorf("framebuffer: stopped during first acquisition: %w", ErrClosed)
	}
	b.markNoSignal(gen, err)
	return fmt.Errorf("framebuffer: first acquisition: %w", err)
}

// acquireLoop pulls frames until the source fails or the context ends.
//
// A failure while the context is still live is a lost signal: the slot goes
// to "no signal" with the cause recorded, the source is released and the loop
// exits. It never retries. Cancellation also ends the signal and releases
// the source, but records no cause.
func (b *Buffer) acquireLoop(ctx context.Context, gen uint64, src Source, closeSource func() error, done chan struct{}) {
	defer close(done)

	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.markNoSignal(gen, nil)
				if cerr := closeSource(); cerr != nil {
					slog.Debug("framebuffer: close after cancel", "error", cerr)
				}
				return
			}
			b.markNoSignal(gen, err)
			if errors.Is(err, ErrNoFrame) {
				slog.Info("framebuffer: stream ended, no signal")
			} else {
				slog.Warn("framebuffer: source failed, no signal", "error", err)
			}
			if cerr := closeSource(); cerr != nil {
				slog.Debug("framebuffer: close after failure", "error", cerr)
			}
			return
		}
		if frame == nil {
			continue
		}
		b.publish(gen, frame)
	}
}

// publish overwrites the slot. An overwritten frame that nobody read counts
// as a drop.
func (b *Buffer) publish(gen uint64, f *Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return
	}
	if b.unread {
		b.drops++
	}
	b.seq++
	f.Seq = b.seq

	b.frame = f
	b.live = true
	b.unread = true
	b.lastFrameAt = time.Now()
}

// markNoSignal ends the signal. A nil err leaves the recorded cause alone.
func (b *Buffer) markNoSignal(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return
	}
	b.live = false
	if err != nil {
		b.lastErr = err
	}
}

// reset clears the slot for a new Start and returns its generation.
func (b *Buffer) reset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gen++
	b.frame = nil
	b.live = false
	b.unread = false
	b.lastErr = nil
	b.seq = 0
	b.drops = 0
	b.reads = 0
	b.startedAt = time.Now()
	b.lastFrameAt = time.Time{}
	return b.gen
}

// Read returns the latest frame, or ok=false when there is no signal.
//
// Read never blocks on the source: it only takes the slot mutex, which is
// held for a pointer swap at most. Consecutive calls may return the same
// frame.
func (b *Buffer) Read() (*Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.live || b.frame == nil {
		return nil, false
	}
	b.unread = false
	b.reads++
	return b.frame, true
}

// Err returns why the buffer is in "no signal", or nil.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Stop terminates acquisition and releases the source.
//
// Behavior:
//  1. Cancels the loop context.
//  2. Closes the source (exactly once, shared with the failure path), which
//     unblocks an in-flight Next, including the first one inside Start.
//  3. Waits for the loop (or Start) to finish, bounded by stopTimeout.
//
// Idempotent: calls on an idle or already stopped buffer return nil; a call
// racing another Stop waits for it.
func (b *Buffer) Stop() error {
	b.lifeMu.Lock()
	switch b.state {
	case stateIdle:
		b.lifeMu.Unlock()
		return nil
	case stateStopping:
		done := b.done
		b.lifeMu.Unlock()
		waitDone(done)
		return nil
	}
	b.state = stateStopping
	cancel, closeSource, done := b.cancel, b.closeSource, b.done
	b.lifeMu.Unlock()

	cancel()
	err := closeSource()
	waitDone(done)

	b.mu.Lock()
	b.live = false
	b.mu.Unlock()

	b.lifeMu.Lock()
	b.state = stateIdle
	b.lifeMu.Unlock()

	slog.Debug("framebuffer: stopped")
	if err != nil {
		return fmt.Errorf("framebuffer: close source: %w", err)
	}
	return nil
}

func waitDone(done chan struct{}) {
	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("framebuffer: acquisition goroutine did not exit", "timeout", stopTimeout)
	}
}
