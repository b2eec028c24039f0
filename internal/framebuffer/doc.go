// Package framebuffer decouples a jittery video source from the control loop.
//
// A Buffer pulls frames from a Source on a background goroutine and keeps only
// the most recent one. The foreground loop calls Read, which never blocks and
// never observes a partially written frame.
//
// Architecture:
//
//	Source.Next (blocking, background)
//	    ↓ overwrite (unread frames are dropped)
//	single slot (mutex-guarded pointer swap)
//	    ↓ Read (non-blocking, foreground)
//	FrameSink / rendering
//
// Failure policy:
//   - The first acquisition happens synchronously inside Start, so callers can
//     detect an unreachable camera before entering the control loop.
//   - Any later acquisition error moves the slot to a terminal "no signal"
//     state. The buffer does not reconnect; a caller that wants a retry stops
//     the buffer and starts it again with a fresh Source.
//
// Lifecycle:
//
//	buf := framebuffer.New()
//	if err := buf.Start(ctx, src); err != nil {
//	    return err // camera unreachable
//	}
//	defer buf.Stop()
//
//	for range ticker.C {
//	    if frame, ok := buf.Read(); ok {
//	        sink.Render(frame)
//	    }
//	}
//
// Stop is idempotent and safe to call concurrently; the Source is closed
// exactly once per Start.
package framebuffer
