package framebuffer

import "time"

// Stats is a point-in-time snapshot of the buffer's counters.
type Stats struct {
	Live        bool      `json:"live"`
	Frames      uint64    `json:"frames"` // frames published since Start
	Drops       uint64    `json:"drops"`  // frames overwritten before any Read
	Reads       uint64    `json:"reads"`
	LastSeq     uint64    `json:"last_seq"`
	StartedAt   time.Time `json:"started_at"`
	LastFrameAt time.Time `json:"last_frame_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Stats returns the current counters. Non-blocking; values may be slightly
// stale relative to the acquisition goroutine.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Live:        b.live,
		Frames:      b.seq,
		Drops:       b.drops,
		Reads:       b.reads,
		LastSeq:     b.seq,
		StartedAt:   b.startedAt,
		LastFrameAt: b.lastFrameAt,
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}

// DropRate returns drops as a fraction of published frames.
func (s Stats) DropRate() float64 {
	if s.Frames == 0 {
		return 0
	}
	return float64(s.Drops) / float64(s.Frames)
}
