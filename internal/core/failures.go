package core

import (
	"log/slog"
	"sync"

	"github.com/AleSMC/ESP32-Video-Rover/internal/capture"
)

// videoCategories is every category reported, in /metrics order.
var videoCategories = []capture.Category{
	capture.CategoryNetwork,
	capture.CategoryCodec,
	capture.CategoryAuth,
	capture.CategoryUnknown,
}

// videoFailures counts video failures per capture category.
type videoFailures struct {
	mu     sync.Mutex
	counts map[capture.Category]uint64
}

func (v *videoFailures) record(err error) capture.Category {
	cat := capture.Classify(err)

	v.mu.Lock()
	if v.counts == nil {
		v.counts = make(map[capture.Category]uint64)
	}
	v.counts[cat]++
	n := v.counts[cat]
	v.mu.Unlock()

	slog.Warn("core: video failure",
		"category", cat.String(),
		"count", n,
		"error", err,
	)
	return cat
}

// snapshot returns the counts keyed by category name, zeroes included.
func (v *videoFailures) snapshot() map[string]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]uint64, len(videoCategories))
	for _, c := range videoCategories {
		out[c.String()] = v.counts[c]
	}
	return out
}
