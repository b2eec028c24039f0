package framebuffer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of mean FPS. 15 FPS mean → stable if stddev < 2.25 FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of
	// the expected inter-frame interval.
	jitterStabilityThreshold = 0.20

	// warmupPollInterval is how often Warmup samples the slot.
	warmupPollInterval = 5 * time.Millisecond
)

// WarmupStats summarizes frame arrival during the warm-up window.
type WarmupStats struct {
	FramesReceived int           `json:"frames_received"`
	Duration       time.Duration `json:"duration"`
	FPSMean        float64       `json:"fps_mean"`
	FPSStdDev      float64       `json:"fps_stddev"`
	FPSMin         float64       `json:"fps_min"`
	FPSMax         float64       `json:"fps_max"`
	IsStable       bool          `json:"is_stable"`
	JitterMean     float64       `json:"jitter_mean"` // seconds
	JitterStdDev   float64       `json:"jitter_stddev"`
	JitterMax      float64       `json:"jitter_max"`
}

// CalculateFPSStats derives FPS and jitter statistics from frame timestamps.
//
// Stability requires both:
//   - FPS stddev < 15% of mean FPS
//   - mean jitter < 20% of the expected interval
func CalculateFPSStats(frameTimes []time.Time, totalDuration time.Duration) *WarmupStats {
	n := len(frameTimes)
	if n == 0 || totalDuration <= 0 {
		return &WarmupStats{FramesReceived: n, Duration: totalDuration}
	}

	fpsMean := float64(n) / totalDuration.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return &WarmupStats{FramesReceived: n, Duration: totalDuration, FPSMean: fpsMean}
	}

	fpsMin, fpsMax := instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	expected := 1.0 / fpsMean
	jitters := make([]float64, 0, n-1)
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		j := math.Abs(frameTimes[i].Sub(frameTimes[i-1]).Seconds() - expected)
		jitters = append(jitters, j)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSquares += diff * diff
	}

	return &WarmupStats{
		FramesReceived: n,
		Duration:       totalDuration,
		FPSMean:        fpsMean,
		FPSStdDev:      fpsStdDev,
		FPSMin:         fpsMin,
		FPSMax:         fpsMax,
		IsStable:       fpsStdDev < fpsMean*fpsStabilityThreshold && jitterMean < expected*jitterStabilityThreshold,
		JitterMean:     jitterMean,
		JitterStdDev:   math.Sqrt(jitterSquares / float64(len(jitters))),
		JitterMax:      jitterMax,
	}
}

// Warmup samples the buffer for duration and measures the incoming frame rate.
//
// It replaces a blind sleep after connecting: the rover's camera needs a
// moment before exposure settles, and the measurement tells the operator
// whether the link is usable. An unstable stream is logged, not rejected.
//
// Returns an error when the context ends early or when the buffer lost its
// signal without delivering any frame during the window.
func Warmup(ctx context.Context, b *Buffer, duration time.Duration) (*WarmupStats, error) {
	slog.Info("framebuffer: warm-up started", "duration", duration)

	start := time.Now()
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	tick := time.NewTicker(warmupPollInterval)
	defer tick.Stop()

	var lastSeq uint64
	times := make([]time.Time, 0, 64)

	sample := func() {
		f, ok := b.Read()
		if !ok || f.Seq == lastSeq {
			return
		}
		lastSeq = f.Seq
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		times = append(times, ts)
	}

	sample()
loop:
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("framebuffer: warm-up interrupted: %w", ctx.Err())
		case <-tick.C:
			sample()
		case <-deadline.C:
			break loop
		}
	}

	stats := CalculateFPSStats(times, time.Since(start))
	if stats.FramesReceived == 0 {
		if err := b.Err(); err != nil {
			return stats, fmt.Errorf("framebuffer: no frames during warm-up: %w", err)
		}
	}

	level := slog.LevelInfo
	if !stats.IsStable {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "framebuffer: warm-up complete",
		"frames", stats.FramesReceived,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"jitter_mean", fmt.Sprintf("%.3fs", stats.JitterMean),
		"stable", stats.IsStable,
	)
	return stats, nil
}
