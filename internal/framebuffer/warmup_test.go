package framebuffer

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

// pacedSource emits a frame every interval until closed.
type pacedSource struct {
	interval time.Duration
	closed   chan struct{}
}

func (s *pacedSource) Next(ctx context.Context) (*Frame, error) {
	select {
	case <-time.After(s.interval):
		return &Frame{Format: "jpeg", Timestamp: time.Now()}, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pacedSource) Close() error {
	close(s.closed)
	return nil
}

func evenFrameTimes(n int, fps, jitter float64, rng *rand.Rand) []time.Time {
	base := time.Unix(0, 0)
	interval := time.Duration(float64(time.Second) / fps)
	times := make([]time.Time, n)
	for i := range times {
		offset := time.Duration((rng.Float64()*2 - 1) * jitter * float64(interval))
		times[i] = base.Add(time.Duration(i)*interval + offset)
	}
	return times
}

func TestCalculateFPSStats_EdgeCases(t *testing.T) {
	if s := CalculateFPSStats(nil, time.Second); s.FramesReceived != 0 || s.IsStable {
		t.Errorf("empty input: %+v", s)
	}
	one := CalculateFPSStats([]time.Time{time.Now()}, time.Second)
	if one.FramesReceived != 1 || one.FPSMean != 1 || one.IsStable {
		t.Errorf("single frame: %+v", one)
	}
	if s := CalculateFPSStats([]time.Time{time.Now()}, 0); s.FPSMean != 0 {
		t.Errorf("zero duration should not divide: %+v", s)
	}
}

// Property: low-jitter evenly spaced frames are stable and report the
// configured rate.
func TestCalculateFPSStats_StableProperty(t *testing.T) {
	f := func(seed int64, fpsRaw uint8) bool {
		fps := 5 + float64(fpsRaw%26) // 5..30 FPS
		rng := rand.New(rand.NewSource(seed))
		times := evenFrameTimes(60, fps, 0.02, rng)
		duration := time.Duration(float64(60) / fps * float64(time.Second))

		stats := CalculateFPSStats(times, duration)
		if !stats.IsStable {
			t.Logf("fps=%.0f stddev=%.3f jitter=%.4f", fps, stats.FPSStdDev, stats.JitterMean)
			return false
		}
		return stats.FPSMin <= stats.FPSMax && stats.FPSMean > fps*0.9 && stats.FPSMean < fps*1.1
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 50}); err != nil {
		t.Error(err)
	}
}

func TestCalculateFPSStats_HighJitterUnstable(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	times := evenFrameTimes(60, 10, 0.45, rng)
	stats := CalculateFPSStats(times, 6*time.Second)
	if stats.IsStable {
		t.Errorf("45%% jitter reported stable (jitter mean %.4fs)", stats.JitterMean)
	}
}

func TestWarmup_MeasuresRate(t *testing.T) {
	buf := New()
	src := &pacedSource{interval: 10 * time.Millisecond, closed: make(chan struct{})}
	if err := buf.Start(context.Background(), src); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer buf.Stop()

	stats, err := Warmup(context.Background(), buf, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if stats.FramesReceived < 5 {
		t.Errorf("FramesReceived = %d, want a steady stream", stats.FramesReceived)
	}
	t.Logf("✅ warm-up measured %.1f FPS over %d frames", stats.FPSMean, stats.FramesReceived)
}

func TestWarmup_NoSignal(t *testing.T) {
	src := newScriptedSource()
	src.frames <- testFrame(1)

	buf := New()
	if err := buf.Start(context.Background(), src); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer buf.Stop()
	src.fail <- errors.New("camera unplugged")
	waitFor(t, "no signal", func() bool { return buf.Err() != nil })

	if _, err := Warmup(context.Background(), buf, 30*time.Millisecond); err == nil {
		t.Error("Warmup should fail when the buffer has no signal and no frames arrived")
	}
}

func TestWarmup_Cancelled(t *testing.T) {
	src := newScriptedSource()
	src.frames <- testFrame(1)

	buf := New()
	if err := buf.Start(context.Background(), src); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer buf.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Warmup(ctx, buf, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Warmup = %v, want context.Canceled", err)
	}
}
