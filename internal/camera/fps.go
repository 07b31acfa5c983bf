package camera

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of mean FPS (50 fps mean → stable if stddev < 7.5).
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the
	// expected inter-frame interval.
	jitterStabilityThreshold = 0.20
)

// FPSStats summarises frame timing over a window
type FPSStats struct {
	Frames     int           `json:"frames"`
	Duration   time.Duration `json:"duration"`
	FPSMean    float64       `json:"fps_mean"`
	FPSStdDev  float64       `json:"fps_stddev"`
	FPSMin     float64       `json:"fps_min"`
	FPSMax     float64       `json:"fps_max"`
	JitterMean float64       `json:"jitter_mean_s"`
	JitterMax  float64       `json:"jitter_max_s"`
	IsStable   bool          `json:"is_stable"`
}

// CalculateFPSStats computes FPS statistics from ordered frame timestamps.
//
// Stability: instantaneous FPS stddev < 15% of the mean AND mean jitter
// < 20% of the expected interval.
func CalculateFPSStats(frameTimes []time.Time) FPSStats {
	n := len(frameTimes)
	if n < 2 {
		return FPSStats{Frames: n}
	}

	total := frameTimes[n-1].Sub(frameTimes[0])
	s := FPSStats{Frames: n, Duration: total}
	if total <= 0 {
		return s
	}

	// n frames span n-1 intervals
	s.FPSMean = float64(n-1) / total.Seconds()

	intervals := make([]float64, 0, n-1)
	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		iv := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		intervals = append(intervals, iv)
		if iv > 0 {
			instantaneous = append(instantaneous, 1/iv)
		}
	}
	if len(instantaneous) == 0 {
		return s
	}

	s.FPSMin = floats.Min(instantaneous)
	s.FPSMax = floats.Max(instantaneous)
	s.FPSStdDev = stat.PopStdDev(instantaneous, nil)

	expected := 1 / s.FPSMean
	jitters := make([]float64, len(intervals))
	for i, iv := range intervals {
		jitters[i] = math.Abs(iv - expected)
	}
	s.JitterMean = stat.Mean(jitters, nil)
	s.JitterMax = floats.Max(jitters)

	s.IsStable = s.FPSStdDev < s.FPSMean*fpsStabilityThreshold &&
		s.JitterMean < expected*jitterStabilityThreshold
	return s
}

// FPSWindow keeps the timestamps of the last N frames. Safe for
// concurrent use.
type FPSWindow struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
}

// NewFPSWindow creates a window over the last size frames (minimum 2)
func NewFPSWindow(size int) *FPSWindow {
	if size < 2 {
		size = 2
	}
	return &FPSWindow{times: make([]time.Time, size)}
}

// Record adds a frame timestamp
func (w *FPSWindow) Record(t time.Time) {
	w.mu.Lock()
	w.times[w.next] = t
	w.next = (w.next + 1) % len(w.times)
	if w.next == 0 {
		w.full = true
	}
	w.mu.Unlock()
}

// Reset forgets all recorded frames
func (w *FPSWindow) Reset() {
	w.mu.Lock()
	clear(w.times)
	w.next = 0
	w.full = false
	w.mu.Unlock()
}

// Stats computes FPS statistics over the recorded frames
func (w *FPSWindow) Stats() FPSStats {
	w.mu.Lock()
	var ordered []time.Time
	if w.full {
		ordered = append(ordered, w.times[w.next:]...)
		ordered = append(ordered, w.times[:w.next]...)
	} else {
		ordered = append(ordered, w.times[:w.next]...)
	}
	w.mu.Unlock()

	return CalculateFPSStats(ordered)
}
