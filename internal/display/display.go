// Package display keeps the operator view model: the latest frame, the
// displayed frame rate and the ordered list of measurement results.
// Rendering is left to consumers such as the HTTP preview.
package display

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbazina/dimension-visual-inspection/internal/camera"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// Display implements the router's display sink and the measurement
// stage's result sink. Safe for concurrent use.
type Display struct {
	fps *camera.FPSWindow

	mu      sync.RWMutex
	latest  *types.Frame
	results []types.MeasurementResult

	frames  atomic.Uint64
	updates atomic.Uint64
}

// View is a point-in-time copy of the display state
type View struct {
	Frame   *types.Frame              `json:"-"`
	Frames  uint64                    `json:"frames"`
	FPS     float64                   `json:"fps"`
	Results []types.MeasurementResult `json:"results"`
}

// New creates a display averaging FPS over fpsAverage frames
func New(fpsAverage int) *Display {
	if fpsAverage < 2 {
		fpsAverage = 10
	}
	return &Display{fps: camera.NewFPSWindow(fpsAverage)}
}

// UpdateFrame replaces the latest frame. The frame buffer is shared, not
// copied: producers never reuse a buffer once it is delivered.
func (d *Display) UpdateFrame(frame types.Frame) {
	d.fps.Record(time.Now())
	d.frames.Add(1)

	d.mu.Lock()
	d.latest = &frame
	d.mu.Unlock()
}

// UpdateMeasurementResult stores the ordered result list
func (d *Display) UpdateMeasurementResult(results []types.MeasurementResult) {
	d.updates.Add(1)

	d.mu.Lock()
	d.results = results
	d.mu.Unlock()

	if n := len(results); n > 0 {
		slog.Debug("display: results updated", "count", n, "last_object_id", results[n-1].ObjectID)
	}
}

// Latest returns the most recent frame, if any
func (d *Display) Latest() (types.Frame, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.latest == nil {
		return types.Frame{}, false
	}
	return *d.latest, true
}

// Results returns the last result list received
func (d *Display) Results() []types.MeasurementResult {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]types.MeasurementResult(nil), d.results...)
}

// FPS returns the display frame rate over the averaging window
func (d *Display) FPS() float64 {
	return d.fps.Stats().FPSMean
}

// Snapshot returns the current view
func (d *Display) Snapshot() View {
	d.mu.RLock()
	latest := d.latest
	results := append([]types.MeasurementResult(nil), d.results...)
	d.mu.RUnlock()

	return View{
		Frame:   latest,
		Frames:  d.frames.Load(),
		FPS:     d.FPS(),
		Results: results,
	}
}

// Reset clears the frame slot and FPS window, keeping results
func (d *Display) Reset() {
	d.fps.Reset()
	d.mu.Lock()
	d.latest = nil
	d.mu.Unlock()
}
