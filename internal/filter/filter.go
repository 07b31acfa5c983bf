// Package filter decides whether a frame contains a centred, well-formed
// object worth measuring and, if so, returns a crop around it.
package filter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tbazina/dimension-visual-inspection/internal/pool"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// Filter judges one frame. A nil region with a nil error means "no candidate".
type Filter interface {
	Detect(ctx context.Context, frame types.Frame) (*types.CandidateRegion, error)
}

// Func adapts a Filter to the worker pool function signature
func Func(f Filter) pool.Func[types.Frame, *types.CandidateRegion] {
	return f.Detect
}

// Params holds candidate filter thresholds
type Params struct {
	ThresholdLow  uint16
	ThresholdHigh uint16
	MinSize       int
	EllipseMin    float64
	EllipseMax    float64
	CenterWindow  int
	Margin        int
}

// DefaultParams returns the thresholds used on the reference line
func DefaultParams() Params {
	return Params{
		ThresholdLow:  30,
		ThresholdHigh: 240,
		MinSize:       10000,
		EllipseMin:    0.98,
		EllipseMax:    1.02,
		CenterWindow:  150,
		Margin:        50,
	}
}

// Validate checks parameter consistency
func (p Params) Validate() error {
	if p.ThresholdLow > p.ThresholdHigh {
		return fmt.Errorf("threshold_low %d > threshold_high %d", p.ThresholdLow, p.ThresholdHigh)
	}
	if p.MinSize < 1 {
		return fmt.Errorf("min_size must be >= 1, got %d", p.MinSize)
	}
	if p.EllipseMin <= 0 || p.EllipseMin > p.EllipseMax {
		return fmt.Errorf("invalid ellipse range [%g, %g]", p.EllipseMin, p.EllipseMax)
	}
	if p.CenterWindow < 0 || p.Margin < 0 {
		return fmt.Errorf("center_window and margin must be >= 0")
	}
	return nil
}

// Centered is the reference candidate filter: range threshold, fill holes,
// label, ellipse check, centre window, crop with margin.
type Centered struct {
	p Params
}

// NewCentered creates the filter
func NewCentered(p Params) (*Centered, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return &Centered{p: p}, nil
}

// Detect implements Filter. Multi-channel frames are judged on their first
// channel; the crop keeps every channel.
func (c *Centered) Detect(ctx context.Context, frame types.Frame) (*types.CandidateRegion, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	mask := RangeThreshold(frame, c.p.ThresholdLow, c.p.ThresholdHigh)
	FillHoles(mask)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	centerX := float64(frame.Width / 2)
	for _, comp := range Label(mask, c.p.MinSize) {
		ratio := comp.EllipseRatio()
		if ratio < c.p.EllipseMin || ratio > c.p.EllipseMax {
			continue
		}

		cx, cy := comp.Centroid()
		if cx < centerX-float64(c.p.CenterWindow) || cx > centerX+float64(c.p.CenterWindow) {
			continue
		}

		object := comp.Bounds()
		bounds := object.Grow(c.p.Margin).Intersect(types.Rect{Width: frame.Width, Height: frame.Height})

		slog.Debug("filter: candidate found",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"area", comp.Area,
			"ellipse_ratio", ratio,
			"centroid_x", cx,
		)

		return &types.CandidateRegion{
			Crop:         frame.Crop(bounds),
			Bounds:       bounds,
			Object:       object,
			Area:         comp.Area,
			CentroidX:    cx,
			CentroidY:    cy,
			EllipseRatio: ratio,
		}, nil
	}

	return nil, nil
}
