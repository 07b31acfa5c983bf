package measure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/tbazina/dimension-visual-inspection/internal/filter"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// ErrNoObject is returned when the crop holds no foreground pixels
var ErrNoObject = errors.New("no object in crop")

// ORingConfig contains calibration for the O-ring measurer
type ORingConfig struct {
	InstanceID    string
	PixelSizeMM   float64
	Correction    float64
	ThresholdLow  uint16
	ThresholdHigh uint16
}

// ORing measures a dark ring on a bright field: outer and inner diameter,
// cross section, Feret extent and roundness.
type ORing struct {
	cfg   ORingConfig
	scale float64 // mm per pixel after correction
}

// NewORing creates the measurer
func NewORing(cfg ORingConfig) (*ORing, error) {
	if cfg.PixelSizeMM <= 0 {
		return nil, fmt.Errorf("measure: pixel size must be > 0, got %g", cfg.PixelSizeMM)
	}
	if cfg.Correction <= 0 {
		cfg.Correction = 1
	}
	if cfg.ThresholdLow > cfg.ThresholdHigh {
		return nil, fmt.Errorf("measure: threshold_low %d > threshold_high %d", cfg.ThresholdLow, cfg.ThresholdHigh)
	}
	return &ORing{cfg: cfg, scale: cfg.PixelSizeMM * cfg.Correction}, nil
}

// Measure implements Measurer
func (o *ORing) Measure(ctx context.Context, region *types.CandidateRegion) (types.MeasurementResult, error) {
	start := time.Now()
	crop := region.Crop
	if err := crop.Validate(); err != nil {
		return types.MeasurementResult{}, fmt.Errorf("measure: %w", err)
	}

	mask := filter.RangeThreshold(crop, o.cfg.ThresholdLow, o.cfg.ThresholdHigh)
	comps, labels := filter.LabelMap(mask, 1)
	if len(comps) == 0 {
		return types.MeasurementResult{}, ErrNoObject
	}

	body := comps[0]
	for _, c := range comps[1:] {
		if c.Area > body.Area {
			body = c
		}
	}

	// outer outline: the body with its holes filled
	outer := filter.NewMask(mask.Width, mask.Height)
	for i, l := range labels {
		outer.Pix[i] = l == int32(body.Label)
	}
	filter.FillHoles(outer)

	if err := ctx.Err(); err != nil {
		return types.MeasurementResult{}, err
	}

	outerArea := 0
	var sumX, sumY float64
	for i, fg := range outer.Pix {
		if fg {
			outerArea++
			sumX += float64(i % outer.Width)
			sumY += float64(i / outer.Width)
		}
	}
	holeArea := outerArea - body.Area
	cx, cy := sumX/float64(outerArea), sumY/float64(outerArea)

	outerD := 2 * math.Sqrt(float64(outerArea)/math.Pi)
	innerD := 2 * math.Sqrt(float64(holeArea)/math.Pi)

	boundary := boundaryPixels(outer)
	feretMax, feretMin := feret(boundary)

	radii := make([]float64, len(boundary))
	for i, p := range boundary {
		radii[i] = math.Hypot(p[0]-cx, p[1]-cy)
	}
	meanR, stdR := stat.PopMeanStdDev(radii, nil)
	roundness := 0.0
	if meanR > 0 {
		roundness = 1 - stdR/meanR
	}

	return types.MeasurementResult{
		ObjectID:   uuid.NewString(),
		InstanceID: o.cfg.InstanceID,
		FrameSeq:   crop.Seq,
		TraceID:    crop.TraceID,
		Bounds:     region.Bounds,
		Scalars: map[string]float64{
			types.FeatureOuterDiameter: outerD * o.scale,
			types.FeatureInnerDiameter: innerD * o.scale,
			types.FeatureCrossSection:  (outerD - innerD) / 2 * o.scale,
			types.FeatureFeretMax:      feretMax * o.scale,
			types.FeatureFeretMin:      feretMin * o.scale,
			types.FeatureRoundness:     roundness,
		},
		Vectors: map[string][]float64{
			types.FeatureCenter: {cx + float64(region.Bounds.X), cy + float64(region.Bounds.Y)},
		},
		ProcessMS:  float64(time.Since(start).Microseconds()) / 1000,
		MeasuredAt: time.Now(),
	}, nil
}

// boundaryPixels returns the centres of foreground pixels that touch the
// background or the mask edge (4-neighbourhood)
func boundaryPixels(m *filter.Mask) [][2]float64 {
	var pts [][2]float64
	w, h := m.Width, m.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if !m.Pix[i] {
				continue
			}
			if x == 0 || y == 0 || x == w-1 || y == h-1 ||
				!m.Pix[i-1] || !m.Pix[i+1] || !m.Pix[i-w] || !m.Pix[i+w] {
				pts = append(pts, [2]float64{float64(x), float64(y)})
			}
		}
	}
	return pts
}

// feret returns the largest and smallest caliper width over 0..179 degrees
// in 1 degree steps. Widths count whole pixels, so one pixel is added to the
// spread of pixel centres.
func feret(pts [][2]float64) (float64, float64) {
	if len(pts) == 0 {
		return 0, 0
	}
	maxW, minW := 0.0, math.Inf(1)
	for deg := 0; deg < 180; deg++ {
		sin, cos := math.Sincos(float64(deg) * math.Pi / 180)
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, p := range pts {
			d := p[0]*cos + p[1]*sin
			lo = math.Min(lo, d)
			hi = math.Max(hi, d)
		}
		w := hi - lo + 1
		maxW = math.Max(maxW, w)
		minW = math.Min(minW, w)
	}
	return maxW, minW
}
