//go:build gocv

// Package cvfilter is the OpenCV rendition of the centred candidate
// filter. External contours are filled, so holes never split an object,
// and contours are visited top-to-bottom, left-to-right.
package cvfilter

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"slices"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/tbazina/dimension-visual-inspection/internal/filter"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Filter implements filter.Filter on gocv Mats
type Filter struct {
	p filter.Params
}

// New creates the OpenCV filter
func New(p filter.Params) (*Filter, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("cvfilter: %w", err)
	}
	return &Filter{p: p}, nil
}

// Detect implements filter.Filter
func (f *Filter) Detect(ctx context.Context, frame types.Frame) (*types.CandidateRegion, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("cvfilter: %w", err)
	}
	src, err := toMat(firstChannel(frame))
	if err != nil {
		return nil, fmt.Errorf("cvfilter: %w", err)
	}
	defer src.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(src,
		gocv.NewScalar(float64(f.p.ThresholdLow), 0, 0, 0),
		gocv.NewScalar(float64(f.p.ThresholdHigh), 0, 0, 0),
		&mask)

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	order := make([]int, contours.Size())
	rects := make([]image.Rectangle, contours.Size())
	for i := range order {
		order[i] = i
		rects[i] = gocv.BoundingRect(contours.At(i))
	}
	slices.SortFunc(order, func(a, b int) int {
		if rects[a].Min.Y != rects[b].Min.Y {
			return rects[a].Min.Y - rects[b].Min.Y
		}
		return rects[a].Min.X - rects[b].Min.X
	})

	centerX := float64(frame.Width / 2)
	for _, i := range order {
		r := rects[i]
		// cheap reject before filling: the box must hold MinSize pixels
		if r.Dx()*r.Dy() < f.p.MinSize {
			continue
		}

		m, ok := filledMoments(mask.Rows(), mask.Cols(), contours, i)
		if !ok || int(m.area) < f.p.MinSize {
			continue
		}

		ratio := m.ellipseRatio()
		if ratio < f.p.EllipseMin || ratio > f.p.EllipseMax {
			continue
		}
		if m.cx < centerX-float64(f.p.CenterWindow) || m.cx > centerX+float64(f.p.CenterWindow) {
			continue
		}

		object := types.Rect{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
		bounds := object.Grow(f.p.Margin).Intersect(types.Rect{Width: frame.Width, Height: frame.Height})

		slog.Debug("cvfilter: candidate found",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"area", m.area,
			"ellipse_ratio", ratio,
			"centroid_x", m.cx,
		)

		return &types.CandidateRegion{
			Crop:         frame.Crop(bounds),
			Bounds:       bounds,
			Object:       object,
			Area:         int(m.area),
			CentroidX:    m.cx,
			CentroidY:    m.cy,
			EllipseRatio: ratio,
		}, nil
	}

	return nil, nil
}

// firstChannel returns frame unchanged when it is monochrome, otherwise a
// single-channel copy of its first channel
func firstChannel(frame types.Frame) types.Frame {
	if frame.Channels <= 1 {
		return frame
	}
	bps := frame.Pixel.BytesPerSample()
	step := frame.Channels * bps
	out := frame
	out.Channels = 1
	out.Data = make([]byte, frame.Width*frame.Height*bps)
	for i, j := 0, 0; j < len(out.Data); i, j = i+step, j+bps {
		copy(out.Data[j:j+bps], frame.Data[i:i+bps])
	}
	return out
}

// toMat wraps a Mono8 frame or converts a big-endian Mono16 frame to the
// native-endian CV_16UC1 layout.
func toMat(frame types.Frame) (gocv.Mat, error) {
	if frame.Pixel != types.PixelMono16 {
		return gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC1, frame.Data)
	}
	buf := make([]byte, len(frame.Data))
	for i := 0; i+1 < len(buf); i += 2 {
		buf[i], buf[i+1] = frame.Data[i+1], frame.Data[i]
	}
	return gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV16UC1, buf)
}

type moments struct {
	area   float64
	cx, cy float64
	vxx    float64
	vyy    float64
	vxy    float64
}

// filledMoments draws contour i filled and reads its image moments
func filledMoments(rows, cols int, contours gocv.PointsVector, i int) (moments, bool) {
	filled := gocv.Zeros(rows, cols, gocv.MatTypeCV8U)
	defer filled.Close()
	gocv.DrawContours(&filled, contours, i, white, -1)

	mm := gocv.Moments(filled, true)
	m00 := mm["m00"]
	if m00 <= 0 {
		return moments{}, false
	}
	return moments{
		area: m00,
		cx:   mm["m10"] / m00,
		cy:   mm["m01"] / m00,
		vxx:  mm["mu20"]/m00 + 1.0/12,
		vyy:  mm["mu02"]/m00 + 1.0/12,
		vxy:  mm["mu11"] / m00,
	}, true
}

func (m moments) ellipseRatio() float64 {
	var eig mat.EigenSym
	if ok := eig.Factorize(mat.NewSymDense(2, []float64{m.vxx, m.vxy, m.vxy, m.vyy}), false); !ok {
		return 0
	}
	vals := eig.Values(nil)
	if vals[0] <= 0 || vals[1] <= 0 {
		return 0
	}
	return m.area / (math.Pi * 4 * math.Sqrt(vals[0]*vals[1]))
}
