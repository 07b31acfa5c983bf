package filter

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// Mask is a binary image, row-major, true = foreground
type Mask struct {
	Width  int
	Height int
	Pix    []bool
}

// NewMask allocates an all-background mask
func NewMask(w, h int) *Mask {
	return &Mask{Width: w, Height: h, Pix: make([]bool, w*h)}
}

// RangeThreshold marks pixels whose value lies in [low, high]
func RangeThreshold(f types.Frame, low, high uint16) *Mask {
	m := NewMask(f.Width, f.Height)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := f.At(x, y)
			m.Pix[y*f.Width+x] = v >= low && v <= high
		}
	}
	return m
}

// FillHoles turns background regions not 4-connected to the border into
// foreground, in place.
func FillHoles(m *Mask) {
	w, h := m.Width, m.Height
	outside := make([]bool, len(m.Pix))
	stack := make([]int, 0, 2*(w+h))

	push := func(i int) {
		if !m.Pix[i] && !outside[i] {
			outside[i] = true
			stack = append(stack, i)
		}
	}
	for x := 0; x < w; x++ {
		push(x)
		push((h-1)*w + x)
	}
	for y := 0; y < h; y++ {
		push(y * w)
		push(y*w + w - 1)
	}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		if x > 0 {
			push(i - 1)
		}
		if x < w-1 {
			push(i + 1)
		}
		if y > 0 {
			push(i - w)
		}
		if y < h-1 {
			push(i + w)
		}
	}

	for i := range m.Pix {
		if !outside[i] {
			m.Pix[i] = true
		}
	}
}

// Component accumulates pixel statistics for one connected region
type Component struct {
	Label int
	Area  int
	MinX  int
	MinY  int
	MaxX  int
	MaxY  int

	sumX, sumY   float64
	sumXX, sumYY float64
	sumXY        float64
}

func (c *Component) add(x, y int) {
	if c.Area == 0 {
		c.MinX, c.MaxX, c.MinY, c.MaxY = x, x, y, y
	}
	c.Area++
	c.MinX = min(c.MinX, x)
	c.MaxX = max(c.MaxX, x)
	c.MinY = min(c.MinY, y)
	c.MaxY = max(c.MaxY, y)

	fx, fy := float64(x), float64(y)
	c.sumX += fx
	c.sumY += fy
	c.sumXX += fx * fx
	c.sumYY += fy * fy
	c.sumXY += fx * fy
}

// Centroid returns the mean pixel position
func (c *Component) Centroid() (float64, float64) {
	n := float64(c.Area)
	return c.sumX / n, c.sumY / n
}

// Bounds returns the inclusive bounding box as a Rect
func (c *Component) Bounds() types.Rect {
	return types.Rect{X: c.MinX, Y: c.MinY, Width: c.MaxX - c.MinX + 1, Height: c.MaxY - c.MinY + 1}
}

// Covariance returns the central second moments as a symmetric matrix
func (c *Component) Covariance() *mat.SymDense {
	n := float64(c.Area)
	cx, cy := c.Centroid()
	// Pixel extent adds 1/12 variance per axis
	vxx := c.sumXX/n - cx*cx + 1.0/12
	vyy := c.sumYY/n - cy*cy + 1.0/12
	vxy := c.sumXY/n - cx*cy
	return mat.NewSymDense(2, []float64{vxx, vxy, vxy, vyy})
}

// EllipseRatio compares the area with the ellipse that has the same
// second moments: area / (pi*a*b), a = 2*sqrt(l1), b = 2*sqrt(l2).
// A filled ellipse scores 1; rectangles score about 0.95.
func (c *Component) EllipseRatio() float64 {
	var eig mat.EigenSym
	if ok := eig.Factorize(c.Covariance(), false); !ok {
		return 0
	}
	vals := eig.Values(nil)
	if len(vals) != 2 || vals[0] <= 0 || vals[1] <= 0 {
		return 0
	}
	a := 2 * math.Sqrt(vals[0])
	b := 2 * math.Sqrt(vals[1])
	return float64(c.Area) / (math.Pi * a * b)
}

// Label finds 4-connected foreground components in raster order and drops
// those smaller than minSize pixels.
func Label(m *Mask, minSize int) []*Component {
	comps, _ := LabelMap(m, minSize)
	return comps
}

// LabelMap is Label that also returns the per-pixel label image (0 is
// background). Components dropped by minSize keep their labels in the map.
func LabelMap(m *Mask, minSize int) ([]*Component, []int32) {
	w, h := m.Width, m.Height
	labels := make([]int32, len(m.Pix))
	var comps []*Component
	var stack []int

	next := int32(0)
	for start, fg := range m.Pix {
		if !fg || labels[start] != 0 {
			continue
		}
		next++
		c := &Component{Label: int(next)}
		labels[start] = next
		stack = append(stack[:0], start)

		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			c.add(x, y)

			if x > 0 && m.Pix[i-1] && labels[i-1] == 0 {
				labels[i-1] = next
				stack = append(stack, i-1)
			}
			if x < w-1 && m.Pix[i+1] && labels[i+1] == 0 {
				labels[i+1] = next
				stack = append(stack, i+1)
			}
			if y > 0 && m.Pix[i-w] && labels[i-w] == 0 {
				labels[i-w] = next
				stack = append(stack, i-w)
			}
			if y < h-1 && m.Pix[i+w] && labels[i+w] == 0 {
				labels[i+w] = next
				stack = append(stack, i+w)
			}
		}

		if c.Area >= minSize {
			comps = append(comps, c)
		}
	}
	return comps, labels
}
