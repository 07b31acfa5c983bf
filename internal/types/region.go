package types

// Rect is an axis-aligned rectangle in pixel coordinates
type Rect struct {
	X      int `json:"x" msgpack:"x"`
	Y      int `json:"y" msgpack:"y"`
	Width  int `json:"width" msgpack:"width"`
	Height int `json:"height" msgpack:"height"`
}

// Empty reports whether the rectangle covers no pixels
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Grow expands the rectangle by m pixels on every side
func (r Rect) Grow(m int) Rect {
	return Rect{X: r.X - m, Y: r.Y - m, Width: r.Width + 2*m, Height: r.Height + 2*m}
}

// Intersect returns the overlap of r and o (zero Rect when disjoint)
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.Width, o.X+o.Width), min(r.Y+r.Height, o.Y+o.Height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// CandidateRegion is a crop judged by the candidate filter to contain a
// centred, well-formed object. A nil *CandidateRegion means "no candidate".
type CandidateRegion struct {
	// Crop is an independent copy of the region (never aliases the source frame)
	Crop Frame
	// Bounds locates the crop in source frame coordinates
	Bounds Rect
	// Object is the object's bounding box in source frame coordinates
	Object Rect
	// Area of the object in pixels
	Area int
	// CentroidX, CentroidY in source frame coordinates
	CentroidX float64
	CentroidY float64
	// EllipseRatio is area / (pi*a*b) of the moment-equivalent ellipse
	EllipseRatio float64
}
