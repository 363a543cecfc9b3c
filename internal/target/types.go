package target

import "math"

// Point is a 2D position in screen pixels.
type Point struct {
	X float64
	Y float64
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point { return Point{X: p.X - q.X, Y: p.Y - q.Y} }

// Add returns p + q.
func (p Point) Add(q Point) Point { return Point{X: p.X + q.X, Y: p.Y + q.Y} }

// Scale returns p scaled by k.
func (p Point) Scale(k float64) Point { return Point{X: p.X * k, Y: p.Y * k} }

// Norm returns the Euclidean length of p.
func (p Point) Norm() float64 { return math.Hypot(p.X, p.Y) }

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 { return p.Sub(q).Norm() }

// IsFinite reports whether both coordinates are finite.
func (p Point) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Clamp limits p to the rectangle [0,w-1] x [0,h-1]. Non-positive
// dimensions leave that axis unclamped.
func (p Point) Clamp(w, h int) Point {
	if w > 0 {
		p.X = math.Max(0, math.Min(p.X, float64(w-1)))
	}
	if h > 0 {
		p.Y = math.Max(0, math.Min(p.Y, float64(h-1)))
	}
	return p
}

// Box is an axis-aligned bounding box with x1<x2 and y1<y2, in pixels
// relative to the capture region.
type Box struct {
	X1 float64
	Y1 float64
	X2 float64
	Y2 float64
}

// Width returns the box width.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Origin is the top-left corner of the capture region in absolute screen
// coordinates.
type Origin struct {
	Left int
	Top  int
}

// Detection is one detector output for a frame.
type Detection struct {
	Box        Box
	Confidence float64 // [0,1]
	ClassID    int
}

// Candidate is an aim point the tracker may choose this frame.
//
// ID is a coarse spatial hash the tracker uses to re-identify
// candidates across frames. It is a heuristic, not a stable
// identity: two nearby objects can share a bucket, and one object can
// change bucket between frames.
type Candidate struct {
	X          float64
	Y          float64
	Confidence float64
	ID         string
}

// Point returns the candidate position.
func (c Candidate) Point() Point { return Point{X: c.X, Y: c.Y} }

// ScreenSize is the size of the screen the tracker reasons about.
type ScreenSize struct {
	Width  int
	Height int
}

// Center returns the screen centre.
func (s ScreenSize) Center() Point {
	return Point{X: float64(s.Width) / 2, Y: float64(s.Height) / 2}
}

// Diagonal returns the screen diagonal, or 1 for a degenerate screen so
// it can be used as a divisor.
func (s ScreenSize) Diagonal() float64 {
	d := math.Hypot(float64(s.Width), float64(s.Height))
	if d <= 0 || math.IsNaN(d) {
		return 1
	}
	return d
}
