package nn

import (
	"github.com/chewxy/math32"
)

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	return math32.Sqrt((p.X-b.X)*(p.X-b.X) + (p.Y-b.Y)*(p.Y-b.Y))
}

// Box is an axis aligned rectangle in corner form
type Box struct {
	X1 float32
	Y1 float32
	X2 float32
	Y2 float32
}

func (b Box) Width() float32 {
	return b.X2 - b.X1
}

func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// Returns false for boxes with zero or negative extent
func (b Box) IsValid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

func (b Box) Center() Point {
	return Point{
		X: (b.X1 + b.X2) / 2,
		Y: (b.Y1 + b.Y2) / 2,
	}
}

// Intersection returns the overlap of the two boxes.
// If they do not overlap, the result has zero width and/or height (never negative).
func (b Box) Intersection(o Box) Box {
	x1 := max(b.X1, o.X1)
	y1 := max(b.Y1, o.Y1)
	x2 := min(b.X2, o.X2)
	y2 := min(b.Y2, o.Y2)
	return Box{
		X1: x1,
		Y1: y1,
		X2: max(x1, x2),
		Y2: max(y1, y2),
	}
}

// Intersection over Union
func (b Box) IOU(o Box) float32 {
	inter := b.Intersection(o).Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clamp each coordinate to [0,width] and [0,height]
func (b Box) Clamp(width, height float32) Box {
	return Box{
		X1: clampf(b.X1, 0, width),
		Y1: clampf(b.Y1, 0, height),
		X2: clampf(b.X2, 0, width),
		Y2: clampf(b.Y2, 0, height),
	}
}

func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
