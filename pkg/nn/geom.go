package nn

import (
	"github.com/chewxy/math32"
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	return math32.Sqrt(float32((p.X-b.X)*(p.X-b.X) + (p.Y-b.Y)*(p.Y-b.Y)))
}

// Rect is an axis-aligned box in pixel coordinates
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) X2() int {
	return r.X + r.Width
}

func (r Rect) Y2() int {
	return r.Y + r.Height
}

func (r Rect) Area() int {
	return r.Width * r.Height
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X2(), b.X2())
	y2 := min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

func (r Rect) Union(b Rect) Rect {
	x1 := min(r.X, b.X)
	y1 := min(r.Y, b.Y)
	x2 := max(r.X2(), b.X2())
	y2 := max(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// Intersection over Union. Returns 0 when both boxes are empty.
func (r Rect) IOU(b Rect) float32 {
	intersection := r.Intersection(b).Area()
	union := r.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return float32(intersection) / float32(union)
}

func (r Rect) Center() Point {
	return Point{
		X: r.X + r.Width/2,
		Y: r.Y + r.Height/2,
	}
}

// Clip returns r restricted to [0,0,width,height]
func (r Rect) Clip(width, height int) Rect {
	return r.Intersection(Rect{Width: width, Height: height})
}

// RectFromNormalized converts a box in normalized [0,1] coordinates
// (ymin, xmin, ymax, xmax order, as emitted by SSD detectors) into pixels
// of an image of size width x height.
func RectFromNormalized(ymin, xmin, ymax, xmax float32, width, height int) Rect {
	x1 := int(math32.Round(xmin * float32(width)))
	y1 := int(math32.Round(ymin * float32(height)))
	x2 := int(math32.Round(xmax * float32(width)))
	y2 := int(math32.Round(ymax * float32(height)))
	return Rect{X: x1, Y: y1, Width: max(0, x2-x1), Height: max(0, y2-y1)}.Clip(width, height)
}
