package geometry

import "math"

// Point is a position in image-pixel space unless stated otherwise.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width/height pair in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether both dimensions are strictly positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Transform maps between image-pixel space and screen space using a single
// uniform scale factor. Stage is the on-screen size of the scaled image.
type Transform struct {
	Scale float64 `json:"scale"`
	Stage Size    `json:"stage"`
}

// Identity is the transform used when the image size is unknown.
var Identity = Transform{Scale: 1}

// Fit returns the transform that fits an image of the given intrinsic size
// inside container while preserving aspect ratio. Unlike a thumbnail fit the
// image is scaled up as well as down. If either size is unusable the
// identity scale is returned with the container as stage.
func Fit(container, image Size) Transform {
	if !image.Valid() || !container.Valid() {
		t := Identity
		if container.Valid() {
			t.Stage = container
		}
		return t
	}
	ratioW := container.Width / image.Width
	ratioH := container.Height / image.Height
	scale := ratioW
	if ratioH < scale {
		scale = ratioH
	}
	return Transform{
		Scale: scale,
		Stage: Size{Width: image.Width * scale, Height: image.Height * scale},
	}
}

// ToImage converts a screen-space pointer position to image-pixel space.
func (t Transform) ToImage(p Point) Point {
	s := t.scale()
	return Point{X: p.X / s, Y: p.Y / s}
}

// ToScreen converts an image-pixel position to screen space.
func (t Transform) ToScreen(p Point) Point {
	s := t.scale()
	return Point{X: p.X * s, Y: p.Y * s}
}

// ScreenDistance converts an image-space length to screen pixels.
func (t Transform) ScreenDistance(d float64) float64 {
	return d * t.scale()
}

func (t Transform) scale() float64 {
	if t.Scale <= 0 || math.IsNaN(t.Scale) || math.IsInf(t.Scale, 0) {
		return 1
	}
	return t.Scale
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Truncate drops the fractional part of each coordinate toward zero.
func Truncate(p Point) [2]int {
	return [2]int{int(math.Trunc(p.X)), int(math.Trunc(p.Y))}
}
