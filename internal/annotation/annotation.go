package annotation

import (
	"sort"

	"customer-flow-console/internal/geometry"
)

// ClosingThresholdPixels is the default radius, in screen pixels, around the
// first vertex inside which a pointer event closes the polygon.
const ClosingThresholdPixels = 15.0

// MinClosedPoints is the smallest vertex count that can form a polygon.
const MinClosedPoints = 3

// ZoneType classifies the polygon interior relative to the venue.
type ZoneType string

const (
	ZoneUnset   ZoneType = ""
	ZoneInside  ZoneType = "inside"
	ZoneOutside ZoneType = "outside"
)

// Valid reports whether z is one of the settable zone types.
func (z ZoneType) Valid() bool {
	return z == ZoneInside || z == ZoneOutside
}

// ParseZoneType maps operator input to a ZoneType. Unknown values yield ZoneUnset.
func ParseZoneType(s string) ZoneType {
	switch ZoneType(s) {
	case ZoneInside:
		return ZoneInside
	case ZoneOutside:
		return ZoneOutside
	default:
		return ZoneUnset
	}
}

// Annotation is the region-of-interest polygon for one source together with
// the crossing edges and zone classification chosen on it.
//
// Values are treated as immutable: every operation below returns a fresh copy
// and never aliases the receiver's slices.
type Annotation struct {
	Points              []geometry.Point `json:"points"`
	IsClosed            bool             `json:"isClosed"`
	SelectedLineIndices []int            `json:"selectedLineIndices"`
	ZoneType            ZoneType         `json:"zoneType,omitempty"`
}

// Clone returns a deep copy of a.
func (a Annotation) Clone() Annotation {
	out := Annotation{IsClosed: a.IsClosed, ZoneType: a.ZoneType}
	out.Points = append(make([]geometry.Point, 0, len(a.Points)), a.Points...)
	out.SelectedLineIndices = append(make([]int, 0, len(a.SelectedLineIndices)), a.SelectedLineIndices...)
	return out
}

// Empty reports whether no vertex has been placed.
func (a Annotation) Empty() bool {
	return len(a.Points) == 0
}

// AddPoint appends p unless the polygon is closed or p repeats the last vertex.
func AddPoint(a Annotation, p geometry.Point) (Annotation, bool) {
	if a.IsClosed {
		return a, false
	}
	if n := len(a.Points); n > 0 && a.Points[n-1] == p {
		return a, false
	}
	out := a.Clone()
	out.Points = append(out.Points, p)
	return out, true
}

// Undo removes the last vertex of an open polygon. A closed polygon is never
// reopened.
func Undo(a Annotation) (Annotation, bool) {
	if a.IsClosed || len(a.Points) == 0 {
		return a, false
	}
	out := a.Clone()
	out.Points = out.Points[:len(out.Points)-1]
	return out, true
}

// Close marks an open polygon with at least MinClosedPoints vertices as closed.
func Close(a Annotation) (Annotation, bool) {
	if a.IsClosed || len(a.Points) < MinClosedPoints {
		return a, false
	}
	out := a.Clone()
	out.IsClosed = true
	return out, true
}

// ToggleLine flips membership of edge i in the selected set. Indices outside
// the closed polygon's edge range are ignored.
func ToggleLine(a Annotation, i int) (Annotation, bool) {
	if !a.IsClosed || i < 0 || i >= len(a.Points) {
		return a, false
	}
	out := a.Clone()
	kept := out.SelectedLineIndices[:0]
	found := false
	for _, idx := range out.SelectedLineIndices {
		if idx == i {
			found = true
			continue
		}
		kept = append(kept, idx)
	}
	if !found {
		kept = append(kept, i)
	}
	sort.Ints(kept)
	out.SelectedLineIndices = kept
	return out, true
}

// SetZoneType records the zone classification of a closed polygon.
func SetZoneType(a Annotation, z ZoneType) (Annotation, bool) {
	if !a.IsClosed || !z.Valid() {
		return a, false
	}
	out := a.Clone()
	out.ZoneType = z
	return out, true
}

// Cleared returns the empty annotation.
func Cleared() Annotation {
	return Annotation{Points: []geometry.Point{}, SelectedLineIndices: []int{}}
}

// Edge returns the endpoints of edge i, which joins vertex i to vertex
// (i+1) mod N. Edges only exist on a closed polygon.
func (a Annotation) Edge(i int) (geometry.Point, geometry.Point, bool) {
	n := len(a.Points)
	if !a.IsClosed || i < 0 || i >= n {
		return geometry.Point{}, geometry.Point{}, false
	}
	return a.Points[i], a.Points[(i+1)%n], true
}

// CrossingLines returns the endpoint pairs of every selected edge, in
// ascending edge order.
func (a Annotation) CrossingLines() [][2]geometry.Point {
	lines := make([][2]geometry.Point, 0, len(a.SelectedLineIndices))
	for _, i := range a.SelectedLineIndices {
		from, to, ok := a.Edge(i)
		if !ok {
			continue
		}
		lines = append(lines, [2]geometry.Point{from, to})
	}
	return lines
}

// IsSelected reports whether edge i is a crossing line.
func (a Annotation) IsSelected(i int) bool {
	idx := sort.SearchInts(a.SelectedLineIndices, i)
	return idx < len(a.SelectedLineIndices) && a.SelectedLineIndices[idx] == i
}

// HitsStart reports whether an image-space pointer position p should close
// the polygon rather than add a vertex. The radius is fixed in screen pixels,
// so the image-space distance is multiplied by the current scale.
func HitsStart(a Annotation, p geometry.Point, scale, thresholdPixels float64) bool {
	if a.IsClosed || len(a.Points) < MinClosedPoints {
		return false
	}
	return geometry.Distance(p, a.Points[0])*scale < thresholdPixels
}

// Normalize repairs invariants on an annotation that came from outside the
// engine (for example a persisted projection).
func Normalize(a Annotation) Annotation {
	out := a.Clone()
	if len(out.Points) < MinClosedPoints {
		out.IsClosed = false
	}
	if !out.IsClosed {
		out.SelectedLineIndices = []int{}
		out.ZoneType = ZoneUnset
		return out
	}
	if !out.ZoneType.Valid() {
		out.ZoneType = ZoneUnset
	}
	seen := make(map[int]bool, len(out.SelectedLineIndices))
	kept := out.SelectedLineIndices[:0]
	for _, i := range out.SelectedLineIndices {
		if i < 0 || i >= len(out.Points) || seen[i] {
			continue
		}
		seen[i] = true
		kept = append(kept, i)
	}
	sort.Ints(kept)
	out.SelectedLineIndices = kept
	return out
}
