package console

import (
	"customer-flow-console/internal/geometry"
	"customer-flow-console/internal/livechannel"
)

// OverlayEdge is one polygon edge in screen space.
type OverlayEdge struct {
	Index    int            `json:"index"`
	From     geometry.Point `json:"from"`
	To       geometry.Point `json:"to"`
	Selected bool           `json:"selected"`
}

// OverlayBox is a live detection in screen space.
type OverlayBox struct {
	ID         livechannel.BoxID `json:"id"`
	Label      string            `json:"label"`
	Confidence float64           `json:"confidence"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Width      float64           `json:"width"`
	Height     float64           `json:"height"`
}

// Overlay is everything a renderer needs to draw a source at a given
// container size. Stored coordinates are never modified by projecting.
type Overlay struct {
	SourceID  string               `json:"sourceId"`
	Transform geometry.Transform   `json:"transform"`
	Closed    bool                 `json:"closed"`
	Points    []geometry.Point     `json:"points"`
	Edges     []OverlayEdge        `json:"edges"`
	Boxes     []OverlayBox         `json:"boxes"`
	Metrics   *livechannel.Metrics `json:"metrics,omitempty"`
	Mode      Mode                 `json:"mode"`
}

// Project maps src into a container of the given size. The wrap-around edge
// is only included once the polygon is closed.
func Project(src Source, container geometry.Size, mode Mode) Overlay {
	t := geometry.Fit(container, geometry.Size{})
	if src.FrameDimensions != nil {
		t = geometry.Fit(container, *src.FrameDimensions)
	}

	a := src.Annotation
	ov := Overlay{
		SourceID:  src.ID,
		Transform: t,
		Closed:    a.IsClosed,
		Points:    make([]geometry.Point, 0, len(a.Points)),
		Edges:     []OverlayEdge{},
		Boxes:     make([]OverlayBox, 0, len(src.LiveBoxes)),
		Metrics:   src.LiveMetrics,
		Mode:      mode,
	}
	for _, p := range a.Points {
		ov.Points = append(ov.Points, t.ToScreen(p))
	}

	n := len(ov.Points)
	edges := n - 1
	if a.IsClosed {
		edges = n
	}
	for i := 0; i < edges; i++ {
		ov.Edges = append(ov.Edges, OverlayEdge{
			Index:    i,
			From:     ov.Points[i],
			To:       ov.Points[(i+1)%n],
			Selected: a.IsClosed && a.IsSelected(i),
		})
	}

	for _, b := range src.LiveBoxes {
		origin := t.ToScreen(geometry.Point{X: b.BBox[0], Y: b.BBox[1]})
		ov.Boxes = append(ov.Boxes, OverlayBox{
			ID:         b.ID,
			Label:      b.Label,
			Confidence: b.Confidence,
			X:          origin.X,
			Y:          origin.Y,
			Width:      t.ScreenDistance(b.BBox[2]),
			Height:     t.ScreenDistance(b.BBox[3]),
		})
	}
	return ov
}

// Overlay projects source id into a container of the given size.
func (s *Service) Overlay(id string, container geometry.Size) (Overlay, error) {
	src, ok := s.reg.Get(id)
	if !ok {
		return Overlay{}, ErrSourceNotFound
	}
	mode, active := s.reg.Mode()
	if active != id {
		mode = ModeIdle
	}
	return Project(src, container, mode), nil
}
