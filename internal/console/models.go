package console

import (
	"customer-flow-console/internal/annotation"
	"customer-flow-console/internal/geometry"
	"customer-flow-console/internal/livechannel"
)

// Status is the lifecycle status of a source.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusLoadingFrame  Status = "loading_frame"
	StatusFrameLoaded   Status = "frame_loaded"
	StatusAnnotating    Status = "annotating"
	StatusAnnotated     Status = "annotated"
	StatusAnalyzing     Status = "analyzing"
	StatusStreaming     Status = "streaming"
	StatusErrorFrame    Status = "error_frame"
	StatusErrorAnalysis Status = "error_analysis"
)

// IsError reports whether s is one of the error variants.
func (s Status) IsError() bool {
	return s == StatusErrorFrame || s == StatusErrorAnalysis
}

// Mode is the interaction mode of the active source.
type Mode string

const (
	ModeDrawing       Mode = "drawing"
	ModeLineSelection Mode = "line_selection"
	ModeIdle          Mode = "idle"
)

// GlobalState tracks registry-wide work such as bulk ingestion.
type GlobalState string

const (
	GlobalIdle           GlobalState = "idle"
	GlobalLoadingFile    GlobalState = "loading_file"
	GlobalProcessingFile GlobalState = "processing_file"
	GlobalError          GlobalState = "error"
)

// Global is the registry-wide status and its operator message.
type Global struct {
	Status  GlobalState `json:"status"`
	Message string      `json:"message,omitempty"`
}

// Source is one tracked video source. The ID is its URL.
type Source struct {
	ID              string                `json:"id"`
	DisplayName     string                `json:"displayName"`
	FrameRef        string                `json:"frameRef,omitempty"`
	RawStreamRef    string                `json:"rawStreamRef,omitempty"`
	FrameDimensions *geometry.Size        `json:"frameDimensions,omitempty"`
	Annotation      annotation.Annotation `json:"annotation"`
	Status          Status                `json:"status"`
	ErrorMessage    string                `json:"errorMessage,omitempty"`
	StreamRef       string                `json:"streamRef,omitempty"`
	ChannelToken    string                `json:"channelToken,omitempty"`
	Channel         livechannel.Status    `json:"channel"`
	LiveBoxes       []livechannel.Box     `json:"liveBoxes"`
	LiveMetrics     *livechannel.Metrics  `json:"liveMetrics,omitempty"`

	// Tickets for in-flight requests. A response is applied only if the
	// ticket it was issued with is still current.
	fetchSeq    uint64
	analysisSeq uint64
}

func newSource(id string) *Source {
	return &Source{
		ID:          id,
		DisplayName: id,
		Annotation:  annotation.Cleared(),
		Status:      StatusIdle,
		Channel:     livechannel.Idle(),
		LiveBoxes:   []livechannel.Box{},
	}
}

// HasFrame reports whether a reference image is available.
func (s *Source) HasFrame() bool {
	return s.FrameRef != ""
}

func (s *Source) clone() *Source {
	out := *s
	out.Annotation = s.Annotation.Clone()
	if s.FrameDimensions != nil {
		d := *s.FrameDimensions
		out.FrameDimensions = &d
	}
	out.LiveBoxes = append(make([]livechannel.Box, 0, len(s.LiveBoxes)), s.LiveBoxes...)
	if s.LiveMetrics != nil {
		m := *s.LiveMetrics
		out.LiveMetrics = &m
	}
	return &out
}

func (s *Source) ownsChannel(connID string) bool {
	return connID != "" && s.Channel.ConnID == connID
}

func (s *Source) clearLive() {
	s.LiveBoxes = []livechannel.Box{}
	s.LiveMetrics = nil
}

// restingStatus is where a source settles when nothing is in flight: the
// furthest annotation step its polygon supports, or idle without a frame.
// A frame fetch or reset on a source with a closed polygon therefore lands
// on annotated rather than frame_loaded, which keeps line selection and
// submission available without redrawing.
func (s *Source) restingStatus() Status {
	switch {
	case !s.HasFrame():
		return StatusIdle
	case s.Annotation.IsClosed:
		return StatusAnnotated
	case !s.Annotation.Empty():
		return StatusAnnotating
	default:
		return StatusFrameLoaded
	}
}

// Snapshot is a consistent copy of the whole registry.
type Snapshot struct {
	Sources  []Source `json:"sources"`
	ActiveID string   `json:"activeId,omitempty"`
	Mode     Mode     `json:"mode"`
	Global   Global   `json:"global"`
}

// EventKind classifies registry change notifications.
type EventKind string

const (
	EventSource   EventKind = "source"
	EventRemoved  EventKind = "removed"
	EventLive     EventKind = "live"
	EventChannel  EventKind = "channel"
	EventRegistry EventKind = "registry"
)

// Event describes one committed change.
type Event struct {
	// Seq increases with every committed change. Listeners may receive
	// events out of order and use it to discard older snapshots.
	Seq      uint64    `json:"seq"`
	Kind     EventKind `json:"kind"`
	SourceID string    `json:"sourceId,omitempty"`
	Source   *Source   `json:"source,omitempty"`
	ActiveID string    `json:"activeId,omitempty"`
	Mode     Mode      `json:"mode"`
	Global   Global    `json:"global"`
}

// Persistent reports whether the change touches persisted fields.
func (e Event) Persistent() bool {
	return e.Kind != EventLive && e.Kind != EventChannel
}
