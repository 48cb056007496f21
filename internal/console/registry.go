package console

import (
	"log/slog"
	"sync"

	"customer-flow-console/internal/annotation"
	"customer-flow-console/internal/backend"
	"customer-flow-console/internal/geometry"
	"customer-flow-console/internal/livechannel"
)

// Registry holds every tracked source, the active selection and the derived
// interaction mode. Each mutation copies the affected source, applies the
// change to the copy and commits it under one lock, so readers never see a
// partially updated source. Network I/O never happens under the lock.
type Registry struct {
	mu        sync.RWMutex
	sources   map[string]*Source
	order     []string
	activeID  string
	mode      Mode
	global    Global
	threshold float64
	seq       uint64
	logger    *slog.Logger

	lmu       sync.RWMutex
	listeners []func(Event)
}

// NewRegistry returns an empty registry. threshold is the closing hit-test
// radius in screen pixels; values <= 0 use annotation.ClosingThresholdPixels.
func NewRegistry(logger *slog.Logger, threshold float64) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = annotation.ClosingThresholdPixels
	}
	return &Registry{
		sources:   make(map[string]*Source),
		mode:      ModeIdle,
		global:    Global{Status: GlobalIdle},
		threshold: threshold,
		logger:    logger,
	}
}

// Subscribe registers fn to be called after every committed change. fn runs
// outside the registry lock and must not block for long.
func (r *Registry) Subscribe(fn func(Event)) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// DeriveMode computes the interaction mode for the active source.
func DeriveMode(active *Source) Mode {
	if active == nil {
		return ModeIdle
	}
	switch active.Status {
	case StatusFrameLoaded, StatusAnnotating, StatusAnnotated:
		if active.Annotation.IsClosed {
			return ModeLineSelection
		}
		return ModeDrawing
	case StatusErrorAnalysis:
		if active.Annotation.IsClosed {
			return ModeLineSelection
		}
		if active.HasFrame() {
			return ModeDrawing
		}
	}
	return ModeIdle
}

// Snapshot returns a copy of the whole registry in insertion order.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Sources:  make([]Source, 0, len(r.order)),
		ActiveID: r.activeID,
		Mode:     r.mode,
		Global:   r.global,
	}
	for _, id := range r.order {
		snap.Sources = append(snap.Sources, *r.sources[id].clone())
	}
	return snap
}

// Get returns a copy of source id.
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	if !ok {
		return Source{}, false
	}
	return *s.clone(), true
}

// Mode returns the current interaction mode and active source id.
func (r *Registry) Mode() (Mode, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode, r.activeID
}

// Len returns the number of tracked sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// ConnectedChannels counts sources whose live channel is connected.
func (r *Registry) ConnectedChannels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sources {
		if s.Channel.State == livechannel.StateConnected {
			n++
		}
	}
	return n
}

// Add creates idle sources for every url not already tracked and returns the
// ones created, in input order.
func (r *Registry) Add(urls []string) []string {
	var added []string
	r.mu.Lock()
	for _, u := range urls {
		if _, exists := r.sources[u]; exists || u == "" {
			continue
		}
		r.insertLocked(newSource(u))
		added = append(added, u)
	}
	ev := r.stateEventLocked(EventRegistry, "")
	r.mu.Unlock()

	for _, id := range added {
		r.logger.Debug("source added", "source", id)
	}
	if len(added) > 0 {
		r.emit(ev)
	}
	return added
}

// insertSeeded adds a fully prepared source unless its id is taken.
func (r *Registry) insertSeeded(s *Source) bool {
	r.mu.Lock()
	if _, exists := r.sources[s.ID]; exists {
		r.mu.Unlock()
		return false
	}
	r.insertLocked(s)
	ev := r.eventLocked(EventSource, s)
	r.mu.Unlock()
	r.emit(ev)
	return true
}

// Remove deletes source id. If it was active, the first remaining source in
// insertion order becomes active.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	if _, ok := r.sources[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sources, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	if r.activeID == id {
		r.activeID = ""
		if len(r.order) > 0 {
			r.activeID = r.order[0]
		}
	}
	r.refreshModeLocked()
	ev := r.stateEventLocked(EventRemoved, id)
	r.mu.Unlock()

	r.logger.Debug("source removed", "source", id, "active", ev.ActiveID)
	r.emit(ev)
	return true
}

// SetActive selects source id. Live channels are not affected.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	if _, ok := r.sources[id]; !ok {
		r.mu.Unlock()
		return ErrSourceNotFound
	}
	r.activeID = id
	r.refreshModeLocked()
	ev := r.stateEventLocked(EventRegistry, "")
	r.mu.Unlock()
	r.emit(ev)
	return nil
}

// ClearActive deselects the active source.
func (r *Registry) ClearActive() {
	r.mu.Lock()
	r.activeID = ""
	r.refreshModeLocked()
	ev := r.stateEventLocked(EventRegistry, "")
	r.mu.Unlock()
	r.emit(ev)
}

// ActivateFirstIfNone makes the first of ids active when nothing is active.
func (r *Registry) ActivateFirstIfNone(ids []string) {
	r.mu.Lock()
	changed := false
	if r.activeID == "" {
		for _, id := range ids {
			if _, ok := r.sources[id]; ok {
				r.activeID = id
				changed = true
				break
			}
		}
	}
	r.refreshModeLocked()
	ev := r.stateEventLocked(EventRegistry, "")
	r.mu.Unlock()
	if changed {
		r.emit(ev)
	}
}

// SetGlobal records the registry-wide status.
func (r *Registry) SetGlobal(status GlobalState, message string) {
	r.mu.Lock()
	r.global = Global{Status: status, Message: message}
	ev := r.stateEventLocked(EventRegistry, "")
	r.mu.Unlock()
	r.emit(ev)
}

// ClearGlobalError drops the global message and leaves the error state.
func (r *Registry) ClearGlobalError() {
	r.mu.Lock()
	if r.global.Status == GlobalError {
		r.global.Status = GlobalIdle
	}
	r.global.Message = ""
	ev := r.stateEventLocked(EventRegistry, "")
	r.mu.Unlock()
	r.emit(ev)
}

// Rename sets the display name of source id.
func (r *Registry) Rename(id, name string) (Source, error) {
	return r.update(id, EventSource, func(s *Source) bool {
		if name == "" {
			name = s.ID
		}
		if s.DisplayName == name {
			return false
		}
		s.DisplayName = name
		return true
	})
}

// BeginFrameFetch moves source id to loading_frame and returns the ticket
// the response must present. Sources that are analyzing or streaming are
// left alone.
func (r *Registry) BeginFrameFetch(id string) (uint64, error) {
	var (
		ticket uint64
		busy   bool
	)
	_, err := r.update(id, EventSource, func(s *Source) bool {
		if s.Status == StatusAnalyzing || s.Status == StatusStreaming {
			busy = true
			return false
		}
		s.fetchSeq++
		ticket = s.fetchSeq
		s.Status = StatusLoadingFrame
		return true
	})
	if err == nil && busy {
		err = ErrBusy
	}
	return ticket, err
}

// FinishFrameFetch applies a frame response. It returns ErrStale if the
// source was removed, reset or asked for a newer frame meanwhile.
func (r *Registry) FinishFrameFetch(id string, ticket uint64, frame backend.Frame, fetchErr error) (Source, error) {
	stale := false
	src, err := r.update(id, EventSource, func(s *Source) bool {
		if s.fetchSeq != ticket || s.Status != StatusLoadingFrame {
			stale = true
			return false
		}
		if fetchErr != nil {
			s.FrameRef = ""
			s.RawStreamRef = ""
			s.FrameDimensions = nil
			s.Status = StatusErrorFrame
			s.ErrorMessage = fetchErr.Error()
			return true
		}
		s.FrameRef = frame.FrameRef
		s.RawStreamRef = frame.RawStreamRef
		s.FrameDimensions = frame.Size
		s.Status = s.restingStatus()
		return true
	})
	if err != nil {
		return src, err
	}
	if stale {
		return src, ErrStale
	}
	return src, nil
}

// AddPoint appends an image-space vertex to the active source's polygon.
func (r *Registry) AddPoint(id string, p geometry.Point) (Source, error) {
	return r.drawingOp(id, ModeDrawing, func(s *Source) bool {
		next, ok := annotation.AddPoint(s.Annotation, p)
		if !ok {
			return false
		}
		s.Annotation = next
		s.Status = StatusAnnotating
		return true
	})
}

// Undo removes the last vertex of the active source's open polygon.
func (r *Registry) Undo(id string) (Source, error) {
	return r.drawingOp(id, ModeDrawing, func(s *Source) bool {
		next, ok := annotation.Undo(s.Annotation)
		if !ok {
			return false
		}
		s.Annotation = next
		if next.Empty() {
			s.Status = StatusFrameLoaded
		} else {
			s.Status = StatusAnnotating
		}
		return true
	})
}

// Close closes the active source's polygon.
func (r *Registry) Close(id string) (Source, error) {
	return r.drawingOp(id, ModeDrawing, closePolygon)
}

func closePolygon(s *Source) bool {
	next, ok := annotation.Close(s.Annotation)
	if !ok {
		return false
	}
	s.Annotation = next
	s.Status = StatusAnnotated
	return true
}

// ToggleLine flips crossing-line membership of edge i.
func (r *Registry) ToggleLine(id string, i int) (Source, error) {
	return r.drawingOp(id, ModeLineSelection, func(s *Source) bool {
		next, ok := annotation.ToggleLine(s.Annotation, i)
		if !ok {
			return false
		}
		s.Annotation = next
		return true
	})
}

// SetZoneType sets the zone classification of a closed polygon. Unlike the
// drawing operations it does not depend on the active source or mode.
func (r *Registry) SetZoneType(id string, z annotation.ZoneType) (Source, error) {
	return r.update(id, EventSource, func(s *Source) bool {
		next, ok := annotation.SetZoneType(s.Annotation, z)
		if !ok {
			return false
		}
		s.Annotation = next
		return true
	})
}

// Pointer handles a screen-space pointer event on the active source, given
// the size of the container the frame is rendered in. Near the first vertex
// of an open polygon with at least three points it closes the polygon;
// otherwise it adds the converted point.
func (r *Registry) Pointer(id string, screen geometry.Point, container geometry.Size) (Source, error) {
	return r.drawingOp(id, ModeDrawing, func(s *Source) bool {
		t := geometry.Identity
		if s.FrameDimensions != nil {
			t = geometry.Fit(container, *s.FrameDimensions)
		}
		p := t.ToImage(screen)
		if annotation.HitsStart(s.Annotation, p, t.Scale, r.threshold) {
			return closePolygon(s)
		}
		next, ok := annotation.AddPoint(s.Annotation, p)
		if !ok {
			return false
		}
		s.Annotation = next
		s.Status = StatusAnnotating
		return true
	})
}

// ClearAnnotation empties the polygon of source id and drops any stream.
// The caller tears the live channel down first.
func (r *Registry) ClearAnnotation(id string) (Source, error) {
	return r.update(id, EventSource, func(s *Source) bool {
		s.Annotation = annotation.Cleared()
		switch s.Status {
		case StatusAnnotating, StatusAnnotated, StatusAnalyzing, StatusStreaming, StatusErrorAnalysis:
			if s.HasFrame() {
				s.Status = StatusFrameLoaded
			} else {
				s.Status = StatusIdle
			}
		}
		s.analysisSeq++
		s.StreamRef = ""
		s.ChannelToken = ""
		s.Channel = livechannel.Idle()
		s.clearLive()
		return true
	})
}

// ResetStatus returns source id to its resting status, dropping any error,
// stream and channel token while keeping frame and polygon.
func (r *Registry) ResetStatus(id string) (Source, error) {
	return r.update(id, EventSource, func(s *Source) bool {
		s.analysisSeq++
		s.fetchSeq++
		s.Status = s.restingStatus()
		s.StreamRef = ""
		s.ChannelToken = ""
		s.Channel = livechannel.Idle()
		s.clearLive()
		return true
	})
}

// CheckSubmission validates source id for analysis without starting it. A
// validation failure is committed as error_analysis and returned as
// *annotation.ValidationError.
func (r *Registry) CheckSubmission(id string) error {
	var verr error
	_, err := r.update(id, EventSource, func(s *Source) bool {
		if s.Status == StatusAnalyzing {
			verr = ErrAnalysisInFlight
			return false
		}
		if verr = annotation.Validate(s.Annotation); verr != nil {
			s.Status = StatusErrorAnalysis
			s.ErrorMessage = verr.(*annotation.ValidationError).Reason
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	return verr
}

// BeginAnalysis moves a valid source to analyzing and returns the request
// to send with its ticket.
func (r *Registry) BeginAnalysis(id string) (backend.AnalysisRequest, uint64, error) {
	var (
		req    backend.AnalysisRequest
		ticket uint64
		verr   error
	)
	_, err := r.update(id, EventSource, func(s *Source) bool {
		if s.Status == StatusAnalyzing {
			verr = ErrAnalysisInFlight
			return false
		}
		if verr = annotation.Validate(s.Annotation); verr != nil {
			s.Status = StatusErrorAnalysis
			s.ErrorMessage = verr.(*annotation.ValidationError).Reason
			return true
		}
		s.analysisSeq++
		ticket = s.analysisSeq
		s.Status = StatusAnalyzing
		s.StreamRef = ""
		s.ChannelToken = ""
		s.Channel = livechannel.Idle()
		s.clearLive()
		req = backend.NewAnalysisRequest(s.ID, s.Annotation)
		return true
	})
	if err != nil {
		return req, 0, err
	}
	return req, ticket, verr
}

// FinishAnalysis applies the backend's answer to a submission. It returns
// ErrStale when the source was removed, cleared or reset meanwhile.
func (r *Registry) FinishAnalysis(id string, ticket uint64, res backend.AnalysisResult, submitErr error) (Source, error) {
	stale := false
	src, err := r.update(id, EventSource, func(s *Source) bool {
		if s.analysisSeq != ticket || s.Status != StatusAnalyzing {
			stale = true
			return false
		}
		if submitErr != nil {
			s.Status = StatusErrorAnalysis
			s.ErrorMessage = analysisReason(submitErr)
			return true
		}
		s.Status = StatusStreaming
		s.StreamRef = res.StreamRef
		s.ChannelToken = res.Token
		return true
	})
	if err != nil {
		return src, err
	}
	if stale {
		return src, ErrStale
	}
	return src, nil
}

func analysisReason(err error) string {
	if ae, ok := err.(*backend.AnalysisRequestError); ok {
		return ae.Reason()
	}
	return err.Error()
}

// ChannelTarget implements livechannel.Host.
func (r *Registry) ChannelTarget(id string) (string, livechannel.Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	if !ok {
		return "", livechannel.Status{}, false
	}
	return s.ChannelToken, s.Channel, true
}

// ClaimChannel implements livechannel.Host. The ConnID of st becomes the
// only session allowed to write through SetChannel and Deliver.
func (r *Registry) ClaimChannel(id string, st livechannel.Status, clearLive bool) bool {
	_, err := r.update(id, EventChannel, func(s *Source) bool {
		s.Channel = st
		if clearLive {
			s.clearLive()
		}
		return true
	})
	return err == nil
}

// SetChannel implements livechannel.Host. The write is dropped unless connID
// still owns the channel; a new claim, ClearAnnotation, ResetStatus and
// BeginAnalysis all revoke ownership. Channel failures are recorded on the
// channel only and never change the source's lifecycle status.
func (r *Registry) SetChannel(id, connID string, st livechannel.Status, clearLive bool) bool {
	owned := false
	_, err := r.update(id, EventChannel, func(s *Source) bool {
		if !s.ownsChannel(connID) {
			return false
		}
		owned = true
		s.Channel = st
		if clearLive {
			s.clearLive()
		}
		return true
	})
	return err == nil && owned
}

// Deliver implements livechannel.Host. Payloads from a session that no
// longer owns the channel are dropped.
func (r *Registry) Deliver(id, connID string, p livechannel.Payload) bool {
	owned := false
	_, err := r.update(id, EventLive, func(s *Source) bool {
		if !s.ownsChannel(connID) {
			return false
		}
		owned = true
		s.LiveBoxes = append(make([]livechannel.Box, 0, len(p.Boxes)), p.Boxes...)
		if p.Metrics != nil {
			m := *p.Metrics
			s.LiveMetrics = &m
		} else {
			s.LiveMetrics = nil
		}
		return true
	})
	return err == nil && owned
}

// drawingOp runs fn only when id is the active source and the derived mode
// is want. Otherwise it is a silent no-op.
func (r *Registry) drawingOp(id string, want Mode, fn func(s *Source) bool) (Source, error) {
	return r.update(id, EventSource, func(s *Source) bool {
		if r.activeID != id || DeriveMode(s) != want {
			return false
		}
		return fn(s)
	})
}

// update copies source id, lets fn mutate the copy and commits it if fn
// reports a change. fn runs with the registry lock held.
func (r *Registry) update(id string, kind EventKind, fn func(s *Source) bool) (Source, error) {
	r.mu.Lock()
	cur, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		return Source{}, ErrSourceNotFound
	}
	next := cur.clone()
	if !fn(next) {
		out := *cur.clone()
		r.mu.Unlock()
		return out, nil
	}
	if !next.Status.IsError() {
		next.ErrorMessage = ""
	}
	r.sources[id] = next
	r.refreshModeLocked()
	ev := r.eventLocked(kind, next)
	out := *next.clone()
	r.mu.Unlock()

	if cur.Status != next.Status {
		r.logger.Debug("source transition", "source", id, "from", cur.Status, "to", next.Status)
	}
	r.emit(ev)
	return out, nil
}

func (r *Registry) insertLocked(s *Source) {
	r.sources[s.ID] = s
	r.order = append(r.order, s.ID)
	r.refreshModeLocked()
}

func (r *Registry) refreshModeLocked() {
	var active *Source
	if r.activeID != "" {
		active = r.sources[r.activeID]
	}
	r.mode = DeriveMode(active)
}

func (r *Registry) eventLocked(kind EventKind, s *Source) Event {
	ev := r.stateEventLocked(kind, s.ID)
	ev.Source = s.clone()
	return ev
}

// stateEventLocked stamps the next sequence number while the lock orders
// commits, so listeners can restore that order after emit.
func (r *Registry) stateEventLocked(kind EventKind, sourceID string) Event {
	r.seq++
	return Event{
		Seq:      r.seq,
		Kind:     kind,
		SourceID: sourceID,
		ActiveID: r.activeID,
		Mode:     r.mode,
		Global:   r.global,
	}
}

func (r *Registry) emit(ev Event) {
	r.lmu.RLock()
	listeners := r.listeners
	r.lmu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
