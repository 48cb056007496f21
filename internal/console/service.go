package console

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"customer-flow-console/internal/annotation"
	"customer-flow-console/internal/backend"
	"customer-flow-console/internal/geometry"
	"customer-flow-console/internal/ingest"
	"customer-flow-console/internal/livechannel"

	"golang.org/x/sync/errgroup"
)

// DefaultRequestTimeout bounds each backend call.
const DefaultRequestTimeout = 10 * time.Second

const frameFetchConcurrency = 4

// Backend is the customer-flow analysis backend. *backend.Client satisfies it.
type Backend interface {
	FetchFrame(ctx context.Context, sourceURL string) (backend.Frame, error)
	SubmitAnalysis(ctx context.Context, req backend.AnalysisRequest) (backend.AnalysisResult, error)
	Catalog(ctx context.Context) ([]backend.CatalogEntry, error)
	Rename(ctx context.Context, sourceURL, name string) error
	StopAnalysis(ctx context.Context, sourceURL string) error
}

// Channels opens and tears down live channels. *livechannel.Manager
// satisfies it.
type Channels interface {
	Connect(id string)
	Disconnect(id string)
}

// Publisher forwards live counters to an external sink.
type Publisher interface {
	PublishCounts(sourceID string, m livechannel.Metrics) error
}

// Recorder receives domain counters. *metrics.Metrics satisfies it.
type Recorder interface {
	IncSourcesAdded(n int)
	IncSourcesRemoved()
	IncFrameFailures()
	IncAnalysisSubmitted()
	IncAnalysisFailures()
}

type nopRecorder struct{}

func (nopRecorder) IncSourcesAdded(int)   {}
func (nopRecorder) IncSourcesRemoved()    {}
func (nopRecorder) IncFrameFailures()     {}
func (nopRecorder) IncAnalysisSubmitted() {}
func (nopRecorder) IncAnalysisFailures()  {}

// Service orchestrates registry transitions around backend calls and live
// channels.
type Service struct {
	reg       *Registry
	backend   Backend
	channels  Channels
	store     Store
	publisher Publisher
	recorder  Recorder
	logger    *slog.Logger
	timeout   time.Duration

	saveMu sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStore persists the registry projection after every durable change.
func WithStore(st Store) ServiceOption {
	return func(s *Service) { s.store = st }
}

// WithPublisher forwards every counter update to p.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithRecorder attaches domain counters.
func WithRecorder(rec Recorder) ServiceOption {
	return func(s *Service) {
		if rec != nil {
			s.recorder = rec
		}
	}
}

// WithRequestTimeout bounds each backend call. Values <= 0 use
// DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewService wires a Service to reg and subscribes it to registry changes.
func NewService(reg *Registry, be Backend, ch Channels, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		reg:      reg,
		backend:  be,
		channels: ch,
		recorder: nopRecorder{},
		logger:   logger,
		timeout:  DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	reg.Subscribe(s.onChange)
	return s
}

// Registry returns the registry the service drives.
func (s *Service) Registry() *Registry {
	return s.reg
}

// Snapshot returns the current registry state.
func (s *Service) Snapshot() Snapshot {
	return s.reg.Snapshot()
}

// AddText ingests newline-separated source URLs.
func (s *Service) AddText(ctx context.Context, text string) ([]string, error) {
	s.reg.SetGlobal(GlobalLoadingFile, "")
	urls, err := ingest.ParseText(text)
	if err != nil {
		s.reg.SetGlobal(GlobalError, err.Error())
		return nil, err
	}
	return s.AddSources(ctx, urls)
}

// AddSources tracks every new URL, fetches its reference frame and activates
// the first one if nothing is active. URLs already tracked are skipped.
func (s *Service) AddSources(ctx context.Context, urls []string) ([]string, error) {
	urls, err := ingest.Clean(urls)
	if err != nil {
		s.reg.SetGlobal(GlobalError, err.Error())
		return nil, err
	}

	added := s.reg.Add(urls)
	if len(added) == 0 {
		s.reg.SetGlobal(GlobalIdle, "all sources are already tracked")
		return nil, ErrDuplicateSource
	}
	s.recorder.IncSourcesAdded(len(added))
	s.reg.SetGlobal(GlobalProcessingFile, "")
	s.logger.Info("sources added", "count", len(added), "skipped", len(urls)-len(added))

	s.fetchFrames(context.WithoutCancel(ctx), added)

	s.reg.SetGlobal(GlobalIdle, "")
	s.reg.ActivateFirstIfNone(added)
	return added, nil
}

// RefetchFrame requests a fresh reference frame for source id.
func (s *Service) RefetchFrame(ctx context.Context, id string) (Source, error) {
	if err := s.fetchFrame(ctx, id); err != nil && !errors.Is(err, ErrStale) {
		var fe *backend.FrameFetchError
		if !errors.As(err, &fe) {
			return Source{}, err
		}
	}
	src, ok := s.reg.Get(id)
	if !ok {
		return Source{}, ErrSourceNotFound
	}
	return src, nil
}

func (s *Service) fetchFrames(ctx context.Context, ids []string) {
	var g errgroup.Group
	g.SetLimit(frameFetchConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			_ = s.fetchFrame(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) fetchFrame(ctx context.Context, id string) error {
	ticket, err := s.reg.BeginFrameFetch(id)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	frame, fetchErr := s.backend.FetchFrame(cctx, id)
	cancel()

	if _, err := s.reg.FinishFrameFetch(id, ticket, frame, fetchErr); err != nil {
		s.logger.Debug("frame response discarded", "source", id, "error", err)
		return err
	}
	if fetchErr != nil {
		s.recorder.IncFrameFailures()
		s.logger.Warn("frame fetch failed", "source", id, "error", fetchErr)
		return fetchErr
	}
	return nil
}

// Remove tears down the live channel of source id, deletes it and asks the
// backend to stop analysing it.
func (s *Service) Remove(ctx context.Context, id string) error {
	src, ok := s.reg.Get(id)
	if !ok {
		return ErrSourceNotFound
	}
	s.channels.Disconnect(id)
	if !s.reg.Remove(id) {
		return ErrSourceNotFound
	}
	s.recorder.IncSourcesRemoved()

	if src.ChannelToken != "" || src.Status == StatusStreaming || src.Status == StatusAnalyzing {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.backend.StopAnalysis(cctx, id); err != nil {
			s.logger.Warn("stop analysis failed", "source", id, "error", err)
		}
	}
	return nil
}

// SetActive selects source id.
func (s *Service) SetActive(id string) error {
	return s.reg.SetActive(id)
}

// ClearActive deselects the active source.
func (s *Service) ClearActive() {
	s.reg.ClearActive()
}

// ClearGlobalError resets the registry-wide error.
func (s *Service) ClearGlobalError() {
	s.reg.ClearGlobalError()
}

// Rename changes the display name on the backend and then locally.
func (s *Service) Rename(ctx context.Context, id, name string) (Source, error) {
	if _, ok := s.reg.Get(id); !ok {
		return Source{}, ErrSourceNotFound
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.backend.Rename(cctx, id, name); err != nil {
		return Source{}, err
	}
	return s.reg.Rename(id, name)
}

// AddPoint appends an image-space vertex.
func (s *Service) AddPoint(id string, p geometry.Point) (Source, error) {
	return s.reg.AddPoint(id, p)
}

// Pointer handles a screen-space click inside a container of the given size.
func (s *Service) Pointer(id string, p geometry.Point, container geometry.Size) (Source, error) {
	return s.reg.Pointer(id, p, container)
}

// Undo removes the last vertex.
func (s *Service) Undo(id string) (Source, error) {
	return s.reg.Undo(id)
}

// Close closes the polygon.
func (s *Service) Close(id string) (Source, error) {
	return s.reg.Close(id)
}

// ToggleLine flips edge i between crossing line and plain edge.
func (s *Service) ToggleLine(id string, i int) (Source, error) {
	return s.reg.ToggleLine(id, i)
}

// SetZoneType classifies the polygon interior.
func (s *Service) SetZoneType(id string, z annotation.ZoneType) (Source, error) {
	return s.reg.SetZoneType(id, z)
}

// Clear tears down the live channel and empties the annotation.
func (s *Service) Clear(id string) (Source, error) {
	if _, ok := s.reg.Get(id); !ok {
		return Source{}, ErrSourceNotFound
	}
	s.channels.Disconnect(id)
	return s.reg.ClearAnnotation(id)
}

// ResetStatus tears down the live channel and returns the source to its
// resting status.
func (s *Service) ResetStatus(id string) (Source, error) {
	if _, ok := s.reg.Get(id); !ok {
		return Source{}, ErrSourceNotFound
	}
	s.channels.Disconnect(id)
	return s.reg.ResetStatus(id)
}

// Submit validates the annotation of source id, starts analysis on the
// backend and opens the live channel on success. Validation and backend
// failures are recorded on the source and also returned.
func (s *Service) Submit(ctx context.Context, id string) (Source, error) {
	if err := s.reg.CheckSubmission(id); err != nil {
		var ve *annotation.ValidationError
		if errors.As(err, &ve) {
			s.recorder.IncAnalysisFailures()
			src, _ := s.reg.Get(id)
			return src, err
		}
		return Source{}, err
	}

	s.channels.Disconnect(id)
	req, ticket, err := s.reg.BeginAnalysis(id)
	if err != nil {
		src, _ := s.reg.Get(id)
		return src, err
	}
	s.recorder.IncAnalysisSubmitted()
	s.logger.Info("analysis submitted", "source", id, "points", len(req.Points), "lines", len(req.Passway), "zone", req.AreaType)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	res, submitErr := s.backend.SubmitAnalysis(cctx, req)
	cancel()

	src, err := s.reg.FinishAnalysis(id, ticket, res, submitErr)
	if err != nil {
		s.logger.Debug("analysis response discarded", "source", id, "error", err)
		return src, err
	}
	if submitErr != nil {
		s.recorder.IncAnalysisFailures()
		s.logger.Warn("analysis failed", "source", id, "error", submitErr)
		return src, submitErr
	}

	s.channels.Connect(id)
	src, _ = s.reg.Get(id)
	return src, nil
}

// Reconnect reopens the live channel of source id with its recorded token.
func (s *Service) Reconnect(id string) (Source, error) {
	src, ok := s.reg.Get(id)
	if !ok {
		return Source{}, ErrSourceNotFound
	}
	if src.ChannelToken == "" {
		return src, ErrMissingToken
	}
	s.channels.Connect(id)
	src, _ = s.reg.Get(id)
	return src, nil
}

// Disconnect closes the live channel of source id.
func (s *Service) Disconnect(id string) (Source, error) {
	if _, ok := s.reg.Get(id); !ok {
		return Source{}, ErrSourceNotFound
	}
	s.channels.Disconnect(id)
	src, _ := s.reg.Get(id)
	return src, nil
}

// Sync imports the sources the backend already knows about. Sources with a
// processed stream come back streaming and get their channel reconnected.
func (s *Service) Sync(ctx context.Context) ([]string, error) {
	s.reg.SetGlobal(GlobalLoadingFile, "")
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	entries, err := s.backend.Catalog(cctx)
	cancel()
	if err != nil {
		s.reg.SetGlobal(GlobalError, err.Error())
		return nil, err
	}

	var loaded, streaming []string
	for _, e := range entries {
		if e.StreamRef == "" && e.RawStreamRef == "" {
			s.logger.Debug("catalog entry skipped: no usable stream", "source", e.SourceURL)
			continue
		}
		src := newSource(e.SourceURL)
		if e.Name != "" {
			src.DisplayName = e.Name
		}
		src.FrameRef = e.FrameRef
		src.RawStreamRef = e.RawStreamRef
		switch {
		case e.StreamRef != "":
			src.Status = StatusStreaming
			src.StreamRef = e.StreamRef
			src.ChannelToken = e.SourceURL
			src.Channel = livechannel.Status{State: livechannel.StateDisconnected}
		case src.HasFrame():
			src.Status = StatusFrameLoaded
		}
		if !s.reg.insertSeeded(src) {
			continue
		}
		loaded = append(loaded, src.ID)
		if src.Status == StatusStreaming {
			streaming = append(streaming, src.ID)
		}
	}
	s.recorder.IncSourcesAdded(len(loaded))

	if len(loaded) == 0 && s.reg.Len() == 0 {
		s.reg.SetGlobal(GlobalIdle, "no sources were loaded from the backend")
	} else {
		s.reg.SetGlobal(GlobalIdle, "")
	}
	s.reg.ActivateFirstIfNone(loaded)
	for _, id := range streaming {
		s.channels.Connect(id)
	}
	s.logger.Info("catalog synced", "entries", len(entries), "loaded", len(loaded), "streaming", len(streaming))
	return loaded, nil
}

// Restore loads the persisted projection and refetches every restored
// source's reference frame.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	state, ok, err := s.store.Load()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	ids := s.reg.Restore(state)
	s.fetchFrames(ctx, ids)
	return len(ids), nil
}

func (s *Service) onChange(ev Event) {
	if ev.Persistent() {
		s.persist()
	}
	if ev.Kind == EventLive && s.publisher != nil && ev.Source != nil && ev.Source.LiveMetrics != nil {
		if err := s.publisher.PublishCounts(ev.SourceID, *ev.Source.LiveMetrics); err != nil {
			s.logger.Debug("publish counts failed", "source", ev.SourceID, "error", err)
		}
	}
}

// persist saves a fresh projection. Exporting under saveMu guarantees the
// last write reflects the latest commit.
func (s *Service) persist() {
	if s.store == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.store.Save(s.reg.Export()); err != nil {
		s.logger.Warn("persist state failed", "error", err)
	}
}
