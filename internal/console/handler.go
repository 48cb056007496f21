package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"customer-flow-console/internal/annotation"
	"customer-flow-console/internal/backend"
	"customer-flow-console/internal/geometry"
	"customer-flow-console/internal/ingest"

	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes      = 4 << 20
	keepaliveInterval = 30 * time.Second
)

// Handler exposes the operator console over HTTP using go-chi.
type Handler struct {
	svc    *Service
	events *Broadcaster
	log    *slog.Logger
}

// NewHandler returns a Handler for svc. events may be nil to disable the
// change stream.
func NewHandler(svc *Service, events *Broadcaster, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, events: events, log: log}
}

// Routes mounts every console endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/state", h.GetState)
	r.Get("/events", h.Events)
	r.Post("/active/clear", h.ClearActive)
	r.Post("/global/clear", h.ClearGlobalError)
	r.Route("/sources", func(r chi.Router) {
		r.Post("/", h.AddSources)
		r.Post("/sync", h.Sync)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSource)
			r.Delete("/", h.RemoveSource)
			r.Post("/activate", h.Activate)
			r.Put("/name", h.Rename)
			r.Post("/points", h.AddPoint)
			r.Post("/pointer", h.Pointer)
			r.Post("/undo", h.sourceOp(h.svc.Undo))
			r.Post("/close", h.sourceOp(h.svc.Close))
			r.Post("/clear", h.sourceOp(h.svc.Clear))
			r.Post("/lines/{index}", h.ToggleLine)
			r.Put("/zone", h.SetZone)
			r.Post("/analysis", h.Submit)
			r.Post("/reset", h.sourceOp(h.svc.ResetStatus))
			r.Post("/frame", h.RefetchFrame)
			r.Post("/reconnect", h.sourceOp(h.svc.Reconnect))
			r.Post("/disconnect", h.sourceOp(h.svc.Disconnect))
			r.Get("/overlay", h.Overlay)
		})
	})
}

// GetState handles GET /state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// GetSource handles GET /sources/{id}.
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	src, ok := h.svc.Registry().Get(sourceID(r))
	if !ok {
		h.writeError(w, ErrSourceNotFound)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

type addSourcesRequest struct {
	URLs []string `json:"urls"`
	Text string   `json:"text"`
}

// AddSources handles POST /sources. The body is either JSON
// {"urls": [...]} / {"text": "..."} or a text/plain list, one URL per line.
func (h *Handler) AddSources(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var added []string
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "text/plain" {
		added, err = h.svc.AddText(r.Context(), string(body))
	} else {
		var in addSourcesRequest
		if err := json.Unmarshal(body, &in); err != nil {
			h.log.Debug("invalid add sources body", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if in.Text != "" {
			added, err = h.svc.AddText(r.Context(), in.Text)
		} else {
			added, err = h.svc.AddSources(r.Context(), in.URLs)
		}
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"added": added, "state": h.svc.Snapshot()})
}

// Sync handles POST /sources/sync.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	loaded, err := h.svc.Sync(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loaded": loaded, "state": h.svc.Snapshot()})
}

// RemoveSource handles DELETE /sources/{id}.
func (h *Handler) RemoveSource(w http.ResponseWriter, r *http.Request) {
	id := sourceID(r)
	if err := h.svc.Remove(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("source removed", slog.String("source", id))
	w.WriteHeader(http.StatusNoContent)
}

// Activate handles POST /sources/{id}/activate.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.SetActive(sourceID(r)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// ClearActive handles POST /active/clear.
func (h *Handler) ClearActive(w http.ResponseWriter, r *http.Request) {
	h.svc.ClearActive()
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// ClearGlobalError handles POST /global/clear.
func (h *Handler) ClearGlobalError(w http.ResponseWriter, r *http.Request) {
	h.svc.ClearGlobalError()
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// Rename handles PUT /sources/{id}/name. Body: {"name": "Entrance"}.
func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if !h.decode(w, r, &in) {
		return
	}
	src, err := h.svc.Rename(r.Context(), sourceID(r), strings.TrimSpace(in.Name))
	h.respondSource(w, src, err)
}

// AddPoint handles POST /sources/{id}/points. Body: {"x": 10, "y": 20} in
// image pixels.
func (h *Handler) AddPoint(w http.ResponseWriter, r *http.Request) {
	var p geometry.Point
	if !h.decode(w, r, &p) {
		return
	}
	src, err := h.svc.AddPoint(sourceID(r), p)
	h.respondSource(w, src, err)
}

type pointerRequest struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Pointer handles POST /sources/{id}/pointer. Body: screen position plus
// the size of the container the frame is drawn in.
func (h *Handler) Pointer(w http.ResponseWriter, r *http.Request) {
	var in pointerRequest
	if !h.decode(w, r, &in) {
		return
	}
	container := geometry.Size{Width: in.Width, Height: in.Height}
	src, err := h.svc.Pointer(sourceID(r), geometry.Point{X: in.X, Y: in.Y}, container)
	h.respondSource(w, src, err)
}

// ToggleLine handles POST /sources/{id}/lines/{index}.
func (h *Handler) ToggleLine(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	src, err := h.svc.ToggleLine(sourceID(r), i)
	h.respondSource(w, src, err)
}

// SetZone handles PUT /sources/{id}/zone. Body: {"zoneType": "inside"}.
func (h *Handler) SetZone(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ZoneType string `json:"zoneType"`
	}
	if !h.decode(w, r, &in) {
		return
	}
	z := annotation.ParseZoneType(in.ZoneType)
	if z == annotation.ZoneUnset {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	src, err := h.svc.SetZoneType(sourceID(r), z)
	h.respondSource(w, src, err)
}

// Submit handles POST /sources/{id}/analysis.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	src, err := h.svc.Submit(r.Context(), sourceID(r))
	h.respondSource(w, src, err)
}

// RefetchFrame handles POST /sources/{id}/frame.
func (h *Handler) RefetchFrame(w http.ResponseWriter, r *http.Request) {
	src, err := h.svc.RefetchFrame(r.Context(), sourceID(r))
	h.respondSource(w, src, err)
}

// Overlay handles GET /sources/{id}/overlay?width=960&height=540.
func (h *Handler) Overlay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	width, werr := strconv.ParseFloat(q.Get("width"), 64)
	height, herr := strconv.ParseFloat(q.Get("height"), 64)
	if werr != nil || herr != nil || width <= 0 || height <= 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ov, err := h.svc.Overlay(sourceID(r), geometry.Size{Width: width, Height: height})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// Events handles GET /events, a Server-Sent Events stream of registry
// changes. Clients sending Accept: application/x-protobuf receive base64
// protobuf Struct frames instead of JSON.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	id, ch := h.events.Subscribe()
	defer h.events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data := ev.JSON
			if useProtobuf {
				data = ev.Protobuf
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				h.log.Debug("change stream client gone", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) sourceOp(op func(id string) (Source, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, err := op(sourceID(r))
		h.respondSource(w, src, err)
	}
}

func (h *Handler) respondSource(w http.ResponseWriter, src Source, err error) {
	if err != nil {
		h.writeError(w, err, src)
		return
	}
	mode, active := h.svc.Registry().Mode()
	writeJSON(w, http.StatusOK, map[string]any{"source": src, "mode": mode, "activeId": active})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.log.Debug("invalid request body", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps domain errors to HTTP status codes. When the failing
// operation still produced a source state it is included in the body.
func (h *Handler) writeError(w http.ResponseWriter, err error, src ...Source) {
	status := http.StatusInternalServerError
	var (
		ve *annotation.ValidationError
		ae *backend.AnalysisRequestError
		fe *backend.FrameFetchError
	)
	switch {
	case errors.Is(err, ErrSourceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrDuplicateSource), errors.Is(err, ErrAnalysisInFlight),
		errors.Is(err, ErrBusy), errors.Is(err, ErrStale), errors.Is(err, ErrMissingToken):
		status = http.StatusConflict
	case errors.Is(err, ingest.ErrNoValidURLs), errors.As(err, &ve):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &ae), errors.As(err, &fe), errors.Is(err, backend.ErrUnexpectedStatus):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("error", err.Error()))
	}

	body := map[string]any{"error": err.Error()}
	if len(src) > 0 && src[0].ID != "" {
		body["source"] = src[0]
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sourceID returns the unescaped {id} path parameter. Source ids are URLs
// and travel percent-encoded.
func sourceID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}
