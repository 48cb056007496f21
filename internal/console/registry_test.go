package console

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"customer-flow-console/internal/annotation"
	"customer-flow-console/internal/backend"
	"customer-flow-console/internal/geometry"
	"customer-flow-console/internal/livechannel"
)

const (
	camA = "rtsp://cam/a"
	camB = "rtsp://cam/b"
	camC = "rtsp://cam/c"
)

var fullHD = geometry.Size{Width: 1920, Height: 1080}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry() *Registry {
	return NewRegistry(discardLogger(), 0)
}

// loadFrame drives id through a successful frame fetch.
func loadFrame(t *testing.T, r *Registry, id string) {
	t.Helper()
	ticket, err := r.BeginFrameFetch(id)
	if err != nil {
		t.Fatalf("begin fetch %s: %v", id, err)
	}
	size := fullHD
	if _, err := r.FinishFrameFetch(id, ticket, backend.Frame{FrameRef: "/frames/" + id, Size: &size}, nil); err != nil {
		t.Fatalf("finish fetch %s: %v", id, err)
	}
}

// drawSquare activates id and draws a closed square on it.
func drawSquare(t *testing.T, r *Registry, id string) {
	t.Helper()
	if err := r.SetActive(id); err != nil {
		t.Fatal(err)
	}
	for _, p := range []geometry.Point{{X: 100, Y: 100}, {X: 500, Y: 100}, {X: 500, Y: 500}, {X: 100, Y: 500}} {
		if _, err := r.AddPoint(id, p); err != nil {
			t.Fatal(err)
		}
	}
	src, err := r.Close(id)
	if err != nil || !src.Annotation.IsClosed {
		t.Fatalf("close: %v closed=%v", err, src.Annotation.IsClosed)
	}
}

// readySource returns a registry holding one active source whose annotation
// passes validation.
func readySource(t *testing.T) *Registry {
	t.Helper()
	r := newTestRegistry()
	r.Add([]string{camA})
	loadFrame(t, r, camA)
	drawSquare(t, r, camA)
	if _, err := r.ToggleLine(camA, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetZoneType(camA, annotation.ZoneInside); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDeriveMode(t *testing.T) {
	open := annotation.Annotation{Points: []geometry.Point{{X: 1}}}
	closed := annotation.Annotation{Points: []geometry.Point{{}, {X: 1}, {Y: 1}}, IsClosed: true}

	tests := []struct {
		name string
		src  *Source
		want Mode
	}{
		{"no_active", nil, ModeIdle},
		{"idle", &Source{Status: StatusIdle}, ModeIdle},
		{"loading", &Source{Status: StatusLoadingFrame}, ModeIdle},
		{"frame_loaded", &Source{Status: StatusFrameLoaded, FrameRef: "f"}, ModeDrawing},
		{"annotating", &Source{Status: StatusAnnotating, FrameRef: "f", Annotation: open}, ModeDrawing},
		{"annotated", &Source{Status: StatusAnnotated, FrameRef: "f", Annotation: closed}, ModeLineSelection},
		{"analyzing", &Source{Status: StatusAnalyzing, FrameRef: "f", Annotation: closed}, ModeIdle},
		{"streaming", &Source{Status: StatusStreaming, FrameRef: "f", Annotation: closed}, ModeIdle},
		{"error_frame", &Source{Status: StatusErrorFrame}, ModeIdle},
		{"error_analysis_closed", &Source{Status: StatusErrorAnalysis, FrameRef: "f", Annotation: closed}, ModeLineSelection},
		{"error_analysis_open", &Source{Status: StatusErrorAnalysis, FrameRef: "f", Annotation: open}, ModeDrawing},
		{"error_analysis_no_frame", &Source{Status: StatusErrorAnalysis, Annotation: open}, ModeIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveMode(tt.src); got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestRegistry_Add_skips_tracked(t *testing.T) {
	r := newTestRegistry()
	if got := r.Add([]string{camA, camB}); len(got) != 2 {
		t.Fatalf("added %v", got)
	}
	got := r.Add([]string{camB, camC, camA})
	if len(got) != 1 || got[0] != camC {
		t.Errorf("added %v want [%s]", got, camC)
	}

	snap := r.Snapshot()
	if len(snap.Sources) != 3 {
		t.Fatalf("len %d", len(snap.Sources))
	}
	for i, want := range []string{camA, camB, camC} {
		s := snap.Sources[i]
		if s.ID != want || s.Status != StatusIdle || s.DisplayName != want {
			t.Errorf("source %d: %+v", i, s)
		}
		if s.Channel.State != livechannel.StateIdle {
			t.Errorf("channel %q", s.Channel.State)
		}
	}
	if snap.ActiveID != "" || snap.Mode != ModeIdle {
		t.Errorf("add must not activate: %+v", snap)
	}
}

func TestRegistry_frame_fetch(t *testing.T) {
	t.Run("success_loads_frame", func(t *testing.T) {
		r := newTestRegistry()
		r.Add([]string{camA})
		ticket, _ := r.BeginFrameFetch(camA)
		if src, _ := r.Get(camA); src.Status != StatusLoadingFrame {
			t.Fatalf("status %q", src.Status)
		}
		size := fullHD
		src, err := r.FinishFrameFetch(camA, ticket, backend.Frame{FrameRef: "/f.jpg", RawStreamRef: "/raw", Size: &size}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if src.Status != StatusFrameLoaded || src.FrameRef != "/f.jpg" || *src.FrameDimensions != fullHD {
			t.Errorf("got %+v", src)
		}
	})

	t.Run("failure_records_error", func(t *testing.T) {
		r := newTestRegistry()
		r.Add([]string{camA})
		ticket, _ := r.BeginFrameFetch(camA)
		fetchErr := &backend.FrameFetchError{SourceURL: camA, Err: errors.New("timeout")}
		src, err := r.FinishFrameFetch(camA, ticket, backend.Frame{}, fetchErr)
		if err != nil {
			t.Fatal(err)
		}
		if src.Status != StatusErrorFrame || src.ErrorMessage == "" || src.HasFrame() {
			t.Errorf("got %+v", src)
		}
	})

	t.Run("superseded_ticket_is_stale", func(t *testing.T) {
		r := newTestRegistry()
		r.Add([]string{camA})
		first, _ := r.BeginFrameFetch(camA)
		second, _ := r.BeginFrameFetch(camA)
		if _, err := r.FinishFrameFetch(camA, first, backend.Frame{FrameRef: "/old"}, nil); !errors.Is(err, ErrStale) {
			t.Fatalf("got %v want ErrStale", err)
		}
		src, err := r.FinishFrameFetch(camA, second, backend.Frame{FrameRef: "/new"}, nil)
		if err != nil || src.FrameRef != "/new" {
			t.Errorf("err=%v frame=%q", err, src.FrameRef)
		}
	})

	t.Run("removed_source", func(t *testing.T) {
		r := newTestRegistry()
		r.Add([]string{camA})
		ticket, _ := r.BeginFrameFetch(camA)
		r.Remove(camA)
		if _, err := r.FinishFrameFetch(camA, ticket, backend.Frame{FrameRef: "/f"}, nil); !errors.Is(err, ErrSourceNotFound) {
			t.Errorf("got %v", err)
		}
		if r.Len() != 0 {
			t.Error("removed source reappeared")
		}
	})

	t.Run("busy_while_streaming", func(t *testing.T) {
		r := readySource(t)
		_, ticket, _ := r.BeginAnalysis(camA)
		_, _ = r.FinishAnalysis(camA, ticket, backend.AnalysisResult{Token: camA}, nil)
		if _, err := r.BeginFrameFetch(camA); !errors.Is(err, ErrBusy) {
			t.Errorf("got %v want ErrBusy", err)
		}
		if src, _ := r.Get(camA); src.Status != StatusStreaming {
			t.Errorf("status %q", src.Status)
		}
	})
}

func TestRegistry_drawing_flow(t *testing.T) {
	r := newTestRegistry()
	r.Add([]string{camA, camB})
	loadFrame(t, r, camA)
	loadFrame(t, r, camB)

	// Not active: silently ignored.
	src, err := r.AddPoint(camA, geometry.Point{X: 1, Y: 1})
	if err != nil || len(src.Annotation.Points) != 0 {
		t.Fatalf("inactive source accepted point: err=%v %+v", err, src.Annotation)
	}

	drawSquare(t, r, camA)
	if mode, active := r.Mode(); mode != ModeLineSelection || active != camA {
		t.Fatalf("mode %q active %q", mode, active)
	}
	src, _ = r.Get(camA)
	if src.Status != StatusAnnotated {
		t.Errorf("status %q", src.Status)
	}

	// Drawing operations are gated off once closed.
	if src, _ := r.AddPoint(camA, geometry.Point{X: 9, Y: 9}); len(src.Annotation.Points) != 4 {
		t.Error("point added in line selection mode")
	}
	if src, _ := r.Undo(camA); len(src.Annotation.Points) != 4 || !src.Annotation.IsClosed {
		t.Error("undo reopened closed polygon")
	}

	src, _ = r.ToggleLine(camA, 2)
	src, _ = r.ToggleLine(camA, 0)
	if len(src.Annotation.SelectedLineIndices) != 2 || src.Annotation.SelectedLineIndices[0] != 0 {
		t.Errorf("lines %v", src.Annotation.SelectedLineIndices)
	}
	if src.Status != StatusAnnotated {
		t.Errorf("toggle changed status to %q", src.Status)
	}

	// Line selection on the inactive source is ignored.
	if src, _ := r.ToggleLine(camB, 0); len(src.Annotation.SelectedLineIndices) != 0 {
		t.Error("inactive source toggled")
	}
}

func TestRegistry_Undo_to_empty(t *testing.T) {
	r := newTestRegistry()
	r.Add([]string{camA})
	loadFrame(t, r, camA)
	_ = r.SetActive(camA)

	src, _ := r.AddPoint(camA, geometry.Point{X: 5, Y: 5})
	if src.Status != StatusAnnotating {
		t.Fatalf("status %q", src.Status)
	}
	src, _ = r.Undo(camA)
	if src.Status != StatusFrameLoaded || !src.Annotation.Empty() {
		t.Errorf("got %q %+v", src.Status, src.Annotation)
	}
}

func TestRegistry_Pointer_converts_and_closes(t *testing.T) {
	r := newTestRegistry()
	r.Add([]string{camA})
	loadFrame(t, r, camA)
	_ = r.SetActive(camA)
	container := geometry.Size{Width: 960, Height: 540}

	src, err := r.Pointer(camA, geometry.Point{X: 50, Y: 100}, container)
	if err != nil {
		t.Fatal(err)
	}
	if got := src.Annotation.Points[0]; got != (geometry.Point{X: 100, Y: 200}) {
		t.Fatalf("stored %+v want {100 200}", got)
	}

	_, _ = r.Pointer(camA, geometry.Point{X: 500, Y: 100}, container)
	_, _ = r.Pointer(camA, geometry.Point{X: 500, Y: 400}, container)

	// 10 image pixels from the first vertex is 5 screen pixels at scale 0.5.
	src, _ = r.Pointer(camA, geometry.Point{X: 55, Y: 100}, container)
	if !src.Annotation.IsClosed || len(src.Annotation.Points) != 3 {
		t.Fatalf("expected close, got %+v", src.Annotation)
	}
	if src.Status != StatusAnnotated {
		t.Errorf("status %q", src.Status)
	}
}

func TestRegistry_Pointer_far_click_adds_point(t *testing.T) {
	r := newTestRegistry()
	r.Add([]string{camA})
	loadFrame(t, r, camA)
	_ = r.SetActive(camA)
	container := geometry.Size{Width: 960, Height: 540}
	for _, p := range []geometry.Point{{X: 50, Y: 100}, {X: 500, Y: 100}, {X: 500, Y: 400}} {
		_, _ = r.Pointer(camA, p, container)
	}
	// 40 image pixels away is 20 screen pixels, outside the 15 pixel radius.
	src, _ := r.Pointer(camA, geometry.Point{X: 70, Y: 100}, container)
	if src.Annotation.IsClosed || len(src.Annotation.Points) != 4 {
		t.Errorf("got %+v", src.Annotation)
	}
}

func TestRegistry_CheckSubmission(t *testing.T) {
	r := newTestRegistry()
	r.Add([]string{camA})
	loadFrame(t, r, camA)
	_ = r.SetActive(camA)
	for _, p := range []geometry.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}} {
		_, _ = r.AddPoint(camA, p)
	}

	err := r.CheckSubmission(camA)
	var ve *annotation.ValidationError
	if !errors.As(err, &ve) || ve.Reason != annotation.ReasonNotClosed {
		t.Fatalf("got %v", err)
	}
	src, _ := r.Get(camA)
	if src.Status != StatusErrorAnalysis || src.ErrorMessage != annotation.ReasonNotClosed {
		t.Errorf("got %q %q", src.Status, src.ErrorMessage)
	}
	// The operator can keep drawing after the rejection.
	if mode, _ := r.Mode(); mode != ModeDrawing {
		t.Errorf("mode %q", mode)
	}
	src, _ = r.Close(camA)
	if src.Status != StatusAnnotated || src.ErrorMessage != "" {
		t.Errorf("after close: %q %q", src.Status, src.ErrorMessage)
	}

	err = r.CheckSubmission(camA)
	if !errors.As(err, &ve) || ve.Reason != annotation.ReasonNoLines {
		t.Errorf("got %v", err)
	}
}

func TestRegistry_analysis_lifecycle(t *testing.T) {
	r := readySource(t)

	req, ticket, err := r.BeginAnalysis(camA)
	if err != nil {
		t.Fatal(err)
	}
	if req.SourceURL != camA || len(req.Points) != 4 || len(req.Passway) != 1 || req.AreaType != "inside" {
		t.Errorf("request %+v", req)
	}
	if _, _, err := r.BeginAnalysis(camA); !errors.Is(err, ErrAnalysisInFlight) {
		t.Errorf("second submit: %v", err)
	}
	if mode, _ := r.Mode(); mode != ModeIdle {
		t.Errorf("analyzing mode %q", mode)
	}

	src, err := r.FinishAnalysis(camA, ticket, backend.AnalysisResult{Token: camA, StreamRef: "/stream/0"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if src.Status != StatusStreaming || src.ChannelToken != camA || src.StreamRef != "/stream/0" {
		t.Errorf("got %+v", src)
	}
}

func TestRegistry_FinishAnalysis_failure(t *testing.T) {
	r := readySource(t)
	_, ticket, _ := r.BeginAnalysis(camA)
	submitErr := &backend.AnalysisRequestError{SourceURL: camA, Code: 3, Message: "camera offline"}
	src, err := r.FinishAnalysis(camA, ticket, backend.AnalysisResult{}, submitErr)
	if err != nil {
		t.Fatal(err)
	}
	if src.Status != StatusErrorAnalysis || src.ErrorMessage != "camera offline" {
		t.Errorf("got %q %q", src.Status, src.ErrorMessage)
	}
	if !src.Annotation.IsClosed {
		t.Error("annotation lost on failure")
	}
	if mode, _ := r.Mode(); mode != ModeLineSelection {
		t.Errorf("mode %q", mode)
	}
}

func TestRegistry_stale_analysis_after_clear(t *testing.T) {
	r := readySource(t)
	_, ticket, _ := r.BeginAnalysis(camA)

	src, _ := r.ClearAnnotation(camA)
	if src.Status != StatusFrameLoaded || !src.Annotation.Empty() {
		t.Fatalf("clear: %q %+v", src.Status, src.Annotation)
	}

	_, err := r.FinishAnalysis(camA, ticket, backend.AnalysisResult{Token: camA}, nil)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("got %v want ErrStale", err)
	}
	src, _ = r.Get(camA)
	if src.Status != StatusFrameLoaded || src.ChannelToken != "" {
		t.Errorf("stale response applied: %+v", src)
	}
}

func TestRegistry_ClearAnnotation_keeps_unrelated_status(t *testing.T) {
	r := newTestRegistry()
	r.Add([]string{camA})
	ticket, _ := r.BeginFrameFetch(camA)
	_, _ = r.FinishFrameFetch(camA, ticket, backend.Frame{}, errors.New("boom"))

	src, _ := r.ClearAnnotation(camA)
	if src.Status != StatusErrorFrame {
		t.Errorf("status %q", src.Status)
	}
}

func TestRegistry_ResetStatus(t *testing.T) {
	r := readySource(t)
	_, ticket, _ := r.BeginAnalysis(camA)
	_, _ = r.FinishAnalysis(camA, ticket, backend.AnalysisResult{}, errors.New("down"))

	src, err := r.ResetStatus(camA)
	if err != nil {
		t.Fatal(err)
	}
	if src.Status != StatusAnnotated || src.ErrorMessage != "" || !src.Annotation.IsClosed {
		t.Errorf("got %+v", src)
	}
	if _, err := r.ResetStatus("rtsp://nope"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestRegistry_Remove_reassigns_active(t *testing.T) {
	r := newTestRegistry()
	r.Add([]string{camA, camB, camC})
	loadFrame(t, r, camA)
	_ = r.SetActive(camB)

	r.Remove(camB)
	if mode, active := r.Mode(); active != camA || mode != ModeDrawing {
		t.Errorf("after removing active: active=%q mode=%q", active, mode)
	}

	r.Remove(camC)
	if _, active := r.Mode(); active != camA {
		t.Errorf("removing inactive changed active to %q", active)
	}

	r.Remove(camA)
	if mode, active := r.Mode(); active != "" || mode != ModeIdle {
		t.Errorf("empty registry: active=%q mode=%q", active, mode)
	}
	if r.Remove(camA) {
		t.Error("second remove reported success")
	}
}

func TestRegistry_channel_host(t *testing.T) {
	r := readySource(t)
	_, ticket, _ := r.BeginAnalysis(camA)
	_, _ = r.FinishAnalysis(camA, ticket, backend.AnalysisResult{Token: camA}, nil)

	token, st, ok := r.ChannelTarget(camA)
	if !ok || token != camA || st.State != livechannel.StateIdle {
		t.Fatalf("target %q %+v %v", token, st, ok)
	}

	if !r.ClaimChannel(camA, livechannel.Status{State: livechannel.StateConnecting, ConnID: "c1"}, true) {
		t.Fatal("claim rejected")
	}
	r.SetChannel(camA, "c1", livechannel.Status{State: livechannel.StateConnected, ConnID: "c1"}, false)
	metrics := &livechannel.Metrics{Enter: 3}
	if !r.Deliver(camA, "c1", livechannel.Payload{SourceURL: camA, Boxes: []livechannel.Box{{ID: "7"}}, Metrics: metrics}) {
		t.Fatal("deliver rejected")
	}
	src, _ := r.Get(camA)
	if len(src.LiveBoxes) != 1 || src.LiveMetrics == nil || src.LiveMetrics.Enter != 3 {
		t.Errorf("live data %+v %+v", src.LiveBoxes, src.LiveMetrics)
	}
	if r.ConnectedChannels() != 1 {
		t.Errorf("connected %d", r.ConnectedChannels())
	}

	r.SetChannel(camA, "c1", livechannel.Status{State: livechannel.StateError, Error: "live channel transport error", ConnID: "c1"}, false)
	src, _ = r.Get(camA)
	if src.Status != StatusStreaming {
		t.Errorf("channel failure changed status to %q", src.Status)
	}

	if !r.SetChannel(camA, "c1", livechannel.Idle(), true) {
		t.Fatal("owner could not release the channel")
	}
	src, _ = r.Get(camA)
	if len(src.LiveBoxes) != 0 || src.LiveMetrics != nil {
		t.Error("live data kept after clearing")
	}

	if r.ClaimChannel("rtsp://gone", livechannel.Idle(), true) || r.Deliver("rtsp://gone", "c1", livechannel.Payload{}) {
		t.Error("write to unknown source accepted")
	}
}

func TestRegistry_channel_writes_need_current_owner(t *testing.T) {
	resets := []struct {
		name  string
		reset func(r *Registry)
	}{
		{"released", func(r *Registry) { r.SetChannel(camA, "c1", livechannel.Idle(), true) }},
		{"reclaimed", func(r *Registry) {
			r.ClaimChannel(camA, livechannel.Status{State: livechannel.StateConnecting, ConnID: "c2"}, true)
		}},
		{"clear_annotation", func(r *Registry) { _, _ = r.ClearAnnotation(camA) }},
		{"reset_status", func(r *Registry) { _, _ = r.ResetStatus(camA) }},
		{"resubmitted", func(r *Registry) { _, _, _ = r.BeginAnalysis(camA) }},
	}
	for _, tt := range resets {
		t.Run(tt.name, func(t *testing.T) {
			r := readySource(t)
			_, ticket, _ := r.BeginAnalysis(camA)
			_, _ = r.FinishAnalysis(camA, ticket, backend.AnalysisResult{Token: camA}, nil)
			r.ClaimChannel(camA, livechannel.Status{State: livechannel.StateConnected, ConnID: "c1"}, true)

			tt.reset(r)
			before, _ := r.Get(camA)

			if r.SetChannel(camA, "c1", livechannel.Status{State: livechannel.StateDisconnected, Attempts: 1, ConnID: "c1"}, false) {
				t.Error("late status write accepted")
			}
			if r.Deliver(camA, "c1", livechannel.Payload{SourceURL: camA, Boxes: []livechannel.Box{{ID: "9"}}}) {
				t.Error("late payload accepted")
			}
			if r.SetChannel(camA, "", livechannel.Status{State: livechannel.StateConnected}, false) {
				t.Error("write without a session accepted")
			}

			after, _ := r.Get(camA)
			if after.Channel != before.Channel || len(after.LiveBoxes) != 0 {
				t.Errorf("channel changed from %+v to %+v, boxes %v", before.Channel, after.Channel, after.LiveBoxes)
			}
		})
	}
}

func TestRegistry_Subscribe(t *testing.T) {
	r := newTestRegistry()
	var (
		kinds []EventKind
		seqs  []uint64
	)
	r.Subscribe(func(ev Event) {
		kinds = append(kinds, ev.Kind)
		seqs = append(seqs, ev.Seq)
	})

	r.Add([]string{camA})
	loadFrame(t, r, camA)
	r.ClaimChannel(camA, livechannel.Status{State: livechannel.StateConnecting, ConnID: "c1"}, true)
	r.Deliver(camA, "c1", livechannel.Payload{})
	r.Deliver(camA, "stale", livechannel.Payload{})
	r.Remove(camA)

	want := []EventKind{EventRegistry, EventSource, EventSource, EventChannel, EventLive, EventRemoved}
	if len(kinds) != len(want) {
		t.Fatalf("got %v want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: got %q want %q", i, kinds[i], want[i])
		}
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("sequence not increasing: %v", seqs)
			break
		}
	}
}

func TestRegistry_snapshot_is_a_copy(t *testing.T) {
	r := readySource(t)
	snap := r.Snapshot()
	snap.Sources[0].Annotation.Points[0] = geometry.Point{X: -1, Y: -1}
	snap.Sources[0].Annotation.SelectedLineIndices[0] = 3

	src, _ := r.Get(camA)
	if src.Annotation.Points[0] != (geometry.Point{X: 100, Y: 100}) || src.Annotation.SelectedLineIndices[0] != 0 {
		t.Errorf("registry mutated through snapshot: %+v", src.Annotation)
	}
}
