package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"customer-flow-console/internal/annotation"
	"customer-flow-console/internal/geometry"
)

const (
	pathCheckSource  = "/customer-flow/check-rtsp"
	pathAnalysis     = "/customer-flow/custome-analysisV2"
	pathCatalog      = "/customer-flow/get-rtsp"
	pathRename       = "/customer-flow/set-rtsp-name"
	pathStopAnalysis = "/customer-flow/stop-analysis"
)

// Client talks to the frame, analysis and catalog endpoints of the
// customer-flow backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient returns a Client for baseURL with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Frame is the reference image for a source.
type Frame struct {
	FrameRef     string         `json:"frameRef"`
	RawStreamRef string         `json:"rawStreamRef,omitempty"`
	Size         *geometry.Size `json:"size,omitempty"`
}

type frameResponse struct {
	Status      string `json:"status"`
	FrameURL    string `json:"frame_url"`
	MJPEGStream string `json:"mjpeg_stream"`
	Size        *struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"size"`
}

// FetchFrame asks the backend to snapshot sourceURL. Any failure is
// returned as *FrameFetchError.
func (c *Client) FetchFrame(ctx context.Context, sourceURL string) (Frame, error) {
	var resp frameResponse
	if err := c.post(ctx, pathCheckSource, map[string]string{"rtsp_url": sourceURL}, &resp); err != nil {
		return Frame{}, &FrameFetchError{SourceURL: sourceURL, Err: err}
	}
	if resp.Status != "success" || resp.FrameURL == "" {
		return Frame{}, &FrameFetchError{SourceURL: sourceURL, Err: errors.New("failed to fetch first frame")}
	}
	f := Frame{
		FrameRef:     c.resolve(resp.FrameURL),
		RawStreamRef: c.resolve(resp.MJPEGStream),
	}
	if resp.Size != nil {
		size := geometry.Size{Width: resp.Size.Width, Height: resp.Size.Height}
		if size.Valid() {
			f.Size = &size
		}
	}
	return f, nil
}

// AnalysisRequest is one source's submission. Coordinates are integer image
// pixels truncated toward zero.
type AnalysisRequest struct {
	SourceURL string      `json:"rtsp_url"`
	Points    [][2]int    `json:"points"`
	Passway   [][2][2]int `json:"passway"`
	AreaType  string      `json:"area_type"`
}

// NewAnalysisRequest flattens a validated annotation into the backend shape.
func NewAnalysisRequest(sourceURL string, a annotation.Annotation) AnalysisRequest {
	req := AnalysisRequest{
		SourceURL: sourceURL,
		Points:    make([][2]int, 0, len(a.Points)),
		Passway:   make([][2][2]int, 0, len(a.SelectedLineIndices)),
		AreaType:  string(a.ZoneType),
	}
	for _, p := range a.Points {
		req.Points = append(req.Points, geometry.Truncate(p))
	}
	for _, line := range a.CrossingLines() {
		req.Passway = append(req.Passway, [2][2]int{geometry.Truncate(line[0]), geometry.Truncate(line[1])})
	}
	return req
}

// AnalysisResult is the backend's acceptance of a submission.
type AnalysisResult struct {
	Token       string `json:"token"`
	StreamRef   string `json:"streamRef,omitempty"`
	IsRTSP      bool   `json:"isRtsp"`
	StreamIndex int    `json:"streamIndex"`
}

type analysisResponse struct {
	Ret     int    `json:"ret"`
	Message string `json:"message"`
	Res     []struct {
		SourceURL   string `json:"source_url"`
		MJPEGURL    string `json:"mjpeg_url"`
		IsRTSP      bool   `json:"is_rtsp"`
		StreamIndex int    `json:"stream_index"`
	} `json:"res"`
}

// SubmitAnalysis starts analysis for one source. A non-zero result code or
// an empty result list is a rejection.
func (c *Client) SubmitAnalysis(ctx context.Context, req AnalysisRequest) (AnalysisResult, error) {
	body := map[string][]AnalysisRequest{"videos": {req}}
	var resp analysisResponse
	if err := c.post(ctx, pathAnalysis, body, &resp); err != nil {
		return AnalysisResult{}, &AnalysisRequestError{SourceURL: req.SourceURL, Err: err}
	}
	if resp.Ret != 0 || len(resp.Res) == 0 {
		msg := resp.Message
		if msg == "" {
			msg = "analysis failed on backend"
		}
		return AnalysisResult{}, &AnalysisRequestError{SourceURL: req.SourceURL, Code: resp.Ret, Message: msg}
	}
	first := resp.Res[0]
	return AnalysisResult{
		Token:       first.SourceURL,
		StreamRef:   c.resolve(first.MJPEGURL),
		IsRTSP:      first.IsRTSP,
		StreamIndex: first.StreamIndex,
	}, nil
}

// CatalogEntry is a source the backend already knows about.
type CatalogEntry struct {
	SourceURL    string
	Name         string
	FrameRef     string
	RawStreamRef string
	StreamRef    string
	CreatedAt    string
}

type catalogResponse struct {
	Ret            int    `json:"ret"`
	Message        string `json:"message"`
	HandleRTSPData map[string]struct {
		RTSPURL     string `json:"rtsp_url"`
		FrameURL    string `json:"frame_url"`
		MJPEGStream string `json:"mjpeg_stream"`
		MJPEGURL    string `json:"mjpeg_url"`
		Name        string `json:"name"`
		CreateTime  string `json:"create_time"`
	} `json:"HandleRTSPData"`
}

// Catalog lists the sources registered on the backend, oldest first.
func (c *Client) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	var resp catalogResponse
	if err := c.do(ctx, http.MethodGet, pathCatalog, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch source catalog: %w", err)
	}
	if resp.Ret != 0 || resp.HandleRTSPData == nil {
		return nil, fmt.Errorf("fetch source catalog: %w: backend error or invalid data (ret=%d)", ErrUnexpectedStatus, resp.Ret)
	}
	entries := make([]CatalogEntry, 0, len(resp.HandleRTSPData))
	for key, d := range resp.HandleRTSPData {
		u := strings.TrimSpace(d.RTSPURL)
		if u == "" {
			u = key
		}
		entries = append(entries, CatalogEntry{
			SourceURL:    u,
			Name:         strings.TrimSpace(d.Name),
			FrameRef:     c.resolve(d.FrameURL),
			RawStreamRef: c.resolve(d.MJPEGStream),
			StreamRef:    c.resolve(d.MJPEGURL),
			CreatedAt:    d.CreateTime,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt != entries[j].CreatedAt {
			return entries[i].CreatedAt < entries[j].CreatedAt
		}
		return entries[i].SourceURL < entries[j].SourceURL
	})
	return entries, nil
}

// Rename sets the display name of a source on the backend.
func (c *Client) Rename(ctx context.Context, sourceURL, name string) error {
	body := map[string]string{"rtsp_url": sourceURL, "name": name}
	if err := c.post(ctx, pathRename, body, nil); err != nil {
		return fmt.Errorf("rename %s: %w", sourceURL, err)
	}
	return nil
}

// StopAnalysis asks the backend to stop processing a source.
func (c *Client) StopAnalysis(ctx context.Context, sourceURL string) error {
	if err := c.post(ctx, pathStopAnalysis, map[string]string{"rtsp_url": sourceURL}, nil); err != nil {
		return fmt.Errorf("stop analysis for %s: %w", sourceURL, err)
	}
	return nil
}

// resolve prefixes backend-relative references with the base URL.
func (c *Client) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.Contains(ref, "://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return c.baseURL + ref
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Debug("backend request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		msg := e.Message
		if msg == "" {
			msg = e.Detail
		}
		if msg == "" {
			return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		}
		return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, msg)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
