package console

import "errors"

var (
	// ErrSourceNotFound is returned for operations on an unknown source.
	ErrSourceNotFound = errors.New("source not found")

	// ErrDuplicateSource is returned when every requested URL is already tracked.
	ErrDuplicateSource = errors.New("source already tracked")

	// ErrAnalysisInFlight is returned when a submission is already running
	// for the source.
	ErrAnalysisInFlight = errors.New("analysis already in flight")

	// ErrBusy is returned when a frame is requested for a source that is
	// analyzing or streaming.
	ErrBusy = errors.New("source is analyzing or streaming")

	// ErrStale is returned when a response arrives for a request that has
	// been superseded by a removal, reset or newer request.
	ErrStale = errors.New("stale response discarded")

	// ErrMissingToken is returned when a channel is requested for a source
	// that holds no channel token.
	ErrMissingToken = errors.New("missing live channel token")
)
