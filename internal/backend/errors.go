package backend

import (
	"errors"
	"fmt"
)

// ErrUnexpectedStatus is wrapped when the backend answers with a non-2xx code.
var ErrUnexpectedStatus = errors.New("unexpected backend status")

// FrameFetchError reports that the reference frame for a source could not be
// acquired.
type FrameFetchError struct {
	SourceURL string
	Err       error
}

func (e *FrameFetchError) Error() string {
	return fmt.Sprintf("fetch frame for %s: %v", e.SourceURL, e.Err)
}

func (e *FrameFetchError) Unwrap() error { return e.Err }

// AnalysisRequestError reports a rejected or failed analysis submission.
// Code is the backend result code, or 0 for transport failures.
type AnalysisRequestError struct {
	SourceURL string
	Code      int
	Message   string
	Err       error
}

func (e *AnalysisRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("start analysis for %s: %v", e.SourceURL, e.Err)
	}
	return fmt.Sprintf("start analysis for %s: backend returned %d: %s", e.SourceURL, e.Code, e.Message)
}

func (e *AnalysisRequestError) Unwrap() error { return e.Err }

// Operator-facing text for the error, without the source prefix.
func (e *AnalysisRequestError) Reason() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}
