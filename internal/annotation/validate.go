package annotation

import "fmt"

// Reasons reported by Validate, in the order they are checked.
const (
	ReasonNotClosed    = "polygon not closed"
	ReasonNoLines      = "no crossing line selected"
	ReasonZoneRequired = "zone type not selected"
)

// ValidationError reports the first unmet precondition for analysis.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("annotation incomplete: %s", e.Reason)
}

// Validate checks that a is ready to submit. Only the first failing
// condition is reported.
func Validate(a Annotation) error {
	switch {
	case !a.IsClosed:
		return &ValidationError{Reason: ReasonNotClosed}
	case len(a.SelectedLineIndices) == 0:
		return &ValidationError{Reason: ReasonNoLines}
	case !a.ZoneType.Valid():
		return &ValidationError{Reason: ReasonZoneRequired}
	}
	return nil
}
