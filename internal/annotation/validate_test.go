package annotation

import (
	"errors"
	"testing"
)

func TestValidate_priority_order(t *testing.T) {
	sq := closedSquare(t)
	withLine, _ := ToggleLine(sq, 0)
	complete, _ := SetZoneType(withLine, ZoneInside)

	open := triangle()
	// Selection and zone on an open polygon are never consulted.
	open.SelectedLineIndices = []int{0}
	open.ZoneType = ZoneInside

	tests := []struct {
		name   string
		in     Annotation
		reason string
	}{
		{"empty", Cleared(), ReasonNotClosed},
		{"open_with_lines_and_zone", open, ReasonNotClosed},
		{"closed_no_lines", sq, ReasonNoLines},
		{"closed_no_zone", withLine, ReasonZoneRequired},
		{"complete", complete, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.in)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Reason != tt.reason {
				t.Errorf("got %q want %q", ve.Reason, tt.reason)
			}
		})
	}
}
