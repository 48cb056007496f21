package livechannel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// BoxID identifies a tracked object. The detector emits either numbers or
// strings, so both decode into the same textual form.
type BoxID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *BoxID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = BoxID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("box id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = BoxID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = BoxID(n.String())
	return nil
}

// Box is one detection in image-pixel space. BBox is [x, y, width, height].
type Box struct {
	ID         BoxID      `json:"id"`
	Label      string     `json:"label"`
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
}

// Metrics are the running people counts for a source.
type Metrics struct {
	Enter   int `json:"enter"`
	Exit    int `json:"exit"`
	Pass    int `json:"pass"`
	Reenter int `json:"reenter"`
}

// Payload is one live message for a streaming source.
type Payload struct {
	SourceURL string   `json:"sourceUrl"`
	Timestamp float64  `json:"timestamp,omitempty"`
	Boxes     []Box    `json:"boxes"`
	Metrics   *Metrics `json:"metrics,omitempty"`
}

// legacyResult is the counter block emitted by older analysis workers.
type legacyResult struct {
	EnterCount   int `json:"enter_count"`
	ExitCount    int `json:"exit_count"`
	PassCount    int `json:"Pass_count"`
	ReenterCount int `json:"re_enter_count"`
}

type wirePayload struct {
	SourceURL string        `json:"source_url"`
	Timestamp float64       `json:"timestamp"`
	Boxes     []Box         `json:"boxes"`
	Metrics   *Metrics      `json:"metrics"`
	Result    *legacyResult `json:"result"`
}

// DecodePayload parses a live-channel message. Counts are read from
// "metrics" when present and from the legacy "result" block otherwise.
func DecodePayload(data []byte) (Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return Payload{}, fmt.Errorf("decode live payload: %w", err)
	}
	if w.SourceURL == "" {
		return Payload{}, fmt.Errorf("decode live payload: missing source_url")
	}
	p := Payload{
		SourceURL: w.SourceURL,
		Timestamp: w.Timestamp,
		Boxes:     w.Boxes,
		Metrics:   w.Metrics,
	}
	if p.Boxes == nil {
		p.Boxes = []Box{}
	}
	if p.Metrics == nil && w.Result != nil {
		p.Metrics = &Metrics{
			Enter:   w.Result.EnterCount,
			Exit:    w.Result.ExitCount,
			Pass:    w.Result.PassCount,
			Reenter: w.Result.ReenterCount,
		}
	}
	return p, nil
}
