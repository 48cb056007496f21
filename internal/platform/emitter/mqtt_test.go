package emitter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"customer-flow-console/internal/livechannel"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type sent struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	token *fakeToken
	sent  []sent
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, sent{topic: topic, payload: payload.([]byte)})
	return c.token
}

func newTestEmitter(c *fakeClient) *MQTTEmitter {
	e := NewMQTTEmitter("broker:1883", "test", "customer-flow/counts/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.client = c
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	e.setConnected(true)
	return e
}

func TestTopic_escapes_source(t *testing.T) {
	e := newTestEmitter(&fakeClient{token: &fakeToken{}})
	got := e.Topic("rtsp://cam/1")
	want := "customer-flow/counts/rtsp:%2F%2Fcam%2F1"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestPublishCounts(t *testing.T) {
	c := &fakeClient{token: &fakeToken{}}
	e := newTestEmitter(c)

	if err := e.PublishCounts("rtsp://cam/1", livechannel.Metrics{Enter: 4, Exit: 2, Pass: 9, Reenter: 1}); err != nil {
		t.Fatal(err)
	}
	if len(c.sent) != 1 {
		t.Fatalf("sent %d messages", len(c.sent))
	}
	var got Counts
	if err := json.Unmarshal(c.sent[0].payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Source != "rtsp://cam/1" || got.Enter != 4 || got.Exit != 2 || got.Pass != 9 || got.Reenter != 1 {
		t.Errorf("payload %+v", got)
	}
	if st := e.Stats(); st.Published != 1 || st.Errors != 0 {
		t.Errorf("stats %+v", st)
	}
}

func TestPublishCounts_failures(t *testing.T) {
	t.Run("not_connected", func(t *testing.T) {
		e := newTestEmitter(&fakeClient{token: &fakeToken{}})
		e.setConnected(false)
		if err := e.PublishCounts("a", livechannel.Metrics{}); !errors.Is(err, ErrNotConnected) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("broker_error", func(t *testing.T) {
		e := newTestEmitter(&fakeClient{token: &fakeToken{err: errors.New("denied")}})
		if err := e.PublishCounts("a", livechannel.Metrics{}); err == nil {
			t.Error("expected error")
		}
		if e.Stats().Errors != 1 {
			t.Errorf("errors not counted")
		}
	})
	t.Run("timeout", func(t *testing.T) {
		e := newTestEmitter(&fakeClient{token: &fakeToken{timeout: true}})
		if err := e.PublishCounts("a", livechannel.Metrics{}); err == nil {
			t.Error("expected timeout")
		}
	})
}
