package livechannel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes the channel distinguishes between.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseNoStatus = websocket.CloseNoStatusReceived
)

// CloseError reports that the server closed the channel with a close frame.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("channel closed (code %d) %s", e.Code, e.Text)
}

// Clean reports whether the close was a normal end of stream.
func (e *CloseError) Clean() bool {
	return e.Code == CloseNormal || e.Code == CloseNoStatus
}

// Conn is an open live channel. Only the read side is used.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close(code int, reason string) error
}

// Dialer opens a live channel for a streaming token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketDialer dials the analysis backend's websocket endpoint.
type WebsocketDialer struct {
	// Endpoint is the full websocket URL without query, for example
	// ws://host:8000/customer-flow/ws.
	Endpoint string
	Dialer   *websocket.Dialer
	Header   http.Header
}

// NewWebsocketDialer returns a dialer for endpoint with a bounded handshake.
func NewWebsocketDialer(endpoint string, handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		Endpoint: endpoint,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// URL returns the channel address for token.
func (d *WebsocketDialer) URL(token string) string {
	sep := "?"
	if strings.Contains(d.Endpoint, "?") {
		sep = "&"
	}
	return d.Endpoint + sep + "rtsp_url=" + url.QueryEscape(token)
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, d.URL(token), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial live channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial live channel: %w", err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Text: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.c.Close()
}
