package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"customer-flow-console/internal/livechannel"
)

var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Counts is the message published for every live counter update.
type Counts struct {
	Source    string    `json:"source"`
	Enter     int       `json:"enter"`
	Exit      int       `json:"exit"`
	Pass      int       `json:"pass"`
	Reenter   int       `json:"reenter"`
	Timestamp time.Time `json:"timestamp"`
}

// publisher is the part of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes live counters to an MQTT broker, one topic per source.
type MQTTEmitter struct {
	broker   string
	clientID string
	topic    string
	logger   *slog.Logger

	client publisher
	raw    mqtt.Client
	now    func() time.Time

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTTEmitter creates an emitter. Connect must be called before publishing.
func NewMQTTEmitter(broker, clientID, topic string, logger *slog.Logger) *MQTTEmitter {
	return &MQTTEmitter{
		broker:   broker,
		clientID: clientID,
		topic:    strings.TrimRight(topic, "/"),
		logger:   logger,
		now:      time.Now,
	}
}

// Connect establishes the broker connection with automatic reconnects.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established", "broker", broker, "client_id", e.clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	e.raw = mqtt.NewClient(opts)
	e.client = e.raw
	e.logger.Info("connecting to mqtt broker", "broker", broker)

	token := e.raw.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Topic returns the topic counters for sourceID are published on. The source
// URL is path-escaped so it occupies a single topic level.
func (e *MQTTEmitter) Topic(sourceID string) string {
	return e.topic + "/" + url.PathEscape(sourceID)
}

// PublishCounts sends the current counters of one source.
func (e *MQTTEmitter) PublishCounts(sourceID string, m livechannel.Metrics) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}
	payload, err := json.Marshal(Counts{
		Source:    sourceID,
		Enter:     m.Enter,
		Exit:      m.Exit,
		Pass:      m.Pass,
		Reenter:   m.Reenter,
		Timestamp: e.now().UTC(),
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal counts: %w", err)
	}

	topic := e.Topic(sourceID)
	token := e.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	e.logger.Debug("counts published", "topic", topic, "size", len(payload))
	return nil
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.raw != nil && e.raw.IsConnected() {
		e.raw.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
