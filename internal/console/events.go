package console

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// SerializedEvent carries one change in both wire formats so that it is
// encoded once regardless of how many clients listen.
type SerializedEvent struct {
	JSON     []byte
	Protobuf []byte // base64 of a google.protobuf.Struct
}

// Broadcaster fans registry changes out to change-stream subscribers. Slow
// subscribers miss events rather than stall the registry. Sequenced events
// that arrive behind a newer one for the same source are dropped, since each
// carries a full snapshot.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	latest  map[string]uint64
	nextID  int
	closed  bool
	logger  *slog.Logger
}

// NewBroadcaster returns a Broadcaster with no subscribers.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients: make(map[int]chan *SerializedEvent),
		latest:  make(map[string]uint64),
		logger:  logger,
	}
}

// Subscribe adds a client and returns its id and event channel.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 16)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch
	b.logger.Debug("change stream subscribed", "client", id, "clients", len(b.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.logger.Debug("change stream unsubscribed", "client", id, "clients", len(b.clients))
	}
}

// Clients returns the number of subscribers.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish encodes ev and offers it to every subscriber without blocking.
// Encoding happens under the lock so subscribers see events in the order
// they were accepted.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Seq != 0 {
		if ev.Seq <= b.latest[ev.SourceID] {
			b.logger.Debug("superseded change event dropped", "kind", ev.Kind, "source", ev.SourceID, "seq", ev.Seq)
			return
		}
		b.latest[ev.SourceID] = ev.Seq
	}
	if len(b.clients) == 0 {
		return
	}
	se, err := EncodeEvent(ev)
	if err != nil {
		b.logger.Warn("encode change event failed", "kind", ev.Kind, "error", err)
		return
	}
	for id, ch := range b.clients {
		select {
		case ch <- se:
		default:
			b.logger.Debug("change stream client lagging, event dropped", "client", id)
		}
	}
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	b.closed = true
}

// EncodeEvent serialises ev as JSON and as a base64 protobuf Struct with the
// same field names.
func EncodeEvent(ev Event) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event json: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("reshape event: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build event struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal event protobuf: %w", err)
	}
	return &SerializedEvent{
		JSON:     jsonData,
		Protobuf: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
