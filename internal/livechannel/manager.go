package livechannel

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrMaxAttempts is the terminal error recorded once automatic reconnects are
// exhausted.
var ErrMaxAttempts = errors.New("max reconnect attempts for live channel reached")

// Host owns the sources whose channels the Manager drives. Implementations
// must be safe for concurrent use. The Manager never holds its own lock while
// calling into the Host, but ClaimChannel runs while Connect and Disconnect
// are serialized and must not call back into the Manager.
//
// A channel belongs to the session whose ConnID was last claimed. SetChannel
// and Deliver carry the writer's ConnID and must be refused once another
// claim, or any host-side reset of the channel, has replaced it.
type Host interface {
	// ChannelTarget returns the streaming token and current channel status of
	// source id. ok is false when the source no longer exists.
	ChannelTarget(id string) (token string, status Status, ok bool)
	// ClaimChannel unconditionally records status for source id and hands
	// ownership to status.ConnID. When clearLive is true the source's boxes
	// and metrics are reset too.
	ClaimChannel(id string, status Status, clearLive bool) bool
	// SetChannel records status for source id if connID still owns the
	// channel, and reports whether it did.
	SetChannel(id, connID string, status Status, clearLive bool) bool
	// Deliver replaces the live boxes and metrics of source id if connID
	// still owns the channel, and reports whether it did.
	Deliver(id, connID string, p Payload) bool
}

// Observer receives channel counters. *metrics.Metrics satisfies it.
type Observer interface {
	IncChannelMessages()
	IncChannelReconnects()
	IncChannelExhausted()
}

type nopObserver struct{}

func (nopObserver) IncChannelMessages()   {}
func (nopObserver) IncChannelReconnects() {}
func (nopObserver) IncChannelExhausted()  {}

// link is the Manager's bookkeeping for one source. A link is replaced, never
// reused, so a goroutine or timer holding a stale *link can detect that it
// has been superseded.
type link struct {
	connID      string
	attempts    int
	conn        Conn
	timer       Timer
	cancel      context.CancelFunc
	intentional bool
}

// Manager keeps at most one live channel per source and reconnects dropped
// channels with exponential backoff.
type Manager struct {
	host     Host
	dialer   Dialer
	clock    Clock
	policy   Policy
	logger   *slog.Logger
	observer Observer

	// sessionMu orders Connect, reconnects and Disconnect so that host
	// claims land in the same order as link replacement.
	sessionMu sync.Mutex

	mu    sync.Mutex
	links map[string]*link
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for reconnect timers.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPolicy sets the reconnect policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p.normalized() }
}

// WithObserver attaches channel counters.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewManager creates a Manager driving channels for host.
func NewManager(host Host, dialer Dialer, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		host:     host,
		dialer:   dialer,
		clock:    SystemClock{},
		policy:   DefaultPolicy(),
		logger:   logger,
		observer: nopObserver{},
		links:    make(map[string]*link),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens a fresh channel for source id, closing any existing one and
// resetting its reconnect counter.
func (m *Manager) Connect(id string) {
	m.open(id, nil)
}

// Disconnect intentionally closes the channel for source id, cancels any
// pending reconnect and returns the source's channel to idle.
func (m *Manager) Disconnect(id string) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	m.mu.Lock()
	l := m.links[id]
	delete(m.links, id)
	conn := m.teardownLocked(l)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(CloseNormal, "client disconnected intentionally")
	}
	m.host.ClaimChannel(id, Idle(), true)
	if l != nil {
		m.logger.Debug("live channel disconnected", "source", id, "conn_id", l.connID)
	}
}

// Close tears down every channel without touching host state. It is used on
// shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	var conns []Conn
	for id, l := range m.links {
		if c := m.teardownLocked(l); c != nil {
			conns = append(conns, c)
		}
		delete(m.links, id)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(CloseNormal, "server shutting down")
	}
}

// Attempts returns the reconnect counter for source id.
func (m *Manager) Attempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.links[id]; l != nil {
		return l.attempts
	}
	return 0
}

// Pending reports whether a reconnect timer is armed for source id.
func (m *Manager) Pending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.links[id]
	return l != nil && l.timer != nil
}

// open starts a new session for source id. from is the link whose reconnect
// timer fired, or nil for an explicit Connect.
func (m *Manager) open(id string, from *link) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	token, status, ok := m.host.ChannelTarget(id)
	if from != nil && !m.resumable(id, from, token, status, ok) {
		return
	}
	if !ok {
		return
	}
	if token == "" {
		m.mu.Lock()
		conn := m.teardownLocked(m.links[id])
		delete(m.links, id)
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "live channel token missing")
		}
		m.host.ClaimChannel(id, Status{State: StateError, Error: "live channel token missing"}, true)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{connID: uuid.NewString(), cancel: cancel}

	m.mu.Lock()
	prev := m.links[id]
	if from != nil && prev != nil {
		l.attempts = prev.attempts
	}
	stale := m.teardownLocked(prev)
	m.links[id] = l
	m.mu.Unlock()

	if stale != nil {
		_ = stale.Close(CloseNormal, "superseded by new session")
	}

	if !m.host.ClaimChannel(id, Status{State: StateConnecting, Attempts: l.attempts, ConnID: l.connID}, true) {
		m.drop(id, l)
		m.logger.Debug("live channel source vanished before connect", "source", id, "conn_id", l.connID)
		return
	}
	m.logger.Debug("live channel connecting", "source", id, "conn_id", l.connID, "attempt", l.attempts)
	go m.run(ctx, id, token, l)
}

func (m *Manager) run(ctx context.Context, id, token string, l *link) {
	conn, err := m.dialer.Dial(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fail(id, l, StateError, "live channel connection error: "+err.Error())
		return
	}

	m.mu.Lock()
	if !m.currentLocked(id, l) {
		m.mu.Unlock()
		_ = conn.Close(CloseNormal, "superseded by new session")
		return
	}
	l.conn = conn
	l.attempts = 0
	m.mu.Unlock()

	if !m.host.SetChannel(id, l.connID, Status{State: StateConnected, ConnID: l.connID}, false) {
		m.drop(id, l)
		m.logger.Debug("live channel released before connect completed", "source", id, "conn_id", l.connID)
		return
	}
	m.logger.Info("live channel connected", "source", id, "conn_id", l.connID)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(id, l, conn, err)
			return
		}
		p, err := DecodePayload(data)
		if err != nil {
			m.logger.Debug("dropping malformed live message", "source", id, "error", err)
			continue
		}
		if p.SourceURL != id {
			continue
		}
		if !m.host.Deliver(id, l.connID, p) {
			m.drop(id, l)
			m.logger.Debug("live channel released, closing", "source", id, "conn_id", l.connID)
			return
		}
		m.observer.IncChannelMessages()
	}
}

// drop forgets l and closes its connection after the host refused one of its
// writes. Host state is left to whoever took the channel over.
func (m *Manager) drop(id string, l *link) {
	m.mu.Lock()
	if m.currentLocked(id, l) {
		delete(m.links, id)
	}
	conn := m.teardownLocked(l)
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close(CloseNormal, "channel released")
	}
}

// handleReadError ends a session whose read side failed. Sessions torn down
// on purpose are left to whoever tore them down.
func (m *Manager) handleReadError(id string, l *link, conn Conn, err error) {
	m.mu.Lock()
	current := m.currentLocked(id, l) && !l.intentional
	if current {
		l.conn = nil
	}
	m.mu.Unlock()
	if !current {
		return
	}
	_ = conn.Close(CloseNormal, "read failed")

	var ce *CloseError
	if errors.As(err, &ce) {
		if ce.Clean() {
			m.mu.Lock()
			if m.currentLocked(id, l) {
				delete(m.links, id)
			}
			m.mu.Unlock()
			m.host.SetChannel(id, l.connID, Idle(), true)
			m.logger.Info("live channel closed by server", "source", id, "conn_id", l.connID, "code", ce.Code)
			return
		}
		m.fail(id, l, StateDisconnected, ce.Error())
		return
	}
	m.fail(id, l, StateError, "live channel transport error: "+err.Error())
}

// fail records a failed session and arms the next reconnect, or pins the
// channel to error once the policy is exhausted.
func (m *Manager) fail(id string, l *link, state State, msg string) {
	m.mu.Lock()
	if !m.currentLocked(id, l) {
		m.mu.Unlock()
		return
	}
	exhausted := l.attempts >= m.policy.MaxAttempts
	if exhausted {
		delete(m.links, id)
	} else {
		l.attempts++
	}
	attempt := l.attempts
	m.mu.Unlock()

	if exhausted {
		if !m.host.SetChannel(id, l.connID, Status{State: StateError, Error: ErrMaxAttempts.Error()}, false) {
			return
		}
		m.observer.IncChannelExhausted()
		m.logger.Error("live channel gave up", "source", id, "max_retries", m.policy.MaxAttempts, "last_error", msg)
		return
	}

	if !m.host.SetChannel(id, l.connID, Status{State: state, Error: msg, Attempts: attempt, ConnID: l.connID}, false) {
		m.drop(id, l)
		m.logger.Debug("live channel released, not retrying", "source", id, "conn_id", l.connID)
		return
	}

	delay := m.policy.Delay(attempt)
	m.mu.Lock()
	if m.currentLocked(id, l) {
		l.timer = m.clock.AfterFunc(delay, func() { m.retry(id, l) })
	}
	m.mu.Unlock()

	m.observer.IncChannelReconnects()
	m.logger.Warn("live channel lost, retrying connection",
		"source", id,
		"attempt", attempt,
		"max_retries", m.policy.MaxAttempts,
		"delay", delay,
		"error", msg,
	)
}

// retry runs when a reconnect timer fires.
func (m *Manager) retry(id string, l *link) {
	m.mu.Lock()
	if !m.currentLocked(id, l) {
		m.mu.Unlock()
		return
	}
	l.timer = nil
	m.mu.Unlock()
	m.open(id, l)
}

// resumable reports whether the reconnect armed by l may proceed. The link
// must still be current and the source must still exist, still hold a token
// and still show l's session as disconnected or errored. Otherwise the
// reconnect is abandoned and its counter dropped.
func (m *Manager) resumable(id string, l *link, token string, status Status, ok bool) bool {
	m.mu.Lock()
	current := m.currentLocked(id, l)
	stale := !ok || token == "" || !status.State.Retryable() || status.ConnID != l.connID
	if current && stale {
		delete(m.links, id)
	}
	m.mu.Unlock()
	if current && stale {
		m.logger.Debug("abandoning stale reconnect", "source", id, "exists", ok, "state", status.State)
	}
	return current && !stale
}

func (m *Manager) currentLocked(id string, l *link) bool {
	return m.links[id] == l
}

// teardownLocked marks l intentional, stops its timer and cancels any dial in
// flight. The open connection, if any, is returned for closing outside the
// lock.
func (m *Manager) teardownLocked(l *link) Conn {
	if l == nil {
		return nil
	}
	l.intentional = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	conn := l.conn
	l.conn = nil
	return conn
}
