package livechannel

// State is the connection state of one source's live channel.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Retryable reports whether a scheduled reconnect may still fire in this state.
func (s State) Retryable() bool {
	return s == StateDisconnected || s == StateError
}

// Status is the observable state of a live channel as recorded on its source.
type Status struct {
	State    State  `json:"state"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"reconnectAttempts"`
	ConnID   string `json:"connId,omitempty"`
}

// Idle is the inert status of a source that is not streaming.
func Idle() Status {
	return Status{State: StateIdle}
}
