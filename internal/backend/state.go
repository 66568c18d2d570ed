package backend

// State is the connection manager's lifecycle state.
type State int

const (
	// StateDisconnected is the state before the first connection attempt.
	StateDisconnected State = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateReady means the socket is open and the read loop is running.
	StateReady
	// StateFailed means the last dial or session failed; a retry is scheduled.
	StateFailed
	// StateClosed is terminal, entered only through Close.
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the connection and its calls.
type Status struct {
	State State `json:"-"`
	// StateName mirrors State for JSON output.
	StateName string `json:"state"`
	// Reason is the failure reason while in StateFailed.
	Reason     string `json:"reason,omitempty"`
	SocketPath string `json:"socket_path"`
	Pending    int    `json:"pending"`
	InFlight   int    `json:"in_flight"`
	Reconnects int64  `json:"reconnects"`
	Malformed  int64  `json:"malformed_frames"`
	Unknown    int64  `json:"unknown_correlation"`
	Timeouts   int64  `json:"timeouts"`
}
