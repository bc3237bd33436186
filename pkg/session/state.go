package session

// State is the lifecycle position of a session.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateActive
	StateFinishing
	StateFinished

	// Restore only.
	StateOpen
	StateExhausted

	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	case StateOpen:
		return "open"
	case StateExhausted:
		return "exhausted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
