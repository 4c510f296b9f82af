package eventsource

// State is the connection state of a Receiver.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
