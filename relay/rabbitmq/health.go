package rabbitmq

// HealthState is the connection health reported by the RPC client.
type HealthState int

const (
	// Connected means the connection and both channels are open.
	Connected HealthState = iota
	// Reconnecting means a recovery is in progress.
	Reconnecting
	// Disconnected means recovery gave up or the client was closed.
	Disconnected
)

// String returns the state name.
func (s HealthState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// HealthCallback is invoked on every health state transition. It runs on the
// goroutine that caused the transition and must not block.
type HealthCallback func(HealthState)
