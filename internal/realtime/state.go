// ABOUTME: Connection states for the realtime channel lifecycle
// ABOUTME: Transitions are published on the state bus so the UI can mirror them

package realtime

// State describes where the channel is in its lifecycle.
type State int

const (
	// StateDisconnected is the resting state: never started or cleanly stopped.
	StateDisconnected State = iota

	// StateConnecting is the first dial after Start.
	StateConnecting

	// StateConnected means frames flow in both directions.
	StateConnected

	// StateReconnecting means the link dropped and backoff retries are running.
	StateReconnecting

	// StateFailed means the retry budget is spent; only a new Start leaves it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
