package device

import "time"

// DefaultPollInterval is the sleep between two sampling iterations.
const DefaultPollInterval = 50 * time.Millisecond

// State is the lifecycle state of the monitor.
type State int32

const (
	Stopped State = iota
	Running
	Paused
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}
