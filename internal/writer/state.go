package writer

import "time"

// DefaultDrainInterval is the sleep between two drain passes.
const DefaultDrainInterval = 100 * time.Millisecond

// State is the lifecycle state of the writer.
type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}
