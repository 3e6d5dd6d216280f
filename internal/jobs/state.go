// Package jobs owns the top-level job state machine: one worker goroutine
// drives the pipeline across a batch of videos while pause/stop/resume
// signals arrive from the operator console.
package jobs

// State is the controller's lifecycle state. Transitions happen only
// through the documented control methods, never through shared flags.
type State int

const (
	Idle State = iota
	Running
	Paused
	Stopping
	Stopped
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further work will happen.
func (s State) Terminal() bool {
	return s == Stopped || s == Completed || s == Failed
}

// Event is the structured progress report sent to subscribers.
type Event struct {
	VideoIndex     int
	SegmentIndex   int
	FrameIndex     int
	TotalFrames    int
	DuplicateCount int
}
