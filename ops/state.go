package ops

import "fmt"

// State is the lifecycle position of an operation.
type State int

const (
	Pending State = iota
	Running
	Paused
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// transitions lists the allowed moves. Running and Paused may alternate
// any number of times.
var transitions = map[State][]State{
	Pending: {Running, Cancelled},
	Running: {Paused, Completed, Failed, Cancelled},
	Paused:  {Running, Cancelled},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
