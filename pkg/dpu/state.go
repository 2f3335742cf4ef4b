package dpu

// State is the execution state of a core or of one of its threads.
type State uint8

const (
	StateInvalid State = iota // never booted
	StateRunning
	StateStopped
	StateExited
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	}
	return "unknown"
}

// StopReason tells a debugger why a thread is stopped.
type StopReason uint8

const (
	StopReasonNone StopReason = iota
	StopReasonBreakpoint
	StopReasonException
	StopReasonTrace
)

func (r StopReason) String() string {
	switch r {
	case StopReasonNone:
		return "none"
	case StopReasonBreakpoint:
		return "breakpoint"
	case StopReasonException:
		return "exception"
	case StopReasonTrace:
		return "trace"
	}
	return "unknown"
}

// StateResult is the outcome of Poll and Step. ExitStatus is only
// meaningful when State is StateStopped or StateExited.
type StateResult struct {
	State      State
	ExitStatus uint32
}
