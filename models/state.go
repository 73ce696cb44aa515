package models

// ExecutionState tracks where a host is within one fleet run.
type ExecutionState int

const (
	// StateUnknown means the operation has not run (or was abandoned)
	StateUnknown ExecutionState = iota
	// StateRunning means a worker is executing the operation
	StateRunning
	// StateCompleted means the operation finished without error
	StateCompleted
	// StateError means the operation (or host setup) failed
	StateError
)

func (s ExecutionState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Finished reports whether the state is terminal for the current run.
func (s ExecutionState) Finished() bool {
	return s == StateCompleted || s == StateError
}
