package job

// Task state codes as persisted by the coordinator.
const (
	// StateRunning means the task has been dispatched to a worker queue.
	StateRunning = 102
	// StateDone means the task completed successfully. Terminal.
	StateDone = 200
	// StateQueued means the task is registered but has not been run yet.
	StateQueued = 201
	// StateBadRequest means the worker rejected the task payload. Terminal.
	StateBadRequest = 400
	// StateError means the worker hit an unhandled error.
	StateError = 500
	// StateBadGateway and StateUnavailable are transient failures,
	// eligible for an explicit retry.
	StateBadGateway  = 502
	StateUnavailable = 503
)

// Retryable reports whether a task in this state may be re-dispatched
// through Retry.
func Retryable(state int) bool {
	return state == StateBadGateway || state == StateUnavailable
}
