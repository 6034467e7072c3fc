package job

import "errors"

var (
	// ErrAlreadyRegistered is returned when registering a job or task that
	// already has an id assigned.
	ErrAlreadyRegistered = errors.New("already registered")

	// ErrNotRegistered is returned by operations that require a persisted
	// job or task, such as Refresh or Run on an unregistered task.
	ErrNotRegistered = errors.New("not registered")

	// ErrNoAPI is returned when a job or task has no coordinator API
	// attached.
	ErrNoAPI = errors.New("no api attached")

	// ErrInvalidJob marks a payload that does not match the job
	// serialization: not JSON, unknown fields, or missing required fields.
	ErrInvalidJob = errors.New("invalid job format")

	// ErrInvalidResult marks a worker reply missing the required state or
	// message fields.
	ErrInvalidResult = errors.New("invalid task result")

	// ErrInvalidTransition is returned by Run/Retry when the task is not in
	// a state that allows the transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrJobNotFound  = errors.New("job not found")
	ErrTaskNotFound = errors.New("task not found")
)
