package registry

import "errors"

var (
	// ErrTasksetExists is returned by CreateTaskset when a taskset already
	// exists for the given spec name.
	ErrTasksetExists = errors.New("registry: taskset already exists")

	// ErrNotFound is returned when a taskset or task cannot be located.
	ErrNotFound = errors.New("registry: not found")

	// ErrCircularDependency is returned by CreateTaskset when the supplied
	// task definitions contain a dependency cycle.
	ErrCircularDependency = errors.New("registry: circular dependency")

	// ErrInvalidTransition is returned by UpdateTaskState when the requested
	// state transition is not permitted by the state machine.
	ErrInvalidTransition = errors.New("registry: invalid state transition")

	// ErrMissingAssignment is returned when a transition to RUNNING is
	// requested without the required assignment metadata.
	ErrMissingAssignment = errors.New("registry: RUNNING transition requires runner_id, slot_id, pool_name, branch_name")

	// ErrTransient wraps lock-acquisition and filesystem failures that are
	// retried with bounded backoff before being surfaced to the caller.
	ErrTransient = errors.New("registry: transient registry error")
)
