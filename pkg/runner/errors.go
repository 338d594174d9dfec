package runner

import "errors"

var (
	// ErrValidation is returned when a TaskContext is missing required fields.
	ErrValidation = errors.New("runner: invalid task context")

	// ErrBranchInUse is returned when the task's feature branch already
	// exists and is owned by another in-process runner.
	ErrBranchInUse = errors.New("runner: branch already in use")

	// ErrTransientCodegen classifies a code-generation failure as retryable
	// (rate-limit, timeout, connection error).
	ErrTransientCodegen = errors.New("runner: transient code-generation error")

	// ErrPermanentCodegen classifies a code-generation failure as
	// non-retryable (authentication, malformed output).
	ErrPermanentCodegen = errors.New("runner: permanent code-generation error")

	// ErrTestTimeout is returned when the test command exceeds its bound.
	ErrTestTimeout = errors.New("runner: test run timed out")

	// ErrTaskTimeout is returned when the overall per-task wall-clock
	// timeout expires mid-phase.
	ErrTaskTimeout = errors.New("runner: task timed out")

	// ErrPermissionViolation is returned when a phase attempts to touch
	// paths outside the allocated slot, .git internals, a non-feature
	// branch, or a disallowed shell pattern.
	ErrPermissionViolation = errors.New("runner: permission boundary violation")

	// ErrStateConflict is returned when the registry rejects a completion
	// report because the task was mutated out of band while the runner
	// was executing (spec §5 "External cancellation").
	ErrStateConflict = errors.New("runner: task state changed out of band")
)
