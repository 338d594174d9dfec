package dispatcher

import "errors"

var (
	// ErrNoCapacity is returned by Scheduler.SelectPool when no pool can
	// currently accept the task (all disabled, at cap, or quota-exhausted).
	ErrNoCapacity = errors.New("dispatcher: no agent pool has capacity")

	// ErrUnknownSkill is returned when a task's required_skill has no
	// entry in the skill mapping and no "default" mapping exists either.
	ErrUnknownSkill = errors.New("dispatcher: no pool mapped for skill")

	// ErrLaunchFailed wraps a RunnerLauncher failure.
	ErrLaunchFailed = errors.New("dispatcher: runner launch failed")

	// ErrUnknownPool is returned when an operation names a pool the
	// AgentPoolManager has no record of.
	ErrUnknownPool = errors.New("dispatcher: unknown agent pool")
)
