package dispatcher_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/necrocode/engine/pkg/dispatcher"
	"github.com/necrocode/engine/pkg/types"
)

// Tick never mutates state and has no return value to assert on directly;
// these tests exercise it purely for panic-freedom across the shapes
// DeadlockDetector must tolerate (no cycle, a real cycle, terminal tasks
// excluded from consideration).
func TestDeadlockDetectorTickNoCycle(t *testing.T) {
	d := dispatcher.NewDeadlockDetector(zerolog.Nop())
	d.Tick([]dispatcher.SpecTasks{
		{SpecName: "S", Tasks: []types.Task{
			{ID: "1"},
			{ID: "2", Dependencies: []string{"1"}},
		}},
	})
}

func TestDeadlockDetectorTickWithCycleDoesNotPanic(t *testing.T) {
	d := dispatcher.NewDeadlockDetector(zerolog.Nop())
	d.Tick([]dispatcher.SpecTasks{
		{SpecName: "S", Tasks: []types.Task{
			{ID: "1", State: types.TaskStateBlocked, Dependencies: []string{"2"}},
			{ID: "2", State: types.TaskStateBlocked, Dependencies: []string{"1"}},
		}},
	})
}

func TestDeadlockDetectorTickIgnoresTerminalTasks(t *testing.T) {
	d := dispatcher.NewDeadlockDetector(zerolog.Nop())
	// A cycle among DONE/FAILED tasks only (stale dependency edges left
	// over from manual rewrites) must not be reported as active.
	d.Tick([]dispatcher.SpecTasks{
		{SpecName: "S", Tasks: []types.Task{
			{ID: "1", State: types.TaskStateDone, Dependencies: []string{"2"}},
			{ID: "2", State: types.TaskStateFailed, Dependencies: []string{"1"}},
		}},
	})
}
