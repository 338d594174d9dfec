package registry

import (
	"fmt"

	"github.com/necrocode/engine/pkg/types"
)

// validTransitions is the state machine table from spec §4.1. A transition
// not present here fails with ErrInvalidTransition.
var validTransitions = map[types.TaskState]map[types.TaskState]bool{
	types.TaskStateReady: {
		types.TaskStateRunning: true,
		types.TaskStateBlocked: true,
	},
	types.TaskStateBlocked: {
		types.TaskStateReady: true,
	},
	types.TaskStateRunning: {
		types.TaskStateDone:    true,
		types.TaskStateFailed:  true,
		types.TaskStateReady:   true, // reset for retry
	},
	types.TaskStateFailed: {
		types.TaskStateReady:   true,
		types.TaskStateRunning: true, // retry pickup
	},
	types.TaskStateDone: {
		types.TaskStateReady: true, // manual re-run (TaskReopened, see §9)
	},
}

func isValidTransition(from, to types.TaskState) bool {
	return validTransitions[from][to]
}

// initialState computes a task's initial state per spec §3: READY if it has
// no dependencies, else BLOCKED.
func initialState(deps []string) types.TaskState {
	if len(deps) == 0 {
		return types.TaskStateReady
	}
	return types.TaskStateBlocked
}

// detectCycle runs a DFS over the dependency graph implied by tasks,
// returning the cycle path (e.g. [A, B, A]) if one exists.
func detectCycle(tasks []types.Task) ([]string, bool) {
	byID := make(map[string]*types.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on current DFS stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(tasks))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		t, ok := byID[id]
		if ok {
			for _, dep := range t.Dependencies {
				switch color[dep] {
				case white:
					if cyc := visit(dep); cyc != nil {
						return cyc
					}
				case gray:
					// Found the back-edge; slice the path from dep's first
					// occurrence and close the loop.
					start := 0
					for i, p := range path {
						if p == dep {
							start = i
							break
						}
					}
					cyc := append(append([]string{}, path[start:]...), dep)
					return cyc
				}
			}
		}

		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if cyc := visit(t.ID); cyc != nil {
				return cyc, true
			}
		}
	}
	return nil, false
}

// resolveDependents transitions any BLOCKED sibling whose dependencies are
// now all DONE to READY, returning the ids that were unblocked. Spec §4.1
// "Dependency resolution".
func resolveDependents(ts *types.Taskset) []string {
	done := make(map[string]bool, len(ts.Tasks))
	for _, t := range ts.Tasks {
		if t.State == types.TaskStateDone {
			done[t.ID] = true
		}
	}

	var unblocked []string
	for i := range ts.Tasks {
		t := &ts.Tasks[i]
		if t.State != types.TaskStateBlocked {
			continue
		}
		allDone := true
		for _, dep := range t.Dependencies {
			if !done[dep] {
				allDone = false
				break
			}
		}
		if allDone {
			t.State = types.TaskStateReady
			unblocked = append(unblocked, t.ID)
		}
	}
	return unblocked
}

func formatCycle(cycle []string) string {
	return fmt.Sprintf("%v", cycle)
}
