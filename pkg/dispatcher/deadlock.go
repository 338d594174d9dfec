package dispatcher

import (
	"fmt"

	"github.com/necrocode/engine/pkg/types"
	"github.com/rs/zerolog"
)

// DeadlockDetector periodically runs DFS over the active task graph across
// all specs and warns on cycles among non-terminal tasks (spec §4.3
// "DeadlockDetector"). Detection, not prevention: dynamic dependency edits
// after creation-time validation can reintroduce a cycle the registry's own
// detectCycle (pkg/registry/statemachine.go) only checks once, at
// CreateTaskset. This generalizes that same white/gray/black DFS across
// every active spec's task set instead of one spec's.
type DeadlockDetector struct {
	logger zerolog.Logger
}

// NewDeadlockDetector returns a DeadlockDetector.
func NewDeadlockDetector(logger zerolog.Logger) *DeadlockDetector {
	return &DeadlockDetector{logger: logger.With().Str("component", "deadlock_detector").Logger()}
}

// SpecTasks identifies one spec's tasks for Tick, since cross-spec
// dependency IDs are not meaningful: a cycle must be contained within a
// single spec's task set.
type SpecTasks struct {
	SpecName string
	Tasks    []types.Task
}

// Tick runs one detection pass over every active spec's non-terminal
// tasks, logging a WARN with the cycle path and a remediation hint for
// each cycle found. It never mutates state (spec §4.3 "The dispatcher
// does not auto-break cycles").
func (d *DeadlockDetector) Tick(specs []SpecTasks) {
	for _, s := range specs {
		var nonTerminal []types.Task
		for _, t := range s.Tasks {
			if t.State != types.TaskStateDone && t.State != types.TaskStateFailed {
				nonTerminal = append(nonTerminal, t)
			}
		}
		if cycle, found := detectCycleAmong(nonTerminal); found {
			d.logger.Warn().
				Str("spec_name", s.SpecName).
				Strs("cycle", cycle).
				Msg("dependency cycle detected among non-terminal tasks; operator intervention required (edit task dependencies to break the cycle)")
		}
	}
}

// detectCycleAmong is the registry's detectCycle DFS (white/gray/black
// coloring over the dependency graph), generalized to run against a task
// snapshot that may include BLOCKED and READY tasks pulled live from the
// registry rather than only the creation-time definition set.
func detectCycleAmong(tasks []types.Task) ([]string, bool) {
	byID := make(map[string]*types.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		if t, ok := byID[id]; ok {
			for _, dep := range t.Dependencies {
				switch color[dep] {
				case gray:
					cyclePath := append([]string(nil), path...)
					cyclePath = append(cyclePath, dep)
					return cyclePath
				case white:
					if cyc := visit(dep); cyc != nil {
						return cyc
					}
				}
			}
		}

		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for id := range byID {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc, true
			}
		}
	}
	return nil, false
}

// remediationHint renders a human-readable suggestion for the logged
// cycle, used by operator-facing tooling that surfaces DeadlockDetector
// findings outside the log stream.
func remediationHint(specName string, cycle []string) string {
	return fmt.Sprintf("spec %q: break the cycle %v by removing or reordering one of these tasks' dependencies", specName, cycle)
}
