package registry

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/necrocode/engine/pkg/types"
)

// SyncResult reports the effect of a tasks.md sync (spec §4.1 "Sync
// collaborator").
type SyncResult struct {
	Added    []string
	Updated  []string
	Removed  []string // reported, not auto-deleted
}

// taskLine matches a markdown task line of the shape:
//
//	- [ ] 1.2 Implement the thing [deps: 1.1] skill:backend priority:5
//
// The checkbox, id, and title are required; deps/skill/priority are optional.
var taskLine = regexp.MustCompile(`^\s*-\s*\[([ xX~])\]\s*([0-9]+(?:\.[0-9]+)*)\s+(.+)$`)
var depsTag = regexp.MustCompile(`\[deps:\s*([^\]]*)\]`)
var skillTag = regexp.MustCompile(`skill:(\S+)`)
var priorityTag = regexp.MustCompile(`priority:(-?\d+)`)

// parsedTask is one line parsed out of tasks.md before it is reconciled
// against the persisted taskset.
type parsedTask struct {
	id            string
	title         string
	dependencies  []string
	requiredSkill string
	priority      int
	checkbox      string // " ", "x"/"X" (done), "~" (in progress/running)
}

// parseTasksMD parses a human-readable tasks.md body into parsedTasks,
// in document order. Unrecognized lines (headings, prose) are ignored.
func parseTasksMD(body string) []parsedTask {
	var tasks []parsedTask
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		m := taskLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		checkbox, id, rest := m[1], m[2], m[3]

		pt := parsedTask{id: id, checkbox: checkbox}

		if dm := depsTag.FindStringSubmatch(rest); dm != nil {
			rest = depsTag.ReplaceAllString(rest, "")
			for _, d := range strings.Split(dm[1], ",") {
				d = strings.TrimSpace(d)
				if d != "" {
					pt.dependencies = append(pt.dependencies, d)
				}
			}
		}
		if sm := skillTag.FindStringSubmatch(rest); sm != nil {
			rest = skillTag.ReplaceAllString(rest, "")
			pt.requiredSkill = sm[1]
		}
		if pm := priorityTag.FindStringSubmatch(rest); pm != nil {
			rest = priorityTag.ReplaceAllString(rest, "")
			var n int
			for _, r := range pm[1] {
				if r == '-' {
					continue
				}
				n = n*10 + int(r-'0')
			}
			if strings.HasPrefix(pm[1], "-") {
				n = -n
			}
			pt.priority = n
		}

		pt.title = strings.TrimSpace(rest)
		tasks = append(tasks, pt)
	}
	return tasks
}

// checkboxState maps a tasks.md checkbox to a task state per the fixed
// table in spec §4.1: "[ ]" -> READY (or BLOCKED if deps incomplete,
// resolved by the caller), "[~]" -> RUNNING, "[x]" -> DONE.
func checkboxState(checkbox string) types.TaskState {
	switch checkbox {
	case "x", "X":
		return types.TaskStateDone
	case "~":
		return types.TaskStateRunning
	default:
		return types.TaskStateReady
	}
}

// SyncFromTasksMD reconciles a taskset against a tasks.md document. New
// tasks are added, existing ones are updated in place, and tasks present in
// the taskset but absent from the document are reported (not deleted). The
// operation is idempotent: syncing the same document twice in a row
// produces the same taskset and an empty Added/Updated/Removed delta on the
// second pass other than Removed, which is recomputed each time.
func (r *Registry) SyncFromTasksMD(specName, body string) (SyncResult, error) {
	var result SyncResult

	err := r.storage.withSpecLock(specName, func() error {
		ts, err := r.storage.readTaskset(specName)
		if err != nil {
			return err
		}

		parsed := parseTasksMD(body)
		seen := make(map[string]bool, len(parsed))

		for _, pt := range parsed {
			seen[pt.id] = true
			existing := ts.TaskByID(pt.id)
			state := checkboxState(pt.checkbox)
			// A [ ] checkbox with incomplete deps means BLOCKED, not READY.
			if state == types.TaskStateReady && len(pt.dependencies) > 0 {
				state = initialStateFromDeps(ts, pt.dependencies)
			}

			if existing == nil {
				ts.Tasks = append(ts.Tasks, types.Task{
					ID:                 pt.id,
					Title:              pt.title,
					Dependencies:       pt.dependencies,
					RequiredSkill:      pt.requiredSkill,
					Priority:           pt.priority,
					State:              state,
					CreatedAt:          r.now(),
					UpdatedAt:          r.now(),
				})
				result.Added = append(result.Added, pt.id)
				continue
			}

			changed := existing.Title != pt.title ||
				existing.RequiredSkill != pt.requiredSkill ||
				existing.Priority != pt.priority ||
				!stringSlicesEqual(existing.Dependencies, pt.dependencies)

			existing.Title = pt.title
			existing.Dependencies = pt.dependencies
			existing.RequiredSkill = pt.requiredSkill
			existing.Priority = pt.priority
			if existing.State != types.TaskStateRunning {
				// Never clobber an in-flight RUNNING task from a stale doc.
				existing.State = state
			}
			if changed {
				existing.UpdatedAt = r.now()
				result.Updated = append(result.Updated, pt.id)
			}
		}

		for _, t := range ts.Tasks {
			if !seen[t.ID] {
				result.Removed = append(result.Removed, t.ID)
			}
		}

		ts.Version++
		return r.storage.writeTaskset(ts)
	})

	return result, err
}

func initialStateFromDeps(ts *types.Taskset, deps []string) types.TaskState {
	for _, d := range deps {
		t := ts.TaskByID(d)
		if t == nil || t.State != types.TaskStateDone {
			return types.TaskStateBlocked
		}
	}
	return types.TaskStateReady
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
