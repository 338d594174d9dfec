package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/necrocode/engine/pkg/filelock"
	"github.com/necrocode/engine/pkg/metrics"
	"github.com/necrocode/engine/pkg/types"
)

// storage owns the on-disk layout documented in spec §6:
//
//	<base>/tasksets/<spec>.json   - the taskset document
//	<base>/events/<spec>/events.jsonl - the append-only event journal
//	<base>/locks/<spec>.lock      - the per-spec advisory lock
//	<base>/fallback/<spec>.jsonl  - fallback events when the journal write fails
type storage struct {
	base        string
	lockTimeout time.Duration
}

func newStorage(base string, lockTimeout time.Duration) *storage {
	return &storage{base: base, lockTimeout: lockTimeout}
}

func (s *storage) tasksetPath(specName string) string {
	return filepath.Join(s.base, "tasksets", specName+".json")
}

func (s *storage) journalPath(specName string) string {
	return filepath.Join(s.base, "events", specName, "events.jsonl")
}

func (s *storage) fallbackPath(specName string) string {
	return filepath.Join(s.base, "fallback", specName+".jsonl")
}

func (s *storage) lockPath(specName string) string {
	return filepath.Join(s.base, "locks", specName+".lock")
}

// listTasksets returns every spec name with a taskset document on disk.
func (s *storage) listTasksets() ([]string, error) {
	dir := filepath.Join(s.base, "tasksets")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tasksets: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const ext = ".json"
		if filepath.Ext(name) == ext {
			names = append(names, name[:len(name)-len(ext)])
		}
	}
	return names, nil
}

// readTaskset is lock-free, per spec §4.1 ("reads are lock-free").
func (s *storage) readTaskset(specName string) (*types.Taskset, error) {
	data, err := os.ReadFile(s.tasksetPath(specName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: read taskset %s: %w", specName, err)
	}
	var ts types.Taskset
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("registry: decode taskset %s: %w", specName, err)
	}
	for i := range ts.Tasks {
		ts.Tasks[i].SpecName = ts.SpecName
	}
	return &ts, nil
}

// writeTaskset persists the taskset document atomically (write to temp file,
// rename over the original) so a crash mid-write never leaves a truncated
// document behind.
func (s *storage) writeTaskset(ts *types.Taskset) error {
	path := s.tasksetPath(ts.SpecName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("registry: create tasksets dir: %w", err)
	}

	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode taskset %s: %w", ts.SpecName, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write taskset %s: %w", ts.SpecName, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("registry: commit taskset %s: %w", ts.SpecName, err)
	}
	return nil
}

// withSpecLock serializes writes per spec_name via a filesystem advisory
// lock (spec §4.1, §5 "Registry writes: suspend on the per-spec lockfile").
func (s *storage) withSpecLock(specName string, fn func() error) error {
	timer := metrics.NewTimer()
	err := filelock.WithLock(s.lockPath(specName), s.lockTimeout, fn)
	timer.ObserveDuration(metrics.RegistryLockWaitDuration)
	if err != nil {
		if err == filelock.ErrTimeout {
			return fmt.Errorf("%w: %s: %v", ErrTransient, specName, err)
		}
		return err
	}
	return nil
}

// appendEvent appends one event to the per-spec JSONL journal. Journal
// writes never block on the registry write lock (spec §4.1): this call does
// not take withSpecLock, relying instead on O_APPEND's atomicity for
// same-sized writes under POSIX.
func (s *storage) appendEvent(ev types.TaskEvent) error {
	return appendJSONLine(s.journalPath(ev.SpecName), ev)
}

// appendFallback writes an event to the local fallback journal when the
// primary journal write fails (spec §4.1, §7).
func (s *storage) appendFallback(ev types.TaskEvent) error {
	return appendJSONLine(s.fallbackPath(ev.SpecName), ev)
}

func appendJSONLine(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("registry: create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("registry: open journal %s: %w", path, err)
	}
	defer f.Close()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("registry: encode journal entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("registry: append journal %s: %w", path, err)
	}
	return nil
}
