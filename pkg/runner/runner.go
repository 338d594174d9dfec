package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/necrocode/engine/pkg/log"
	"github.com/necrocode/engine/pkg/metrics"
	"github.com/necrocode/engine/pkg/types"
	"github.com/necrocode/engine/pkg/workspace"
)

// dangerousShellPatterns are rejected in any shell-out the runner performs
// on the caller's behalf (spec §4.4 "Permission boundaries").
var dangerousShellPatterns = []string{"rm -rf /", "sudo ", ":(){:|:&};:", "mkfs", "dd if=/dev/zero"}

// TaskContext is the validated input to one Run call (spec §4.4 step 1).
type TaskContext struct {
	TaskID             string
	SpecName           string
	Title              string
	Description        string
	AcceptanceCriteria []string
	RequiredSkill      string

	RunnerID   string
	SlotID     string
	SlotPath   string
	PoolName   string
	BranchName string

	Timeout     time.Duration
	TestCommand []string
}

func (tc TaskContext) validate() error {
	if tc.TaskID == "" || tc.SpecName == "" || tc.Title == "" || tc.Description == "" ||
		tc.RequiredSkill == "" || tc.SlotID == "" || tc.BranchName == "" {
		return fmt.Errorf("%w: missing required field", ErrValidation)
	}
	if info, err := os.Stat(tc.SlotPath); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: slot_id %s has no existing directory at %s", ErrValidation, tc.SlotID, tc.SlotPath)
	}
	if tc.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrValidation)
	}
	if len(tc.AcceptanceCriteria) == 0 {
		log.WithTask(tc.SpecName, tc.TaskID).Warn().Msg("task has no acceptance criteria")
	}
	return nil
}

// RegistryReporter is the subset of *registry.Registry the runner needs to
// report completion. Declared locally so this package can be tested without
// a real on-disk registry.
type RegistryReporter interface {
	UpdateTaskState(specName, taskID string, newState types.TaskState, meta map[string]string) error
	AddArtifact(specName, taskID string, artifact types.Artifact) error
	RecordEvent(ev types.TaskEvent)
}

// ArtifactUploader persists artifact bytes to whatever external store the
// deployment configures and returns the URI the Task Registry should record.
type ArtifactUploader interface {
	Upload(ctx context.Context, specName, taskID string, artifactType types.ArtifactType, data []byte) (uri string, err error)
}

// Config configures a Runner instance.
type Config struct {
	Codegen      CodegenClient
	Artifacts    ArtifactUploader
	Registry     RegistryReporter
	Coordinator  *Coordinator
	DefaultTest  []string
	MaskPatterns []string
}

// Runner executes one task end-to-end in a single allocated slot
// (spec §4.4).
type Runner struct {
	codegen     CodegenClient
	artifacts   ArtifactUploader
	registry    RegistryReporter
	coordinator *Coordinator
	masker      *Masker
	defaultTest []string
}

// New constructs a Runner. Grounded on the teacher's pkg/worker/worker.go
// NewWorker constructor-with-handlers shape, generalized from
// secrets/volumes/DNS handlers to codegen/artifact/registry collaborators.
func New(cfg Config) (*Runner, error) {
	masker, err := NewMasker(cfg.MaskPatterns...)
	if err != nil {
		return nil, fmt.Errorf("runner: build masker: %w", err)
	}
	coord := cfg.Coordinator
	if coord == nil {
		coord = NewCoordinator(0)
	}
	return &Runner{
		codegen:     cfg.Codegen,
		artifacts:   cfg.Artifacts,
		registry:    cfg.Registry,
		coordinator: coord,
		masker:      masker,
		defaultTest: cfg.DefaultTest,
	}, nil
}

// execLog accumulates the phase-by-phase narrative uploaded as the LOG
// artifact (spec §4.4 step 6).
type execLog struct {
	buf bytes.Buffer
}

func (e *execLog) Printf(format string, args ...any) {
	fmt.Fprintf(&e.buf, format+"\n", args...)
}

// Run executes the full phase sequence for tc. The returned error, if any,
// has already been reported to the registry as TaskFailed; callers need not
// call UpdateTaskState again.
func (r *Runner) Run(ctx context.Context, tc TaskContext) error {
	elog := &execLog{}
	start := time.Now()

	if err := tc.validate(); err != nil {
		return err // too early to report: no RUNNING transition has happened
	}

	ctx, cancel := context.WithTimeout(ctx, tc.Timeout)
	defer cancel()

	taskLog := log.WithTask(tc.SpecName, tc.TaskID)
	elog.Printf("[validate] task=%s spec=%s slot=%s branch=%s", tc.TaskID, tc.SpecName, tc.SlotID, tc.BranchName)

	meta := map[string]string{
		"runner_id": tc.RunnerID, "slot_id": tc.SlotID, "pool_name": tc.PoolName, "branch_name": tc.BranchName,
	}
	if err := r.registry.UpdateTaskState(tc.SpecName, tc.TaskID, types.TaskStateRunning, meta); err != nil {
		return fmt.Errorf("runner: transition to RUNNING: %w", err)
	}
	r.registry.RecordEvent(types.TaskEvent{
		SpecName: tc.SpecName, TaskID: tc.TaskID, EventType: types.EventRunnerStarted,
		Details: map[string]string{"runner_id": tc.RunnerID, "slot_id": tc.SlotID, "pool_name": tc.PoolName},
	})

	if r.coordinator != nil {
		if err := r.coordinator.Register(tc.RunnerID, tc.SlotPath, tc.BranchName); err != nil {
			return r.fail(ctx, tc, elog, start, "registration", err)
		}
		defer r.coordinator.Unregister(tc.RunnerID)
	}

	var testResult types.TestResult
	var diff string

	phaseErr := func() error {
		if err := r.runPhase("prepare_workspace", func() error { return r.prepareWorkspace(ctx, tc, elog) }); err != nil {
			return err
		}
		if err := r.runPhase("invoke_codegen", func() error { return r.invokeCodegen(ctx, tc, elog) }); err != nil {
			return err
		}
		if err := r.runPhase("run_tests", func() error {
			res, err := r.runTests(ctx, tc, elog)
			testResult = res
			return err
		}); err != nil {
			return err
		}
		if err := r.runPhase("commit_push", func() error {
			d, err := r.commitAndPush(ctx, tc, elog)
			diff = d
			return err
		}); err != nil {
			return err
		}
		return nil
	}()

	if phaseErr != nil {
		r.bestEffortUploadLog(ctx, tc, elog)
		return r.fail(ctx, tc, elog, start, "execution", phaseErr)
	}

	if err := r.uploadArtifacts(ctx, tc, elog, diff, testResult); err != nil {
		taskLog.Warn().Err(err).Msg("artifact upload failed after successful execution")
	}

	elapsed := time.Since(start)
	if err := r.registry.UpdateTaskState(tc.SpecName, tc.TaskID, types.TaskStateDone, nil); err != nil {
		taskLog.Error().Err(err).Msg("completion report rejected, task state changed out of band")
		return fmt.Errorf("%w: %v", ErrStateConflict, err)
	}
	r.registry.RecordEvent(types.TaskEvent{
		SpecName: tc.SpecName, TaskID: tc.TaskID, EventType: types.EventRunnerFinished,
		Details: map[string]string{"success": "true", "execution_time_seconds": fmt.Sprintf("%.3f", elapsed.Seconds())},
	})
	taskLog.Info().Dur("elapsed", elapsed).Msg("task completed")
	return nil
}

func (r *Runner) runPhase(name string, fn func() error) error {
	timer := metrics.NewTimer()
	err := fn()
	timer.ObserveDurationVec(metrics.RunnerPhaseDuration, name)
	if err != nil {
		metrics.RunnerFailuresTotal.WithLabelValues(name).Inc()
	}
	return err
}

func (r *Runner) fail(ctx context.Context, tc TaskContext, elog *execLog, start time.Time, category string, cause error) error {
	elapsed := time.Since(start)
	elog.Printf("[fail] category=%s error=%v", category, cause)

	if err := r.registry.UpdateTaskState(tc.SpecName, tc.TaskID, types.TaskStateFailed, nil); err != nil {
		log.WithTask(tc.SpecName, tc.TaskID).Error().Err(err).Msg("failure report rejected, task state changed out of band")
	}
	r.registry.RecordEvent(types.TaskEvent{
		SpecName: tc.SpecName, TaskID: tc.TaskID, EventType: types.EventRunnerFinished,
		Details: map[string]string{
			"success":                "false",
			"execution_time_seconds": fmt.Sprintf("%.3f", elapsed.Seconds()),
			"failure_reason":         cause.Error(),
		},
	})
	return fmt.Errorf("runner: task %s failed in %s phase: %w", tc.TaskID, category, cause)
}

// prepareWorkspace creates and checks out the task's feature branch
// (spec §4.4 step 2). The slot itself is assumed already clean: cleanup is
// the Workspace Pool's job on allocate, not the runner's.
func (r *Runner) prepareWorkspace(ctx context.Context, tc TaskContext, elog *execLog) error {
	elog.Printf("[prepare_workspace] checkout %s", tc.BranchName)
	if err := workspace.CheckoutBranch(ctx, tc.SlotPath, tc.BranchName); err != nil {
		return fmt.Errorf("checkout feature branch: %w", err)
	}
	return nil
}

// invokeCodegen builds the prompt, calls the code-generation service with
// exponential backoff on transient errors, and applies the returned file
// changes (spec §4.4 step 3).
func (r *Runner) invokeCodegen(ctx context.Context, tc TaskContext, elog *execLog) error {
	files, err := listWorkspaceFiles(tc.SlotPath)
	if err != nil {
		log.WithTask(tc.SpecName, tc.TaskID).Warn().Err(err).Msg("failed to list workspace files for prompt context")
	}
	prompt := CodegenPrompt{
		Title:              tc.Title,
		Description:        tc.Description,
		AcceptanceCriteria: tc.AcceptanceCriteria,
		WorkspaceFiles:     files,
	}.Render()

	const maxAttempts = 4
	backoff := 2 * time.Second
	var changes []types.FileChange

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		changes, err = r.codegen.GenerateCode(ctx, prompt, tc.SlotPath)
		if err == nil {
			break
		}
		if isPermanentCodegenErr(err) || attempt == maxAttempts {
			return fmt.Errorf("code generation: %w", err)
		}
		elog.Printf("[invoke_codegen] transient error on attempt %d: %v, retrying in %s", attempt, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	for _, fc := range changes {
		if err := applyFileChange(tc.SlotPath, fc); err != nil {
			return fmt.Errorf("apply file change %s: %w", fc.FilePath, err)
		}
		elog.Printf("[invoke_codegen] %s %s", fc.Operation, fc.FilePath)
	}
	return nil
}

func isPermanentCodegenErr(err error) bool {
	return strings.Contains(err.Error(), ErrPermanentCodegen.Error())
}

// runTests executes the per-task (or default) test command with a bounded
// timeout and parses its result (spec §4.4 step 4).
func (r *Runner) runTests(ctx context.Context, tc TaskContext, elog *execLog) (types.TestResult, error) {
	cmdArgs := tc.TestCommand
	if len(cmdArgs) == 0 {
		cmdArgs = r.defaultTest
	}
	if len(cmdArgs) == 0 {
		elog.Printf("[run_tests] no test command configured, skipping")
		return types.TestResult{}, nil
	}
	for _, arg := range cmdArgs {
		if err := rejectDangerousShell(arg); err != nil {
			return types.TestResult{}, err
		}
	}

	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	cmd.Dir = tc.SlotPath
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	elog.Printf("[run_tests] command=%q exit_err=%v", strings.Join(cmdArgs, " "), runErr)
	if ctx.Err() == context.DeadlineExceeded {
		return types.TestResult{}, ErrTestTimeout
	}

	result := parseTestOutput(out.String())
	if runErr != nil && result.Failed == 0 && result.Total == 0 {
		// the command itself failed to run (not a parseable test failure)
		return result, fmt.Errorf("test command failed: %w", runErr)
	}
	return result, nil
}

// commitAndPush generates the fixed-convention commit message, commits all
// changes, and pushes the feature branch with retry on transient failures
// (spec §4.4 step 5).
func (r *Runner) commitAndPush(ctx context.Context, tc TaskContext, elog *execLog) (string, error) {
	msg := fmt.Sprintf("feat(%s): %s [Task %s]", tc.SpecName, tc.Title, tc.TaskID)
	if err := workspace.CommitAll(ctx, tc.SlotPath, msg); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	const maxAttempts = 3
	backoff := 2 * time.Second
	var pushErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pushErr = workspace.PushBranch(ctx, tc.SlotPath, tc.BranchName)
		if pushErr == nil {
			break
		}
		if attempt == maxAttempts {
			return "", fmt.Errorf("push: %w", pushErr)
		}
		elog.Printf("[commit_push] push attempt %d failed: %v, retrying in %s", attempt, pushErr, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
	}

	diff, err := workspace.DiffHead(ctx, tc.SlotPath)
	if err != nil {
		elog.Printf("[commit_push] failed to capture diff: %v", err)
	}
	return diff, nil
}

// uploadArtifacts uploads the commit diff, the secret-masked execution log,
// and the test-result JSON (spec §4.4 step 6).
func (r *Runner) uploadArtifacts(ctx context.Context, tc TaskContext, elog *execLog, diff string, result types.TestResult) error {
	if r.artifacts == nil {
		return nil
	}

	masked, maskedCount := r.masker.Mask(elog.buf.String())
	if maskedCount > 0 {
		log.WithTask(tc.SpecName, tc.TaskID).Info().Int("masked_count", maskedCount).Msg("secrets masked from execution log")
	}

	uploads := []struct {
		typ  types.ArtifactType
		data []byte
	}{
		{types.ArtifactDiff, []byte(diff)},
		{types.ArtifactLog, []byte(masked)},
		{types.ArtifactTestResult, marshalTestResult(result)},
	}

	var firstErr error
	for _, u := range uploads {
		uri, err := r.artifacts.Upload(ctx, tc.SpecName, tc.TaskID, u.typ, u.data)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.registry.AddArtifact(tc.SpecName, tc.TaskID, types.Artifact{
			Type: u.typ, URI: uri, SizeBytes: int64(len(u.data)),
		}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// bestEffortUploadLog uploads whatever partial execution log exists after a
// phase failure (spec §4.4 step 7 "attempt best-effort artifact upload").
func (r *Runner) bestEffortUploadLog(ctx context.Context, tc TaskContext, elog *execLog) {
	if r.artifacts == nil {
		return
	}
	masked, _ := r.masker.Mask(elog.buf.String())
	uri, err := r.artifacts.Upload(ctx, tc.SpecName, tc.TaskID, types.ArtifactLog, []byte(masked))
	if err != nil {
		log.WithTask(tc.SpecName, tc.TaskID).Warn().Err(err).Msg("best-effort partial log upload failed")
		return
	}
	_ = r.registry.AddArtifact(tc.SpecName, tc.TaskID, types.Artifact{Type: types.ArtifactLog, URI: uri, SizeBytes: int64(len(masked))})
}

func rejectDangerousShell(s string) error {
	for _, pat := range dangerousShellPatterns {
		if strings.Contains(s, pat) {
			return fmt.Errorf("%w: %q", ErrPermissionViolation, pat)
		}
	}
	return nil
}

func listWorkspaceFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}
