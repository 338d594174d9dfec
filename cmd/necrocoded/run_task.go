package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/necrocode/engine/pkg/log"
	"github.com/necrocode/engine/pkg/registry"
	"github.com/necrocode/engine/pkg/runner"
)

// runTaskCmd is the entrypoint a launched runner process/container/pod
// executes (spec §4.4): it bootstraps from five environment variables the
// Dispatcher's LaunchRequest.Env sets, re-reads the task's full definition
// from the shared Task Registry, runs the Agent Runner's phase sequence,
// and reports completion back to the Dispatcher over HTTP so its
// bookkeeping (slot release, retry, monitor) advances even though it runs
// in a separate process from the Dispatcher's own.
var runTaskCmd = &cobra.Command{
	Use:    "run-task",
	Short:  "Execute one task's Agent Runner phase sequence (internal entrypoint, launched by the Dispatcher)",
	Hidden: true,
	RunE:   runRunTask,
}

func init() {
	runTaskCmd.Flags().Duration("timeout", 30*time.Minute, "Per-task wall-clock timeout")
}

func mustEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("missing required environment variable %s", key)
	}
	return v, nil
}

func runRunTask(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")

	specName, err := mustEnv("NECROCODE_SPEC_NAME")
	if err != nil {
		return err
	}
	taskID, err := mustEnv("NECROCODE_TASK_ID")
	if err != nil {
		return err
	}
	runnerID, err := mustEnv("NECROCODE_RUNNER_ID")
	if err != nil {
		return err
	}
	slotPath, err := mustEnv("NECROCODE_SLOT_PATH")
	if err != nil {
		return err
	}
	branchName, err := mustEnv("NECROCODE_BRANCH_NAME")
	if err != nil {
		return err
	}
	registryBase, err := mustEnv("NECROCODE_REGISTRY_BASE")
	if err != nil {
		return err
	}

	dispatcherAddr := os.Getenv("NECROCODE_DISPATCHER_ADDR")
	codegenEndpoint := os.Getenv("NECROCODE_CODEGEN_ENDPOINT")
	codegenAPIKey := os.Getenv("NECROCODE_CODEGEN_API_KEY")
	artifactBase := os.Getenv("NECROCODE_ARTIFACT_BASE")
	if artifactBase == "" {
		artifactBase = "./data/artifacts"
	}

	reg := registry.New(registry.Config{BasePath: registryBase})

	ts, err := reg.GetTaskset(specName)
	if err != nil {
		return fmt.Errorf("fetch taskset %q: %w", specName, err)
	}
	task := ts.TaskByID(taskID)
	if task == nil {
		return fmt.Errorf("task %q not found in spec %q", taskID, specName)
	}

	codegen := runner.NewHTTPCodegenClient(codegenEndpoint, codegenAPIKey)
	artifacts := runner.NewLocalArtifactUploader(artifactBase)

	r, err := runner.New(runner.Config{
		Codegen:   codegen,
		Artifacts: artifacts,
		Registry:  reg,
	})
	if err != nil {
		return fmt.Errorf("construct runner: %w", err)
	}

	tc := runner.TaskContext{
		TaskID:             task.ID,
		SpecName:           specName,
		Title:              task.Title,
		Description:        task.Description,
		AcceptanceCriteria: task.AcceptanceCriteria,
		RequiredSkill:      task.RequiredSkill,
		RunnerID:           runnerID,
		SlotID:             task.SlotID,
		SlotPath:           slotPath,
		PoolName:           task.PoolName,
		BranchName:         branchName,
		Timeout:            timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	runErr := r.Run(ctx, tc)

	if dispatcherAddr != "" {
		reportCompletion(dispatcherAddr, runnerID, runErr)
	}
	if runErr != nil {
		log.Logger.Error().Err(runErr).Str("task_id", taskID).Msg("task run failed")
		return runErr
	}
	return nil
}

func reportCompletion(dispatcherAddr, runnerID string, runErr error) {
	body := map[string]any{"success": runErr == nil}
	if runErr != nil {
		body["failure_reason"] = runErr.Error()
	}
	payload, _ := json.Marshal(body)

	url := fmt.Sprintf("http://%s/runners/%s/complete", dispatcherAddr, runnerID)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Logger.Error().Err(err).Str("runner_id", runnerID).Msg("failed to report completion to dispatcher")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		log.Logger.Error().Int("status", resp.StatusCode).Str("runner_id", runnerID).
			Msg("dispatcher rejected completion report")
	}
}
