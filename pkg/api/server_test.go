package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/necrocode/engine/pkg/api"
	"github.com/necrocode/engine/pkg/dispatcher"
	"github.com/necrocode/engine/pkg/types"
)

func testDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	cfg := dispatcher.Config{
		SkillMapping: map[string][]string{"default": {"local"}},
		Pools:        []types.AgentPool{{Name: "local", Type: types.AgentPoolLocalProcess, MaxConcurrency: 1, Enabled: true}},
	}
	d, err := dispatcher.New(cfg, noopRegistry{}, noopWorkspace{}, nil, nil)
	require.NoError(t, err)
	return d
}

type noopRegistry struct{}

func (noopRegistry) ListSpecs() ([]string, error) { return nil, nil }
func (noopRegistry) GetReadyTasks(specName, skill string) ([]types.Task, error) {
	return nil, nil
}
func (noopRegistry) GetTaskset(specName string) (*types.Taskset, error) { return &types.Taskset{}, nil }
func (noopRegistry) UpdateTaskState(specName, taskID string, newState types.TaskState, meta map[string]string) error {
	return nil
}
func (noopRegistry) RecordEvent(ev types.TaskEvent) {}

type noopWorkspace struct{}

func (noopWorkspace) AllocateSlot(ctx context.Context, poolName, owner string) (*types.Slot, error) {
	return nil, nil
}
func (noopWorkspace) ReleaseSlot(ctx context.Context, poolName, slotID, owner string, background bool) error {
	return nil
}

func TestHealthHandlerReturnsHealthy(t *testing.T) {
	srv := api.NewServer(testDispatcher(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyHandlerReturnsReady(t *testing.T) {
	srv := api.NewServer(testDispatcher(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCompleteHandlerRequiresRunnerID(t *testing.T) {
	srv := api.NewServer(testDispatcher(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/runners//complete", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.NotEqual(t, http.StatusNoContent, resp.StatusCode)
}

func TestCompleteHandlerAcceptsValidBody(t *testing.T) {
	srv := api.NewServer(testDispatcher(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, err := json.Marshal(map[string]any{"success": true})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/runners/runner-1/complete", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
