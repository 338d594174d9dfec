package dispatcher_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/necrocode/engine/pkg/dispatcher"
	"github.com/necrocode/engine/pkg/types"
)

func testPools() []types.AgentPool {
	return []types.AgentPool{
		{Name: "local", Type: types.AgentPoolLocalProcess, MaxConcurrency: 2, Enabled: true},
		{Name: "docker", Type: types.AgentPoolDocker, MaxConcurrency: 1, Enabled: true},
		{Name: "disabled", Type: types.AgentPoolLocalProcess, MaxConcurrency: 5, Enabled: false},
	}
}

func TestAgentPoolManagerCanAcceptRespectsEnabledAndCap(t *testing.T) {
	m := dispatcher.NewAgentPoolManager(testPools())

	assert.True(t, m.CanAccept("local"))
	assert.False(t, m.CanAccept("disabled"))
	assert.False(t, m.CanAccept("unknown"))

	require.NoError(t, m.Increment("docker"))
	assert.False(t, m.CanAccept("docker"))
}

func TestAgentPoolManagerIncrementDecrementUpdatesUtilization(t *testing.T) {
	m := dispatcher.NewAgentPoolManager(testPools())

	require.NoError(t, m.Increment("local"))
	assert.InDelta(t, 0.5, m.Utilization("local"), 0.0001)

	m.Decrement("local")
	assert.InDelta(t, 0.0, m.Utilization("local"), 0.0001)
}

func TestAgentPoolManagerIncrementUnknownPoolErrors(t *testing.T) {
	m := dispatcher.NewAgentPoolManager(testPools())
	err := m.Increment("nope")
	assert.ErrorIs(t, err, dispatcher.ErrUnknownPool)
}

func TestAgentPoolManagerEnabledPoolsInOrderExcludesDisabled(t *testing.T) {
	m := dispatcher.NewAgentPoolManager(testPools())
	names := []string{}
	for _, p := range m.EnabledPoolsInOrder() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"local", "docker"}, names)
}

func TestAgentPoolManagerSortByUtilizationAsc(t *testing.T) {
	m := dispatcher.NewAgentPoolManager(testPools())
	require.NoError(t, m.Increment("local"))

	sorted := m.SortByUtilizationAsc([]string{"local", "docker"})
	assert.Equal(t, []string{"docker", "local"}, sorted)
}
