package dispatcher

import (
	"fmt"

	"github.com/necrocode/engine/pkg/types"
)

// Policy is a Scheduler's pool-assignment strategy (spec §4.3 "Scheduler").
type Policy string

const (
	PolicyFIFO       Policy = "FIFO"
	PolicyPriority   Policy = "PRIORITY"
	PolicySkillBased Policy = "SKILL_BASED"
	PolicyFairShare  Policy = "FAIR_SHARE"
)

// Scheduler selects an agent pool for a task under the configured policy.
// Grounded on the teacher's pkg/scheduler/scheduler.go
// scheduleGlobalService/scheduleReplicatedService branch-by-mode shape,
// generalized from service placement mode to dispatch policy.
type Scheduler struct {
	policy       Policy
	skillMapping map[string][]string
	pools        *AgentPoolManager
}

// NewScheduler constructs a Scheduler. skillMapping must contain a
// "default" entry (spec §6 "Skill mapping... plus required default").
func NewScheduler(policy Policy, skillMapping map[string][]string, pools *AgentPoolManager) *Scheduler {
	return &Scheduler{policy: policy, skillMapping: skillMapping, pools: pools}
}

// SetPolicy swaps the active policy at runtime; in-flight work is
// unaffected, subsequent dispatch uses the new policy (spec §4.3
// "Dynamic control").
func (s *Scheduler) SetPolicy(p Policy) { s.policy = p }

// SelectPool picks the first acceptable pool for task under the active
// policy, or ErrNoCapacity if none currently qualifies.
func (s *Scheduler) SelectPool(task types.Task) (string, error) {
	var candidates []string

	switch s.policy {
	case PolicySkillBased, PolicyFairShare:
		mapped, err := s.skillPools(task.RequiredSkill)
		if err != nil {
			return "", err
		}
		candidates = mapped
		if s.policy == PolicyFairShare {
			candidates = s.pools.SortByUtilizationAsc(candidates)
		}
	default: // FIFO, PRIORITY: any enabled pool in registration order
		for _, p := range s.pools.EnabledPoolsInOrder() {
			candidates = append(candidates, p.Name)
		}
	}

	for _, name := range candidates {
		if s.pools.CanAccept(name) {
			return name, nil
		}
	}
	return "", ErrNoCapacity
}

// skillPools resolves a required_skill to its mapped pool names, falling
// back to "default" when the skill has no explicit mapping.
func (s *Scheduler) skillPools(skill string) ([]string, error) {
	if names, ok := s.skillMapping[skill]; ok && len(names) > 0 {
		return names, nil
	}
	if names, ok := s.skillMapping["default"]; ok && len(names) > 0 {
		return names, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, skill)
}
