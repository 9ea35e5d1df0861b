// Package match decides which tasks an agent is eligible for and how to
// rank them. Eligibility is a hard gate on capability coverage; ranking
// mixes base priority, queue age, and failure history.
package match

import (
	"sort"
	"time"

	"github.com/marcus/foreman/internal/task"
)

// specialtyBonus is the extra credit for a required capability the agent
// lists as a specialty.
const specialtyBonus = 0.2

// Policy carries the tunable matching and ranking knobs.
type Policy struct {
	// MinMatchRatio is the fraction of required capabilities an agent must
	// cover to be eligible. The boundary is inclusive.
	MinMatchRatio float64
	// AgeBonusPerHour lifts priority for every hour a task has waited.
	AgeBonusPerHour float64
	// FailurePenalty lowers priority for every recorded failure.
	FailurePenalty float64
	// MinEffectivePriority excludes tasks ranked below it.
	MinEffectivePriority float64
	// MaxEffectivePriority caps the effective priority.
	MaxEffectivePriority float64
	// FailureCap excludes tasks with more failures than this.
	FailureCap int
	// DefaultMaxTasks bounds a discovery batch when the caller passes none.
	DefaultMaxTasks int
	// DefaultMaxConcurrent is the workload limit for agents that register
	// without one.
	DefaultMaxConcurrent int
}

// DefaultPolicy returns the standard knobs.
func DefaultPolicy() Policy {
	return Policy{
		MinMatchRatio:        0.5,
		AgeBonusPerHour:      0.1,
		FailurePenalty:       0.5,
		MinEffectivePriority: 0,
		MaxEffectivePriority: 20,
		FailureCap:           2,
		DefaultMaxTasks:      10,
		DefaultMaxConcurrent: 3,
	}
}

// MeetsRequirements reports whether the agent's capabilities cover enough
// of the task's requirements. Empty requirements accept any agent. This is
// the only gate; score never excludes anyone.
func (p Policy) MeetsRequirements(required, capabilities []string) bool {
	if len(required) == 0 {
		return true
	}
	matched := countMatched(required, capabilities)
	return float64(matched)/float64(len(required)) >= p.MinMatchRatio
}

// MatchScore rates how well an agent fits a task's requirements. Each
// covered requirement earns 1.0, plus a bonus when it is also a specialty.
// Partial coverage is discounted by half the coverage ratio, and the total
// is normalized by the number of requirements. Empty requirements score a
// neutral 1.0.
func MatchScore(required, capabilities, specialties []string) float64 {
	if len(required) == 0 {
		return 1.0
	}

	matched := 0
	score := 0.0
	for _, req := range required {
		if !contains(capabilities, req) {
			continue
		}
		matched++
		score += 1.0
		if contains(specialties, req) {
			score += specialtyBonus
		}
	}

	if matched < len(required) {
		score *= float64(matched) / float64(len(required)) * 0.5
	}
	return score / float64(len(required))
}

// EffectivePriority computes the ranking score for a task: base priority,
// plus an age bonus so old work cannot starve, minus a penalty per
// failure so flaky work sinks. Clamped to [0, MaxEffectivePriority].
func (p Policy) EffectivePriority(t *task.Task, now time.Time) float64 {
	eff := t.PriorityScore
	eff += now.Sub(t.CreatedAt).Hours() * p.AgeBonusPerHour
	eff -= float64(t.FailureCount) * p.FailurePenalty

	if eff < 0 {
		return 0
	}
	if eff > p.MaxEffectivePriority {
		return p.MaxEffectivePriority
	}
	return eff
}

// ShouldConsider reports whether a task belongs in a discovery batch at
// all: too many failures or a rank below the floor excludes it.
func (p Policy) ShouldConsider(t *task.Task, now time.Time) bool {
	if t.FailureCount > p.FailureCap {
		return false
	}
	return p.EffectivePriority(t, now) >= p.MinEffectivePriority
}

// Candidate is one ranked discovery result.
type Candidate struct {
	Task              task.Task `json:"task"`
	EffectivePriority float64   `json:"effective_priority"`
	MatchScore        float64   `json:"match_score"`
}

// Rank filters tasks the agent is eligible for and sorts them by
// effective priority, highest first. The sort is stable, so ties keep
// their input order.
func (p Policy) Rank(tasks []task.Task, capabilities, specialties []string, now time.Time) []Candidate {
	var out []Candidate
	for _, t := range tasks {
		if !p.ShouldConsider(&t, now) {
			continue
		}
		if !p.MeetsRequirements(t.RequiredCapabilities, capabilities) {
			continue
		}
		out = append(out, Candidate{
			Task:              t,
			EffectivePriority: p.EffectivePriority(&t, now),
			MatchScore:        MatchScore(t.RequiredCapabilities, capabilities, specialties),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EffectivePriority > out[j].EffectivePriority
	})
	return out
}

// MaxTasks resolves a caller-supplied batch bound, falling back to the
// policy default when the caller passes zero or less.
func (p Policy) MaxTasks(requested int) int {
	if requested > 0 {
		return requested
	}
	if p.DefaultMaxTasks > 0 {
		return p.DefaultMaxTasks
	}
	return DefaultPolicy().DefaultMaxTasks
}

// MaxConcurrent resolves an agent-supplied concurrency limit, falling back
// to the policy default when the agent registers without one.
func (p Policy) MaxConcurrent(requested int) int {
	if requested > 0 {
		return requested
	}
	if p.DefaultMaxConcurrent > 0 {
		return p.DefaultMaxConcurrent
	}
	return DefaultPolicy().DefaultMaxConcurrent
}

func countMatched(required, capabilities []string) int {
	matched := 0
	for _, req := range required {
		if contains(capabilities, req) {
			matched++
		}
	}
	return matched
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
