// Package router implements the Router & Load Balancer: it assigns
// Subtasks to Models using the Scoring Engine's ranking, tracks live
// per-model load, and falls back to lower-ranked alternatives when the
// ideal model is saturated.
package router

import (
	"context"
	"sort"

	"github.com/locallama/router/internal/model"
	"github.com/locallama/router/internal/routererrors"
	"github.com/locallama/router/internal/scoring"
)

// Priority is the caller-supplied routing preference from the external
// route_task operation. It biases which accepted candidate assignOne
// chooses over the plain ideal-scoring pick.
type Priority string

const (
	PriorityBalanced Priority = ""
	PrioritySpeed    Priority = "speed"
	PriorityCost     Priority = "cost"
	PriorityQuality  Priority = "quality"
)

// Config holds tunable router behavior.
type Config struct {
	EffectiveLoadCap      float64 // default 3.0
	AlternativeScoreRatio float64 // default 0.85
	EnableBatching        bool
	ResourceOptimizedPath bool
}

// DefaultConfig returns the Router's baseline tuning defaults.
func DefaultConfig() Config {
	return Config{EffectiveLoadCap: 3.0, AlternativeScoreRatio: 0.85, EnableBatching: false, ResourceOptimizedPath: false}
}

// Scorer is the capability the Router depends on for ranking candidates;
// defined as a leaf interface so the Router takes it as a constructor
// input without an import cycle (design note: dependency injection over
// lazy cyclic imports).
type Scorer interface {
	Rank(ctx context.Context, candidates []scoring.Candidate, st *model.Subtask, w scoring.Window, originalTask string) ([]scoring.Result, error)
}

// Assignment is the outcome of routing one Subtask.
type Assignment struct {
	SubtaskID string
	Model     model.Model
	Score     float64
	Reason    string
}

// Router assigns subtasks to models under live load, processing subtasks
// in descending-complexity order for fairness.
type Router struct {
	scorer Scorer
	load   *LoadTracker
	cfg    Config
}

// New constructs a Router.
func New(scorer Scorer, load *LoadTracker, cfg Config) *Router {
	return &Router{scorer: scorer, load: load, cfg: cfg}
}

// AssignAll routes every subtask in dt, in descending-complexity order,
// against the given candidate model pool. When cfg.EnableBatching is set,
// subtasks are grouped first (see Batch in smart_router.go) and each
// group's winner is assigned to every member.
func (r *Router) AssignAll(ctx context.Context, dt *model.DecomposedTask, candidates []model.Model, w scoring.Window, originalTask string, priority Priority) ([]Assignment, error) {
	subtasks := make([]*model.Subtask, 0, len(dt.Subtasks))
	for _, st := range dt.Subtasks {
		subtasks = append(subtasks, st)
	}
	sort.Slice(subtasks, func(i, j int) bool {
		if subtasks[i].Complexity != subtasks[j].Complexity {
			return subtasks[i].Complexity > subtasks[j].Complexity
		}
		return subtasks[i].ID < subtasks[j].ID
	})

	if r.cfg.EnableBatching {
		groups := GroupForBatching(subtasks)
		return r.assignGroups(ctx, groups, candidates, w, originalTask, priority)
	}

	if r.cfg.ResourceOptimizedPath {
		return r.assignResourceOptimized(ctx, subtasks, candidates, w, originalTask, priority)
	}

	assignments := make([]Assignment, 0, len(subtasks))
	for _, st := range subtasks {
		a, err := r.assignOne(ctx, st, candidates, w, originalTask, priority)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// assignResourceOptimized groups subtasks into wide complexity/code-type
// bands and, for the simplest band, removes models that have reached
// MaxAssignmentsPerModel from the candidate pool and orders the rest
// smallest-context first, then scores each subtask individually. The pick
// comes from the Scoring Engine's ranking, which does not depend on the
// pool's order.
func (r *Router) assignResourceOptimized(ctx context.Context, subtasks []*model.Subtask, candidates []model.Model, w scoring.Window, originalTask string, priority Priority) ([]Assignment, error) {
	groups := GroupForResourceOptimization(subtasks)

	var assignments []Assignment
	for _, group := range groups {
		pool := candidates
		if group.PreferSmall {
			assignedCounts := make(map[string]int, len(candidates))
			for _, m := range candidates {
				assignedCounts[m.QualifiedID()] = r.load.ActiveCount(m.QualifiedID())
			}
			if filtered := FilterStarvedModels(candidates, assignedCounts); len(filtered) > 0 {
				pool = PreferEfficientForSimpleTasks(filtered)
			}
		}
		for _, st := range group.Subtasks {
			a, err := r.assignOne(ctx, st, pool, w, originalTask, priority)
			if err != nil {
				return nil, err
			}
			assignments = append(assignments, a)
		}
	}
	return assignments, nil
}

func (r *Router) assignGroups(ctx context.Context, groups [][]*model.Subtask, candidates []model.Model, w scoring.Window, originalTask string, priority Priority) ([]Assignment, error) {
	var assignments []Assignment
	for _, group := range groups {
		representative := mostComplex(group)
		a, err := r.assignOne(ctx, representative, candidates, w, originalTask, priority)
		if err != nil {
			return nil, err
		}
		for _, st := range group {
			assignments = append(assignments, Assignment{SubtaskID: st.ID, Model: a.Model, Score: a.Score, Reason: a.Reason + " (batched)"})
		}
	}
	return assignments, nil
}

func mostComplex(group []*model.Subtask) *model.Subtask {
	best := group[0]
	for _, st := range group[1:] {
		if st.Complexity > best.Complexity || (st.Complexity == best.Complexity && st.ID < best.ID) {
			best = st
		}
	}
	return best
}

// assignOne implements the 4-step assignment policy for one subtask:
// ideal pick from the Scoring Engine, load-aware reassignment to an
// alternative when the ideal model is saturated, and a descriptive reason.
// candidates may already be narrowed by assignResourceOptimized.
func (r *Router) assignOne(ctx context.Context, st *model.Subtask, candidates []model.Model, w scoring.Window, originalTask string, priority Priority) (Assignment, error) {
	fitting := make([]model.Model, 0, len(candidates))
	for _, m := range candidates {
		if m.ContextWindow >= st.EstimatedTokens {
			fitting = append(fitting, m)
		}
	}
	if len(fitting) == 0 {
		return Assignment{}, routererrors.NoSuitableModel("no candidate model's context window covers this subtask's estimated tokens")
	}

	scoreCandidates := make([]scoring.Candidate, len(fitting))
	for i, m := range fitting {
		scoreCandidates[i] = scoring.Candidate{Model: m}
	}

	ranked, err := r.scorer.Rank(ctx, scoreCandidates, st, w, originalTask)
	if err != nil {
		return Assignment{}, routererrors.Internal("scoring failed during routing", err)
	}

	ideal, ok := scoring.Select(ranked, st)
	if !ok {
		return Assignment{}, routererrors.NoSuitableModel("no candidate model met the minimum acceptable score for this subtask")
	}

	chosen := ideal
	reason := "selected ideal-scoring model"

	if priority == PriorityCost {
		if cheap, found := cheapestAcceptable(ranked, st); found {
			chosen = cheap
			reason = "selected local model to minimize costs"
		}
	}

	if r.load.EffectiveLoad(chosen.Model.QualifiedID()) > r.cfg.EffectiveLoadCap {
		if alt, found := r.findAlternative(ranked, chosen, st); found {
			chosen = alt
			reason = "ideal model saturated; reassigned to a comparable alternative with lower effective load"
		} else {
			reason = "ideal model saturated; no qualifying alternative, proceeding with ideal model"
		}
	}

	r.load.RecordAssignment(chosen.Model.QualifiedID(), st.EstimatedDuration())

	return Assignment{SubtaskID: st.ID, Model: chosen.Model, Score: chosen.Score, Reason: reason}, nil
}

// cheapestAcceptable finds the free-or-cheapest local candidate among those
// that clear the subtask's minimum acceptable score threshold, used by the
// cost priority to steer assignOne's pick toward zero-cost models instead
// of the default ideal-scoring one.
func cheapestAcceptable(ranked []scoring.Result, st *model.Subtask) (scoring.Result, bool) {
	th := scoring.ThresholdsFor(st.Complexity)

	var best scoring.Result
	found := false
	for _, res := range ranked {
		if res.Score < th.MinAcceptable {
			continue
		}
		local := res.Model.Provider == model.ProviderLocalStudio || res.Model.Provider == model.ProviderLocalOllama
		if !res.Model.IsFree() && !local {
			continue
		}
		if !found ||
			res.Model.CostPerInputToken < best.Model.CostPerInputToken ||
			(res.Model.CostPerInputToken == best.Model.CostPerInputToken && res.Score > best.Score) {
			best = res
			found = true
		}
	}
	return best, found
}

// findAlternative searches ranked results for the lowest-effective-load
// candidate whose score is >= AlternativeScoreRatio * ideal score and
// whose context window covers the subtask's estimated tokens, breaking
// ties by descending score.
func (r *Router) findAlternative(ranked []scoring.Result, ideal scoring.Result, st *model.Subtask) (scoring.Result, bool) {
	minScore := ideal.Score * r.cfg.AlternativeScoreRatio

	var candidates []scoring.Result
	for _, res := range ranked {
		if res.Model.QualifiedID() == ideal.Model.QualifiedID() {
			continue
		}
		if res.Score < minScore {
			continue
		}
		if res.Model.ContextWindow < st.EstimatedTokens {
			continue
		}
		candidates = append(candidates, res)
	}
	if len(candidates) == 0 {
		return scoring.Result{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		li := r.load.EffectiveLoad(candidates[i].Model.QualifiedID())
		lj := r.load.EffectiveLoad(candidates[j].Model.QualifiedID())
		if li != lj {
			return li < lj
		}
		return candidates[i].Score > candidates[j].Score
	})
	return candidates[0], true
}
