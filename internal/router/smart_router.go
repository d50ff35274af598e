package router

import (
	"math"
	"sort"

	"github.com/locallama/router/internal/model"
)

// complexityBucketWidth groups subtasks into 0.1-wide complexity bands for
// batching.
const complexityBucketWidth = 0.1

// resourceComplexityBucketWidth is the wider 0.25 band used by the
// resource-optimized path, which only Config.ResourceOptimizedPath enables;
// no routing Priority selects it.
const resourceComplexityBucketWidth = 0.25

type batchKey struct {
	size       model.SizeCategory
	complexity int // bucket index
	codeType   model.CodeType
}

func bucketFor(complexity float64, width float64) int {
	if width <= 0 {
		return 0
	}
	return int(math.Floor(complexity / width))
}

// GroupForBatching groups subtasks by (recommended size, 0.1-complexity
// bucket, code type) so one scoring call and one assignment cover an
// entire group. Groups are returned in a stable order: by the group's
// representative (most-complex) subtask id, ascending.
func GroupForBatching(subtasks []*model.Subtask) [][]*model.Subtask {
	groups := make(map[batchKey][]*model.Subtask)
	var keys []batchKey

	for _, st := range subtasks {
		k := batchKey{size: st.RecommendedSize, complexity: bucketFor(st.Complexity, complexityBucketWidth), codeType: st.CodeType}
		if _, exists := groups[k]; !exists {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], st)
	}

	out := make([][]*model.Subtask, 0, len(keys))
	for _, k := range keys {
		out = append(out, groups[k])
	}
	sort.Slice(out, func(i, j int) bool {
		return mostComplex(out[i]).ID < mostComplex(out[j]).ID
	})
	return out
}

// ResourceOptimizedGroup is one group of the resource-optimized path: a
// 0.25-complexity bucket plus code type. For a PreferSmall group the
// Router drops models at MaxAssignmentsPerModel and orders the rest
// smallest-context first.
type ResourceOptimizedGroup struct {
	Subtasks    []*model.Subtask
	PreferSmall bool // true when the group's bucket is in the simplest band
}

// GroupForResourceOptimization groups by the wider 0.25 complexity bucket
// and code type.
func GroupForResourceOptimization(subtasks []*model.Subtask) []ResourceOptimizedGroup {
	type key struct {
		complexity int
		codeType   model.CodeType
	}
	groups := make(map[key][]*model.Subtask)
	var keys []key

	for _, st := range subtasks {
		k := key{complexity: bucketFor(st.Complexity, resourceComplexityBucketWidth), codeType: st.CodeType}
		if _, exists := groups[k]; !exists {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], st)
	}

	out := make([]ResourceOptimizedGroup, 0, len(keys))
	for _, k := range keys {
		out = append(out, ResourceOptimizedGroup{Subtasks: groups[k], PreferSmall: k.complexity == 0})
	}
	sort.Slice(out, func(i, j int) bool {
		return mostComplex(out[i].Subtasks).ID < mostComplex(out[j].Subtasks).ID
	})
	return out
}

// MaxAssignmentsPerModel caps how many subtasks the resource-optimized
// path will hand to a single model in one routing pass, to avoid
// starving the rest of the pool.
const MaxAssignmentsPerModel = 8

// FilterStarvedModels removes models that have already reached
// MaxAssignmentsPerModel from a candidate pool, keyed by qualified id.
func FilterStarvedModels(candidates []model.Model, assignedCounts map[string]int) []model.Model {
	out := make([]model.Model, 0, len(candidates))
	for _, m := range candidates {
		if assignedCounts[m.QualifiedID()] >= MaxAssignmentsPerModel {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PreferEfficientForSimpleTasks reorders candidates so smaller-context
// (cheaper, typically quantized-local) models sort first; used by the
// resource-optimized path when PreferSmall is set.
func PreferEfficientForSimpleTasks(candidates []model.Model) []model.Model {
	out := make([]model.Model, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContextWindow != out[j].ContextWindow {
			return out[i].ContextWindow < out[j].ContextWindow
		}
		return out[i].ID < out[j].ID
	})
	return out
}
