// Package scoring implements the Scoring Engine: a multi-factor weighted
// score in [0,1] for each (Model, Subtask) pair, adaptive acceptance
// thresholds by subtask complexity, and a no-data fallback heuristic,
// blending several normalized signals into one value.
package scoring

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/locallama/router/internal/model"
	"github.com/locallama/router/internal/perfstore"
)

// Weights are the fixed top-level factor weights.
const (
	WeightComplexityMatch     = 0.30
	WeightHistoricalPerformance = 0.30
	WeightResourceEfficiency  = 0.20
	WeightCostEffectiveness   = 0.20
)

// Boost magnitudes applied additively after the weighted sum.
const (
	BoostCodeSpecialized  = 0.10
	BoostTaskTypeAlign    = 0.10
	BoostLanguageMatch    = 0.15
	BoostRemoteDiversity  = 0.05
	RandomizationMax      = 0.05
)

// idealContextUtilization is the context-window utilization ratio the
// resource-efficiency factor rewards most.
const idealContextUtilization = 0.7

// Thresholds bundles the min-acceptable and prefer-local scores for one
// complexity band.
type Thresholds struct {
	MinAcceptable float64
	PreferLocal   float64
}

// ThresholdsFor returns the adaptive thresholds for a subtask's complexity.
func ThresholdsFor(complexity float64) Thresholds {
	switch {
	case complexity >= 0.7:
		return Thresholds{MinAcceptable: 0.6, PreferLocal: 0.75}
	case complexity >= 0.4:
		return Thresholds{MinAcceptable: 0.5, PreferLocal: 0.65}
	default:
		return Thresholds{MinAcceptable: 0.4, PreferLocal: 0.55}
	}
}

// Window summarizes a complexity-band performance window (from the
// Performance Store's AnalyzeByComplexity) used by the historical-
// performance and complexity-match factors.
type Window struct {
	AverageSuccess float64
	AverageQuality float64
	TopPerformers  map[string]bool // qualified model ids
	HasData        bool
}

// Candidate is one (Model, Subtask) scoring input, with per-model stats
// folded in so Score never needs to call back into the store.
type Candidate struct {
	Model model.Model
	Stats model.ModelStats
	HasStats bool
}

// Result is one scored candidate.
type Result struct {
	Model model.Model
	Score float64
}

// Score computes the full weighted-plus-boosts-plus-randomization score
// for one (Model, Subtask) pair. rng must not be nil; callers seed it
// explicitly (tests use a fixed seed for determinism up to the documented
// randomization term).
func Score(c Candidate, st *model.Subtask, w Window, originalTask string, rng randSource) float64 {
	var total float64
	if c.HasStats {
		total = weightedScore(c, st, w)
	} else {
		total = fallbackScore(c, st)
	}

	total += boosts(c.Model, st, originalTask)
	total += rng.Float64() * RandomizationMax

	return clamp01(total)
}

// randSource is satisfied by *rand.Rand; RankAll wraps one in safeRand so
// concurrently scored candidates can share a single seeded source without
// a data race (math/rand.Rand is not safe for concurrent use on its own).
type randSource interface {
	Float64() float64
}

type safeRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *safeRand) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func weightedScore(c Candidate, st *model.Subtask, w Window) float64 {
	complexityMatch := complexityMatchFactor(c, st)
	historical := historicalPerformanceFactor(c, w)
	efficiency := resourceEfficiencyFactor(c, st)
	cost := costEffectivenessFactor(c, st)

	return WeightComplexityMatch*complexityMatch +
		WeightHistoricalPerformance*historical +
		WeightResourceEfficiency*efficiency +
		WeightCostEffectiveness*cost
}

func complexityMatchFactor(c Candidate, st *model.Subtask) float64 {
	base := 1 - math.Abs(c.Stats.ComplexityFitMean-st.Complexity)
	base = clamp01(base)
	if sizeCategoryFor(c.Model) == st.RecommendedSize {
		base = clamp01(base + 0.3)
	}
	return base
}

func historicalPerformanceFactor(c Candidate, w Window) float64 {
	if !w.HasData {
		return 0.5
	}
	var score float64
	if c.Stats.SuccessRateEMA > w.AverageSuccess {
		score += 0.4
	}
	if c.Stats.QualityScoreEMA > w.AverageQuality {
		score += 0.4
	}
	if w.TopPerformers[c.Model.QualifiedID()] {
		score += 0.2
	}
	return clamp01(score)
}

func resourceEfficiencyFactor(c Candidate, st *model.Subtask) float64 {
	responseTimeEfficiency := 0.5
	if c.Stats.ResponseTimeEMA > 0 {
		// Faster models score higher; 2s is treated as a neutral baseline.
		responseTimeEfficiency = clamp01(2.0 / (2.0 + c.Stats.ResponseTimeEMA))
	}

	utilization := 0.0
	if c.Model.ContextWindow > 0 {
		ratio := float64(st.EstimatedTokens) / float64(c.Model.ContextWindow)
		utilization = clamp01(1 - math.Abs(ratio-idealContextUtilization))
	}

	localityBonus := 0.0
	if c.Model.Provider == model.ProviderLocalStudio || c.Model.Provider == model.ProviderLocalOllama {
		localityBonus = 0.1
	}

	return clamp01(0.45*responseTimeEfficiency + 0.45*utilization + localityBonus)
}

func costEffectivenessFactor(c Candidate, st *model.Subtask) float64 {
	if c.Model.IsFree() {
		return 0.8
	}
	// Graded by complexity appropriateness: expensive models are only
	// "worth it" for harder subtasks.
	return clamp01(st.Complexity)
}

// fallbackScore is used when the Performance Store has no data for a
// candidate: a lower-confidence heuristic that stays monotonic in the same
// factors (size alignment, provider locality, complexity appropriateness)
// without consulting EMAs that don't exist yet.
func fallbackScore(c Candidate, st *model.Subtask) float64 {
	score := 0.4 // conservative baseline below any data-backed min-acceptable threshold band center

	if sizeCategoryFor(c.Model) == st.RecommendedSize {
		score += 0.2
	}
	if c.Model.IsFree() {
		score += 0.15
	}
	if c.Model.Provider == model.ProviderLocalStudio || c.Model.Provider == model.ProviderLocalOllama {
		score += 0.1
	}
	if c.Model.ContextWindow > 0 && float64(st.EstimatedTokens) <= float64(c.Model.ContextWindow) {
		score += 0.1
	}

	return clamp01(score)
}

func boosts(m model.Model, st *model.Subtask, originalTask string) float64 {
	var total float64
	lowerID := strings.ToLower(m.ID)

	if isCodeSpecializedID(lowerID) {
		total += BoostCodeSpecialized
	}
	if taskTypeAligns(lowerID, st.CodeType) {
		total += BoostTaskTypeAlign
	}
	if detectLanguageMatch(originalTask, lowerID) {
		total += BoostLanguageMatch
	}
	if m.Provider == model.ProviderRemoteAggregator {
		total += BoostRemoteDiversity
	}

	return total
}

var codeSpecializedMarkers = []string{"code", "coder", "coding", "starcoder", "codellama", "deepseek-coder"}

func isCodeSpecializedID(lowerID string) bool {
	for _, marker := range codeSpecializedMarkers {
		if strings.Contains(lowerID, marker) {
			return true
		}
	}
	return false
}

func taskTypeAligns(lowerID string, ct model.CodeType) bool {
	if ct == model.CodeTest && strings.Contains(lowerID, "test") {
		return true
	}
	return false
}

var languageHints = map[string][]string{
	"python":     {"python", "py"},
	"go":         {"go", "golang"},
	"javascript": {"js", "javascript", "node"},
	"typescript": {"ts", "typescript"},
	"rust":       {"rust"},
	"java":       {"java"},
}

func detectLanguageMatch(originalTask, lowerID string) bool {
	lowerTask := strings.ToLower(originalTask)
	for lang, hints := range languageHints {
		if !strings.Contains(lowerTask, lang) {
			continue
		}
		for _, hint := range hints {
			if strings.Contains(lowerID, hint) {
				return true
			}
		}
	}
	return false
}

func sizeCategoryFor(m model.Model) model.SizeCategory {
	if m.Provider == model.ProviderRemoteAggregator || m.Provider == model.ProviderRemoteGeneric {
		return model.SizeRemote
	}
	switch {
	case m.ContextWindow < 8192:
		return model.SizeSmall
	case m.ContextWindow < 32768:
		return model.SizeMedium
	default:
		return model.SizeLarge
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// WindowFromAnalysis converts a perfstore.ComplexityAnalysis into a Window.
func WindowFromAnalysis(a perfstore.ComplexityAnalysis) Window {
	if len(a.TopQuartileIDs) == 0 && a.AverageSuccess == 0 && a.AverageQuality == 0 {
		return Window{}
	}
	top := make(map[string]bool, len(a.TopQuartileIDs))
	for _, id := range a.TopQuartileIDs {
		top[id] = true
	}
	return Window{AverageSuccess: a.AverageSuccess, AverageQuality: a.AverageQuality, TopPerformers: top, HasData: true}
}

// RankAll scores every candidate concurrently via errgroup fan-out, then
// sorts descending by score with a lexicographic (provider, id) tie-break.
func RankAll(ctx context.Context, candidates []Candidate, st *model.Subtask, w Window, originalTask string, rng *rand.Rand) ([]Result, error) {
	results := make([]Result, len(candidates))
	shared := &safeRand{rng: rng}

	g, _ := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			results[i] = Result{Model: c.Model, Score: Score(c, st, w, originalTask, shared)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Model.Provider != results[j].Model.Provider {
			return results[i].Model.Provider < results[j].Model.Provider
		}
		return results[i].Model.ID < results[j].Model.ID
	})

	return results, nil
}

// Select applies the adaptive-threshold acceptance policy to a ranked
// Result list: reject below min-acceptable, then prefer a local model
// whose score clears the prefer-local threshold, else the top scorer.
func Select(ranked []Result, st *model.Subtask) (Result, bool) {
	th := ThresholdsFor(st.Complexity)

	var accepted []Result
	for _, r := range ranked {
		if r.Score >= th.MinAcceptable {
			accepted = append(accepted, r)
		}
	}
	if len(accepted) == 0 {
		return Result{}, false
	}

	for _, r := range accepted {
		local := r.Model.Provider == model.ProviderLocalStudio || r.Model.Provider == model.ProviderLocalOllama
		if local && r.Score >= th.PreferLocal {
			return r, true
		}
	}

	return accepted[0], true
}
