package router

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/locallama/router/internal/model"
	"github.com/locallama/router/internal/scoring"
)

// DefaultScorer adapts scoring.RankAll to the Scorer interface, owning the
// seeded random source the randomization term draws from.
type DefaultScorer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewDefaultScorer builds a DefaultScorer seeded from seed. Tests pass a
// fixed seed for determinism up to the documented randomization term.
func NewDefaultScorer(seed int64) *DefaultScorer {
	return &DefaultScorer{rng: rand.New(rand.NewSource(seed))}
}

// Rank implements Scorer.
func (d *DefaultScorer) Rank(ctx context.Context, candidates []scoring.Candidate, st *model.Subtask, w scoring.Window, originalTask string) ([]scoring.Result, error) {
	d.mu.Lock()
	rng := d.rng
	d.mu.Unlock()
	return scoring.RankAll(ctx, candidates, st, w, originalTask, rng)
}

// modelLoad tracks one model's live assignment state: active assignment
// count, estimated completion timestamps, and an EMA of processing power
// derived from observed response times.
type modelLoad struct {
	completions        []time.Time
	processingPowerEMA float64 // higher is faster; seeded at 1.0
	powerSeeded        bool    // true once at least one observed response time has landed
}

const processingPowerAlpha = 0.3

// LoadTracker is the Router's live-load state, guarded by a mutex since
// assignments and retirements happen concurrently across jobs.
type LoadTracker struct {
	mu     sync.Mutex
	models map[string]*modelLoad
	now    func() time.Time // overridable for deterministic tests
}

// NewLoadTracker constructs an empty LoadTracker.
func NewLoadTracker() *LoadTracker {
	return &LoadTracker{models: make(map[string]*modelLoad), now: time.Now}
}

func (lt *LoadTracker) entry(modelID string) *modelLoad {
	ml, ok := lt.models[modelID]
	if !ok {
		ml = &modelLoad{processingPowerEMA: 1.0}
		lt.models[modelID] = ml
	}
	return ml
}

// RecordAssignment adds one active assignment for modelID, estimating its
// completion timestamp from estimatedDuration (the same complexity *
// token-estimate heuristic used by the Planner's critical path).
func (lt *LoadTracker) RecordAssignment(modelID string, estimatedDuration float64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ml := lt.entry(modelID)
	lt.retireLocked(ml)
	completion := lt.now().Add(time.Duration(estimatedDuration) * time.Millisecond)
	ml.completions = append(ml.completions, completion)
}

// RecordObservedResponseTime folds one more response-time sample into a
// model's processing-power EMA (faster response -> higher power).
func (lt *LoadTracker) RecordObservedResponseTime(modelID string, responseTimeSeconds float64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ml := lt.entry(modelID)
	power := 1.0
	if responseTimeSeconds > 0 {
		power = 1.0 / responseTimeSeconds
	}
	if !ml.powerSeeded {
		ml.processingPowerEMA = power
		ml.powerSeeded = true
		return
	}
	ml.processingPowerEMA = processingPowerAlpha*power + (1-processingPowerAlpha)*ml.processingPowerEMA
}

// ActiveCount returns the number of assignments not yet past their
// estimated completion, retiring stale entries first.
func (lt *LoadTracker) ActiveCount(modelID string) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ml, ok := lt.models[modelID]
	if !ok {
		return 0
	}
	lt.retireLocked(ml)
	return len(ml.completions)
}

// EffectiveLoad is active count divided by processing power, per the
// Router & Load Balancer's backpressure model.
func (lt *LoadTracker) EffectiveLoad(modelID string) float64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ml, ok := lt.models[modelID]
	if !ok {
		return 0
	}
	lt.retireLocked(ml)
	if ml.processingPowerEMA <= 0 {
		return float64(len(ml.completions))
	}
	return float64(len(ml.completions)) / ml.processingPowerEMA
}

// retireLocked removes completion timestamps now in the past. Caller must
// hold lt.mu.
func (lt *LoadTracker) retireLocked(ml *modelLoad) {
	now := lt.now()
	kept := ml.completions[:0]
	for _, c := range ml.completions {
		if c.After(now) {
			kept = append(kept, c)
		}
	}
	ml.completions = kept
}
