package scoring

import (
	"math/rand"
	"testing"

	"github.com/locallama/router/internal/model"
)

func TestThresholdsForBands(t *testing.T) {
	cases := []struct {
		complexity float64
		want       Thresholds
	}{
		{0.9, Thresholds{0.6, 0.75}},
		{0.5, Thresholds{0.5, 0.65}},
		{0.1, Thresholds{0.4, 0.55}},
	}
	for _, c := range cases {
		got := ThresholdsFor(c.complexity)
		if got != c.want {
			t.Errorf("ThresholdsFor(%v) = %+v, want %+v", c.complexity, got, c.want)
		}
	}
}

func TestFreeModelGetsCostEffectivenessBonus(t *testing.T) {
	st := model.NewSubtask("s1", "write a function", 40, 0.3, model.CodeFunction)
	free := Candidate{Model: model.Model{ID: "phi3-mini", Provider: model.ProviderLocalStudio, ContextWindow: 4096}}
	paid := Candidate{Model: model.Model{ID: "gpt-4", Provider: model.ProviderRemoteAggregator, ContextWindow: 128000, CostPerInputToken: 0.01}}

	rng := rand.New(rand.NewSource(1))
	freeScore := Score(free, st, Window{}, "", rng)
	paidScore := Score(paid, st, Window{}, "", rng)

	if freeScore <= 0 || paidScore <= 0 {
		t.Fatalf("expected positive scores, got free=%v paid=%v", freeScore, paidScore)
	}
	if freeScore <= paidScore {
		t.Errorf("expected free model to outscore paid model, got free=%v paid=%v", freeScore, paidScore)
	}
}

func TestScoreIsDeterministicGivenSameSeed(t *testing.T) {
	st := model.NewSubtask("s1", "write a function", 40, 0.3, model.CodeFunction)
	c := Candidate{Model: model.Model{ID: "phi3-mini", Provider: model.ProviderLocalStudio, ContextWindow: 4096}}

	a := Score(c, st, Window{}, "", rand.New(rand.NewSource(42)))
	b := Score(c, st, Window{}, "", rand.New(rand.NewSource(42)))

	if a != b {
		t.Errorf("expected identical scores for identical seeded rng, got %v vs %v", a, b)
	}
}

func TestHistoricalPerformanceRanksAboveWindowAverage(t *testing.T) {
	st := model.NewSubtask("s1", "write a function", 40, 0.6, model.CodeFunction)
	w := Window{AverageSuccess: 0.5, AverageQuality: 0.5, HasData: true, TopPerformers: map[string]bool{}}

	strong := Candidate{
		Model:    model.Model{ID: "strong", Provider: model.ProviderRemoteAggregator, ContextWindow: 8192},
		Stats:    model.ModelStats{SuccessRateEMA: 0.9, QualityScoreEMA: 0.9, ComplexityFitMean: 0.6},
		HasStats: true,
	}
	weak := Candidate{
		Model:    model.Model{ID: "weak", Provider: model.ProviderRemoteAggregator, ContextWindow: 8192},
		Stats:    model.ModelStats{SuccessRateEMA: 0.1, QualityScoreEMA: 0.1, ComplexityFitMean: 0.6},
		HasStats: true,
	}

	strongScore := weightedScore(strong, st, w)
	weakScore := weightedScore(weak, st, w)

	if strongScore <= weakScore {
		t.Errorf("expected strong performer to outscore weak performer, got strong=%v weak=%v", strongScore, weakScore)
	}
}

func TestSelectRejectsBelowMinAcceptable(t *testing.T) {
	st := model.NewSubtask("s1", "write a function", 40, 0.8, model.CodeFunction)
	ranked := []Result{{Model: model.Model{ID: "m1"}, Score: 0.3}}
	_, ok := Select(ranked, st)
	if ok {
		t.Error("expected no candidate to be accepted below min-acceptable threshold")
	}
}

func TestSelectPrefersLocalAboveThreshold(t *testing.T) {
	st := model.NewSubtask("s1", "write a function", 40, 0.2, model.CodeFunction) // simple band: min 0.4, prefer-local 0.55
	ranked := []Result{
		{Model: model.Model{ID: "remote-best", Provider: model.ProviderRemoteAggregator}, Score: 0.9},
		{Model: model.Model{ID: "local-good", Provider: model.ProviderLocalStudio}, Score: 0.6},
	}
	got, ok := Select(ranked, st)
	if !ok {
		t.Fatal("expected an accepted candidate")
	}
	if got.Model.ID != "local-good" {
		t.Errorf("expected prefer-local to win once it clears the threshold, got %s", got.Model.ID)
	}
}

func TestSelectFallsBackToHighestScoreWhenNoLocalClearsThreshold(t *testing.T) {
	st := model.NewSubtask("s1", "write a function", 40, 0.2, model.CodeFunction)
	ranked := []Result{
		{Model: model.Model{ID: "remote-best", Provider: model.ProviderRemoteAggregator}, Score: 0.9},
		{Model: model.Model{ID: "local-ok", Provider: model.ProviderLocalStudio}, Score: 0.45},
	}
	got, ok := Select(ranked, st)
	if !ok {
		t.Fatal("expected an accepted candidate")
	}
	if got.Model.ID != "remote-best" {
		t.Errorf("expected highest scorer to win when no local clears prefer-local, got %s", got.Model.ID)
	}
}

func TestRankAllTieBreaksByProviderThenID(t *testing.T) {
	st := model.NewSubtask("s1", "write a function", 40, 0.3, model.CodeFunction)
	candidates := []Candidate{
		{Model: model.Model{ID: "zzz", Provider: model.ProviderLocalStudio}},
		{Model: model.Model{ID: "aaa", Provider: model.ProviderLocalStudio}},
	}

	// Force identical scores by stubbing randomization at zero via a
	// deterministic zero-valued source and identical fallback inputs.
	results, err := RankAll(t.Context(), candidates, st, Window{}, "", rand.New(zeroSource{}))
	if err != nil {
		t.Fatalf("RankAll() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Model.ID != "aaa" || results[1].Model.ID != "zzz" {
		t.Errorf("expected equal scores to tie-break by id, got %s then %s", results[0].Model.ID, results[1].Model.ID)
	}
}

// zeroSource is a rand.Source whose every draw is zero, so the
// randomization term adds nothing to a score.
type zeroSource struct{}

func (zeroSource) Int63() int64 { return 0 }
func (zeroSource) Seed(int64)   {}
