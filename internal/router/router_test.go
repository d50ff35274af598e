package router

import (
	"strings"
	"testing"
	"time"

	"github.com/locallama/router/internal/model"
	"github.com/locallama/router/internal/routererrors"
	"github.com/locallama/router/internal/scoring"
)

func TestAssignAllDescendingComplexityOrder(t *testing.T) {
	a := model.NewSubtask("a", "simple", 40, 0.2, model.CodeFunction)
	b := model.NewSubtask("b", "complex task", 40, 0.8, model.CodeFunction)
	dt := model.NewDecomposedTask("t", []*model.Subtask{a, b})

	candidates := []model.Model{
		{Provider: model.ProviderLocalStudio, ID: "local-default", ContextWindow: 8192},
	}

	r := New(NewDefaultScorer(1), NewLoadTracker(), DefaultConfig())
	assignments, err := r.AssignAll(t.Context(), dt, candidates, scoring.Window{}, "", PriorityBalanced)
	if err != nil {
		t.Fatalf("AssignAll() error: %v", err)
	}
	if len(assignments) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(assignments))
	}
}

func TestAssignAllReturnsNoSuitableModelWhenNothingFitsContext(t *testing.T) {
	huge := model.NewSubtask("huge", "task needing a huge context", 500000, 0.5, model.CodeFunction)
	dt := model.NewDecomposedTask("t", []*model.Subtask{huge})

	candidates := []model.Model{
		{Provider: model.ProviderLocalStudio, ID: "local-default", ContextWindow: 4096},
	}

	r := New(NewDefaultScorer(1), NewLoadTracker(), DefaultConfig())
	_, err := r.AssignAll(t.Context(), dt, candidates, scoring.Window{}, "", PriorityBalanced)
	if !routererrors.Is(err, routererrors.KindNoSuitableModel) {
		t.Fatalf("AssignAll() error = %v, want KindNoSuitableModel", err)
	}
}

func TestAssignOneCostPriorityPrefersFreeLocalModelAndExplainsWhy(t *testing.T) {
	st := model.NewSubtask("s1", "write factorial in python", 200, 0.3, model.CodeFunction)
	dt := model.NewDecomposedTask("write factorial in python", []*model.Subtask{st})

	candidates := []model.Model{
		{Provider: model.ProviderLocalStudio, ID: "phi3-mini", ContextWindow: 4096, CostPerInputToken: 0, CostPerOutputToken: 0},
	}

	r := New(NewDefaultScorer(1), NewLoadTracker(), DefaultConfig())
	assignments, err := r.AssignAll(t.Context(), dt, candidates, scoring.Window{}, "write factorial in python", PriorityCost)
	if err != nil {
		t.Fatalf("AssignAll() error: %v", err)
	}
	if len(assignments) != 1 {
		t.Fatalf("expected 1 assignment, got %d", len(assignments))
	}
	got := assignments[0]
	if got.Model.ID != "phi3-mini" {
		t.Errorf("Model.ID = %q, want phi3-mini", got.Model.ID)
	}
	if !strings.Contains(got.Reason, "selected local model to minimize costs") {
		t.Errorf("Reason = %q, want it to mention minimizing costs", got.Reason)
	}
}

func TestLoadTrackerRetiresPastCompletions(t *testing.T) {
	lt := NewLoadTracker()
	fixed := time.Now()
	lt.now = func() time.Time { return fixed }

	lt.RecordAssignment("m1", 1000) // 1 second out from fixed
	if got := lt.ActiveCount("m1"); got != 1 {
		t.Fatalf("expected 1 active assignment, got %d", got)
	}

	lt.now = func() time.Time { return fixed.Add(2 * time.Second) }
	if got := lt.ActiveCount("m1"); got != 0 {
		t.Errorf("expected completion to retire after its estimated time passed, got %d active", got)
	}
}

func TestEffectiveLoadDividesByProcessingPower(t *testing.T) {
	lt := NewLoadTracker()
	fixed := time.Now()
	lt.now = func() time.Time { return fixed }

	lt.RecordAssignment("m1", 10000)
	lt.RecordAssignment("m1", 10000)
	lt.RecordObservedResponseTime("m1", 0.5) // power = 2.0

	got := lt.EffectiveLoad("m1")
	want := 2.0 / 2.0
	if got != want {
		t.Errorf("EffectiveLoad() = %v, want %v", got, want)
	}
}

func TestGroupForBatchingGroupsBySizeComplexityAndType(t *testing.T) {
	a := model.NewSubtask("a", "small function one", 10, 0.1, model.CodeFunction)
	b := model.NewSubtask("b", "small function two", 10, 0.15, model.CodeFunction)
	c := model.NewSubtask("c", "a test case", 10, 0.1, model.CodeTest)

	groups := GroupForBatching([]*model.Subtask{a, b, c})
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups (function bucket + test bucket), got %d", len(groups))
	}
}

func TestFilterStarvedModelsRemovesAtCap(t *testing.T) {
	candidates := []model.Model{{ID: "m1"}, {ID: "m2"}}
	counts := map[string]int{":m1": MaxAssignmentsPerModel}
	out := FilterStarvedModels(candidates, counts)
	if len(out) != 1 || out[0].ID != "m2" {
		t.Errorf("expected only m2 to survive the starvation filter, got %+v", out)
	}
}

func TestAssignAllResourceOptimizedPathAssignsEverySubtask(t *testing.T) {
	a := model.NewSubtask("a", "tiny function", 10, 0.05, model.CodeFunction)
	b := model.NewSubtask("b", "another tiny function", 10, 0.1, model.CodeFunction)
	dt := model.NewDecomposedTask("t", []*model.Subtask{a, b})

	candidates := []model.Model{
		{Provider: model.ProviderLocalStudio, ID: "small", ContextWindow: 4096},
		{Provider: model.ProviderRemoteAggregator, ID: "large", ContextWindow: 128000},
	}

	cfg := DefaultConfig()
	cfg.ResourceOptimizedPath = true
	r := New(NewDefaultScorer(1), NewLoadTracker(), cfg)

	assignments, err := r.AssignAll(t.Context(), dt, candidates, scoring.Window{}, "", PriorityBalanced)
	if err != nil {
		t.Fatalf("AssignAll() error: %v", err)
	}
	if len(assignments) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(assignments))
	}
}

