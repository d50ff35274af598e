// Package api implements the router's external interface: one Go function
// per tool-call operation (route_task, preemptive_route_task,
// get_cost_estimate, cancel_job, get_free_models, benchmark_free_models),
// plus a github.com/go-chi/chi/v5-routed read-only resource surface for
// local inspection.
package api

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/locallama/router/internal/backend"
	"github.com/locallama/router/internal/codeindex"
	"github.com/locallama/router/internal/config"
	"github.com/locallama/router/internal/decomposer"
	"github.com/locallama/router/internal/executor"
	"github.com/locallama/router/internal/jobtracker"
	"github.com/locallama/router/internal/metrics"
	"github.com/locallama/router/internal/model"
	"github.com/locallama/router/internal/perfstore"
	"github.com/locallama/router/internal/planner"
	"github.com/locallama/router/internal/registry"
	"github.com/locallama/router/internal/router"
	"github.com/locallama/router/internal/routererrors"
	"github.com/locallama/router/internal/scoring"
)

// Service wires every core component together and implements the six
// tool-call operations named by the external interface.
type Service struct {
	cfg      *config.Config
	registry *registry.Registry
	perf     *perfstore.Store
	rtr      *router.Router
	tracker  *jobtracker.Tracker
	index    *codeindex.Index // prior task -> output cache, for the Retriv-hit short-circuit
	exec     *executor.Executor
	newJobID func() string
}

// NewService constructs a Service from its already-built dependencies.
// Job ids come from uuid.NewString.
func NewService(cfg *config.Config, reg *registry.Registry, perf *perfstore.Store, rtr *router.Router, tracker *jobtracker.Tracker, index *codeindex.Index, exec *executor.Executor) *Service {
	return &Service{cfg: cfg, registry: reg, perf: perf, rtr: rtr, tracker: tracker, index: index, exec: exec, newJobID: uuid.NewString}
}

// RouteTaskRequest is the request body for route_task and
// preemptive_route_task.
type RouteTaskRequest struct {
	Task                 string
	ContextLength        int // required: input context size the chosen model must cover
	ExpectedOutputLength int
	Complexity           float64 // optional override in [0,1]; 0 means "let the Decomposer estimate it"
	Granularity          decomposer.Granularity
	Priority             string // "speed", "cost", "quality", or "" for balanced
	Preemptive           bool   // true for preemptive_route_task: route and assign, but never execute
}

// RouteTaskResult is the immediate response: the queued job id plus the
// routing decisions made for it, and — for the single-assignment common
// case — the winning model's id, provider, and selection reason promoted
// to top-level fields. The synthesized output for a non-preemptive,
// non-cache-hit job arrives later via the Job Tracker.
type RouteTaskResult struct {
	JobID            string
	Assignments      []router.Assignment
	ChosenModelID    string
	ChosenProvider   model.Provider
	Reason           string
	EstimatedCostUSD float64
	RetrivHit        bool // true if a cached prior result satisfied the 0.8 threshold
	CachedOutput     string
	Preempted        bool // true if this was a preemptive_route_task: routed but not executed
}

// RouteTask decomposes, plans, and routes task, starting execution in the
// background and returning immediately with the job id. If a prior
// task->output mapping in the Retriv cache scores >= the configured
// threshold, execution is skipped entirely and the cached output is
// returned as a completed job. Decomposition, planning, and routing all
// happen before any Job is created, so a NoSuitableModel rejection (or any
// other routing failure) never leaves a job behind.
func (s *Service) RouteTask(ctx context.Context, req RouteTaskRequest) (RouteTaskResult, error) {
	if req.Task == "" {
		return RouteTaskResult{}, routererrors.InputInvalid("task", "task must not be empty")
	}
	if req.ContextLength <= 0 {
		return RouteTaskResult{}, routererrors.InputInvalid("context_length", "context_length must be a positive number of tokens")
	}

	if output, ok := s.retrivHit(req.Task); ok {
		jobID := s.newJobID()
		job := s.tracker.Create(jobID, req.Task)
		metrics.JobsCreatedTotal.Inc()
		if err := s.tracker.Start(job.ID, "cache:retriv"); err != nil {
			return RouteTaskResult{}, err
		}
		if err := s.tracker.Complete(job.ID, output); err != nil {
			return RouteTaskResult{}, err
		}
		metrics.JobsCompletedTotal.WithLabelValues(string(model.JobCompleted)).Inc()
		return RouteTaskResult{JobID: job.ID, RetrivHit: true, CachedOutput: output, EstimatedCostUSD: 0}, nil
	}

	dt := decomposer.Decompose(req.Task, decomposer.Options{Granularity: req.Granularity, ContextLength: req.ContextLength, ComplexityOverride: req.Complexity})
	if err := planner.Plan(dt); err != nil {
		return RouteTaskResult{}, err
	}

	candidates, err := s.registry.AvailableModels(ctx)
	if err != nil {
		return RouteTaskResult{}, err
	}

	window := scoring.WindowFromAnalysis(s.perf.AnalyzeByComplexity(0, 1))
	priority := router.Priority(req.Priority)
	assignments, err := s.rtr.AssignAll(ctx, dt, candidates, window, req.Task, priority)
	if err != nil {
		return RouteTaskResult{}, err
	}

	assignmentByID := make(map[string]router.Assignment, len(assignments))
	for _, a := range assignments {
		assignmentByID[a.SubtaskID] = a
	}

	primary := primaryAssignment(dt, assignments)
	result := RouteTaskResult{
		Assignments:      assignments,
		ChosenModelID:    primary.Model.ID,
		ChosenProvider:   primary.Model.Provider,
		Reason:           primary.Reason,
		EstimatedCostUSD: estimatedCost(dt, assignments, req.ExpectedOutputLength, primary),
	}

	// Preemptive calls report the routing decision without creating a Job
	// at all: there is nothing to track, since nothing will ever execute.
	if req.Preemptive {
		result.Preempted = true
		return result, nil
	}

	jobID := s.newJobID()
	job := s.tracker.Create(jobID, req.Task)
	metrics.JobsCreatedTotal.Inc()
	result.JobID = job.ID

	if err := s.tracker.Start(job.ID, "multiple"); err != nil {
		return RouteTaskResult{}, err
	}

	go s.runInBackground(job.ID, dt, assignmentByID, candidates, req.Task)

	return result, nil
}

// PreemptiveRouteTask behaves like RouteTask but routes and assigns a job
// without ever dispatching it to a backend: the caller gets the model,
// provider, and reason a live call would have used, with no execution
// started.
func (s *Service) PreemptiveRouteTask(ctx context.Context, req RouteTaskRequest) (RouteTaskResult, error) {
	req.Preemptive = true
	return s.RouteTask(ctx, req)
}

// primaryAssignment picks the assignment to surface at the top level of a
// RouteTaskResult: the most-complex subtask's, since that is the one the
// caller's stated priority most affects.
func primaryAssignment(dt *model.DecomposedTask, assignments []router.Assignment) router.Assignment {
	var best router.Assignment
	bestComplexity := -1.0
	for _, a := range assignments {
		st, ok := dt.Get(a.SubtaskID)
		complexity := 0.0
		if ok {
			complexity = st.Complexity
		}
		if complexity > bestComplexity || (complexity == bestComplexity && a.SubtaskID < best.SubtaskID) {
			best = a
			bestComplexity = complexity
		}
	}
	return best
}

// estimatedCost sums each assignment's projected input-token cost, plus the
// caller-declared expected output length priced at the primary assignment's
// output rate (the model producing the final synthesized answer).
func estimatedCost(dt *model.DecomposedTask, assignments []router.Assignment, expectedOutputLength int, primary router.Assignment) float64 {
	var total float64
	for _, a := range assignments {
		st, ok := dt.Get(a.SubtaskID)
		if !ok {
			continue
		}
		total += float64(st.EstimatedTokens) * a.Model.CostPerInputToken
	}
	total += float64(expectedOutputLength) * primary.Model.CostPerOutputToken
	return total
}

func (s *Service) runInBackground(jobID string, dt *model.DecomposedTask, assignments map[string]router.Assignment, candidates []model.Model, originalTask string) {
	out, err := s.exec.Run(context.Background(), jobID, dt, assignments, candidates)
	if err != nil {
		metrics.JobsCompletedTotal.WithLabelValues(string(model.JobFailed)).Inc()
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(model.JobCompleted)).Inc()
	s.cacheResult(originalTask, out)
}

// retrivHit checks the prior task->output cache, searching by task text
// (the index's Content field holds prior task strings, not their outputs,
// so a new task's wording is what gets matched) and gating on the
// configured BM25 score threshold (0.8 by default). The matching output
// itself rides along in the document's Metadata, since BM25 ranks by
// Content and the task wording is what a new request's phrasing can
// plausibly match against.
func (s *Service) retrivHit(task string) (string, bool) {
	if s.index == nil {
		return "", false
	}
	results := s.index.Search(task, 1)
	if len(results) == 0 {
		return "", false
	}
	top := results[0]
	threshold := s.cfg.Index.RetrivThreshold
	if threshold == 0 {
		threshold = 0.8
	}
	if top.Score < threshold {
		return "", false
	}
	doc, ok := s.index.Document(top.Path)
	if !ok {
		return "", false
	}
	return doc.Metadata["output"], true
}

func (s *Service) cacheResult(task, output string) {
	if s.index == nil {
		return
	}
	_ = s.index.Index([]model.CodeDocument{{
		Path:     "retriv:" + task,
		Content:  task,
		Language: "text",
		CodeType: model.CodeOther,
		Metadata: map[string]string{"output": output},
	}})
}

// CostEstimateRequest is the request body for get_cost_estimate.
type CostEstimateRequest struct {
	Task string
}

// CostEstimateResult reports the projected cost of routing task without
// actually executing it.
type CostEstimateResult struct {
	EstimatedUSD   float64
	ExceedsThreshold bool
	PerSubtask     map[string]float64
}

// GetCostEstimate decomposes task and sums the projected cost of its
// likely model assignments without dispatching any backend call.
func (s *Service) GetCostEstimate(ctx context.Context, req CostEstimateRequest) (CostEstimateResult, error) {
	if req.Task == "" {
		return CostEstimateResult{}, routererrors.InputInvalid("task", "task must not be empty")
	}

	dt := decomposer.Decompose(req.Task, decomposer.DefaultOptions())
	if err := planner.Plan(dt); err != nil {
		return CostEstimateResult{}, err
	}

	candidates, err := s.registry.AvailableModels(ctx)
	if err != nil {
		return CostEstimateResult{}, err
	}

	window := scoring.WindowFromAnalysis(s.perf.AnalyzeByComplexity(0, 1))
	assignments, err := s.rtr.AssignAll(ctx, dt, candidates, window, req.Task, router.PriorityBalanced)
	if err != nil {
		return CostEstimateResult{}, err
	}

	perSubtask := make(map[string]float64, len(assignments))
	var total float64
	for _, a := range assignments {
		st, ok := dt.Get(a.SubtaskID)
		if !ok {
			continue
		}
		cost := float64(st.EstimatedTokens) * a.Model.CostPerInputToken
		perSubtask[a.SubtaskID] = cost
		total += cost
	}

	return CostEstimateResult{
		EstimatedUSD:     total,
		ExceedsThreshold: total > s.cfg.Cost.ThresholdUSD,
		PerSubtask:       perSubtask,
	}, nil
}

// CancelJob cancels a tracked job by id.
func (s *Service) CancelJob(jobID string) error {
	return s.tracker.Cancel(jobID)
}

// GetFreeModels returns every currently known zero-cost model.
// forceRefresh bypasses the remote aggregator's TTL.
func (s *Service) GetFreeModels(ctx context.Context, forceRefresh bool) ([]model.Model, error) {
	return s.registry.FreeModels(ctx, forceRefresh)
}

// BenchmarkResult is one free model's measured round-trip latency and
// success outcome from a single-prompt probe.
type BenchmarkResult struct {
	ModelID      string
	Success      bool
	ResponseTime time.Duration
	Error        string
}

// BenchmarkFreeModels probes every currently known free model with a
// trivial prompt, recording the outcome into the Performance Store so
// future scoring has data to draw on.
func (s *Service) BenchmarkFreeModels(ctx context.Context, clients executor.ClientResolver, prompt string) ([]BenchmarkResult, error) {
	free, err := s.registry.FreeModels(ctx, false)
	if err != nil {
		return nil, err
	}
	if prompt == "" {
		prompt = "Respond with OK."
	}

	results := make([]BenchmarkResult, 0, len(free))
	for _, m := range free {
		client := clients.Resolve(m.Provider)
		if client == nil {
			results = append(results, BenchmarkResult{ModelID: m.QualifiedID(), Success: false, Error: "no client for provider"})
			continue
		}

		start := time.Now()
		_, err := client.ChatCompletion(ctx, backend.ChatRequest{
			Model:    m.ID,
			Messages: []backend.ChatMessage{{Role: "user", Content: prompt}},
		})
		elapsed := time.Since(start)

		r := BenchmarkResult{ModelID: m.QualifiedID(), ResponseTime: elapsed}
		quality := 0.0
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Success = true
			quality = 0.5 // a trivial probe carries no real quality signal
		}
		s.perf.Record(perfstore.Observation{
			ModelID:      m.QualifiedID(),
			Success:      r.Success,
			Quality:      quality,
			ResponseTime: elapsed.Seconds(),
		})
		results = append(results, r)
	}
	return results, nil
}
