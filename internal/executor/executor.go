// Package executor implements the Executor: it walks a DecomposedTask's
// planner-computed execution order, dispatches each Subtask to its
// assigned backend, gathers upstream dependency context and a handful of
// Code Index snippets into the prompt, and finally synthesizes the
// per-subtask outputs into one document. Retries and error classification
// are handled by the injected internal/backend.Client and
// internal/routererrors, not re-implemented here.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/locallama/router/internal/backend"
	"github.com/locallama/router/internal/codeindex"
	"github.com/locallama/router/internal/jobtracker"
	"github.com/locallama/router/internal/logging"
	"github.com/locallama/router/internal/model"
	"github.com/locallama/router/internal/registry"
	"github.com/locallama/router/internal/router"
	"github.com/locallama/router/internal/routererrors"
)

// snippetCodeTypes gates which indexed chunks are eligible for inclusion
// in a subtask's prompt context.
var snippetCodeTypes = map[model.CodeType]bool{
	model.CodeFunction: true,
	model.CodeClass:    true,
	model.CodeMethod:   true,
	model.CodeModule:   true,
}

const maxSnippets = 3

// ClientResolver resolves an assigned model to the backend.Client that
// speaks for its provider. Defined as a leaf interface, mirroring
// router.Scorer, so tests can supply a fake without constructing a real
// registry.Registry.
type ClientResolver interface {
	Resolve(provider model.Provider) *backend.Client
}

// registryResolver adapts a registry.Clients into a ClientResolver.
type registryResolver struct {
	clients registry.Clients
}

func (r registryResolver) Resolve(provider model.Provider) *backend.Client {
	switch provider {
	case model.ProviderLocalStudio:
		return r.clients.LocalStudio
	case model.ProviderLocalOllama:
		return r.clients.LocalOllama
	case model.ProviderRemoteAggregator, model.ProviderRemoteGeneric:
		return r.clients.Remote
	default:
		return nil
	}
}

// NewRegistryResolver adapts a registry.Clients into a ClientResolver.
func NewRegistryResolver(clients registry.Clients) ClientResolver {
	return registryResolver{clients: clients}
}

// Config holds Executor tuning pulled from the process config.
type Config struct {
	DefaultModelID string
	MaxTokens      int
	Temperature    float64
}

// DefaultConfig returns the Executor's baseline tuning defaults.
func DefaultConfig() Config {
	return Config{DefaultModelID: "local:default", MaxTokens: 2048, Temperature: 0.2}
}

// Executor drives one DecomposedTask's subtasks to completion against a
// fixed set of Router assignments, then synthesizes their outputs.
type Executor struct {
	tracker   *jobtracker.Tracker
	resolver  ClientResolver
	index     *codeindex.Index // optional; nil disables snippet lookup
	cfg       Config
}

// New constructs an Executor. index may be nil: the Code Index is
// process-local and best-effort, and its absence only disables the
// snippet-gathering step, not execution itself.
func New(tracker *jobtracker.Tracker, resolver ClientResolver, index *codeindex.Index, cfg Config) *Executor {
	return &Executor{tracker: tracker, resolver: resolver, index: index, cfg: cfg}
}

// subtaskOutcome is the per-subtask execution record kept for dependency
// context gathering and final synthesis. err carries the original
// classified error for a direct failure (nil for a cascaded skip), so the
// job-level continue-vs-fail decision can surface the actual root cause.
type subtaskOutcome struct {
	output string
	failed bool
	err    error
}

// Run executes every subtask of dt in dt.ExecutionOrder against the given
// assignments, updating jobID's tracked progress as it goes, and returns
// the synthesized document. assignments must cover every subtask id in
// dt.ExecutionOrder. candidatePool is the model pool synthesis selects
// from, in addition to cfg.DefaultModelID.
func (e *Executor) Run(ctx context.Context, jobID string, dt *model.DecomposedTask, assignments map[string]router.Assignment, candidatePool []model.Model) (string, error) {
	outcomes := make(map[string]*subtaskOutcome, len(dt.ExecutionOrder))
	total := len(dt.ExecutionOrder)

	for i, id := range dt.ExecutionOrder {
		if e.cancelled(jobID) {
			_ = e.tracker.Cancel(jobID)
			return "", routererrors.PreconditionFailed("job was cancelled during execution")
		}

		st, ok := dt.Get(id)
		if !ok {
			return "", routererrors.Internal("execution order references unknown subtask "+id, nil)
		}

		outcome := e.runSubtask(ctx, dt, st, assignments, outcomes)
		outcomes[id] = outcome

		percent := float64(i+1) / float64(total) * 90 // last 10% reserved for synthesis
		remaining := time.Duration(total-i-1) * time.Second
		if err := e.tracker.Progress(jobID, percent, remaining); err != nil {
			logging.Warn("failed to record subtask progress", "job_id", jobID, "subtask_id", id, "error", err)
		}
	}

	if cause := e.downstreamFailureCause(dt, outcomes); cause != nil {
		if ferr := e.tracker.Fail(jobID, cause); ferr != nil {
			return "", ferr
		}
		return "", cause
	}

	doc := e.synthesize(dt, outcomes)

	resolved, err := e.runSynthesis(ctx, doc, candidatePool)
	if err != nil {
		logging.Warn("synthesis backend call failed, returning framed document unsynthesized", "job_id", jobID, "error", err)
		degraded := doc + "\n\n[synthesis unavailable: " + err.Error() + "]"
		if cerr := e.tracker.Complete(jobID, degraded); cerr != nil {
			return "", cerr
		}
		return degraded, nil
	}

	if err := e.tracker.Complete(jobID, resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// downstreamFailureCause walks outcomes in execution order and returns the
// first failed subtask's error that another subtask depends on, or nil if
// every failure is a leaf with no downstream dependent. A failed producer's
// dependents are themselves marked failed by runSubtask's cascade, but the
// cascade carries no err of its own, so scanning in execution order always
// surfaces the original root-cause error first.
func (e *Executor) downstreamFailureCause(dt *model.DecomposedTask, outcomes map[string]*subtaskOutcome) error {
	for _, id := range dt.ExecutionOrder {
		outcome, ok := outcomes[id]
		if !ok || !outcome.failed || !hasDownstreamDependent(dt, id) {
			continue
		}
		if outcome.err != nil {
			return outcome.err
		}
		return routererrors.Internal(outcome.output, nil)
	}
	return nil
}

// hasDownstreamDependent reports whether any subtask in dt lists id as a
// dependency.
func hasDownstreamDependent(dt *model.DecomposedTask, id string) bool {
	for _, st := range dt.Subtasks {
		for _, depID := range st.DependencyIDs() {
			if depID == id {
				return true
			}
		}
	}
	return false
}

func (e *Executor) cancelled(jobID string) bool {
	job, ok := e.tracker.Get(jobID)
	if !ok {
		return false
	}
	return job.Status == model.JobCancelled
}

// runSubtask dispatches one subtask, short-circuiting to a failure record
// without a backend call if any of its dependencies already failed.
func (e *Executor) runSubtask(ctx context.Context, dt *model.DecomposedTask, st *model.Subtask, assignments map[string]router.Assignment, outcomes map[string]*subtaskOutcome) *subtaskOutcome {
	for _, depID := range st.DependencyIDs() {
		if dep, ok := outcomes[depID]; ok && dep.failed {
			return &subtaskOutcome{failed: true, output: fmt.Sprintf("skipped: dependency %s failed", depID)}
		}
	}

	assignment, ok := assignments[st.ID]
	if !ok {
		err := routererrors.Internal("no model assignment for subtask "+st.ID, nil)
		return &subtaskOutcome{failed: true, output: err.Error(), err: err}
	}

	client := e.resolver.Resolve(assignment.Model.Provider)
	if client == nil {
		err := routererrors.DependencyUnavailable("no backend client configured for provider " + string(assignment.Model.Provider))
		return &subtaskOutcome{failed: true, output: err.Error(), err: err}
	}

	prompt := e.buildPrompt(dt, st, outcomes)

	resp, err := client.ChatCompletion(ctx, backend.ChatRequest{
		Model:       assignment.Model.ID,
		Messages:    []backend.ChatMessage{{Role: "user", Content: prompt}},
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		logging.Warn("subtask backend call failed", "subtask_id", st.ID, "model", assignment.Model.QualifiedID(), "error", err)
		return &subtaskOutcome{failed: true, output: err.Error(), err: err}
	}

	return &subtaskOutcome{output: resp.Content()}
}

// buildPrompt assembles a subtask's prompt from its description, the
// outputs of its already-completed dependencies in execution order, and
// up to maxSnippets Code Index hits gated to function/class/method/module
// chunks.
func (e *Executor) buildPrompt(dt *model.DecomposedTask, st *model.Subtask, outcomes map[string]*subtaskOutcome) string {
	var b strings.Builder
	b.WriteString(st.Description)

	deps := dependencyOutputsInOrder(dt, st, outcomes)
	if len(deps) > 0 {
		b.WriteString("\n\nContext from prior subtasks:\n")
		for _, d := range deps {
			b.WriteString("- ")
			b.WriteString(d)
			b.WriteString("\n")
		}
	}

	if snippets := e.relevantSnippets(st); len(snippets) > 0 {
		b.WriteString("\nRelevant code:\n")
		for _, s := range snippets {
			b.WriteString(s.Path)
			b.WriteString(": ")
			b.WriteString(s.Highlight)
			b.WriteString("\n")
		}
	}

	return b.String()
}

// dependencyOutputsInOrder returns the non-failed outputs of st's direct
// dependencies, ordered by dt.ExecutionOrder so upstream context always
// reads in the order it was produced.
func dependencyOutputsInOrder(dt *model.DecomposedTask, st *model.Subtask, outcomes map[string]*subtaskOutcome) []string {
	deps := make(map[string]bool, len(st.Dependencies))
	for _, id := range st.DependencyIDs() {
		deps[id] = true
	}

	var out []string
	for _, id := range dt.ExecutionOrder {
		if !deps[id] {
			continue
		}
		outcome, ok := outcomes[id]
		if !ok || outcome.failed {
			continue
		}
		out = append(out, outcome.output)
	}
	return out
}

// relevantSnippets queries the Code Index for up to maxSnippets results
// whose code type indicates a reusable structural unit. Returns nil if no
// index is configured or the subtask's own code type isn't a structural
// one worth grounding in code search.
func (e *Executor) relevantSnippets(st *model.Subtask) []model.SearchResult {
	if e.index == nil || !snippetCodeTypes[st.CodeType] {
		return nil
	}

	results := e.index.Search(st.Description, maxSnippets*4)
	filtered := make([]model.SearchResult, 0, maxSnippets)
	for _, r := range results {
		if !snippetCodeTypes[r.CodeType] {
			continue
		}
		filtered = append(filtered, r)
		if len(filtered) == maxSnippets {
			break
		}
	}
	return filtered
}

// synthesize concatenates subtask outputs in execution order, framing each
// with its subtask id.
func (e *Executor) synthesize(dt *model.DecomposedTask, outcomes map[string]*subtaskOutcome) string {
	var b strings.Builder
	for _, id := range dt.ExecutionOrder {
		outcome, ok := outcomes[id]
		if !ok {
			continue
		}
		b.WriteString("## ")
		b.WriteString(id)
		if outcome.failed {
			b.WriteString(" (failed)")
		}
		b.WriteString("\n")
		b.WriteString(outcome.output)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// runSynthesis picks the best available remote model whose context window
// covers doc's estimated token size and asks it to produce a final
// polished answer from the framed per-subtask document, falling back to
// cfg.DefaultModelID if no candidate qualifies.
func (e *Executor) runSynthesis(ctx context.Context, doc string, candidatePool []model.Model) (string, error) {
	target := estimateTokens(doc) + 512 // headroom for the synthesis instructions themselves

	chosen := selectSynthesisModel(remoteCandidates(candidatePool), target, e.cfg.DefaultModelID)

	client := e.resolver.Resolve(chosen.Provider)
	if client == nil {
		return "", routererrors.DependencyUnavailable("no backend client configured for synthesis provider " + string(chosen.Provider))
	}

	resp, err := client.ChatCompletion(ctx, backend.ChatRequest{
		Model: chosen.ID,
		Messages: []backend.ChatMessage{
			{Role: "system", Content: "Combine the following subtask results into one coherent answer."},
			{Role: "user", Content: doc},
		},
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content(), nil
}

// remoteCandidates narrows a model pool to remote providers, since
// synthesis is specified to run on the best available remote model rather
// than a local one.
func remoteCandidates(candidates []model.Model) []model.Model {
	out := make([]model.Model, 0, len(candidates))
	for _, m := range candidates {
		if m.Provider == model.ProviderRemoteAggregator || m.Provider == model.ProviderRemoteGeneric {
			out = append(out, m)
		}
	}
	return out
}

// selectSynthesisModel picks the candidate with the smallest context
// window that is still >= requiredTokens, preferring the tightest fit so
// larger models stay free for subtasks that actually need them. Falls
// back to a bare Model carrying defaultModelID when no candidate
// qualifies.
func selectSynthesisModel(candidates []model.Model, requiredTokens int, defaultModelID string) model.Model {
	qualifying := make([]model.Model, 0, len(candidates))
	for _, m := range candidates {
		if m.ContextWindow >= requiredTokens {
			qualifying = append(qualifying, m)
		}
	}
	if len(qualifying) == 0 {
		return model.Model{Provider: model.ProviderLocalStudio, ID: defaultModelID, ContextWindow: requiredTokens}
	}

	sort.Slice(qualifying, func(i, j int) bool {
		if qualifying[i].ContextWindow != qualifying[j].ContextWindow {
			return qualifying[i].ContextWindow < qualifying[j].ContextWindow
		}
		return qualifying[i].QualifiedID() < qualifying[j].QualifiedID()
	})
	return qualifying[0]
}

// estimateTokens sizes text at about four characters per token (length / 4)
// before a real tokenizer is invoked; this differs from the Decomposer's
// per-subtask estimate, which multiplies length by 4.
func estimateTokens(text string) int {
	return len(text) / 4
}
