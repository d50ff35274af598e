// Package model defines the shared data types that flow between the
// router's core components: models, subtasks, decomposed tasks, jobs,
// per-model statistics, and code index documents.
package model

import (
	"sort"
	"time"
)

// Provider tags a model's backend dispatch family. The Registry sets it
// once, at discovery time, from the provider class whose endpoint listed
// the model; nothing downstream inspects id strings to dispatch.
type Provider string

const (
	ProviderLocalStudio    Provider = "local"
	ProviderLocalOllama    Provider = "local-alt"
	ProviderRemoteAggregator Provider = "remote"
	ProviderRemoteGeneric  Provider = "remote-generic"
)

// Model is an immutable (until TTL expiry) description of one LLM backend
// instance as enumerated by the Model Registry.
type Model struct {
	Provider       Provider
	ID             string
	DisplayName    string
	ContextWindow  int
	CostPerInputToken  float64 // zero for local/free
	CostPerOutputToken float64
	SupportsChat       bool
	SupportsCompletion bool
	DiscoveredAt       time.Time
}

// QualifiedID returns the "provider:id" form used as the unique key across
// the Registry, Performance Store, and Router.
func (m Model) QualifiedID() string {
	return string(m.Provider) + ":" + m.ID
}

// IsFree reports whether both input and output cost are zero.
func (m Model) IsFree() bool {
	return m.CostPerInputToken == 0 && m.CostPerOutputToken == 0
}

// SizeCategory mirrors the Subtask's recommended size band, used when the
// Scoring Engine checks "model size category aligns with recommended size".
type SizeCategory string

const (
	SizeSmall  SizeCategory = "small"
	SizeMedium SizeCategory = "medium"
	SizeLarge  SizeCategory = "large"
	SizeRemote SizeCategory = "remote"
)

// CodeType classifies the kind of code a subtask or indexed chunk represents.
type CodeType string

const (
	CodeFunction  CodeType = "function"
	CodeClass     CodeType = "class"
	CodeMethod    CodeType = "method"
	CodeModule    CodeType = "module"
	CodeInterface CodeType = "interface"
	CodeTest      CodeType = "test"
	CodeOther     CodeType = "other"
)

// ComplexityCeiling is the hard clamp applied to subtask complexity to keep
// routing feasible.
const ComplexityCeiling = 0.8

// Subtask is an atomic unit of work derived from a task by the Decomposer.
// The dependency set is mutated only by the Planner during cycle
// resolution.
type Subtask struct {
	ID              string
	Description     string
	EstimatedTokens int
	Complexity      float64
	ClampedFromOriginal bool // true if Complexity was clamped to ComplexityCeiling
	OriginalComplexity  float64
	RecommendedSize SizeCategory
	CodeType        CodeType
	Dependencies    map[string]struct{}
}

// NewSubtask builds a Subtask, applying the complexity ceiling clamp and
// deriving the recommended size band from the (possibly clamped) value.
func NewSubtask(id, description string, estimatedTokens int, complexity float64, codeType CodeType) *Subtask {
	original := complexity
	clamped := false
	if complexity > ComplexityCeiling {
		complexity = ComplexityCeiling
		clamped = true
	}
	return &Subtask{
		ID:                  id,
		Description:         description,
		EstimatedTokens:     estimatedTokens,
		Complexity:          complexity,
		ClampedFromOriginal: clamped,
		OriginalComplexity:  original,
		RecommendedSize:     sizeForComplexity(complexity),
		CodeType:            codeType,
		Dependencies:        make(map[string]struct{}),
	}
}

func sizeForComplexity(c float64) SizeCategory {
	switch {
	case c < 0.4:
		return SizeSmall
	case c < 0.7:
		return SizeMedium
	case c < 0.9:
		return SizeLarge
	default:
		return SizeRemote
	}
}

// DependsOn records a dependency edge id -> dep. Safe to call repeatedly.
func (s *Subtask) DependsOn(depID string) {
	s.Dependencies[depID] = struct{}{}
}

// DependencyIDs returns a stable-ordered slice of dependency ids.
func (s *Subtask) DependencyIDs() []string {
	ids := make([]string, 0, len(s.Dependencies))
	for id := range s.Dependencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EstimatedDuration is the complexity x token-estimate heuristic used for
// critical-path weighting.
func (s *Subtask) EstimatedDuration() float64 {
	return s.Complexity * float64(s.EstimatedTokens)
}

// DecomposedTask is the sole owner of its Subtasks; dependency ids are
// looked up through it, never stored as cross-Subtask pointers.
type DecomposedTask struct {
	Original       string
	Subtasks       map[string]*Subtask
	ExecutionOrder []string // computed by the Planner
	CriticalPath   []string // computed by the Planner
	PlannerNotes   []string // e.g. broken-edge records from cycle resolution
}

// NewDecomposedTask creates an empty owner for the given subtasks slice.
func NewDecomposedTask(original string, subtasks []*Subtask) *DecomposedTask {
	m := make(map[string]*Subtask, len(subtasks))
	for _, s := range subtasks {
		m[s.ID] = s
	}
	return &DecomposedTask{Original: original, Subtasks: m}
}

// Get looks up a subtask by id.
func (d *DecomposedTask) Get(id string) (*Subtask, bool) {
	s, ok := d.Subtasks[id]
	return s, ok
}

// JobStatus is one of the job lifecycle states tracked by the Job Tracker.
type JobStatus string

const (
	JobQueued     JobStatus = "Queued"
	JobInProgress JobStatus = "InProgress"
	JobCompleted  JobStatus = "Completed"
	JobCancelled  JobStatus = "Cancelled"
	JobFailed     JobStatus = "Failed"
)

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

// Job is a stable-id unit of routed work tracked by the Job Tracker.
// The Job Tracker exclusively owns Job values; every other component
// holds only job ids.
type Job struct {
	ID                   string
	OriginalTask         string
	Status               JobStatus
	ProgressPercent      float64
	EstimatedTimeRemaining time.Duration
	StartTime            time.Time
	ModelID              string // qualified provider:id of the assigned model
	Error                *string
	Results              *string
}

// ModelStats holds the rolling EMA statistics the Performance Store keeps
// per model id.
type ModelStats struct {
	ModelID            string
	SuccessRateEMA     float64
	QualityScoreEMA    float64
	ResponseTimeEMA    float64 // seconds
	TokenEfficiencyEMA float64
	ComplexityFitMean  float64 // running mean of complexity when quality >= 0.6
	ComplexityFitCount int     // number of samples folded into ComplexityFitMean
	SampleCount        int
}

// UpdateComplexityFitMean folds one more complexity observation into the
// running mean, incrementing ComplexityFitCount.
func (s *ModelStats) UpdateComplexityFitMean(complexity float64) {
	s.ComplexityFitMean = (s.ComplexityFitMean*float64(s.ComplexityFitCount) + complexity) / float64(s.ComplexityFitCount+1)
	s.ComplexityFitCount++
}

// CodeDocument is one append-only, path-unique entry in the Code Index.
type CodeDocument struct {
	Path     string
	Content  string
	Language string
	Metadata map[string]string
	CodeType CodeType
}

// SearchResult is one ranked hit from a Code Index query.
type SearchResult struct {
	Path      string
	Content   string
	Score     float64
	Highlight string
	CodeType  CodeType
}
