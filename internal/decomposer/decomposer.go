// Package decomposer implements the Task Decomposer: it turns a natural
// language task string into a set of Subtasks with heuristic complexity,
// token, size, and code-type estimates, plus textual-reference dependency
// inference, favoring cheap heuristics over an LLM call wherever a
// heuristic is reliable enough.
package decomposer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/locallama/router/internal/model"
)

// Granularity controls how finely a task string is split into subtasks.
type Granularity string

const (
	GranularityFine   Granularity = "fine"
	GranularityMedium Granularity = "medium"
	GranularityCoarse Granularity = "coarse"
)

// Options configures decomposition.
type Options struct {
	Granularity Granularity
	// ContextLength is the caller-declared input context size for the
	// whole task (route_task's required context_length). Every subtask's
	// heuristic token estimate is floored to it, since the original task
	// text and its instructions ride along in every subtask's prompt.
	ContextLength int
	// ComplexityOverride, when > 0, replaces the heuristic complexity
	// estimate for every subtask with this caller-declared value
	// (route_task's optional complexity input), still subject to
	// model.ComplexityCeiling clamping.
	ComplexityOverride float64
}

// DefaultOptions returns medium granularity.
func DefaultOptions() Options {
	return Options{Granularity: GranularityMedium}
}

var (
	sentenceSplit = regexp.MustCompile(`(?:\.\s+|\n+|;\s*|,?\s+and then\s+|,?\s+then\s+)`)
	stepMarker    = regexp.MustCompile(`(?i)^\s*(step\s*\d+[:.)]|\d+[.)])\s*`)

	complexityKeywords = []string{
		"concurrent", "concurrency", "distributed", "async", "thread",
		"optimize", "algorithm", "recursive", "parse", "compiler",
		"protocol", "cache", "transaction", "race condition", "deadlock",
		"security", "cryptograph", "auth", "migrat",
	}
	simpleKeywords = []string{
		"print", "hello world", "rename", "format", "typo", "comment",
		"constant", "variable name", "readme",
	}

	classKeywords     = []string{"class", "struct", "type "}
	methodKeywords    = []string{"method", "receiver"}
	interfaceKeywords = []string{"interface", "protocol", "trait"}
	testKeywords      = []string{"test", "spec", "assert", "unit test"}
	moduleKeywords    = []string{"module", "package", "library", "service"}
)

// Decompose splits task into Subtasks and returns the owning DecomposedTask.
// Decomposition is purely heuristic and deterministic given the same input
// and options — no randomization is introduced at this stage (that term
// belongs to the Scoring Engine's final ranking step).
func Decompose(task string, opts Options) *model.DecomposedTask {
	pieces := split(task, opts.Granularity)
	subtasks := make([]*model.Subtask, 0, len(pieces))

	for i, piece := range pieces {
		id := fmt.Sprintf("st-%d", i+1)
		complexity := estimateComplexity(piece)
		if opts.ComplexityOverride > 0 {
			complexity = opts.ComplexityOverride
		}
		tokens := estimateTokens(piece)
		if opts.ContextLength > tokens {
			tokens = opts.ContextLength
		}
		codeType := classifyCodeType(piece)
		subtasks = append(subtasks, model.NewSubtask(id, piece, tokens, complexity, codeType))
	}

	inferDependencies(subtasks)

	return model.NewDecomposedTask(task, subtasks)
}

// split breaks the task string into one description per subtask according
// to granularity. Fine granularity splits aggressively on sentence/step
// boundaries; coarse keeps the whole task as one subtask unless explicit
// step markers are present; medium is the default splitting behavior.
func split(task string, g Granularity) []string {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil
	}

	switch g {
	case GranularityCoarse:
		if lines := explicitSteps(task); len(lines) > 1 {
			return lines
		}
		return []string{task}
	case GranularityFine:
		return nonEmpty(sentenceSplit.Split(task, -1))
	default: // medium
		if lines := explicitSteps(task); len(lines) > 1 {
			return lines
		}
		parts := nonEmpty(sentenceSplit.Split(task, -1))
		if len(parts) <= 1 {
			return []string{task}
		}
		return parts
	}
}

// explicitSteps detects "Step 1: ..." / "1. ..." prefixed lines.
func explicitSteps(task string) []string {
	lines := strings.Split(task, "\n")
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if stepMarker.MatchString(l) {
			out = append(out, stepMarker.ReplaceAllString(l, ""))
		}
	}
	return out
}

func nonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// estimateComplexity combines length, keyword density, and structural
// indicators (nesting punctuation, conjunctions) into a [0,1] score.
func estimateComplexity(description string) float64 {
	lower := strings.ToLower(description)
	words := strings.Fields(lower)
	wordCount := len(words)

	// Length signal: longer descriptions tend to describe more involved work.
	lengthScore := clamp01(float64(wordCount) / 60.0)

	// Keyword density signal.
	hits := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	simpleHits := 0
	for _, kw := range simpleKeywords {
		if strings.Contains(lower, kw) {
			simpleHits++
		}
	}
	keywordScore := clamp01(float64(hits) * 0.15)

	// Structural indicators: nested punctuation and conjunctions suggest
	// multi-step or conditional logic.
	structural := strings.Count(description, "(") + strings.Count(description, "{") +
		strings.Count(lower, " if ") + strings.Count(lower, " while ") + strings.Count(lower, " for ")
	structuralScore := clamp01(float64(structural) * 0.08)

	complexity := 0.4*lengthScore + 0.4*keywordScore + 0.2*structuralScore
	if simpleHits > 0 {
		complexity *= 0.5
	}
	return clamp01(complexity)
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

// estimateTokens applies the description-length x4 heuristic used throughout
// this module to size subtasks before any real tokenizer is invoked.
func estimateTokens(description string) int {
	return len(description) * 4
}

// classifyCodeType looks for structural keywords; defaults to Other.
func classifyCodeType(description string) model.CodeType {
	lower := strings.ToLower(description)
	switch {
	case containsAny(lower, testKeywords):
		return model.CodeTest
	case containsAny(lower, interfaceKeywords):
		return model.CodeInterface
	case containsAny(lower, classKeywords):
		return model.CodeClass
	case containsAny(lower, methodKeywords):
		return model.CodeMethod
	case containsAny(lower, moduleKeywords):
		return model.CodeModule
	case strings.Contains(lower, "function") || strings.Contains(lower, "func "):
		return model.CodeFunction
	default:
		return model.CodeOther
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// inferDependencies scans each subtask's description for references to
// earlier subtasks — either by explicit id-like mentions ("from step 1")
// or by noun overlap with an earlier subtask's description. This is a
// heuristic signal consumed (and possibly corrected) by the Planner.
func inferDependencies(subtasks []*model.Subtask) {
	for i, s := range subtasks {
		lower := strings.ToLower(s.Description)
		for j := 0; j < i; j++ {
			prev := subtasks[j]
			if referencesEarlierStep(lower, j+1) || sharesSignificantNoun(lower, prev.Description) {
				s.DependsOn(prev.ID)
			}
		}
	}
}

func referencesEarlierStep(lower string, stepNumber int) bool {
	markers := []string{
		fmt.Sprintf("step %d", stepNumber),
		fmt.Sprintf("from step %d", stepNumber),
		"previous step", "above", "earlier",
	}
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// sharesSignificantNoun is a coarse heuristic: if a capitalized identifier
// (likely a function/type name) from an earlier subtask's description
// reappears here, treat it as a dependency.
func sharesSignificantNoun(lowerCurrent, earlierDescription string) bool {
	for _, word := range strings.Fields(earlierDescription) {
		trimmed := strings.Trim(word, ".,;:()[]{}")
		if len(trimmed) < 4 {
			continue
		}
		if trimmed[0] < 'A' || trimmed[0] > 'Z' {
			continue
		}
		if strings.Contains(lowerCurrent, strings.ToLower(trimmed)) {
			return true
		}
	}
	return false
}
