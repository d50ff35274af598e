package executor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/locallama/router/internal/backend"
	"github.com/locallama/router/internal/codeindex"
	"github.com/locallama/router/internal/jobtracker"
	"github.com/locallama/router/internal/model"
	"github.com/locallama/router/internal/router"
)

// echoServer replies with a fixed assistant message regardless of input.
func echoServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := backend.ChatResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message backend.ChatMessage `json:"message"`
		}{Message: backend.ChatMessage{Role: "assistant", Content: content}})
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// failingServer always returns a permanent failure.
func failingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid request"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// singleClientResolver resolves every provider to the same client, for
// tests that don't care about provider-specific dispatch.
type singleClientResolver struct {
	client *backend.Client
}

func (s singleClientResolver) Resolve(model.Provider) *backend.Client { return s.client }

func newClient(t *testing.T, srv *httptest.Server) *backend.Client {
	t.Helper()
	return backend.New(srv.URL, "", 5*time.Second, backend.RetryPolicy{MaxAdditionalRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func singleSubtaskTask(codeType model.CodeType) *model.DecomposedTask {
	st := model.NewSubtask("s1", "write a function", 100, 0.3, codeType)
	dt := model.NewDecomposedTask("write a function", []*model.Subtask{st})
	dt.ExecutionOrder = []string{"s1"}
	return dt
}

func testModel(provider model.Provider, id string) model.Model {
	return model.Model{Provider: provider, ID: id, ContextWindow: 8192, SupportsChat: true}
}

func TestRunCompletesSingleSubtaskJob(t *testing.T) {
	srv := echoServer(t, "42")
	client := newClient(t, srv)
	resolver := singleClientResolver{client: client}

	tracker := jobtracker.New()
	job := tracker.Create("job1", "write a function")
	if err := tracker.Start(job.ID, "local:default"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	dt := singleSubtaskTask(model.CodeFunction)
	assignments := map[string]router.Assignment{
		"s1": {SubtaskID: "s1", Model: testModel(model.ProviderLocalStudio, "default")},
	}

	e := New(tracker, resolver, nil, DefaultConfig())
	out, err := e.Run(t.Context(), job.ID, dt, assignments, []model.Model{testModel(model.ProviderLocalStudio, "default")})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty synthesized output")
	}

	final, ok := tracker.Get(job.ID)
	if !ok {
		t.Fatal("job disappeared")
	}
	if final.Status != model.JobCompleted {
		t.Errorf("job status = %v, want Completed", final.Status)
	}
}

func TestRunMarksCancelledJobWithoutCallingBackend(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(backend.ChatResponse{})
	}))
	defer srv.Close()
	client := newClient(t, srv)
	resolver := singleClientResolver{client: client}

	tracker := jobtracker.New()
	job := tracker.Create("job2", "write a function")
	if err := tracker.Start(job.ID, "local:default"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Cancel(job.ID); err != nil {
		t.Fatal(err)
	}

	dt := singleSubtaskTask(model.CodeFunction)
	assignments := map[string]router.Assignment{
		"s1": {SubtaskID: "s1", Model: testModel(model.ProviderLocalStudio, "default")},
	}

	e := New(tracker, resolver, nil, DefaultConfig())
	_, err := e.Run(t.Context(), job.ID, dt, assignments, nil)
	if err == nil {
		t.Fatal("expected an error for a cancelled job")
	}
	if calls != 0 {
		t.Errorf("expected no backend calls for an already-cancelled job, got %d", calls)
	}
}

func TestDependentSubtaskSkippedWhenDependencyFails(t *testing.T) {
	failSrv := failingServer(t)
	okSrv := echoServer(t, "ok")

	resolver := fakeTwoModelResolver{fail: newClient(t, failSrv), ok: newClient(t, okSrv)}

	producer := model.NewSubtask("producer", "produce a value", 50, 0.2, model.CodeFunction)
	consumer := model.NewSubtask("consumer", "consume the value", 50, 0.2, model.CodeFunction)
	consumer.DependsOn("producer")
	dt := model.NewDecomposedTask("pipeline", []*model.Subtask{producer, consumer})
	dt.ExecutionOrder = []string{"producer", "consumer"}

	assignments := map[string]router.Assignment{
		"producer": {SubtaskID: "producer", Model: testModel(model.ProviderRemoteAggregator, "fail")},
		"consumer": {SubtaskID: "consumer", Model: testModel(model.ProviderLocalStudio, "ok")},
	}

	tracker := jobtracker.New()
	job := tracker.Create("job3", "pipeline")
	if err := tracker.Start(job.ID, "local:default"); err != nil {
		t.Fatal(err)
	}

	e := New(tracker, resolver, nil, DefaultConfig())
	outcome1 := e.runSubtask(t.Context(), dt, producer, assignments, map[string]*subtaskOutcome{})
	if !outcome1.failed {
		t.Fatal("expected producer subtask to fail against a permanent-error backend")
	}

	outcomes := map[string]*subtaskOutcome{"producer": outcome1}
	outcome2 := e.runSubtask(t.Context(), dt, consumer, assignments, outcomes)
	if !outcome2.failed {
		t.Fatal("expected consumer to be marked failed when its dependency failed")
	}
}

func TestRunFailsJobWhenFailedSubtaskHasDownstreamDependent(t *testing.T) {
	failSrv := failingServer(t)
	okSrv := echoServer(t, "ok")
	resolver := fakeTwoModelResolver{fail: newClient(t, failSrv), ok: newClient(t, okSrv)}

	producer := model.NewSubtask("producer", "produce a value", 50, 0.2, model.CodeFunction)
	consumer := model.NewSubtask("consumer", "consume the value", 50, 0.2, model.CodeFunction)
	consumer.DependsOn("producer")
	dt := model.NewDecomposedTask("pipeline", []*model.Subtask{producer, consumer})
	dt.ExecutionOrder = []string{"producer", "consumer"}

	assignments := map[string]router.Assignment{
		"producer": {SubtaskID: "producer", Model: testModel(model.ProviderRemoteAggregator, "fail")},
		"consumer": {SubtaskID: "consumer", Model: testModel(model.ProviderLocalStudio, "ok")},
	}

	tracker := jobtracker.New()
	job := tracker.Create("job5", "pipeline")
	if err := tracker.Start(job.ID, "local:default"); err != nil {
		t.Fatal(err)
	}

	e := New(tracker, resolver, nil, DefaultConfig())
	_, err := e.Run(t.Context(), job.ID, dt, assignments, nil)
	if err == nil {
		t.Fatal("expected Run to return an error when a failed subtask has a downstream dependent")
	}

	final, ok := tracker.Get(job.ID)
	if !ok {
		t.Fatal("job disappeared")
	}
	if final.Status != model.JobFailed {
		t.Errorf("job status = %v, want Failed", final.Status)
	}
}

func TestRunCompletesWhenFailedSubtaskHasNoDownstreamDependent(t *testing.T) {
	failSrv := failingServer(t)
	okSrv := echoServer(t, "ok")
	resolver := fakeTwoModelResolver{fail: newClient(t, failSrv), ok: newClient(t, okSrv)}

	leaf := model.NewSubtask("leaf", "an independent subtask", 50, 0.2, model.CodeFunction)
	dt := model.NewDecomposedTask("independent", []*model.Subtask{leaf})
	dt.ExecutionOrder = []string{"leaf"}

	assignments := map[string]router.Assignment{
		"leaf": {SubtaskID: "leaf", Model: testModel(model.ProviderRemoteAggregator, "fail")},
	}

	tracker := jobtracker.New()
	job := tracker.Create("job6", "independent")
	if err := tracker.Start(job.ID, "local:default"); err != nil {
		t.Fatal(err)
	}

	e := New(tracker, resolver, nil, DefaultConfig())
	_, err := e.Run(t.Context(), job.ID, dt, assignments, nil)
	if err != nil {
		t.Fatalf("Run() should complete when no downstream subtask depends on the failure, got: %v", err)
	}

	final, ok := tracker.Get(job.ID)
	if !ok {
		t.Fatal("job disappeared")
	}
	if final.Status != model.JobCompleted {
		t.Errorf("job status = %v, want Completed", final.Status)
	}
}

func TestRemoteCandidatesFiltersOutLocalProviders(t *testing.T) {
	pool := []model.Model{
		{Provider: model.ProviderLocalStudio, ID: "local"},
		{Provider: model.ProviderRemoteAggregator, ID: "remote1"},
		{Provider: model.ProviderLocalOllama, ID: "local-alt"},
		{Provider: model.ProviderRemoteGeneric, ID: "remote2"},
	}
	got := remoteCandidates(pool)
	if len(got) != 2 {
		t.Fatalf("expected 2 remote candidates, got %d: %+v", len(got), got)
	}
	for _, m := range got {
		if m.Provider != model.ProviderRemoteAggregator && m.Provider != model.ProviderRemoteGeneric {
			t.Errorf("unexpected provider in filtered result: %v", m.Provider)
		}
	}
}

// fakeTwoModelResolver dispatches local-studio to ok and remote to fail,
// regardless of model id, to keep test setup small.
type fakeTwoModelResolver struct {
	fail *backend.Client
	ok   *backend.Client
}

func (f fakeTwoModelResolver) Resolve(p model.Provider) *backend.Client {
	if p == model.ProviderRemoteAggregator {
		return f.fail
	}
	return f.ok
}

func TestBuildPromptIncludesDependencyOutputsInExecutionOrder(t *testing.T) {
	a := model.NewSubtask("a", "first", 10, 0.1, model.CodeOther)
	b := model.NewSubtask("b", "second", 10, 0.1, model.CodeOther)
	b.DependsOn("a")
	dt := model.NewDecomposedTask("seq", []*model.Subtask{a, b})
	dt.ExecutionOrder = []string{"a", "b"}

	e := &Executor{cfg: DefaultConfig()}
	outcomes := map[string]*subtaskOutcome{"a": {output: "result of a"}}

	prompt := e.buildPrompt(dt, b, outcomes)
	if !contains(prompt, "result of a") {
		t.Errorf("expected prompt to include dependency output, got: %q", prompt)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (haystack == needle || indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestRelevantSnippetsFiltersByCodeType(t *testing.T) {
	idx := codeindex.New(codeindex.DefaultOptions())
	idx.Index([]model.CodeDocument{
		{Path: "a.go", Content: "func widget() {}", CodeType: model.CodeFunction},
		{Path: "b.go", Content: "package widget", CodeType: model.CodeOther},
	})

	e := &Executor{index: idx, cfg: DefaultConfig()}
	st := model.NewSubtask("s", "widget", 10, 0.1, model.CodeFunction)

	results := e.relevantSnippets(st)
	for _, r := range results {
		if !snippetCodeTypes[r.CodeType] {
			t.Errorf("unexpected code type in results: %v", r.CodeType)
		}
	}
}

func TestRelevantSnippetsNilWhenSubtaskIsNotStructural(t *testing.T) {
	idx := codeindex.New(codeindex.DefaultOptions())
	idx.Index([]model.CodeDocument{{Path: "a.go", Content: "func widget() {}", CodeType: model.CodeFunction}})

	e := &Executor{index: idx, cfg: DefaultConfig()}
	st := model.NewSubtask("s", "widget", 10, 0.1, model.CodeOther)

	if got := e.relevantSnippets(st); got != nil {
		t.Errorf("expected nil snippets for a non-structural subtask, got %v", got)
	}
}

func TestSelectSynthesisModelPrefersTightestFit(t *testing.T) {
	small := model.Model{Provider: model.ProviderLocalStudio, ID: "small", ContextWindow: 4096}
	big := model.Model{Provider: model.ProviderRemoteAggregator, ID: "big", ContextWindow: 32768}

	got := selectSynthesisModel([]model.Model{big, small}, 2000, "local:default")
	if got.ID != "small" {
		t.Errorf("expected the tightest-fitting qualifying model, got %q", got.ID)
	}
}

func TestSelectSynthesisModelFallsBackToDefault(t *testing.T) {
	tiny := model.Model{Provider: model.ProviderLocalStudio, ID: "tiny", ContextWindow: 100}

	got := selectSynthesisModel([]model.Model{tiny}, 9999, "local:default")
	if got.ID != "local:default" {
		t.Errorf("expected fallback to default model id, got %q", got.ID)
	}
}

func TestRunDegradesGracefullyWhenSynthesisFails(t *testing.T) {
	subtaskSrv := echoServer(t, "subtask output")
	synthesisSrv := failingServer(t)

	resolver := fakeTwoModelResolver{fail: newClient(t, synthesisSrv), ok: newClient(t, subtaskSrv)}

	dt := singleSubtaskTask(model.CodeFunction)
	assignments := map[string]router.Assignment{
		"s1": {SubtaskID: "s1", Model: testModel(model.ProviderLocalStudio, "default")},
	}

	tracker := jobtracker.New()
	job := tracker.Create("job4", "write a function")
	if err := tracker.Start(job.ID, "local:default"); err != nil {
		t.Fatal(err)
	}

	e := New(tracker, resolver, nil, DefaultConfig())
	out, err := e.Run(t.Context(), job.ID, dt, assignments, []model.Model{testModel(model.ProviderRemoteAggregator, "big")})
	if err != nil {
		t.Fatalf("Run() should degrade gracefully rather than error, got: %v", err)
	}
	if !contains(out, "synthesis unavailable") {
		t.Errorf("expected degradation annotation in output, got: %q", out)
	}

	final, ok := tracker.Get(job.ID)
	if !ok {
		t.Fatal("job disappeared")
	}
	if final.Status != model.JobCompleted {
		t.Errorf("job status = %v, want Completed even on synthesis degradation", final.Status)
	}
}
