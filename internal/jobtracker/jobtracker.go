// Package jobtracker implements the Job Tracker: a mutex-guarded keyed map
// of in-flight and recently finished Jobs, the four-transition lifecycle
// state machine (Queued -> InProgress -> {Completed, Cancelled, Failed}),
// and an age-based sweep of terminal jobs. Every transition publishes to a
// typed EventBus so more than one subscriber (a WebSocket transport, a
// metrics counter) can observe the same stream.
package jobtracker

import (
	"sort"
	"sync"
	"time"

	"github.com/locallama/router/internal/logging"
	"github.com/locallama/router/internal/model"
	"github.com/locallama/router/internal/routererrors"
)

// CleanupAge is how long a terminal job is retained before the sweep
// removes it.
const CleanupAge = time.Hour

// Tracker owns the canonical Job map. Every other component holds only
// job ids and reads through Tracker's accessors.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	bus  *EventBus
	now  func() time.Time // overridable for deterministic tests
}

// New constructs an empty Tracker with its own EventBus.
func New() *Tracker {
	return &Tracker{
		jobs: make(map[string]*model.Job),
		bus:  NewEventBus(),
		now:  time.Now,
	}
}

// Events returns the Tracker's EventBus for subscription.
func (t *Tracker) Events() *EventBus { return t.bus }

// Create registers a new Job in the Queued state and returns it.
func (t *Tracker) Create(id, originalTask string) *model.Job {
	t.mu.Lock()
	job := &model.Job{
		ID:           id,
		OriginalTask: originalTask,
		Status:       model.JobQueued,
		StartTime:    t.now(),
	}
	t.jobs[id] = job
	t.mu.Unlock()

	t.bus.Publish(JobEvent{JobID: id, Status: model.JobQueued, Timestamp: t.now()})
	return job
}

// Get returns a copy of the job with the given id.
func (t *Tracker) Get(id string) (model.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return *job, true
}

// List returns a stable-order snapshot of every tracked job, sorted by id.
func (t *Tracker) List() []model.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, *j)
	}
	sortJobsByID(out)
	return out
}

// Active returns every job not yet in a terminal state, sorted by id.
func (t *Tracker) Active() []model.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []model.Job
	for _, j := range t.jobs {
		if !j.Status.IsTerminal() {
			out = append(out, *j)
		}
	}
	sortJobsByID(out)
	return out
}

// Start transitions a job from Queued to InProgress, recording the model
// assigned to it.
func (t *Tracker) Start(id, modelID string) error {
	return t.transition(id, func(j *model.Job) error {
		if j.Status != model.JobQueued {
			return routererrors.PreconditionFailed("job is not queued")
		}
		j.Status = model.JobInProgress
		j.ModelID = modelID
		return nil
	})
}

// Progress updates a job's progress percentage and estimated remaining
// duration without changing its status.
func (t *Tracker) Progress(id string, percent float64, remaining time.Duration) error {
	return t.transition(id, func(j *model.Job) error {
		if j.Status != model.JobInProgress {
			return routererrors.PreconditionFailed("job is not in progress")
		}
		j.ProgressPercent = percent
		j.EstimatedTimeRemaining = remaining
		return nil
	})
}

// Complete transitions a job to Completed, attaching its results.
func (t *Tracker) Complete(id, results string) error {
	return t.transition(id, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return routererrors.PreconditionFailed("job already finished")
		}
		j.Status = model.JobCompleted
		j.ProgressPercent = 100
		j.Results = &results
		return nil
	})
}

// Fail transitions a job to Failed, attaching the error message.
func (t *Tracker) Fail(id string, cause error) error {
	return t.transition(id, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return routererrors.PreconditionFailed("job already finished")
		}
		msg := cause.Error()
		j.Status = model.JobFailed
		j.Error = &msg
		return nil
	})
}

// Cancel transitions a job to Cancelled. Cancelling an already-terminal job
// is a PreconditionFailed, not a silent no-op, since the caller needs to
// know its cancellation had no effect.
func (t *Tracker) Cancel(id string) error {
	return t.transition(id, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return routererrors.PreconditionFailed("job already finished")
		}
		j.Status = model.JobCancelled
		return nil
	})
}

// transition looks up id, applies mutate under the write lock, and
// publishes the resulting status on success. An unknown id is a NotFound
// no-op: the caller gets an error but the tracker state is unchanged.
func (t *Tracker) transition(id string, mutate func(j *model.Job) error) error {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return routererrors.NotFound("job not found: " + id)
	}
	if err := mutate(job); err != nil {
		t.mu.Unlock()
		return err
	}
	status := job.Status
	t.mu.Unlock()

	t.bus.Publish(JobEvent{JobID: id, Status: status, Timestamp: t.now()})
	return nil
}

// Sweep removes jobs in {Completed, Cancelled} whose status was last set
// more than CleanupAge ago, returning the number removed. Failed jobs are
// kept regardless of age, since their Error is the only record of what
// went wrong and callers may not have observed it yet. A job's own
// StartTime is the only timestamp it carries, so terminal age is
// approximated from it; in practice jobs sweep long after any caller still
// cares about their result.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-CleanupAge)
	removed := 0
	for id, j := range t.jobs {
		sweepable := j.Status == model.JobCompleted || j.Status == model.JobCancelled
		if sweepable && j.StartTime.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		logging.Debug("job tracker swept terminal jobs", "count", removed)
	}
	return removed
}

func sortJobsByID(jobs []model.Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
}
