// Package jobs tracks asynchronous worker jobs in memory with bounded
// retention. Terminal jobs may be archived through a hook before pruning.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
)

// Retention bounds. Running jobs are never pruned by either rule.
const (
	DefaultMaxJobs = 200
	DefaultMaxAge  = 24 * time.Hour
)

// Registry is the in-memory job table. order tracks insertion order so the
// cardinality prune can drop the oldest terminal jobs first.
type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	order   []string
	waiters map[string][]chan domain.Job

	maxJobs int
	maxAge  time.Duration
	now     func() time.Time

	// archive, when set, receives terminal jobs as they complete.
	archive func(domain.Job)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLimits overrides the retention bounds.
func WithLimits(maxJobs int, maxAge time.Duration) Option {
	return func(r *Registry) {
		if maxJobs > 0 {
			r.maxJobs = maxJobs
		}
		if maxAge > 0 {
			r.maxAge = maxAge
		}
	}
}

// WithClock replaces the clock (used by tests).
func WithClock(f func() time.Time) Option {
	return func(r *Registry) { r.now = f }
}

// WithArchive installs a hook invoked with every job that reaches a terminal
// status. Called outside the registry lock.
func WithArchive(f func(domain.Job)) Option {
	return func(r *Registry) { r.archive = f }
}

// New returns an empty job registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		jobs:    make(map[string]*domain.Job),
		waiters: make(map[string][]chan domain.Job),
		maxJobs: DefaultMaxJobs,
		maxAge:  DefaultMaxAge,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a new running job and returns its id. Retention rules run
// before insertion so the table never exceeds maxJobs.
func (r *Registry) Create(workerID, message string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()

	id := uuid.NewString()
	r.jobs[id] = &domain.Job{
		ID:        id,
		WorkerID:  workerID,
		Message:   message,
		Status:    domain.JobRunning,
		StartedAt: r.now(),
	}
	r.order = append(r.order, id)
	return id
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return *j, true
}

// List returns up to limit jobs, newest first. limit <= 0 means all.
func (r *Registry) List(limit int) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Job, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		j, ok := r.jobs[r.order[i]]
		if !ok {
			continue
		}
		out = append(out, *j)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// AttachReport merges a progress report onto a running job. Reports against
// terminal or unknown jobs are dropped.
func (r *Registry) AttachReport(id string, report map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}
	j.Report = report
	return true
}

// Complete transitions the job to a terminal status exactly once, notifies
// waiters and archives the job. A second completion is a no-op.
func (r *Registry) Complete(id string, status domain.JobStatus, response string, jobErr string) bool {
	if !status.Terminal() {
		return false
	}

	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok || j.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	finished := r.now()
	j.Status = status
	j.FinishedAt = &finished
	j.DurationMs = finished.Sub(j.StartedAt).Milliseconds()
	j.Response = response
	j.Error = jobErr

	done := *j
	waiters := r.waiters[id]
	delete(r.waiters, id)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- done
	}
	if r.archive != nil {
		r.archive(done)
	}
	return true
}

// Succeed marks the job succeeded with the final response.
func (r *Registry) Succeed(id, response string) bool {
	return r.Complete(id, domain.JobSucceeded, response, "")
}

// Fail marks the job failed.
func (r *Registry) Fail(id, jobErr string) bool {
	return r.Complete(id, domain.JobFailed, "", jobErr)
}

// WaitFor blocks until the job reaches a terminal status or timeout elapses.
// A job already terminal returns immediately.
func (r *Registry) WaitFor(id string, timeout time.Duration) (domain.Job, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return domain.Job{}, domain.Errorf(domain.KindJobNotFound, "jobs.wait", id, "unknown job")
	}
	if j.Status.Terminal() {
		done := *j
		r.mu.Unlock()
		return done, nil
	}
	ch := make(chan domain.Job, 1)
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case done := <-ch:
		return done, nil
	case <-timer.C:
		r.dropWaiter(id, ch)
		return domain.Job{}, domain.Errorf(domain.KindJobTimeout, "jobs.wait", id,
			"job still running after %s", timeout)
	}
}

func (r *Registry) dropWaiter(id string, ch chan domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := r.waiters[id]
	for i, c := range ws {
		if c == ch {
			r.waiters[id] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// pruneLocked applies the age rule then the cardinality rule. Running jobs
// are exempt from both.
func (r *Registry) pruneLocked() {
	cutoff := r.now().Add(-r.maxAge)

	keep := r.order[:0]
	for _, id := range r.order {
		j := r.jobs[id]
		if j == nil {
			continue
		}
		if j.Status.Terminal() && j.StartedAt.Before(cutoff) {
			delete(r.jobs, id)
			continue
		}
		keep = append(keep, id)
	}
	r.order = keep

	// Cardinality: make room for the job about to be inserted by evicting
	// the oldest terminal jobs.
	for len(r.jobs) >= r.maxJobs {
		evicted := false
		for i, id := range r.order {
			j := r.jobs[id]
			if j != nil && j.Status.Terminal() {
				delete(r.jobs, id)
				r.order = append(r.order[:i], r.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			// Everything left is running; the table may exceed the cap.
			return
		}
	}
}
