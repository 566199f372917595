// Package registry tracks live worker instances in memory and records which
// MCP client session spawned which worker. It is the single mutation point
// for shared worker records; readers always get copies.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
)

// EventType classifies registry notifications.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUpdated      EventType = "updated"
	EventUnregistered EventType = "unregistered"
)

// Event describes one registry change.
type Event struct {
	Type     EventType
	WorkerID string
	Status   domain.WorkerStatus
}

// Registry is the in-memory worker table.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*domain.WorkerInstance

	// owners maps a client session to the worker ids it spawned; ownedBy is
	// the reverse index. Only the first session to claim a worker owns it.
	owners  map[string]map[string]struct{}
	ownedBy map[string]string

	subs []func(Event)
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		workers: make(map[string]*domain.WorkerInstance),
		owners:  make(map[string]map[string]struct{}),
		ownedBy: make(map[string]string),
	}
}

// Subscribe registers a callback for registry events. Callbacks run under the
// registry lock so they observe events in order; they must not call back into
// the registry.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

func (r *Registry) notify(ev Event) {
	for _, fn := range r.subs {
		fn(ev)
	}
}

// Register installs a worker record, replacing any previous record under the
// same id.
func (r *Registry) Register(w *domain.WorkerInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.workers[w.Profile.ID] = &cp
	r.notify(Event{Type: EventRegistered, WorkerID: w.Profile.ID, Status: cp.Status})
}

// Unregister removes a worker record. Returns false when the id is unknown.
func (r *Registry) Unregister(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	delete(r.workers, workerID)
	if session, owned := r.ownedBy[workerID]; owned {
		delete(r.ownedBy, workerID)
		delete(r.owners[session], workerID)
	}
	r.notify(Event{Type: EventUnregistered, WorkerID: workerID, Status: w.Status})
	return true
}

// Get returns a copy of the worker record.
func (r *Registry) Get(workerID string) (domain.WorkerInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return domain.WorkerInstance{}, false
	}
	return *w, true
}

// List returns copies of all records, sorted by worker id for stable output.
func (r *Registry) List() []domain.WorkerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.WorkerInstance, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile.ID < out[j].Profile.ID })
	return out
}

// GetActive returns copies of records whose status is not terminal.
func (r *Registry) GetActive() []domain.WorkerInstance {
	all := r.List()
	out := all[:0:0]
	for _, w := range all {
		if w.Status.Active() {
			out = append(out, w)
		}
	}
	return out
}

// GetByCapability filters active workers by declared capability.
func (r *Registry) GetByCapability(images, web bool) []domain.WorkerInstance {
	var out []domain.WorkerInstance
	for _, w := range r.GetActive() {
		if images && !w.Profile.SupportsImages {
			continue
		}
		if web && !w.Profile.SupportsWeb {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Update applies fn to the worker record under the lock and emits an updated
// event. Returns false when the id is unknown.
func (r *Registry) Update(workerID string, fn func(*domain.WorkerInstance)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	fn(w)
	r.notify(Event{Type: EventUpdated, WorkerID: workerID, Status: w.Status})
	return true
}

// UpdateStatus sets the worker's status and bumps its activity stamp.
func (r *Registry) UpdateStatus(workerID string, status domain.WorkerStatus) bool {
	return r.Update(workerID, func(w *domain.WorkerInstance) {
		w.Status = status
		w.LastActivity = time.Now()
	})
}

// RecordReport merges a progress report payload onto the worker record.
// Keys of the incoming report win; keys it omits survive from prior reports.
func (r *Registry) RecordReport(workerID string, report map[string]any) bool {
	return r.Update(workerID, func(w *domain.WorkerInstance) {
		if w.LastResult == nil {
			w.LastResult = &domain.LastResult{}
		}
		if len(report) > 0 {
			if w.LastResult.Report == nil {
				w.LastResult.Report = make(map[string]any, len(report))
			}
			for k, v := range report {
				w.LastResult.Report[k] = v
			}
		}
		w.LastActivity = time.Now()
	})
}

// TrackOwnership records that sessionID spawned workerID. Only the first
// claim sticks; later sessions touching the same worker do not steal it.
func (r *Registry) TrackOwnership(sessionID, workerID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.ownedBy[workerID]; taken {
		return
	}
	r.ownedBy[workerID] = sessionID
	if r.owners[sessionID] == nil {
		r.owners[sessionID] = make(map[string]struct{})
	}
	r.owners[sessionID][workerID] = struct{}{}
}

// WorkersForSession returns the worker ids owned by the session, sorted.
func (r *Registry) WorkersForSession(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.owners[sessionID]))
	for id := range r.owners[sessionID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClearSessionOwnership drops all ownership records for the session and
// returns the worker ids it owned. The caller decides what to do with the
// orphaned workers.
func (r *Registry) ClearSessionOwnership(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.owners[sessionID]))
	for id := range r.owners[sessionID] {
		ids = append(ids, id)
		delete(r.ownedBy, id)
	}
	delete(r.owners, sessionID)
	sort.Strings(ids)
	return ids
}

// Summary returns up to max one-line worker summaries for prompt injection.
type WorkerSummary struct {
	ID      string
	Name    string
	Status  domain.WorkerStatus
	Purpose string
}

func (r *Registry) Summary(max int) []WorkerSummary {
	all := r.List()
	if max > 0 && len(all) > max {
		all = all[:max]
	}
	out := make([]WorkerSummary, 0, len(all))
	for _, w := range all {
		out = append(out, WorkerSummary{
			ID:      w.Profile.ID,
			Name:    w.Profile.DisplayName(),
			Status:  w.Status,
			Purpose: w.Profile.Purpose,
		})
	}
	return out
}
