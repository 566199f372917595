// Package device maintains the machine-wide registry of worker subprocesses
// and orchestrator sessions, shared by every orchestrator process on the host
// through a single JSON document.
package device

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
)

// pruneBudget bounds how long List spends checking pids before returning
// whatever it has.
const pruneBudget = 50 * time.Millisecond

// Registry reads and rewrites the device-registry document. Concurrent
// writers from other processes are tolerated: every mutation re-reads the
// file, applies the change, and writes the document back atomically.
type Registry struct {
	path   string
	logger *log.Logger

	mu    sync.Mutex
	alive func(pid int) bool
	now   func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithAliveProbe replaces the pid liveness check (used by tests).
func WithAliveProbe(f func(pid int) bool) Option {
	return func(r *Registry) { r.alive = f }
}

// WithClock replaces the clock (used by tests).
func WithClock(f func() time.Time) Option {
	return func(r *Registry) { r.now = f }
}

// New returns a registry backed by the document at path.
func New(path string, logger *log.Logger, opts ...Option) *Registry {
	r := &Registry{
		path:   path,
		logger: logger,
		alive:  pidAlive,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Path returns the backing document path.
func (r *Registry) Path() string { return r.path }

// List returns the current entries after a best-effort prune of rows whose
// pid is no longer alive. The prune is time-boxed; on budget overrun the
// remaining rows are returned unchecked.
func (r *Registry) List() []domain.DeviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load()
	kept, removed := r.pruneDead(doc.Entries)
	if removed > 0 {
		doc.Entries = kept
		r.save(&doc)
	}
	out := make([]domain.DeviceEntry, len(kept))
	copy(out, kept)
	return out
}

// Workers returns live worker entries only.
func (r *Registry) Workers() []domain.DeviceEntry {
	all := r.List()
	out := all[:0:0]
	for _, e := range all {
		if e.Kind == domain.KindWorker {
			out = append(out, e)
		}
	}
	return out
}

// WorkersForProfile returns live worker entries for the given worker id.
func (r *Registry) WorkersForProfile(workerID string) []domain.DeviceEntry {
	var out []domain.DeviceEntry
	for _, e := range r.List() {
		if e.Kind == domain.KindWorker && e.WorkerID == workerID {
			out = append(out, e)
		}
	}
	return out
}

// UpsertWorker inserts or replaces a worker entry. Identity is the triple
// (orchestratorInstanceId, workerId, pid).
func (r *Registry) UpsertWorker(entry domain.DeviceEntry) {
	entry.Kind = domain.KindWorker
	r.mutate(func(doc *domain.DeviceDocument) {
		for i, e := range doc.Entries {
			if e.Kind == domain.KindWorker &&
				e.OrchestratorInstanceID == entry.OrchestratorInstanceID &&
				e.WorkerID == entry.WorkerID &&
				e.PID == entry.PID {
				entry.UpdatedAt = doc.UpdatedAt
				doc.Entries[i] = entry
				return
			}
		}
		entry.UpdatedAt = doc.UpdatedAt
		doc.Entries = append(doc.Entries, entry)
	})
}

// RemoveWorkerByPID deletes any worker entries carrying the pid.
func (r *Registry) RemoveWorkerByPID(pid int) {
	r.mutate(func(doc *domain.DeviceDocument) {
		kept := doc.Entries[:0]
		for _, e := range doc.Entries {
			if e.Kind == domain.KindWorker && e.PID == pid {
				continue
			}
			kept = append(kept, e)
		}
		doc.Entries = kept
	})
}

// RemoveWorkersForInstance deletes every worker entry owned by the given
// orchestrator instance. Called on shutdown.
func (r *Registry) RemoveWorkersForInstance(instanceID string) {
	r.mutate(func(doc *domain.DeviceDocument) {
		kept := doc.Entries[:0]
		for _, e := range doc.Entries {
			if e.Kind == domain.KindWorker && e.OrchestratorInstanceID == instanceID {
				continue
			}
			kept = append(kept, e)
		}
		doc.Entries = kept
	})
}

// UpsertSession inserts or replaces a session entry. Identity is the pair
// (hostPid, sessionId).
func (r *Registry) UpsertSession(entry domain.DeviceEntry) {
	entry.Kind = domain.KindSession
	r.mutate(func(doc *domain.DeviceDocument) {
		for i, e := range doc.Entries {
			if e.Kind == domain.KindSession &&
				e.HostPID == entry.HostPID &&
				e.SessionID == entry.SessionID {
				entry.UpdatedAt = doc.UpdatedAt
				doc.Entries[i] = entry
				return
			}
		}
		entry.UpdatedAt = doc.UpdatedAt
		doc.Entries = append(doc.Entries, entry)
	})
}

// RemoveSession deletes the session entry for (hostPid, sessionId).
func (r *Registry) RemoveSession(hostPID int, sessionID string) {
	r.mutate(func(doc *domain.DeviceDocument) {
		kept := doc.Entries[:0]
		for _, e := range doc.Entries {
			if e.Kind == domain.KindSession && e.HostPID == hostPID && e.SessionID == sessionID {
				continue
			}
			kept = append(kept, e)
		}
		doc.Entries = kept
	})
}

// PruneDead removes every entry whose pid is gone and returns how many were
// dropped.
func (r *Registry) PruneDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load()
	kept, removed := r.pruneDead(doc.Entries)
	if removed > 0 {
		doc.Entries = kept
		r.save(&doc)
	}
	return removed
}

// mutate loads, applies fn, stamps updatedAt and saves under the lock.
func (r *Registry) mutate(fn func(*domain.DeviceDocument)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load()
	doc.UpdatedAt = r.nextStamp(doc.UpdatedAt)
	fn(&doc)
	r.save(&doc)
}

// nextStamp keeps updatedAt strictly increasing even when the wall clock
// stalls or steps backwards.
func (r *Registry) nextStamp(prev int64) int64 {
	now := r.now().UnixMilli()
	if now <= prev {
		return prev + 1
	}
	return now
}

func (r *Registry) pruneDead(entries []domain.DeviceEntry) (kept []domain.DeviceEntry, removed int) {
	deadline := r.now().Add(pruneBudget)
	kept = make([]domain.DeviceEntry, 0, len(entries))
	for i, e := range entries {
		if r.now().After(deadline) {
			if r.logger != nil {
				r.logger.Printf("DeviceRegistry: prune budget exceeded, %d entries unchecked", len(entries)-i)
			}
			kept = append(kept, entries[i:]...)
			return kept, removed
		}
		pid := e.LivePID()
		if pid > 0 && !r.alive(pid) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	return kept, removed
}

// load reads the document, degrading to an empty one on any failure.
func (r *Registry) load() domain.DeviceDocument {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return domain.NewDeviceDocument()
	}
	var doc domain.DeviceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		if r.logger != nil {
			r.logger.Printf("DeviceRegistry: %s unparseable, starting fresh: %v", r.path, err)
		}
		return domain.NewDeviceDocument()
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Entries == nil {
		doc.Entries = []domain.DeviceEntry{}
	}
	return doc
}

// save writes the document via a temp file and rename. When the rename fails
// (some filesystems refuse cross-device renames) it falls back to rewriting
// the target in place.
func (r *Registry) save(doc *domain.DeviceDocument) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		if r.logger != nil {
			r.logger.Printf("DeviceRegistry: cannot create %s: %v", filepath.Dir(r.path), err)
		}
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".device-registry-*")
	if err != nil {
		// Fall back to a direct write.
		if werr := os.WriteFile(r.path, data, 0o644); werr != nil && r.logger != nil {
			r.logger.Printf("DeviceRegistry: write failed: %v", werr)
		}
		return
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpName)
		return
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		if werr := os.WriteFile(r.path, data, 0o644); werr != nil && r.logger != nil {
			r.logger.Printf("DeviceRegistry: write failed: %v", fmt.Errorf("rename: %v, rewrite: %w", err, werr))
		}
	}
}
