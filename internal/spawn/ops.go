package spawn

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
	"github.com/jaakkos/opencode-orchestrator/internal/opencode"
)

// DefaultSendTimeout is the prompt deadline when the caller sets none.
const DefaultSendTimeout = 600 * time.Second

// taskPreviewLen bounds the currentTask preview stored on the instance.
const taskPreviewLen = 80

// Attachment is a prompt attachment passed through to the worker.
type Attachment struct {
	MIME     string
	URL      string
	Filename string
}

// SendOptions tunes a single send.
type SendOptions struct {
	Attachments []Attachment
	JobID       string
	Timeout     time.Duration
}

// Send submits text to a ready worker and returns the reply text. The worker
// is busy for the duration and returns to ready on every outcome; a failed
// request does not poison it.
func (s *Spawner) Send(ctx context.Context, workerID, text string, opts SendOptions) (string, error) {
	// Check-and-set under one registry lock: concurrent Sends to the same
	// worker must not both observe ready.
	started := time.Now()
	var w domain.WorkerInstance
	claimed := false
	found := s.reg.Update(workerID, func(inst *domain.WorkerInstance) {
		if inst.Status != domain.StatusReady {
			w = *inst
			return
		}
		inst.Status = domain.StatusBusy
		inst.CurrentTask = preview(text)
		inst.LastActivity = started
		w = *inst
		claimed = true
	})
	if !found {
		return "", domain.Errorf(domain.KindWorkerNotFound, "spawn.send", workerID,
			"no such worker").WithSuggestions(s.activeIDs())
	}
	if !claimed {
		return "", domain.Errorf(domain.KindWorkerNotReady, "spawn.send", workerID,
			"worker is %s", w.Status)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := text
	if opts.JobID != "" {
		prompt += "\n\n[job:" + opts.JobID + "]\nInclude this job id in your final report."
	}
	parts := []opencode.Part{opencode.TextPart(prompt)}
	for _, a := range opts.Attachments {
		parts = append(parts, opencode.AttachmentPart(a.MIME, a.URL, a.Filename))
	}

	var modelRef string
	if w.ModelResolution != nil {
		modelRef = w.ModelResolution.Model
	}

	client := s.newClient(w.URL)
	replyParts, err := client.Prompt(sendCtx, w.SessionID, parts, modelRef)

	finished := time.Now()
	reply := opencode.ResponseText(replyParts)

	s.reg.Update(workerID, func(inst *domain.WorkerInstance) {
		inst.Status = domain.StatusReady
		inst.CurrentTask = ""
		inst.LastActivity = finished
		if err == nil && reply != "" {
			prior := inst.LastResult
			inst.LastResult = &domain.LastResult{
				Response:   reply,
				DurationMs: finished.Sub(started).Milliseconds(),
				FinishedAt: finished,
			}
			if prior != nil {
				inst.LastResult.Report = prior.Report
			}
		}
	})

	if err != nil {
		return "", domain.E(domain.KindWorkerNotReady, "spawn.send", workerID, err)
	}
	if reply == "" {
		return "", domain.Errorf(domain.KindWorkerEmpty, "spawn.send", workerID,
			"worker returned no text or reasoning content")
	}

	if cur, ok := s.reg.Get(workerID); ok && cur.PID != 0 {
		s.dev.UpsertWorker(s.deviceEntry(cur))
	}
	return reply, nil
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > taskPreviewLen {
		text = text[:taskPreviewLen] + "…"
	}
	return text
}

func (s *Spawner) activeIDs() []string {
	var ids []string
	for _, w := range s.reg.GetActive() {
		ids = append(ids, w.Profile.ID)
	}
	sort.Strings(ids)
	return ids
}

// Stop terminates the worker if known: shutdown hook, unregister, mark the
// device entry stopped, then drop entries by pid. Returns whether anything
// was stopped.
func (s *Spawner) Stop(workerID string) bool {
	w, ok := s.reg.Get(workerID)
	if !ok {
		return false
	}
	if w.Shutdown != nil {
		w.Shutdown()
	}
	s.reg.Unregister(workerID)

	if w.PID != 0 {
		entry := s.deviceEntry(w)
		entry.Status = string(domain.StatusStopped)
		s.dev.UpsertWorker(entry)
		s.dev.RemoveWorkerByPID(w.PID)
	}
	if s.logger != nil {
		s.logger.Printf("Spawner: stopped worker %q", workerID)
	}
	return true
}

// SpawnResult partitions a SpawnMany outcome.
type SpawnResult struct {
	Spawned []string
	Failed  map[string]string
}

// SpawnMany acquires several profiles, sequentially by default to bound
// resource use. parallel spawns them all at once.
func (s *Spawner) SpawnMany(ctx context.Context, profileIDs []string, parallel bool) SpawnResult {
	res := SpawnResult{Failed: make(map[string]string)}

	if !parallel {
		for _, id := range profileIDs {
			if _, err := s.Acquire(ctx, id); err != nil {
				res.Failed[id] = err.Error()
				continue
			}
			res.Spawned = append(res.Spawned, id)
		}
		return res
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range profileIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.Acquire(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = err.Error()
				return
			}
			res.Spawned = append(res.Spawned, id)
		}(id)
	}
	wg.Wait()
	sort.Strings(res.Spawned)
	return res
}

// StopSession stops exactly the workers owned by the disposed session.
func (s *Spawner) StopSession(sessionID string) []string {
	owned := s.reg.ClearSessionOwnership(sessionID)
	var stopped []string
	for _, id := range owned {
		if s.Stop(id) {
			stopped = append(stopped, id)
		}
	}
	if s.logger != nil && len(stopped) > 0 {
		s.logger.Printf("Spawner: session %s disposed, stopped %v", sessionID, stopped)
	}
	return stopped
}

// Shutdown stops every worker this process owns and clears the device
// registry of this instance's entries.
func (s *Spawner) Shutdown() {
	for _, w := range s.reg.List() {
		if w.Shutdown != nil {
			w.Shutdown()
		}
		s.reg.Unregister(w.Profile.ID)
	}
	s.dev.RemoveWorkersForInstance(s.instanceID)
	s.dev.PruneDead()
}

// Reconcile marks workers whose subprocess died as errored and drops their
// device entries. Run at startup and whenever the device registry changes.
func (s *Spawner) Reconcile() {
	for _, w := range s.reg.List() {
		if w.PID == 0 || s.alive(w.PID) {
			continue
		}
		pid := w.PID
		s.reg.Update(w.Profile.ID, func(inst *domain.WorkerInstance) {
			inst.Status = domain.StatusError
			inst.Error = "worker process died"
			inst.Shutdown = nil
		})
		s.dev.RemoveWorkerByPID(pid)
		if s.logger != nil {
			s.logger.Printf("Spawner: worker %q pid %d is gone, marked error", w.Profile.ID, pid)
		}
	}
}
