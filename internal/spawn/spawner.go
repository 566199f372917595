// Package spawn owns worker subprocess lifecycles: acquire-or-reuse with
// in-process and cross-process dedup, prompt dispatch, and teardown.
package spawn

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jaakkos/opencode-orchestrator/internal/bridge"
	"github.com/jaakkos/opencode-orchestrator/internal/config"
	"github.com/jaakkos/opencode-orchestrator/internal/device"
	"github.com/jaakkos/opencode-orchestrator/internal/domain"
	"github.com/jaakkos/opencode-orchestrator/internal/lock"
	"github.com/jaakkos/opencode-orchestrator/internal/model"
	"github.com/jaakkos/opencode-orchestrator/internal/opencode"
	"github.com/jaakkos/opencode-orchestrator/internal/registry"
)

// bridgePlugin is the worker-bridge plugin specifier injected into every
// worker's plugin list.
const bridgePlugin = "@jaakkos/opencode-orchestrator-bridge"

// reuseProbeTimeout bounds the HTTP probe against a possibly-stale worker.
const reuseProbeTimeout = 2 * time.Second

// AssistantConfig is the slice of the host assistant's configuration the
// spawner needs for model resolution.
type AssistantConfig struct {
	Model      string
	SmallModel string
}

// AssistantClient is the runtime-provided capability for model resolution.
// Injected so tests can run against an in-memory fake; nil when the host
// offers none, in which case symbolic tags cannot resolve.
type AssistantClient interface {
	Config(ctx context.Context) (AssistantConfig, error)
	ListProviders(ctx context.Context) ([]model.Provider, error)
	ToolIDs(ctx context.Context) ([]string, error)
}

// workerClient is the slice of the worker HTTP surface the spawner uses.
type workerClient interface {
	ListSessions(ctx context.Context) ([]opencode.Session, error)
	CreateSession(ctx context.Context, title string) (opencode.Session, error)
	Prompt(ctx context.Context, sessionID string, parts []opencode.Part, modelRef string) ([]opencode.ResponsePart, error)
	SendSystem(ctx context.Context, sessionID, text string) error
	Providers(ctx context.Context) (model.Catalog, error)
}

// spawnFuture is the in-process dedup placeholder: concurrent acquirers of
// the same profile await the first caller's outcome.
type spawnFuture struct {
	done chan struct{}
	w    domain.WorkerInstance
	err  error
}

// Spawner produces ready worker instances with at most one live subprocess
// per profile per host.
type Spawner struct {
	cfg        *config.Config
	reg        *registry.Registry
	dev        *device.Registry
	locks      *lock.Manager
	bridge     *bridge.Server
	assistant  AssistantClient
	logger     *log.Logger
	instanceID string

	mu       sync.Mutex
	inFlight map[string]*spawnFuture

	launch    launchFunc
	newClient func(base string) workerClient
	alive     func(pid int) bool
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithLauncher replaces the subprocess launcher (used by tests).
func WithLauncher(f launchFunc) Option {
	return func(s *Spawner) { s.launch = f }
}

// WithClientFactory replaces the worker HTTP client factory (used by tests).
func WithClientFactory(f func(base string) workerClient) Option {
	return func(s *Spawner) { s.newClient = f }
}

// WithAliveProbe replaces the pid liveness check (used by tests).
func WithAliveProbe(f func(pid int) bool) Option {
	return func(s *Spawner) { s.alive = f }
}

// New wires a spawner. assistant may be nil.
func New(cfg *config.Config, reg *registry.Registry, dev *device.Registry, locks *lock.Manager,
	br *bridge.Server, assistant AssistantClient, logger *log.Logger, instanceID string, opts ...Option) *Spawner {
	s := &Spawner{
		cfg:        cfg,
		reg:        reg,
		dev:        dev,
		locks:      locks,
		bridge:     br,
		assistant:  assistant,
		logger:     logger,
		instanceID: instanceID,
		inFlight:   make(map[string]*spawnFuture),
		launch:     execLaunch,
		newClient:  func(base string) workerClient { return opencode.NewClient(base) },
		alive:      procAlive,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Acquire returns a ready worker for the profile, spawning at most one
// subprocess no matter how many callers arrive concurrently.
func (s *Spawner) Acquire(ctx context.Context, profileID string) (domain.WorkerInstance, error) {
	profile, ok := s.cfg.ProfileByID(profileID)
	if !ok {
		return domain.WorkerInstance{}, domain.Errorf(domain.KindWorkerNotFound, "spawn.acquire", profileID,
			"no such profile").WithSuggestions(s.cfg.ProfileIDs())
	}

	if w, ok := s.reg.Get(profileID); ok && w.Status.Active() {
		return w, nil
	}

	// The future must be installed before any suspension point so that
	// concurrent acquirers of this profile observe exactly one spawn.
	s.mu.Lock()
	if f, ok := s.inFlight[profileID]; ok {
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.w, f.err
		case <-ctx.Done():
			return domain.WorkerInstance{}, ctx.Err()
		}
	}
	f := &spawnFuture{done: make(chan struct{})}
	s.inFlight[profileID] = f
	s.mu.Unlock()

	w, err := s.acquireSlow(ctx, profile)

	f.w, f.err = w, err
	close(f.done)
	s.mu.Lock()
	delete(s.inFlight, profileID)
	s.mu.Unlock()

	return w, err
}

// acquireSlow runs the reuse-or-spawn region: a pre-lock reuse probe, then
// the profile lock enclosing a second probe and the spawn itself.
func (s *Spawner) acquireSlow(ctx context.Context, profile domain.WorkerProfile) (domain.WorkerInstance, error) {
	if w, ok := s.tryReuse(ctx, profile); ok {
		return w, nil
	}

	var w domain.WorkerInstance
	err := s.locks.WithProfileLock(profile.ID, s.cfg.SpawnTimeout(), func() error {
		// Another orchestrator may have spawned while we contended.
		if rw, ok := s.tryReuse(ctx, profile); ok {
			w = rw
			return nil
		}
		var err error
		w, err = s.spawnLocked(ctx, profile)
		return err
	})
	if err != nil {
		return domain.WorkerInstance{}, err
	}
	return w, nil
}

// tryReuse probes the most recently updated live device-registry entry for
// the profile. A failed probe removes the stale entry so the spawn proceeds.
func (s *Spawner) tryReuse(ctx context.Context, profile domain.WorkerProfile) (domain.WorkerInstance, bool) {
	var best *domain.DeviceEntry
	for _, e := range s.dev.WorkersForProfile(profile.ID) {
		if e.Status != string(domain.StatusReady) && e.Status != string(domain.StatusBusy) {
			continue
		}
		if !s.alive(e.PID) {
			continue
		}
		e := e
		if best == nil || e.UpdatedAt > best.UpdatedAt {
			best = &e
		}
	}
	if best == nil || best.URL == "" {
		return domain.WorkerInstance{}, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, reuseProbeTimeout)
	defer cancel()

	client := s.newClient(best.URL)
	sessions, err := client.ListSessions(probeCtx)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("Spawner: reuse probe for %q failed, dropping pid %d: %v", profile.ID, best.PID, err)
		}
		s.dev.RemoveWorkerByPID(best.PID)
		return domain.WorkerInstance{}, false
	}

	sessionID := pickSession(best.SessionID, sessions)
	if sessionID == "" {
		created, err := client.CreateSession(probeCtx, profile.DisplayName()+" worker")
		if err != nil {
			return domain.WorkerInstance{}, false
		}
		sessionID = created.ID
	}

	pid := 0
	if best.OrchestratorInstanceID == s.instanceID {
		pid = best.PID
	}
	w := domain.WorkerInstance{
		Profile:         profile,
		Status:          domain.StatusReady,
		Port:            best.Port,
		PID:             pid,
		URL:             best.URL,
		SessionID:       sessionID,
		StartedAt:       time.UnixMilli(best.StartedAt),
		LastActivity:    time.Now(),
		ModelResolution: &domain.ModelResolution{Reason: "reused existing worker"},
	}
	s.reg.Register(&w)

	// Record the session we settled on so the next reuser agrees with us.
	if sessionID != best.SessionID {
		updated := *best
		updated.SessionID = sessionID
		s.dev.UpsertWorker(updated)
	}
	if s.logger != nil {
		s.logger.Printf("Spawner: reusing worker %q at %s (pid %d)", profile.ID, best.URL, best.PID)
	}
	return w, true
}

// pickSession prefers the recorded session when still listed, else the first
// listed one.
func pickSession(recorded string, sessions []opencode.Session) string {
	for _, sess := range sessions {
		if sess.ID == recorded {
			return recorded
		}
	}
	if len(sessions) > 0 {
		return sessions[0].ID
	}
	return ""
}

// spawnLocked launches a fresh subprocess. Callers hold the profile lock.
// Failures after launch roll the subprocess back and leave the instance in
// error status.
func (s *Spawner) spawnLocked(ctx context.Context, profile domain.WorkerProfile) (domain.WorkerInstance, error) {
	resolution, err := s.resolveModel(ctx, profile)
	if err != nil {
		return domain.WorkerInstance{}, err
	}

	if err := s.bridge.Start(); err != nil {
		return domain.WorkerInstance{}, domain.E(domain.KindSpawnExit, "spawn", profile.ID, err)
	}

	placeholder := domain.WorkerInstance{
		Profile:         profile,
		Status:          domain.StatusStarting,
		StartedAt:       time.Now(),
		LastActivity:    time.Now(),
		ModelResolution: &resolution,
	}
	s.reg.Register(&placeholder)

	l, err := s.launch(ctx, profile, s.workerEnv(profile, resolution.Model), s.cfg.SpawnTimeout())
	if err != nil {
		s.failSpawn(profile.ID, nil, err)
		return domain.WorkerInstance{}, err
	}

	client := s.newClient(l.url)

	warning := s.preflight(ctx, client, resolution.Model)

	sessionCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	session, err := client.CreateSession(sessionCtx, profile.DisplayName()+" worker")
	if err != nil {
		err = domain.E(domain.KindSessionCreate, "spawn", profile.ID, err)
		s.failSpawn(profile.ID, l, err)
		return domain.WorkerInstance{}, err
	}

	if err := client.SendSystem(ctx, session.ID, s.seedInstructions(profile)); err != nil {
		err = domain.E(domain.KindSessionCreate, "spawn", profile.ID, err)
		s.failSpawn(profile.ID, l, err)
		return domain.WorkerInstance{}, err
	}

	var w domain.WorkerInstance
	s.reg.Update(profile.ID, func(inst *domain.WorkerInstance) {
		inst.Status = domain.StatusReady
		inst.Port = l.port
		inst.PID = l.pid
		inst.URL = l.url
		inst.SessionID = session.ID
		inst.Warning = warning
		inst.LastActivity = time.Now()
		inst.Shutdown = l.stop
		w = *inst
	})
	s.dev.UpsertWorker(s.deviceEntry(w))

	if s.logger != nil {
		s.logger.Printf("Spawner: worker %q ready at %s (pid %d, model %s)", profile.ID, l.url, l.pid, resolution.Model)
	}
	return w, nil
}

// failSpawn rolls back a partial spawn: kill the child if launched, record
// the error on the instance.
func (s *Spawner) failSpawn(profileID string, l *launched, cause error) {
	if l != nil {
		l.stop()
	}
	s.reg.Update(profileID, func(w *domain.WorkerInstance) {
		w.Status = domain.StatusError
		w.Error = cause.Error()
		w.Shutdown = nil
	})
	if s.logger != nil {
		s.logger.Printf("Spawner: spawn of %q failed: %v", profileID, cause)
	}
}

// preflight checks the child's own provider catalog and returns a warning
// string for anything suspicious. Never fails the spawn.
func (s *Spawner) preflight(ctx context.Context, client workerClient, resolved string) string {
	providerID, modelID, ok := strings.Cut(resolved, "/")
	if !ok {
		return ""
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cat, err := client.Providers(probeCtx)
	if err != nil {
		return "provider preflight unavailable: " + err.Error()
	}
	for _, p := range cat.Providers {
		if p.ID != providerID {
			continue
		}
		if p.Source == model.SourceAPI {
			return "provider " + providerID + " is api-sourced; credentials may be missing"
		}
		for _, m := range p.Models {
			if m.ID == modelID {
				return ""
			}
		}
		return "model " + modelID + " not enumerated by provider " + providerID
	}
	return "provider " + providerID + " not present in worker catalog"
}

// resolveModel maps the profile's model reference to a concrete
// provider/model. Symbolic tags need the assistant client's catalog.
func (s *Spawner) resolveModel(ctx context.Context, profile domain.WorkerProfile) (domain.ModelResolution, error) {
	ref := strings.TrimSpace(profile.Model)

	if _, isTag := model.ParseTag(ref); isTag {
		if s.assistant == nil {
			return domain.ModelResolution{}, domain.Errorf(domain.KindModelUnresolvable, "spawn.model", ref,
				"symbolic tag needs a provider catalog and none is available")
		}
		cat, err := s.catalog(ctx)
		if err != nil {
			return domain.ModelResolution{}, domain.E(domain.KindModelUnresolvable, "spawn.model", ref, err)
		}
		return model.Resolve(ref, cat, profile.SupportsImages)
	}

	if !strings.Contains(ref, "/") {
		return domain.ModelResolution{}, domain.Errorf(domain.KindModelInvalid, "spawn.model", ref,
			"model must be provider/model or a symbolic tag")
	}

	if s.assistant == nil {
		// No catalog to check against; trust the configured reference.
		return domain.ModelResolution{Model: ref, Reason: "configured"}, nil
	}
	cat, err := s.catalog(ctx)
	if err != nil {
		return domain.ModelResolution{Model: ref, Reason: "configured"}, nil
	}
	return model.Resolve(ref, cat, profile.SupportsImages)
}

// catalog assembles the resolver input from the assistant client and the
// orchestrator config. Config-level model hints beat the assistant's.
func (s *Spawner) catalog(ctx context.Context) (model.Catalog, error) {
	providers, err := s.assistant.ListProviders(ctx)
	if err != nil {
		return model.Catalog{}, err
	}
	cat := model.Catalog{Providers: providers, Default: s.cfg.Model, Small: s.cfg.SmallModel}
	if cat.Default == "" || cat.Small == "" {
		if ac, err := s.assistant.Config(ctx); err == nil {
			if cat.Default == "" {
				cat.Default = ac.Model
			}
			if cat.Small == "" {
				cat.Small = ac.SmallModel
			}
		}
	}
	return cat, nil
}

// workerEnv builds the child environment: its own config document, the
// bridge coordinates, and the identity markers.
func (s *Spawner) workerEnv(profile domain.WorkerProfile, resolvedModel string) map[string]string {
	doc := map[string]any{
		"model":  resolvedModel,
		"plugin": []string{bridgePlugin},
	}
	if len(profile.Tools) > 0 {
		doc["tools"] = profile.Tools
	}
	if profile.Temperature != nil {
		doc["temperature"] = *profile.Temperature
	}
	content, _ := json.Marshal(doc)

	return map[string]string{
		"OPENCODE_CONFIG_CONTENT":   string(content),
		"ORCHESTRATOR_BRIDGE_URL":   s.bridge.URL(),
		"ORCHESTRATOR_BRIDGE_TOKEN": s.bridge.Token(),
		"ORCHESTRATOR_INSTANCE_ID":  s.instanceID,
		"ORCHESTRATOR_WORKER_ID":    profile.ID,
		"ORCHESTRATOR_WORKER":       "1",
	}
}

// seedInstructions is the one-shot system message sent after session
// creation.
func (s *Spawner) seedInstructions(profile domain.WorkerProfile) string {
	var b strings.Builder
	if profile.SystemPrompt != "" {
		b.WriteString(profile.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("You are the worker \"")
	b.WriteString(profile.ID)
	b.WriteString("\" in an orchestrated fleet.\n")
	b.WriteString("At the end of every turn, call message_tool with kind \"report\" summarizing what you did.\n")
	b.WriteString("To contact another worker, call message_tool with kind \"message\" and the recipient's worker id.")
	peers := s.reg.Summary(8)
	wrote := false
	for _, p := range peers {
		if p.ID == profile.ID {
			continue
		}
		if !wrote {
			b.WriteString("\n\nFleet members:")
			wrote = true
		}
		b.WriteString("\n- " + p.ID)
		if p.Purpose != "" {
			b.WriteString(": " + p.Purpose)
		}
	}
	return b.String()
}

// deviceEntry projects a worker instance onto its device-registry row.
func (s *Spawner) deviceEntry(w domain.WorkerInstance) domain.DeviceEntry {
	return domain.DeviceEntry{
		Kind:                   domain.KindWorker,
		OrchestratorInstanceID: s.instanceID,
		WorkerID:               w.Profile.ID,
		PID:                    w.PID,
		URL:                    w.URL,
		Port:                   w.Port,
		SessionID:              w.SessionID,
		Status:                 string(w.Status),
		StartedAt:              w.StartedAt.UnixMilli(),
		LastError:              w.Error,
	}
}
