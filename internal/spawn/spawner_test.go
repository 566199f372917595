package spawn

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaakkos/opencode-orchestrator/internal/bridge"
	"github.com/jaakkos/opencode-orchestrator/internal/bus"
	"github.com/jaakkos/opencode-orchestrator/internal/config"
	"github.com/jaakkos/opencode-orchestrator/internal/device"
	"github.com/jaakkos/opencode-orchestrator/internal/domain"
	"github.com/jaakkos/opencode-orchestrator/internal/jobs"
	"github.com/jaakkos/opencode-orchestrator/internal/lock"
	"github.com/jaakkos/opencode-orchestrator/internal/model"
	"github.com/jaakkos/opencode-orchestrator/internal/opencode"
	"github.com/jaakkos/opencode-orchestrator/internal/registry"
)

// fakeWorker implements workerClient in memory.
type fakeWorker struct {
	mu        sync.Mutex
	sessions  []opencode.Session
	listErr   error
	createErr error
	reply     []opencode.ResponsePart
	promptErr error
	prompts   []string
	system    []string

	// promptGate, when set before use, blocks Prompt until closed.
	promptGate chan struct{}
}

func (f *fakeWorker) ListSessions(ctx context.Context) ([]opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]opencode.Session(nil), f.sessions...), nil
}

func (f *fakeWorker) CreateSession(ctx context.Context, title string) (opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return opencode.Session{}, f.createErr
	}
	sess := opencode.Session{ID: "sess-1", Title: title}
	f.sessions = append(f.sessions, sess)
	return sess, nil
}

func (f *fakeWorker) Prompt(ctx context.Context, sessionID string, parts []opencode.Part, modelRef string) ([]opencode.ResponsePart, error) {
	if f.promptGate != nil {
		<-f.promptGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range parts {
		if p.Type == "text" {
			f.prompts = append(f.prompts, p.Text)
		}
	}
	if f.promptErr != nil {
		return nil, f.promptErr
	}
	return f.reply, nil
}

func (f *fakeWorker) SendSystem(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system = append(f.system, text)
	return nil
}

func (f *fakeWorker) Providers(ctx context.Context) (model.Catalog, error) {
	return model.Catalog{Providers: []model.Provider{
		{ID: "p", Source: model.SourceConfig, Models: []model.Model{{ID: "m"}}},
	}}, nil
}

// fakeAssistant implements AssistantClient.
type fakeAssistant struct {
	providers []model.Provider
	cfg       AssistantConfig
}

func (f *fakeAssistant) Config(ctx context.Context) (AssistantConfig, error) { return f.cfg, nil }
func (f *fakeAssistant) ListProviders(ctx context.Context) ([]model.Provider, error) {
	return f.providers, nil
}
func (f *fakeAssistant) ToolIDs(ctx context.Context) ([]string, error) { return nil, nil }

type harness struct {
	spawner *Spawner
	reg     *registry.Registry
	dev     *device.Registry
	worker  *fakeWorker
	spawns  *atomic.Int64
	alive   map[int]bool
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.Profiles = []config.ProfileEntry{{Profile: domain.WorkerProfile{ID: "A", Model: "p/m"}}}
	}
	h := &harness{
		reg:    registry.New(),
		worker: &fakeWorker{reply: []opencode.ResponsePart{{Type: "text", Text: "pong"}}},
		spawns: &atomic.Int64{},
		alive:  map[int]bool{},
	}
	h.dev = device.New(filepath.Join(t.TempDir(), "devices.json"), nil,
		device.WithAliveProbe(func(pid int) bool { return h.alive[pid] }))
	locks := lock.NewManager(t.TempDir(), nil)

	br, err := bridge.New(h.reg, jobs.New(), bus.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { br.Close() })

	launch := func(ctx context.Context, profile domain.WorkerProfile, env map[string]string, deadline time.Duration) (*launched, error) {
		n := h.spawns.Add(1)
		pid := 10_000 + int(n)
		h.alive[pid] = true
		return &launched{
			pid:  pid,
			url:  "http://127.0.0.1:45000",
			port: 45000,
			stop: func() { h.alive[pid] = false },
		}, nil
	}

	h.spawner = New(cfg, h.reg, h.dev, locks, br, nil, nil, "inst-test",
		WithLauncher(launch),
		WithClientFactory(func(base string) workerClient { return h.worker }),
		WithAliveProbe(func(pid int) bool { return h.alive[pid] }))
	return h
}

func TestAcquireSpawnsOnce(t *testing.T) {
	h := newHarness(t, nil)

	w, err := h.spawner.Acquire(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != domain.StatusReady || w.SessionID != "sess-1" {
		t.Fatalf("worker = %+v", w)
	}
	if h.spawns.Load() != 1 {
		t.Fatalf("spawn count = %d", h.spawns.Load())
	}
	if len(h.worker.system) != 1 {
		t.Fatalf("seed instructions not sent: %v", h.worker.system)
	}

	entries := h.dev.WorkersForProfile("A")
	if len(entries) != 1 || entries[0].Status != "ready" {
		t.Fatalf("device entries = %+v", entries)
	}

	// Second acquire takes the fast path.
	again, err := h.spawner.Acquire(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if again.PID != w.PID || h.spawns.Load() != 1 {
		t.Errorf("second acquire spawned again (pid %d vs %d, spawns %d)", again.PID, w.PID, h.spawns.Load())
	}
}

func TestConcurrentAcquireDedup(t *testing.T) {
	h := newHarness(t, nil)

	const n = 10
	var wg sync.WaitGroup
	results := make([]domain.WorkerInstance, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.spawner.Acquire(context.Background(), "A")
		}(i)
	}
	wg.Wait()

	if got := h.spawns.Load(); got != 1 {
		t.Fatalf("spawn count = %d, want exactly 1 for %d concurrent acquires", got, n)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("acquire %d: %v", i, errs[i])
		}
		if results[i].PID != results[0].PID || results[i].SessionID != results[0].SessionID {
			t.Errorf("acquire %d got a different instance: %+v", i, results[i])
		}
	}
	if entries := h.dev.WorkersForProfile("A"); len(entries) != 1 {
		t.Errorf("device entries = %+v, want one", entries)
	}
}

func TestAcquireUnknownProfile(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.spawner.Acquire(context.Background(), "ghost")
	if !domain.IsKind(err, domain.KindWorkerNotFound) {
		t.Fatalf("err = %v, want WORKER_NOT_FOUND", err)
	}
}

func TestReuseExistingWorker(t *testing.T) {
	h := newHarness(t, nil)
	h.alive[777] = true
	h.worker.sessions = []opencode.Session{{ID: "their-session"}}
	h.dev.UpsertWorker(domain.DeviceEntry{
		OrchestratorInstanceID: "other-inst", WorkerID: "A", PID: 777,
		URL: "http://127.0.0.1:46000", Port: 46000,
		SessionID: "their-session", Status: "ready",
	})

	w, err := h.spawner.Acquire(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if h.spawns.Load() != 0 {
		t.Fatalf("spawned despite reusable worker (count %d)", h.spawns.Load())
	}
	if w.ModelResolution == nil || w.ModelResolution.Reason != "reused existing worker" {
		t.Errorf("resolution = %+v", w.ModelResolution)
	}
	if w.SessionID != "their-session" {
		t.Errorf("SessionID = %q, want the recorded session", w.SessionID)
	}
	// A foreign orchestrator owns the subprocess.
	if w.PID != 0 || w.Shutdown != nil {
		t.Errorf("reused worker claims ownership: pid %d", w.PID)
	}
}

func TestReuseProbeFailureRemovesStaleEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.alive[777] = true
	h.worker.listErr = errors.New("connection refused")
	h.dev.UpsertWorker(domain.DeviceEntry{
		OrchestratorInstanceID: "other-inst", WorkerID: "A", PID: 777,
		URL: "http://127.0.0.1:46000", Status: "ready",
	})

	w, err := h.spawner.Acquire(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if h.spawns.Load() != 1 {
		t.Fatalf("spawn count = %d, want fallback spawn", h.spawns.Load())
	}
	if w.PID == 777 {
		t.Error("stale worker was reused")
	}
	for _, e := range h.dev.WorkersForProfile("A") {
		if e.PID == 777 {
			t.Error("stale entry not removed")
		}
	}
}

func TestTagWithoutAssistantFails(t *testing.T) {
	cfg := config.Default()
	cfg.Profiles = []config.ProfileEntry{{Profile: domain.WorkerProfile{ID: "A", Model: "auto"}}}
	h := newHarness(t, cfg)

	_, err := h.spawner.Acquire(context.Background(), "A")
	if !domain.IsKind(err, domain.KindModelUnresolvable) {
		t.Fatalf("err = %v, want MODEL_UNRESOLVABLE", err)
	}
}

func TestMalformedModelFails(t *testing.T) {
	cfg := config.Default()
	cfg.Profiles = []config.ProfileEntry{{Profile: domain.WorkerProfile{ID: "A", Model: "not-a-path"}}}
	h := newHarness(t, cfg)

	_, err := h.spawner.Acquire(context.Background(), "A")
	if !domain.IsKind(err, domain.KindModelInvalid) {
		t.Fatalf("err = %v, want MODEL_INVALID", err)
	}
}

func TestSendHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.spawner.Acquire(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}

	reply, err := h.spawner.Send(context.Background(), "A", "ping", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "pong" {
		t.Errorf("reply = %q", reply)
	}

	w, _ := h.reg.Get("A")
	if w.Status != domain.StatusReady {
		t.Errorf("status = %v, want ready after send", w.Status)
	}
	if w.LastResult == nil || w.LastResult.Response != "pong" {
		t.Errorf("LastResult = %+v", w.LastResult)
	}
}

func TestSendJobSentinel(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.spawner.Acquire(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}

	if _, err := h.spawner.Send(context.Background(), "A", "ping", SendOptions{JobID: "J-42"}); err != nil {
		t.Fatal(err)
	}
	h.worker.mu.Lock()
	last := h.worker.prompts[len(h.worker.prompts)-1]
	h.worker.mu.Unlock()
	if want := "[job:J-42]"; !strings.Contains(last, want) {
		t.Errorf("prompt %q missing sentinel %q", last, want)
	}
}

func TestSendNotReadyAndNotFound(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.spawner.Send(context.Background(), "A", "ping", SendOptions{})
	if !domain.IsKind(err, domain.KindWorkerNotFound) {
		t.Fatalf("err = %v, want WORKER_NOT_FOUND", err)
	}

	if _, err := h.spawner.Acquire(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	h.reg.UpdateStatus("A", domain.StatusBusy)
	_, err = h.spawner.Send(context.Background(), "A", "ping", SendOptions{})
	if !domain.IsKind(err, domain.KindWorkerNotReady) {
		t.Fatalf("err = %v, want WORKER_NOT_READY", err)
	}
}

func TestSendClaimsWorkerExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.worker.promptGate = gate
	if _, err := h.spawner.Acquire(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := h.spawner.Send(context.Background(), "A", "slow", SendOptions{})
		errCh <- err
	}()

	// Wait for the first send to claim the worker.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if w, _ := h.reg.Get("A"); w.Status == domain.StatusBusy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first send never claimed the worker")
		}
		time.Sleep(time.Millisecond)
	}

	// A second send while the first is in flight must lose the claim, not
	// dispatch a second prompt into the same session.
	_, err := h.spawner.Send(context.Background(), "A", "second", SendOptions{})
	if !domain.IsKind(err, domain.KindWorkerNotReady) {
		t.Fatalf("err = %v, want WORKER_NOT_READY", err)
	}

	close(gate)
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}

	h.worker.mu.Lock()
	prompts := append([]string(nil), h.worker.prompts...)
	h.worker.mu.Unlock()
	if len(prompts) != 1 || prompts[0] != "slow" {
		t.Fatalf("prompts = %q, want only the winning send", prompts)
	}

	// The worker is reusable once the winner finishes.
	if _, err := h.spawner.Send(context.Background(), "A", "after", SendOptions{}); err != nil {
		t.Fatal(err)
	}
}

func TestSendEmptyReplyKeepsWorkerReady(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.spawner.Acquire(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	h.worker.mu.Lock()
	h.worker.reply = nil
	h.worker.mu.Unlock()

	_, err := h.spawner.Send(context.Background(), "A", "ping", SendOptions{})
	if !domain.IsKind(err, domain.KindWorkerEmpty) {
		t.Fatalf("err = %v, want WORKER_EMPTY", err)
	}
	w, _ := h.reg.Get("A")
	if w.Status != domain.StatusReady {
		t.Errorf("status = %v, a failed send must not poison the worker", w.Status)
	}
}

func TestStopRemovesEverywhere(t *testing.T) {
	h := newHarness(t, nil)
	w, err := h.spawner.Acquire(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}

	if !h.spawner.Stop("A") {
		t.Fatal("Stop returned false")
	}
	if h.alive[w.PID] {
		t.Error("subprocess still alive after Stop")
	}
	if _, ok := h.reg.Get("A"); ok {
		t.Error("worker still registered")
	}
	if entries := h.dev.WorkersForProfile("A"); len(entries) != 0 {
		t.Errorf("device entries = %+v, want none", entries)
	}
	if h.spawner.Stop("A") {
		t.Error("second Stop should report false")
	}
}

func TestSessionScopedShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Profiles = []config.ProfileEntry{
		{Profile: domain.WorkerProfile{ID: "A", Model: "p/m"}},
		{Profile: domain.WorkerProfile{ID: "B", Model: "p/m"}},
	}
	h := newHarness(t, cfg)
	ctx := context.Background()

	if _, err := h.spawner.Acquire(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.spawner.Acquire(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	h.reg.TrackOwnership("S1", "A")
	h.reg.TrackOwnership("S2", "B")

	stopped := h.spawner.StopSession("S1")
	if len(stopped) != 1 || stopped[0] != "A" {
		t.Fatalf("stopped = %v, want [A]", stopped)
	}

	active := h.reg.GetActive()
	if len(active) != 1 || active[0].Profile.ID != "B" {
		t.Fatalf("active = %+v, want only B", active)
	}
}

func TestSpawnManyPartitionsResults(t *testing.T) {
	cfg := config.Default()
	cfg.Profiles = []config.ProfileEntry{
		{Profile: domain.WorkerProfile{ID: "A", Model: "p/m"}},
		{Profile: domain.WorkerProfile{ID: "bad", Model: "nope"}},
	}
	h := newHarness(t, cfg)

	res := h.spawner.SpawnMany(context.Background(), []string{"A", "bad"}, false)
	if len(res.Spawned) != 1 || res.Spawned[0] != "A" {
		t.Errorf("Spawned = %v", res.Spawned)
	}
	if _, ok := res.Failed["bad"]; !ok {
		t.Errorf("Failed = %v, want entry for bad", res.Failed)
	}
}

func TestReconcileMarksDeadWorkers(t *testing.T) {
	h := newHarness(t, nil)
	w, err := h.spawner.Acquire(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}

	h.alive[w.PID] = false
	h.spawner.Reconcile()

	got, _ := h.reg.Get("A")
	if got.Status != domain.StatusError {
		t.Errorf("status = %v, want error after pid death", got.Status)
	}
	if entries := h.dev.WorkersForProfile("A"); len(entries) != 0 {
		t.Errorf("device entries = %+v, want pruned", entries)
	}
}
