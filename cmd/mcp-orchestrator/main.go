// MCP orchestrator server.
// Spawns and supervises a fleet of opencode workers over stdio MCP.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/opencode-orchestrator/internal/bridge"
	"github.com/jaakkos/opencode-orchestrator/internal/bus"
	"github.com/jaakkos/opencode-orchestrator/internal/config"
	"github.com/jaakkos/opencode-orchestrator/internal/device"
	"github.com/jaakkos/opencode-orchestrator/internal/domain"
	"github.com/jaakkos/opencode-orchestrator/internal/history"
	"github.com/jaakkos/opencode-orchestrator/internal/jobs"
	"github.com/jaakkos/opencode-orchestrator/internal/lock"
	"github.com/jaakkos/opencode-orchestrator/internal/model"
	"github.com/jaakkos/opencode-orchestrator/internal/opencode"
	"github.com/jaakkos/opencode-orchestrator/internal/registry"
	"github.com/jaakkos/opencode-orchestrator/internal/spawn"
	"github.com/jaakkos/opencode-orchestrator/internal/tools/orch"
	"github.com/jaakkos/opencode-orchestrator/internal/workflow"
)

// Version is set by -ldflags at build time.
var Version = "dev"

const instructions = `Orchestrator for a fleet of opencode workers.
Spawn workers from configured profiles (spawn_worker, spawn_workers), send them
tasks synchronously (send_to_worker) or as jobs (send_async, wait_job), let
them message each other (post_message, read_inbox), and run multi-step
workflows over the fleet (run_workflow). Workers spawned in a session are
stopped when that session disconnects.`

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand()
			return
		case "--version", "-v", "version":
			fmt.Println("mcp-orchestrator " + Version)
			return
		}
	}

	logger := setupLogger(config.LogFilePath())
	logger.Println("Starting MCP orchestrator...")

	cwd, err := os.Getwd()
	if err != nil {
		logger.Fatalf("Working directory: %v", err)
	}
	cfg := config.Load(cwd, logger)
	instanceID := uuid.NewString()
	logger.Printf("Instance %s, project %s", instanceID, cwd)

	// Archive is best effort; the orchestrator runs without it.
	var hist *history.Store
	if hist, err = history.New(config.HistoryDBPath()); err != nil {
		logger.Printf("Warning: history store disabled: %v", err)
		hist = nil
	}

	jobOpts := []jobs.Option{jobs.WithLimits(cfg.Pruning.MaxJobs, cfg.MaxJobAge())}
	busOpts := []bus.Option{bus.WithCap(cfg.Pruning.MaxMessages)}
	if hist != nil {
		jobOpts = append(jobOpts, jobs.WithArchive(func(j domain.Job) {
			if err := hist.RecordJob(j); err != nil {
				logger.Printf("Warning: archive job %s: %v", j.ID, err)
			}
		}))
		busOpts = append(busOpts, bus.WithArchive(func(m domain.Message) {
			if err := hist.RecordMessage(m); err != nil {
				logger.Printf("Warning: archive message %s: %v", m.ID, err)
			}
		}))
	}

	reg := registry.New()
	jr := jobs.New(jobOpts...)
	b := bus.New(busOpts...)
	dev := device.New(config.DeviceRegistryPath(), logger)
	locks := lock.NewManager(config.LockDir(), logger)

	br, err := bridge.New(reg, jr, b, logger)
	if err != nil {
		logger.Fatalf("Bridge: %v", err)
	}
	if err := br.Start(); err != nil {
		logger.Fatalf("Bridge listen: %v", err)
	}
	logger.Printf("Bridge on %s", br.URL())

	sp := spawn.New(cfg, reg, dev, locks, br, assistantFromEnv(cfg), logger, instanceID)

	eng := workflow.NewEngine(sp, cfg.Security, cfg.AutoSpawn, logger)
	eng.InstallSpecs(cfg.Workflows)
	if err := eng.LoadLibrary(config.WorkflowLibraryPath()); err != nil {
		logger.Printf("Warning: workflow library: %v", err)
	}

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Tool call: %s", message.Params.Name)
		}
	})
	// Stop exactly the workers the disconnecting session spawned.
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		sid := session.SessionID()
		if stopped := sp.StopSession(sid); len(stopped) > 0 {
			logger.Printf("Session %s gone, stopped %v", sid, stopped)
		}
	})

	mcpServer := server.NewMCPServer(
		"mcp-orchestrator",
		Version,
		server.WithInstructions(instructions),
		server.WithHooks(hooks),
	)
	orch.Register(mcpServer, orch.Deps{
		Spawner:  sp,
		Registry: reg,
		Devices:  dev,
		Jobs:     jr,
		Bus:      b,
		Engine:   eng,
		History:  hist,
		Logger:   logger,
	})

	// Announce this orchestrator in the machine-wide registry and sweep
	// entries left behind by crashed processes.
	if n := dev.PruneDead(); n > 0 {
		logger.Printf("Pruned %d dead device entries", n)
	}
	dev.UpsertSession(domain.DeviceEntry{
		Kind:      domain.KindSession,
		HostPID:   os.Getpid(),
		SessionID: instanceID,
		Directory: cwd,
		Title:     "mcp-orchestrator",
	})
	sp.Reconcile()

	watcher := device.NewWatcher(dev.Path(), logger, sp.Reconcile)
	if err := watcher.Start(); err != nil {
		logger.Printf("Warning: device watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if cfg.AutoSpawn {
		profiles, err := cfg.AutoSpawnProfiles()
		if err != nil {
			logger.Printf("Warning: auto-spawn: %v", err)
		}
		if len(profiles) > 0 {
			var ids []string
			for _, p := range profiles {
				ids = append(ids, p.ID)
			}
			go func() {
				res := sp.SpawnMany(ctx, ids, false)
				logger.Printf("Auto-spawn: %d up, %d failed", len(res.Spawned), len(res.Failed))
				for id, msg := range res.Failed {
					logger.Printf("Auto-spawn %s: %s", id, msg)
				}
			}()
		}
	}

	logger.Println("Stdio ready")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}

	cancel()
	watcher.Stop()
	sp.Shutdown()
	if err := br.Close(); err != nil {
		logger.Printf("Warning: close bridge: %v", err)
	}
	dev.RemoveSession(os.Getpid(), instanceID)
	if hist != nil {
		if err := hist.Close(); err != nil {
			logger.Printf("Warning: close history store: %v", err)
		}
	}
	logger.Println("Server stopped")
}

// hostAssistant resolves symbolic model tags against the opencode instance
// that launched us, reachable at OPENCODE_SERVER.
type hostAssistant struct {
	client *opencode.Client
	cfg    *config.Config
}

// assistantFromEnv returns nil when no host assistant is reachable; symbolic
// model tags then fail to resolve and explicit refs still work.
func assistantFromEnv(cfg *config.Config) spawn.AssistantClient {
	base := os.Getenv("OPENCODE_SERVER")
	if base == "" {
		return nil
	}
	return &hostAssistant{client: opencode.NewClient(base), cfg: cfg}
}

func (h *hostAssistant) Config(ctx context.Context) (spawn.AssistantConfig, error) {
	return spawn.AssistantConfig{Model: h.cfg.Model, SmallModel: h.cfg.SmallModel}, nil
}

func (h *hostAssistant) ListProviders(ctx context.Context) ([]model.Provider, error) {
	cat, err := h.client.Providers(ctx)
	if err != nil {
		return nil, err
	}
	return cat.Providers, nil
}

func (h *hostAssistant) ToolIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}

// setupLogger writes to the log file and, when stderr is an interactive
// terminal, to stderr as well. Stdout stays clean for the MCP stdio protocol.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[mcp-orch] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[mcp-orch] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[mcp-orch] ", log.LstdFlags|log.Lshortfile)
}

// runStatusCommand implements "mcp-orchestrator status": a quick look at the
// machine-wide device registry without starting a server.
func runStatusCommand() {
	logger := log.New(io.Discard, "", 0)
	dev := device.New(config.DeviceRegistryPath(), logger)

	workers := dev.Workers()
	sessions := 0
	for _, e := range dev.List() {
		if e.Kind == domain.KindSession {
			sessions++
		}
	}

	fmt.Printf("workers=%d sessions=%d\n", len(workers), sessions)
	for _, w := range workers {
		fmt.Printf("  %s pid=%d status=%s url=%s\n", w.WorkerID, w.PID, w.Status, w.URL)
	}
}
