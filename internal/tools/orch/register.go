// Package orch exposes the orchestrator's operations as MCP tools.
package orch

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/opencode-orchestrator/internal/bus"
	"github.com/jaakkos/opencode-orchestrator/internal/device"
	"github.com/jaakkos/opencode-orchestrator/internal/history"
	"github.com/jaakkos/opencode-orchestrator/internal/jobs"
	"github.com/jaakkos/opencode-orchestrator/internal/registry"
	"github.com/jaakkos/opencode-orchestrator/internal/spawn"
	"github.com/jaakkos/opencode-orchestrator/internal/workflow"
)

// Deps carries everything the tool handlers need. History is optional.
type Deps struct {
	Spawner  *spawn.Spawner
	Registry *registry.Registry
	Devices  *device.Registry
	Jobs     *jobs.Registry
	Bus      *bus.Bus
	Engine   *workflow.Engine
	History  *history.Store
	Logger   *log.Logger
}

// Register installs all orchestrator tools on the mcp-go server.
func Register(s *server.MCPServer, d Deps) {
	// Worker lifecycle (5)
	registerSpawnWorker(s, d)
	registerSpawnWorkers(s, d)
	registerListWorkers(s, d)
	registerWorkerStatus(s, d)
	registerStopWorker(s, d)

	// Task dispatch (5)
	registerSendToWorker(s, d)
	registerSendAsync(s, d)
	registerGetJob(s, d)
	registerWaitJob(s, d)
	registerListJobs(s, d)

	// Messaging (2)
	registerPostMessage(s, d)
	registerReadInbox(s, d)

	// Workflows (2)
	registerRunWorkflow(s, d)
	registerListWorkflows(s, d)

	// History (1), only when the archive is wired.
	if d.History != nil {
		registerJobHistory(s, d)
	}
}
