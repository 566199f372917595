package orch

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// trackOwner binds the spawned worker to the MCP session that asked for it,
// so session disposal stops exactly its own workers.
func trackOwner(ctx context.Context, d Deps, workerID string) {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		d.Registry.TrackOwnership(cs.SessionID(), workerID)
	}
}

// registerSpawnWorker registers the spawn_worker tool.
func registerSpawnWorker(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("spawn_worker",
			mcp.WithDescription("Spawn (or reuse) the worker for a configured profile and wait until it is ready."),
			mcp.WithString("worker", mcp.Required(), mcp.Description("Profile id of the worker to spawn")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			workerID, _ := args["worker"].(string)
			if workerID == "" {
				return nil, fmt.Errorf("'worker' is required")
			}

			w, err := d.Spawner.Acquire(ctx, workerID)
			if err != nil {
				return nil, err
			}
			trackOwner(ctx, d, workerID)

			d.Logger.Printf("Tools: spawned worker %s", workerID)
			return mcp.NewToolResultText(workerMarkdown(w)), nil
		},
	)
}

// registerSpawnWorkers registers the spawn_workers tool.
func registerSpawnWorkers(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("spawn_workers",
			mcp.WithDescription("Spawn several workers. Sequential by default; set parallel to spawn all at once."),
			mcp.WithArray("workers", mcp.Required(), mcp.Description("Profile ids to spawn")),
			mcp.WithBoolean("parallel", mcp.Description("Spawn all profiles concurrently (default: false)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			raw, _ := args["workers"].([]any)
			if len(raw) == 0 {
				return nil, fmt.Errorf("'workers' is required")
			}
			var ids []string
			for _, v := range raw {
				if id, ok := v.(string); ok && id != "" {
					ids = append(ids, id)
				}
			}
			parallel, _ := args["parallel"].(bool)

			res := d.Spawner.SpawnMany(ctx, ids, parallel)
			for _, id := range res.Spawned {
				trackOwner(ctx, d, id)
			}

			var b []byte
			b = fmt.Appendf(b, "Spawned %d/%d workers.\n", len(res.Spawned), len(ids))
			for _, id := range res.Spawned {
				b = fmt.Appendf(b, "- %s: ready\n", id)
			}
			for id, msg := range res.Failed {
				b = fmt.Appendf(b, "- %s: FAILED: %s\n", id, msg)
			}
			return mcp.NewToolResultText(string(b)), nil
		},
	)
}

// registerListWorkers registers the list_workers tool.
func registerListWorkers(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("list_workers",
			mcp.WithDescription("List known workers and their status."),
			mcp.WithBoolean("active_only", mcp.Description("Hide stopped and errored workers (default: false)")),
			mcp.WithBoolean("fleet", mcp.Description("Include the machine-wide view with workers of other orchestrator processes (default: false)")),
			mcp.WithString("format", mcp.Description("Output format: markdown or json (default: markdown)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			if fleet, _ := args["fleet"].(bool); fleet && d.Devices != nil {
				entries := d.Devices.Workers()
				if formatArg(args) == "json" {
					return asJSON(entries)
				}
				return mcp.NewToolResultText(fleetMarkdown(entries)), nil
			}
			ws := d.Registry.List()
			if active, _ := args["active_only"].(bool); active {
				ws = d.Registry.GetActive()
			}
			if formatArg(args) == "json" {
				return asJSON(ws)
			}
			return mcp.NewToolResultText(workersMarkdown(ws)), nil
		},
	)
}

// registerWorkerStatus registers the worker_status tool.
func registerWorkerStatus(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("worker_status",
			mcp.WithDescription("Show one worker's full status including its last result."),
			mcp.WithString("worker", mcp.Required(), mcp.Description("Worker id")),
			mcp.WithString("format", mcp.Description("Output format: markdown or json (default: markdown)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			workerID, _ := args["worker"].(string)
			if workerID == "" {
				return nil, fmt.Errorf("'worker' is required")
			}
			w, ok := d.Registry.Get(workerID)
			if !ok {
				return nil, fmt.Errorf("no such worker %q", workerID)
			}
			if formatArg(args) == "json" {
				return asJSON(w)
			}
			return mcp.NewToolResultText(workerMarkdown(w)), nil
		},
	)
}

// registerStopWorker registers the stop_worker tool.
func registerStopWorker(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("stop_worker",
			mcp.WithDescription("Stop a worker's subprocess and remove it from the fleet."),
			mcp.WithString("worker", mcp.Required(), mcp.Description("Worker id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			workerID, _ := args["worker"].(string)
			if workerID == "" {
				return nil, fmt.Errorf("'worker' is required")
			}
			if !d.Spawner.Stop(workerID) {
				return mcp.NewToolResultText(fmt.Sprintf("Worker %q was not running.", workerID)), nil
			}
			d.Logger.Printf("Tools: stopped worker %s", workerID)
			return mcp.NewToolResultText(fmt.Sprintf("Worker %q stopped.", workerID)), nil
		},
	)
}
