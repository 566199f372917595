package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/opencode-orchestrator/internal/spawn"
)

// attachmentsArg parses the attachments array shared by the send tools.
func attachmentsArg(args map[string]any) []spawn.Attachment {
	raw, _ := args["attachments"].([]any)
	var out []spawn.Attachment
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		a := spawn.Attachment{}
		a.MIME, _ = m["mime"].(string)
		a.URL, _ = m["url"].(string)
		a.Filename, _ = m["filename"].(string)
		if a.URL != "" {
			out = append(out, a)
		}
	}
	return out
}

func timeoutArg(args map[string]any) time.Duration {
	if v, ok := args["timeout_ms"].(float64); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

// registerSendToWorker registers the send_to_worker tool.
func registerSendToWorker(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("send_to_worker",
			mcp.WithDescription("Send a prompt to a ready worker and wait for its reply."),
			mcp.WithString("worker", mcp.Required(), mcp.Description("Worker id")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Prompt text")),
			mcp.WithNumber("timeout_ms", mcp.Description("Reply deadline in milliseconds (default: 600000)")),
			mcp.WithArray("attachments", mcp.Description("Attachments: objects with url, mime, filename")),
			mcp.WithBoolean("spawn", mcp.Description("Spawn the worker first if it is not running (default: false)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			workerID, _ := args["worker"].(string)
			message, _ := args["message"].(string)
			if workerID == "" || message == "" {
				return nil, fmt.Errorf("'worker' and 'message' are required")
			}

			if doSpawn, _ := args["spawn"].(bool); doSpawn {
				if _, err := d.Spawner.Acquire(ctx, workerID); err != nil {
					return nil, err
				}
				trackOwner(ctx, d, workerID)
			}

			reply, err := d.Spawner.Send(ctx, workerID, message, spawn.SendOptions{
				Attachments: attachmentsArg(args),
				Timeout:     timeoutArg(args),
			})
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(reply), nil
		},
	)
}

// registerSendAsync registers the send_async tool.
func registerSendAsync(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("send_async",
			mcp.WithDescription("Submit a prompt as an async job and return its id immediately. Poll with get_job or block with wait_job."),
			mcp.WithString("worker", mcp.Required(), mcp.Description("Worker id")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Prompt text")),
			mcp.WithNumber("timeout_ms", mcp.Description("Reply deadline in milliseconds (default: 600000)")),
			mcp.WithArray("attachments", mcp.Description("Attachments: objects with url, mime, filename")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			workerID, _ := args["worker"].(string)
			message, _ := args["message"].(string)
			if workerID == "" || message == "" {
				return nil, fmt.Errorf("'worker' and 'message' are required")
			}

			jobID := d.Jobs.Create(workerID, message)
			opts := spawn.SendOptions{
				Attachments: attachmentsArg(args),
				Timeout:     timeoutArg(args),
				JobID:       jobID,
			}

			// The job outlives this request; detach from its context. The
			// bridge may complete the job first via the worker's report;
			// completion is exactly-once either way.
			go func() {
				reply, err := d.Spawner.Send(context.Background(), workerID, message, opts)
				if err != nil {
					d.Jobs.Fail(jobID, err.Error())
					return
				}
				d.Jobs.Succeed(jobID, reply)
			}()

			d.Logger.Printf("Tools: job %s submitted to %s", jobID, workerID)
			return mcp.NewToolResultText(fmt.Sprintf("Job %s submitted to %s.", jobID, workerID)), nil
		},
	)
}

// registerGetJob registers the get_job tool.
func registerGetJob(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Look up an async job's status and result."),
			mcp.WithString("job", mcp.Required(), mcp.Description("Job id")),
			mcp.WithString("format", mcp.Description("Output format: markdown or json (default: markdown)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			jobID, _ := args["job"].(string)
			if jobID == "" {
				return nil, fmt.Errorf("'job' is required")
			}
			j, ok := d.Jobs.Get(jobID)
			if !ok {
				return nil, fmt.Errorf("no such job %q", jobID)
			}
			if formatArg(args) == "json" {
				return asJSON(j)
			}
			return mcp.NewToolResultText(jobMarkdown(j)), nil
		},
	)
}

// registerWaitJob registers the wait_job tool.
func registerWaitJob(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("wait_job",
			mcp.WithDescription("Block until an async job completes or the timeout elapses."),
			mcp.WithString("job", mcp.Required(), mcp.Description("Job id")),
			mcp.WithNumber("timeout_ms", mcp.Description("How long to wait (default: 60000)")),
			mcp.WithString("format", mcp.Description("Output format: markdown or json (default: markdown)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			jobID, _ := args["job"].(string)
			if jobID == "" {
				return nil, fmt.Errorf("'job' is required")
			}
			timeout := timeoutArg(args)
			if timeout <= 0 {
				timeout = time.Minute
			}
			j, err := d.Jobs.WaitFor(jobID, timeout)
			if err != nil {
				return nil, err
			}
			if formatArg(args) == "json" {
				return asJSON(j)
			}
			return mcp.NewToolResultText(jobMarkdown(j)), nil
		},
	)
}

// registerListJobs registers the list_jobs tool.
func registerListJobs(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List recent async jobs, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum jobs to return (default: 20)")),
			mcp.WithString("format", mcp.Description("Output format: markdown or json (default: markdown)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			limit := 20
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			js := d.Jobs.List(limit)
			if formatArg(args) == "json" {
				return asJSON(js)
			}
			return mcp.NewToolResultText(jobsMarkdown(js)), nil
		},
	)
}

// registerJobHistory registers the job_history tool backed by the archive.
func registerJobHistory(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("job_history",
			mcp.WithDescription("Query archived (completed) jobs, including ones pruned from the live registry."),
			mcp.WithString("worker", mcp.Description("Filter by worker id")),
			mcp.WithNumber("limit", mcp.Description("Maximum jobs to return (default: 20)")),
			mcp.WithString("format", mcp.Description("Output format: markdown or json (default: markdown)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			workerID, _ := args["worker"].(string)
			limit := 20
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			js, err := d.History.RecentJobs(workerID, limit)
			if err != nil {
				return nil, err
			}
			if formatArg(args) == "json" {
				return asJSON(js)
			}
			return mcp.NewToolResultText(jobsMarkdown(js)), nil
		},
	)
}
