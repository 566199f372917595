package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/opencode-orchestrator/internal/workflow"
)

// registerRunWorkflow registers the run_workflow tool.
func registerRunWorkflow(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("run_workflow",
			mcp.WithDescription("Run a named multi-step workflow over the worker fleet and return the per-step outcomes."),
			mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow id")),
			mcp.WithString("task", mcp.Required(), mcp.Description("Task description fed to the first step")),
			mcp.WithNumber("max_steps", mcp.Description("Cap on executed steps for this run")),
			mcp.WithNumber("max_task_chars", mcp.Description("Cap on task length for this run")),
			mcp.WithNumber("max_carry_chars", mcp.Description("Cap on carried context for this run")),
			mcp.WithNumber("step_timeout_ms", mcp.Description("Per-step reply deadline in milliseconds")),
			mcp.WithArray("attachments", mcp.Description("Attachments for the first step: objects with url, mime, filename")),
			mcp.WithString("format", mcp.Description("Output format: markdown or json (default: markdown)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			workflowID, _ := args["workflow"].(string)
			task, _ := args["task"].(string)
			if workflowID == "" || task == "" {
				return nil, fmt.Errorf("'workflow' and 'task' are required")
			}

			caps := workflow.Caps{}
			if v, ok := args["max_steps"].(float64); ok && v > 0 {
				caps.MaxSteps = int(v)
			}
			if v, ok := args["max_task_chars"].(float64); ok && v > 0 {
				caps.MaxTaskChars = int(v)
			}
			if v, ok := args["max_carry_chars"].(float64); ok && v > 0 {
				caps.MaxCarryChars = int(v)
			}
			if v, ok := args["step_timeout_ms"].(float64); ok && v > 0 {
				caps.PerStepTimeout = time.Duration(v) * time.Millisecond
			}

			res, err := d.Engine.RunByID(ctx, workflowID, task, caps, attachmentsArg(args))
			if err != nil {
				return nil, err
			}
			if formatArg(args) == "json" {
				return asJSON(res)
			}
			return mcp.NewToolResultText(workflowResultMarkdown(res)), nil
		},
	)
}

// registerListWorkflows registers the list_workflows tool.
func registerListWorkflows(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("list_workflows",
			mcp.WithDescription("List the installed workflows and their steps."),
			mcp.WithString("format", mcp.Description("Output format: markdown or json (default: markdown)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			wfs := d.Engine.List()
			if formatArg(args) == "json" {
				return asJSON(wfs)
			}
			return mcp.NewToolResultText(workflowsMarkdown(wfs)), nil
		},
	)
}
