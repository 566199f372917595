package orch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
	"github.com/jaakkos/opencode-orchestrator/internal/workflow"
)

// formatArg reads the format selector shared by every listing tool.
func formatArg(args map[string]any) string {
	f, _ := args["format"].(string)
	if f == "json" {
		return "json"
	}
	return "markdown"
}

// asJSON renders any payload as an indented JSON tool result.
func asJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func workersMarkdown(ws []domain.WorkerInstance) string {
	if len(ws) == 0 {
		return "No workers."
	}
	var b strings.Builder
	b.WriteString("| Worker | Status | Model | URL | Task |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, w := range ws {
		modelRef := ""
		if w.ModelResolution != nil {
			modelRef = w.ModelResolution.Model
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			w.Profile.ID, w.Status, modelRef, w.URL, w.CurrentTask)
	}
	return b.String()
}

func workerMarkdown(w domain.WorkerInstance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%s)\n\n", w.Profile.DisplayName(), w.Profile.ID)
	fmt.Fprintf(&b, "- Status: %s\n", w.Status)
	if w.ModelResolution != nil {
		fmt.Fprintf(&b, "- Model: %s (%s)\n", w.ModelResolution.Model, w.ModelResolution.Reason)
	}
	if w.URL != "" {
		fmt.Fprintf(&b, "- URL: %s\n", w.URL)
	}
	if w.PID != 0 {
		fmt.Fprintf(&b, "- PID: %d\n", w.PID)
	}
	if !w.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- Started: %s\n", w.StartedAt.Format(time.RFC3339))
	}
	if w.CurrentTask != "" {
		fmt.Fprintf(&b, "- Current task: %s\n", w.CurrentTask)
	}
	if w.Warning != "" {
		fmt.Fprintf(&b, "- Warning: %s\n", w.Warning)
	}
	if w.Error != "" {
		fmt.Fprintf(&b, "- Error: %s\n", w.Error)
	}
	if w.LastResult != nil && w.LastResult.Response != "" {
		fmt.Fprintf(&b, "\n### Last result (%d ms)\n\n%s\n", w.LastResult.DurationMs, w.LastResult.Response)
	}
	return b.String()
}

func fleetMarkdown(entries []domain.DeviceEntry) string {
	if len(entries) == 0 {
		return "No workers on this machine."
	}
	var b strings.Builder
	b.WriteString("| Worker | Instance | PID | Status | URL |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "| %s | %s | %d | %s | %s |\n",
			e.WorkerID, e.OrchestratorInstanceID, e.PID, e.Status, e.URL)
	}
	return b.String()
}

func jobsMarkdown(js []domain.Job) string {
	if len(js) == 0 {
		return "No jobs."
	}
	var b strings.Builder
	b.WriteString("| Job | Worker | Status | Duration | Message |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, j := range js {
		fmt.Fprintf(&b, "| %s | %s | %s | %d ms | %s |\n",
			j.ID, j.WorkerID, j.Status, j.DurationMs, truncate(j.Message, 60))
	}
	return b.String()
}

func jobMarkdown(j domain.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Job %s\n\n- Worker: %s\n- Status: %s\n", j.ID, j.WorkerID, j.Status)
	if j.DurationMs > 0 {
		fmt.Fprintf(&b, "- Duration: %d ms\n", j.DurationMs)
	}
	if j.Error != "" {
		fmt.Fprintf(&b, "- Error: %s\n", j.Error)
	}
	if j.Response != "" {
		fmt.Fprintf(&b, "\n%s\n", j.Response)
	}
	return b.String()
}

func messagesMarkdown(ms []domain.Message) string {
	if len(ms) == 0 {
		return "No messages."
	}
	var b strings.Builder
	for _, m := range ms {
		at := time.UnixMilli(m.CreatedAt).Format(time.RFC3339)
		if m.Topic != "" {
			fmt.Fprintf(&b, "- [%s] **%s** (%s): %s\n", at, m.From, m.Topic, m.Text)
		} else {
			fmt.Fprintf(&b, "- [%s] **%s**: %s\n", at, m.From, m.Text)
		}
	}
	return b.String()
}

func workflowsMarkdown(wfs []workflow.Workflow) string {
	if len(wfs) == 0 {
		return "No workflows."
	}
	var b strings.Builder
	for _, wf := range wfs {
		fmt.Fprintf(&b, "## %s: %s\n\n", wf.ID, wf.Name)
		if wf.Description != "" {
			b.WriteString(wf.Description + "\n\n")
		}
		for i, step := range wf.Steps {
			fmt.Fprintf(&b, "%d. %s → %s\n", i+1, step.Title, step.WorkerID)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func workflowResultMarkdown(res workflow.Result) string {
	var b strings.Builder
	state := "stopped"
	if res.Completed {
		state = "completed"
	}
	fmt.Fprintf(&b, "## Workflow %s %s (%d steps)\n\n", res.WorkflowID, state, len(res.Steps))
	for i, step := range res.Steps {
		mark := "ok"
		if !step.OK {
			mark = "FAILED"
		}
		fmt.Fprintf(&b, "%d. %s [%s] %s (%d ms)\n", i+1, step.Title, step.WorkerID, mark, step.DurationMs)
		if step.Err != "" {
			fmt.Fprintf(&b, "   error: %s\n", step.Err)
		}
	}
	if len(res.Steps) > 0 {
		last := res.Steps[len(res.Steps)-1]
		if last.OK && last.Response != "" {
			fmt.Fprintf(&b, "\n### Final response\n\n%s\n", last.Response)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
