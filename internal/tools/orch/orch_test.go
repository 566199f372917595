package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/opencode-orchestrator/internal/bridge"
	"github.com/jaakkos/opencode-orchestrator/internal/bus"
	"github.com/jaakkos/opencode-orchestrator/internal/config"
	"github.com/jaakkos/opencode-orchestrator/internal/device"
	"github.com/jaakkos/opencode-orchestrator/internal/domain"
	"github.com/jaakkos/opencode-orchestrator/internal/jobs"
	"github.com/jaakkos/opencode-orchestrator/internal/lock"
	"github.com/jaakkos/opencode-orchestrator/internal/registry"
	"github.com/jaakkos/opencode-orchestrator/internal/spawn"
	"github.com/jaakkos/opencode-orchestrator/internal/workflow"
)

// scriptedRunner satisfies workflow.WorkerRunner for run_workflow tests.
type scriptedRunner struct {
	failOn string
}

func (r *scriptedRunner) Acquire(ctx context.Context, profileID string) (domain.WorkerInstance, error) {
	return domain.WorkerInstance{
		Profile: domain.WorkerProfile{ID: profileID},
		Status:  domain.StatusReady,
	}, nil
}

func (r *scriptedRunner) Send(ctx context.Context, workerID, text string, opts spawn.SendOptions) (string, error) {
	if workerID == r.failOn {
		return "", errors.New("worker exploded")
	}
	return "ok from " + workerID, nil
}

// testDeps wires real components around an empty configuration. No
// subprocesses are launched; spawner paths exercised here stay on the
// not-found and not-running branches.
func testDeps(t *testing.T) Deps {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	cfg := config.Default()
	reg := registry.New()
	jr := jobs.New()
	b := bus.New()
	dev := device.New(filepath.Join(t.TempDir(), "devices.json"), logger)
	locks := lock.NewManager(t.TempDir(), logger)
	br, err := bridge.New(reg, jr, b, logger)
	if err != nil {
		t.Fatal(err)
	}
	sp := spawn.New(cfg, reg, dev, locks, br, nil, logger, "inst-test")

	eng := workflow.NewEngine(&scriptedRunner{}, cfg.Security, false, logger)
	eng.Install(workflow.Workflow{
		ID:   "pair",
		Name: "Plan then do",
		Steps: []workflow.Step{
			{ID: "plan", Title: "plan", WorkerID: "planner", Template: "Plan: {task}", Carry: true},
			{ID: "do", Title: "do", WorkerID: "coder", Template: "{carry}"},
		},
	})

	return Deps{
		Spawner:  sp,
		Registry: reg,
		Devices:  dev,
		Jobs:     jr,
		Bus:      b,
		Engine:   eng,
		Logger:   logger,
	}
}

// testServer registers all tools over the given deps.
func testServer(d Deps) *server.MCPServer {
	s := server.NewMCPServer("test", "0.0.0")
	Register(s, d)
	return s
}

// callTool invokes a registered tool through the server's JSON-RPC surface.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &result, nil
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func TestPostMessageAndReadInbox(t *testing.T) {
	d := testDeps(t)
	srv := testServer(d)

	result, err := callTool(t, srv, "post_message", map[string]any{
		"from": "coder", "to": "reviewer", "text": "diff is ready", "topic": "handoff",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, result), "to reviewer") {
		t.Errorf("unexpected result: %s", resultText(t, result))
	}

	result, err = callTool(t, srv, "read_inbox", map[string]any{"to": "reviewer"})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "coder") || !strings.Contains(text, "diff is ready") || !strings.Contains(text, "handoff") {
		t.Errorf("inbox rendering = %q", text)
	}
}

func TestPostMessageMissingArgs(t *testing.T) {
	srv := testServer(testDeps(t))
	if _, err := callTool(t, srv, "post_message", map[string]any{"from": "coder", "to": "reviewer"}); err == nil {
		t.Fatal("expected error for missing text")
	}
}

func TestReadInboxEmptyAndJSON(t *testing.T) {
	d := testDeps(t)
	srv := testServer(d)

	result, err := callTool(t, srv, "read_inbox", map[string]any{"to": "nobody"})
	if err != nil {
		t.Fatal(err)
	}
	if got := resultText(t, result); got != "No messages." {
		t.Errorf("empty inbox = %q", got)
	}

	d.Bus.Send("a", "b", "", "hi")
	result, err = callTool(t, srv, "read_inbox", map[string]any{"to": "b", "format": "json"})
	if err != nil {
		t.Fatal(err)
	}
	var ms []domain.Message
	if err := json.Unmarshal([]byte(resultText(t, result)), &ms); err != nil {
		t.Fatalf("json output did not parse: %v", err)
	}
	if len(ms) != 1 || ms[0].Text != "hi" {
		t.Errorf("messages = %+v", ms)
	}
}

func TestGetJobAndListJobs(t *testing.T) {
	d := testDeps(t)
	srv := testServer(d)

	id := d.Jobs.Create("coder", "fix the bug")
	d.Jobs.Succeed(id, "fixed")

	result, err := callTool(t, srv, "get_job", map[string]any{"job": id})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, id) || !strings.Contains(text, "fixed") {
		t.Errorf("job rendering = %q", text)
	}

	result, err = callTool(t, srv, "list_jobs", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, result), "fix the bug") {
		t.Errorf("list rendering = %q", resultText(t, result))
	}
}

func TestGetJobUnknown(t *testing.T) {
	srv := testServer(testDeps(t))
	if _, err := callTool(t, srv, "get_job", map[string]any{"job": "ghost"}); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestWaitJobAlreadyTerminal(t *testing.T) {
	d := testDeps(t)
	srv := testServer(d)

	id := d.Jobs.Create("coder", "task")
	d.Jobs.Fail(id, "boom")

	result, err := callTool(t, srv, "wait_job", map[string]any{"job": id, "timeout_ms": float64(50)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, result), "boom") {
		t.Errorf("wait rendering = %q", resultText(t, result))
	}
}

func TestListWorkersAndStatus(t *testing.T) {
	d := testDeps(t)
	srv := testServer(d)

	d.Registry.Register(&domain.WorkerInstance{
		Profile: domain.WorkerProfile{ID: "coder", Name: "Coder"},
		Status:  domain.StatusReady,
		URL:     "http://127.0.0.1:14000",
	})
	d.Registry.Register(&domain.WorkerInstance{
		Profile: domain.WorkerProfile{ID: "scout"},
		Status:  domain.StatusStopped,
	})

	result, err := callTool(t, srv, "list_workers", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "coder") || !strings.Contains(text, "scout") {
		t.Errorf("list = %q", text)
	}

	result, err = callTool(t, srv, "list_workers", map[string]any{"active_only": true})
	if err != nil {
		t.Fatal(err)
	}
	text = resultText(t, result)
	if strings.Contains(text, "scout") {
		t.Errorf("active_only list still shows stopped worker: %q", text)
	}

	result, err = callTool(t, srv, "worker_status", map[string]any{"worker": "coder"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, result), "http://127.0.0.1:14000") {
		t.Errorf("status = %q", resultText(t, result))
	}
}

func TestListWorkersFleetView(t *testing.T) {
	d := testDeps(t)
	srv := testServer(d)

	d.Devices.UpsertWorker(domain.DeviceEntry{
		Kind:                   domain.KindWorker,
		OrchestratorInstanceID: "inst-other",
		WorkerID:               "coder",
		PID:                    os.Getpid(), // alive, survives pruning
		URL:                    "http://127.0.0.1:15000",
		Status:                 "ready",
	})

	result, err := callTool(t, srv, "list_workers", map[string]any{"fleet": true})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "inst-other") || !strings.Contains(text, "http://127.0.0.1:15000") {
		t.Errorf("fleet view = %q", text)
	}
}

func TestSpawnWorkerUnknownProfile(t *testing.T) {
	srv := testServer(testDeps(t))
	_, err := callTool(t, srv, "spawn_worker", map[string]any{"worker": "ghost"})
	if err == nil || !strings.Contains(err.Error(), "no such profile") {
		t.Fatalf("err = %v, want unknown profile", err)
	}
}

func TestStopWorkerNotRunning(t *testing.T) {
	srv := testServer(testDeps(t))
	result, err := callTool(t, srv, "stop_worker", map[string]any{"worker": "coder"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, result), "not running") {
		t.Errorf("result = %q", resultText(t, result))
	}
}

func TestSendToWorkerUnknown(t *testing.T) {
	srv := testServer(testDeps(t))
	if _, err := callTool(t, srv, "send_to_worker", map[string]any{"worker": "ghost", "message": "hi"}); err == nil {
		t.Fatal("expected error for unknown worker")
	}
}

func TestRunWorkflow(t *testing.T) {
	d := testDeps(t)
	srv := testServer(d)

	result, err := callTool(t, srv, "run_workflow", map[string]any{
		"workflow": "pair", "task": "ship it",
	})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "completed") || !strings.Contains(text, "ok from coder") {
		t.Errorf("workflow result = %q", text)
	}
}

func TestRunWorkflowUnknown(t *testing.T) {
	srv := testServer(testDeps(t))
	if _, err := callTool(t, srv, "run_workflow", map[string]any{"workflow": "ghost", "task": "x"}); err == nil {
		t.Fatal("expected error for unknown workflow")
	}
}

func TestListWorkflows(t *testing.T) {
	srv := testServer(testDeps(t))
	result, err := callTool(t, srv, "list_workflows", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "pair") || !strings.Contains(text, "planner") {
		t.Errorf("workflows = %q", text)
	}
}

func TestJobHistoryToolAbsentWithoutStore(t *testing.T) {
	srv := testServer(testDeps(t))
	if _, err := callTool(t, srv, "job_history", map[string]any{}); err == nil {
		t.Fatal("job_history must not be registered without an archive")
	}
}

func TestAttachmentsArg(t *testing.T) {
	args := map[string]any{"attachments": []any{
		map[string]any{"url": "file:///a.png", "mime": "image/png", "filename": "a.png"},
		map[string]any{"mime": "image/png"}, // no url, dropped
		"not an object",
	}}
	got := attachmentsArg(args)
	if len(got) != 1 || got[0].URL != "file:///a.png" || got[0].MIME != "image/png" {
		t.Errorf("attachments = %+v", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("line one\nline two", 100); got != "line one line two" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdef", 3); got != "abc…" {
		t.Errorf("truncate = %q", got)
	}
}
