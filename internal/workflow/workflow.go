// Package workflow runs named step sequences against workers, threading a
// bounded carry of prior responses.
package workflow

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/opencode-orchestrator/internal/config"
	"github.com/jaakkos/opencode-orchestrator/internal/domain"
	"github.com/jaakkos/opencode-orchestrator/internal/spawn"
)

// Step is one unit of a workflow.
type Step struct {
	ID       string
	Title    string
	WorkerID string
	Template string // placeholders {task} and {carry}
	Carry    bool   // response feeds later steps' carry
}

// Workflow is an ordered step sequence.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Steps       []Step
}

// Caps bound one run. Zero fields take the engine's configured caps; larger
// requests are clamped down to them.
type Caps struct {
	MaxSteps       int
	MaxTaskChars   int
	MaxCarryChars  int
	PerStepTimeout time.Duration
}

// StepOutcome records one executed step.
type StepOutcome struct {
	StepID     string
	Title      string
	WorkerID   string
	StartedAt  time.Time
	FinishedAt time.Time
	DurationMs int64
	Response   string
	Err        string
	OK         bool
}

// Result is a completed (or stopped) run.
type Result struct {
	WorkflowID string
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      []StepOutcome
	Completed  bool
}

// WorkerRunner is the slice of the spawner the engine drives.
type WorkerRunner interface {
	Acquire(ctx context.Context, profileID string) (domain.WorkerInstance, error)
	Send(ctx context.Context, workerID, text string, opts spawn.SendOptions) (string, error)
}

// Engine executes workflows from its library.
type Engine struct {
	runner    WorkerRunner
	logger    *log.Logger
	caps      Caps
	autoSpawn bool

	library map[string]Workflow
}

// NewEngine builds an engine with the configuration-level caps. autoSpawn
// governs whether steps may spawn their target worker.
func NewEngine(runner WorkerRunner, sec config.SecurityConfig, autoSpawn bool, logger *log.Logger) *Engine {
	return &Engine{
		runner: runner,
		logger: logger,
		caps: Caps{
			MaxSteps:       sec.MaxSteps,
			MaxTaskChars:   sec.MaxTaskChars,
			MaxCarryChars:  sec.MaxCarryChars,
			PerStepTimeout: time.Duration(sec.PerStepTimeoutMs) * time.Millisecond,
		},
		autoSpawn: autoSpawn,
		library:   make(map[string]Workflow),
	}
}

// Install adds or replaces a workflow in the library.
func (e *Engine) Install(wf Workflow) {
	e.library[wf.ID] = wf
}

// InstallSpecs converts configured workflow definitions into the library.
func (e *Engine) InstallSpecs(specs []config.WorkflowSpec) {
	for _, s := range specs {
		e.Install(fromSpec(s))
	}
}

func fromSpec(s config.WorkflowSpec) Workflow {
	wf := Workflow{ID: s.ID, Name: s.Name, Description: s.Description}
	for _, st := range s.Steps {
		wf.Steps = append(wf.Steps, Step{
			ID:       st.ID,
			Title:    st.Title,
			WorkerID: st.WorkerID,
			Template: st.Template,
			Carry:    st.Carry,
		})
	}
	return wf
}

// List returns the library's workflows sorted by id.
func (e *Engine) List() []Workflow {
	out := make([]Workflow, 0, len(e.library))
	for _, wf := range e.library {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunByID runs a library workflow.
func (e *Engine) RunByID(ctx context.Context, workflowID, task string, caps Caps, attachments []spawn.Attachment) (Result, error) {
	wf, ok := e.library[workflowID]
	if !ok {
		var ids []string
		for id := range e.library {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return Result{}, domain.Errorf(domain.KindWorkflowUnknown, "workflow.run", workflowID,
			"no such workflow").WithSuggestions(ids)
	}
	return e.Run(ctx, wf, task, caps, attachments)
}

// clamp resolves the effective caps: zero takes the engine default, anything
// above it is clamped down.
func (e *Engine) clamp(caps Caps) Caps {
	out := e.caps
	if caps.MaxSteps > 0 && caps.MaxSteps < out.MaxSteps {
		out.MaxSteps = caps.MaxSteps
	}
	if caps.MaxTaskChars > 0 && caps.MaxTaskChars < out.MaxTaskChars {
		out.MaxTaskChars = caps.MaxTaskChars
	}
	if caps.MaxCarryChars > 0 && caps.MaxCarryChars < out.MaxCarryChars {
		out.MaxCarryChars = caps.MaxCarryChars
	}
	if caps.PerStepTimeout > 0 && caps.PerStepTimeout < out.PerStepTimeout {
		out.PerStepTimeout = caps.PerStepTimeout
	}
	return out
}

// Run executes the workflow. On a step failure the run stops; later steps do
// not execute. Attachments apply to the first step only.
func (e *Engine) Run(ctx context.Context, wf Workflow, task string, caps Caps, attachments []spawn.Attachment) (Result, error) {
	caps = e.clamp(caps)

	if len(task) > caps.MaxTaskChars {
		return Result{}, domain.Errorf(domain.KindWorkflowCapExceeded, "workflow.run", wf.ID,
			"task is %d chars, cap is %d", len(task), caps.MaxTaskChars)
	}
	if len(wf.Steps) > caps.MaxSteps {
		return Result{}, domain.Errorf(domain.KindWorkflowCapExceeded, "workflow.run", wf.ID,
			"workflow has %d steps, cap is %d", len(wf.Steps), caps.MaxSteps)
	}

	res := Result{WorkflowID: wf.ID, StartedAt: time.Now()}
	carry := ""

	for i, step := range wf.Steps {
		outcome := StepOutcome{
			StepID:    step.ID,
			Title:     step.Title,
			WorkerID:  step.WorkerID,
			StartedAt: time.Now(),
		}

		err := e.ensureWorker(ctx, step.WorkerID)
		var reply string
		if err == nil {
			prompt := substitute(step.Template, task, carry)
			opts := spawn.SendOptions{Timeout: caps.PerStepTimeout}
			if i == 0 {
				opts.Attachments = attachments
			}
			reply, err = e.runner.Send(ctx, step.WorkerID, prompt, opts)
		}

		outcome.FinishedAt = time.Now()
		outcome.DurationMs = outcome.FinishedAt.Sub(outcome.StartedAt).Milliseconds()
		if err != nil {
			outcome.Err = err.Error()
			res.Steps = append(res.Steps, outcome)
			res.FinishedAt = time.Now()
			if e.logger != nil {
				e.logger.Printf("Workflow: %s stopped at step %q: %v", wf.ID, step.ID, err)
			}
			return res, nil
		}

		outcome.OK = true
		outcome.Response = reply
		res.Steps = append(res.Steps, outcome)

		if step.Carry {
			carry = appendCarry(carry, step.Title, reply, caps.MaxCarryChars)
		}
	}

	res.FinishedAt = time.Now()
	res.Completed = true
	return res, nil
}

// ensureWorker resolves the step's worker, spawning it when auto-spawn is
// allowed.
func (e *Engine) ensureWorker(ctx context.Context, workerID string) error {
	if e.autoSpawn {
		_, err := e.runner.Acquire(ctx, workerID)
		return err
	}
	// Without auto-spawn the send path itself reports an unknown worker.
	return nil
}

// substitute fills the {task} and {carry} placeholders.
func substitute(template, task, carry string) string {
	out := strings.ReplaceAll(template, "{task}", task)
	return strings.ReplaceAll(out, "{carry}", carry)
}

// appendCarry appends a titled section and trims from the front to fit the
// cap, so the newest context survives.
func appendCarry(carry, title, response string, maxChars int) string {
	section := fmt.Sprintf("### %s\n%s", title, response)
	if carry != "" {
		carry = carry + "\n\n" + section
	} else {
		carry = section
	}
	if len(carry) > maxChars {
		carry = carry[len(carry)-maxChars:]
	}
	return carry
}

// libraryFile is the YAML shape of the workflow library.
type libraryFile struct {
	Workflows []config.WorkflowSpec `yaml:"workflows"`
}

// LoadLibrary reads workflow definitions from a YAML file into the engine.
// A missing file is fine; a malformed one is an error.
func (e *Engine) LoadLibrary(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workflow library: %w", err)
	}
	var file libraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return domain.E(domain.KindConfigInvalid, "workflow.library", path, err)
	}
	e.InstallSpecs(file.Workflows)
	return nil
}
