// Package domain holds the orchestrator's core entities and aggregate
// documents. It has no dependencies on other packages.
package domain

import "time"

// WorkerStatus is the lifecycle status of a worker instance.
type WorkerStatus string

const (
	StatusStarting WorkerStatus = "starting"
	StatusReady    WorkerStatus = "ready"
	StatusBusy     WorkerStatus = "busy"
	StatusError    WorkerStatus = "error"
	StatusStopped  WorkerStatus = "stopped"
)

// Active reports whether the status counts as a live worker
// (anything that is not terminal).
func (s WorkerStatus) Active() bool {
	return s != StatusError && s != StatusStopped
}

// WorkerProfile is a declarative description of a kind of worker.
// Immutable once installed into the live configuration.
type WorkerProfile struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Model   string `json:"model"` // "provider/model" or a symbolic tag (auto, node:vision, ...)
	Purpose string `json:"purpose,omitempty"`

	SupportsImages bool `json:"supportsImages,omitempty"`
	SupportsWeb    bool `json:"supportsWeb,omitempty"`

	// Tools is an allow/deny map forwarded to the worker's own config
	// (tool id -> enabled).
	Tools       map[string]bool `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tags        []string        `json:"tags,omitempty"`

	// Port pins the worker to a fixed port. Zero means OS-assigned.
	Port int `json:"port,omitempty"`

	// SystemPrompt is seeded into the worker's session after spawn.
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// DisplayName returns the human name, falling back to the id.
func (p WorkerProfile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// ModelResolution records how a worker's concrete model was chosen.
type ModelResolution struct {
	Model  string `json:"model"`
	Reason string `json:"reason"`
}

// LastResult is one completed turn's outcome on a worker.
type LastResult struct {
	Response   string         `json:"response,omitempty"`
	Report     map[string]any `json:"report,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	FinishedAt time.Time      `json:"finishedAt,omitempty"`
}

// WorkerInstance is the runtime state of an active worker. The spawner owns
// the subprocess behind it; the in-memory registry shares the record for
// read-only observation and hands out copies.
type WorkerInstance struct {
	Profile WorkerProfile
	Status  WorkerStatus

	Port      int
	PID       int // zero when the subprocess belongs to another orchestrator
	URL       string
	SessionID string

	StartedAt    time.Time
	LastActivity time.Time

	Warning     string
	Error       string
	CurrentTask string
	LastResult  *LastResult

	ModelResolution *ModelResolution

	// Shutdown terminates the owned subprocess. Nil for reused workers
	// spawned by another orchestrator process.
	Shutdown func()
}

// JobStatus is the status of an asynchronous job. Transitions are monotonic:
// running -> succeeded | failed, exactly once.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool { return s != JobRunning }

// Job is an asynchronous unit of worker work.
type Job struct {
	ID         string         `json:"id"`
	WorkerID   string         `json:"workerId"`
	Message    string         `json:"message"`
	Status     JobStatus      `json:"status"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Response   string         `json:"response,omitempty"`
	Report     map[string]any `json:"report,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Message is an inter-worker message. Never mutated after creation.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Topic     string `json:"topic,omitempty"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds, non-decreasing per bus
}

// EntryKind discriminates device-registry entries.
type EntryKind string

const (
	KindWorker  EntryKind = "worker"
	KindSession EntryKind = "session"
)

// DeviceEntry is one row of the machine-wide device registry. Worker entries
// are identified by (orchestratorInstanceId, workerId, pid); session entries
// by (hostPid, sessionId).
type DeviceEntry struct {
	Kind EntryKind `json:"kind"`

	// Worker fields.
	OrchestratorInstanceID string `json:"orchestratorInstanceId,omitempty"`
	WorkerID               string `json:"workerId,omitempty"`
	PID                    int    `json:"pid,omitempty"`
	URL                    string `json:"url,omitempty"`
	Port                   int    `json:"port,omitempty"`
	SessionID              string `json:"sessionId,omitempty"`
	Status                 string `json:"status,omitempty"`
	StartedAt              int64  `json:"startedAt,omitempty"`
	LastError              string `json:"lastError,omitempty"`

	// Session fields.
	HostPID   int    `json:"hostPid,omitempty"`
	Directory string `json:"directory,omitempty"`
	Title     string `json:"title,omitempty"`

	UpdatedAt int64 `json:"updatedAt"`
}

// LivePID returns the pid to probe for liveness, regardless of entry kind.
func (e DeviceEntry) LivePID() int {
	if e.Kind == KindSession {
		return e.HostPID
	}
	return e.PID
}

// DeviceDocument is the on-disk shape of the device registry.
type DeviceDocument struct {
	Version   int           `json:"version"`
	UpdatedAt int64         `json:"updatedAt"`
	Entries   []DeviceEntry `json:"entries"`
}

// NewDeviceDocument returns an empty registry document at the current schema
// version.
func NewDeviceDocument() DeviceDocument {
	return DeviceDocument{Version: 1, Entries: []DeviceEntry{}}
}
