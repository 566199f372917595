package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies orchestrator failures. The set is closed; callers switch on
// it to decide retry and reporting behavior.
type Kind string

const (
	KindConfigInvalid     Kind = "CONFIG_INVALID"
	KindModelInvalid      Kind = "MODEL_INVALID"
	KindModelUnresolvable Kind = "MODEL_UNRESOLVABLE"
	KindVisionRequired    Kind = "VISION_REQUIRED"
	KindLockTimeout       Kind = "LOCK_TIMEOUT"
	KindSpawnTimeout      Kind = "SPAWN_TIMEOUT"
	KindSpawnExit         Kind = "SPAWN_EXIT"
	KindSessionCreate     Kind = "SESSION_CREATE"
	KindWorkerNotFound    Kind = "WORKER_NOT_FOUND"
	KindWorkerNotReady    Kind = "WORKER_NOT_READY"
	KindWorkerEmpty       Kind = "WORKER_EMPTY"
	KindJobNotFound       Kind = "JOB_NOT_FOUND"
	KindJobTimeout        Kind = "JOB_TIMEOUT"
	KindBridgeUnauthorized Kind = "BRIDGE_UNAUTHORIZED"
	KindBridgeBadRequest   Kind = "BRIDGE_BAD_REQUEST"
	KindBridgeNotFound     Kind = "BRIDGE_NOT_FOUND"
	KindWorkflowUnknown     Kind = "WORKFLOW_UNKNOWN"
	KindWorkflowCapExceeded Kind = "WORKFLOW_CAP_EXCEEDED"
)

// maxSuggestions caps the candidate list carried on an error.
const maxSuggestions = 20

// Error is a classified orchestrator error. Op names the failed operation,
// ID the offending identifier (worker id, job id, model ref, ...).
type Error struct {
	Kind        Kind
	Op          string
	ID          string
	Err         error
	Suggestions []string
}

// E builds an *Error. msg may be empty when err carries the detail.
func E(kind Kind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// Errorf builds an *Error from a format string.
func Errorf(kind Kind, op, id, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: fmt.Errorf(format, args...)}
}

// WithSuggestions attaches up to 20 candidate identifiers to the error.
func (e *Error) WithSuggestions(candidates []string) *Error {
	if len(candidates) > maxSuggestions {
		candidates = candidates[:maxSuggestions]
	}
	e.Suggestions = candidates
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.ID != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%q", e.ID)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Suggestions) > 0 {
		fmt.Fprintf(&b, " (did you mean: %s)", strings.Join(e.Suggestions, ", "))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, &Error{Kind: ...}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err, or "" when err is not a classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
