package pipeline

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a step or, for the subset marked below,
// of a whole pipeline.
type Status string

const (
	StatusPending                  Status = "pending"
	StatusWaitingDependency        Status = "waiting_dependency"
	StatusInProgress               Status = "in_progress"
	StatusWaitingInput             Status = "waiting_input"
	StatusWaitingForAcknowledgment Status = "waiting_for_acknowledgment"
	StatusCompleted                Status = "completed"
	StatusFailed                   Status = "failed"

	// Pipeline-only: no step has reported yet.
	StatusInitialized Status = "initialized"
)

func (s Status) String() string { return string(s) }

// notStarted reports whether a step in s has not left the entry states.
func (s Status) notStarted() bool {
	return s == StatusPending || s == StatusWaitingDependency
}

// requestable reports whether callers may ask for s. pending and
// waiting_for_acknowledgment are only ever set by the registry.
func (s Status) requestable() bool {
	switch s {
	case StatusWaitingDependency, StatusInProgress, StatusWaitingInput, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseRequestedStatus maps the vocabulary of step executors onto Status.
// "running" is the executor's word for in_progress; "success" and "error"
// are what step implementations report in their result documents.
func ParseRequestedStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "in_progress", "started":
		return StatusInProgress, nil
	case "completed", "success", "done":
		return StatusCompleted, nil
	case "failed", "error":
		return StatusFailed, nil
	case "waiting_input":
		return StatusWaitingInput, nil
	case "waiting_dependency":
		return StatusWaitingDependency, nil
	case "pending", "waiting_for_acknowledgment":
		return "", fmt.Errorf("%w: status %q cannot be requested", ErrInvalidTransition, raw)
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, raw)
	}
}
