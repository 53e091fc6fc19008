package pipeline

import (
	"encoding/json"
	"sort"
	"time"
)

// StepRecord is the mutable state of one step within one pipeline. A step
// without a record is implicitly pending.
type StepRecord struct {
	StepID    string          `json:"stepId"`
	Status    Status          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`

	// Set only when a gated step has been acknowledged.
	Acknowledgment *AckInfo `json:"acknowledgment,omitempty"`
}

// AckInfo summarizes the acknowledgment that completed a gated step. The
// full history lives in the audit ledger.
type AckInfo struct {
	UserID  string    `json:"acknowledgedBy,omitempty"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"acknowledgedAt"`
}

func (r StepRecord) clone() StepRecord {
	if r.Data != nil {
		r.Data = append(json.RawMessage(nil), r.Data...)
	}
	if r.Acknowledgment != nil {
		ack := *r.Acknowledgment
		r.Acknowledgment = &ack
	}
	return r
}

// Summary is the list view of a pipeline.
type Summary struct {
	ID             string    `json:"id"`
	AgentName      string    `json:"agentName"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	CompletedSteps int       `json:"completedSteps"`
	TotalSteps     int       `json:"totalSteps"`
	GraphVersion   string    `json:"graphVersion"`
}

// Snapshot is a point-in-time copy of a pipeline. Version counts accepted
// transitions; events carrying a Version at or below it are already
// reflected in the snapshot.
type Snapshot struct {
	Summary
	Version uint64                `json:"version"`
	Steps   map[string]StepRecord `json:"steps"`
}

// OrderedSteps returns the recorded steps sorted for display: by UpdatedAt,
// then by step id.
func (s Snapshot) OrderedSteps() []StepRecord {
	out := make([]StepRecord, 0, len(s.Steps))
	for _, r := range s.Steps {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].StepID < out[j].StepID
	})
	return out
}

// StatusOf returns the status of stepID, pending when it has no record.
func (s Snapshot) StatusOf(stepID string) Status {
	if r, ok := s.Steps[stepID]; ok {
		return r.Status
	}
	return StatusPending
}

// EventType names a notification.
type EventType string

const (
	EventPipelineRegistered   EventType = "pipeline_registered"
	EventStepStarted          EventType = "step_started"
	EventStepUpdated          EventType = "step_updated"
	EventPipelinesListUpdated EventType = "pipelines_list_updated"
)

// Event is what the registry publishes on the bus.
//
// Step events (step_started, step_updated) go to the pipeline's topic and
// carry Version. Registry events (pipeline_registered,
// pipelines_list_updated) go to the all-pipelines topic and carry Seq.
type Event struct {
	Type       EventType `json:"type"`
	PipelineID string    `json:"pipelineId,omitempty"`

	StepID         string      `json:"stepId,omitempty"`
	Step           *StepRecord `json:"stepRecord,omitempty"`
	PipelineStatus Status      `json:"pipelineStatus,omitempty"`
	CompletedSteps int         `json:"completedSteps"`
	TotalSteps     int         `json:"totalSteps"`
	Version        uint64      `json:"version,omitempty"`

	Seq       uint64    `json:"seq,omitempty"`
	Pipeline  *Summary  `json:"pipeline,omitempty"`
	Pipelines []Summary `json:"pipelines,omitempty"`
}
