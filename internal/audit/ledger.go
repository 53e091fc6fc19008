// Package audit keeps the append-only acknowledgment history. Entries are
// immutable once written and are stored apart from the mutable step
// records.
package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrInvalidEntry = errors.New("invalid audit entry")

// Entry records one human acknowledgment of a gated step.
type Entry struct {
	PipelineID string    `json:"pipelineId"`
	StepID     string    `json:"stepId"`
	Comment    string    `json:"comment,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	At         time.Time `json:"timestamp"`
}

// Ledger appends and lists acknowledgment entries. List returns entries of
// one pipeline oldest first.
type Ledger interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, pipelineID string) ([]Entry, error)
}

func validate(e Entry) error {
	if strings.TrimSpace(e.PipelineID) == "" {
		return errors.Join(ErrInvalidEntry, errors.New("pipeline_id is required"))
	}
	if strings.TrimSpace(e.StepID) == "" {
		return errors.Join(ErrInvalidEntry, errors.New("step_id is required"))
	}
	if e.At.IsZero() {
		return errors.Join(ErrInvalidEntry, errors.New("timestamp is required"))
	}
	return nil
}

// Memory is the in-process Ledger.
type Memory struct {
	mu         sync.RWMutex
	byPipeline map[string][]Entry
}

func NewMemory() *Memory {
	return &Memory{byPipeline: make(map[string][]Entry)}
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	m.mu.Lock()
	m.byPipeline[e.PipelineID] = append(m.byPipeline[e.PipelineID], e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, pipelineID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.byPipeline[strings.TrimSpace(pipelineID)]...), nil
}
