package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pipeviz/internal/stepgraph"
)

// Pipeline is one run of a step graph. All reads and writes of its step
// records go through mu; the summary pointer is refreshed inside the same
// critical section so list readers never need mu.
type Pipeline struct {
	id        string
	agentName string
	createdAt time.Time
	graph     *stepgraph.Graph

	mu        sync.Mutex
	steps     map[string]StepRecord
	version   uint64
	lastStamp time.Time

	summary atomic.Pointer[Summary]
}

func newPipeline(id, agentName string, createdAt time.Time, graph *stepgraph.Graph) *Pipeline {
	p := &Pipeline{
		id:        id,
		agentName: agentName,
		createdAt: createdAt,
		graph:     graph,
		steps:     make(map[string]StepRecord),
		lastStamp: createdAt,
	}
	p.refreshSummaryLocked()
	return p
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) AgentName() string { return p.agentName }

func (p *Pipeline) CreatedAt() time.Time { return p.createdAt }

// Graph returns the step graph pinned when the pipeline was registered.
func (p *Pipeline) Graph() *stepgraph.Graph { return p.graph }

// Summary is safe to call without holding any pipeline lock.
func (p *Pipeline) Summary() Summary { return *p.summary.Load() }

// Snapshot copies the pipeline's current state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) snapshotLocked() Snapshot {
	steps := make(map[string]StepRecord, len(p.steps))
	for id, r := range p.steps {
		steps[id] = r.clone()
	}
	return Snapshot{
		Summary: *p.summary.Load(),
		Version: p.version,
		Steps:   steps,
	}
}

func (p *Pipeline) completedLocked() int {
	n := 0
	for _, r := range p.steps {
		if r.Status == StatusCompleted {
			n++
		}
	}
	return n
}

func (p *Pipeline) statusLocked() Status {
	if len(p.steps) == 0 {
		return StatusInitialized
	}
	for _, r := range p.steps {
		if r.Status == StatusFailed {
			return StatusFailed
		}
	}
	for _, id := range p.graph.AllStepIDs() {
		if p.steps[id].Status != StatusCompleted {
			return StatusInProgress
		}
	}
	return StatusCompleted
}

func (p *Pipeline) refreshSummaryLocked() {
	updated := p.createdAt
	for _, r := range p.steps {
		if r.UpdatedAt.After(updated) {
			updated = r.UpdatedAt
		}
	}
	p.summary.Store(&Summary{
		ID:             p.id,
		AgentName:      p.agentName,
		Status:         p.statusLocked(),
		CreatedAt:      p.createdAt,
		UpdatedAt:      updated,
		CompletedSteps: p.completedLocked(),
		TotalSteps:     p.graph.Len(),
		GraphVersion:   p.graph.Version(),
	})
}

func (p *Pipeline) statusOfLocked(stepID string) Status {
	if r, ok := p.steps[stepID]; ok {
		return r.Status
	}
	return StatusPending
}

// firstUnmetLocked returns the first declared dependency of stepID that is
// not completed, or "".
func (p *Pipeline) firstUnmetLocked(stepID string) string {
	for _, dep := range p.graph.DependenciesOf(stepID) {
		if p.statusOfLocked(dep) != StatusCompleted {
			return dep
		}
	}
	return ""
}

// stampLocked returns a timestamp strictly after every earlier stamp of
// this pipeline, so updatedAt orders changes even on a coarse clock.
func (p *Pipeline) stampLocked(now time.Time) time.Time {
	if !now.After(p.lastStamp) {
		now = p.lastStamp.Add(time.Nanosecond)
	}
	return now
}

// resolveLocked checks a requested status against the current one and
// returns the status that will actually be stored.
func (p *Pipeline) resolveLocked(stepID string, requested Status, deferIfBlocked bool) (Status, error) {
	if !p.graph.Has(stepID) {
		return "", fmt.Errorf("%w: %q is not a step of pipeline %s", ErrUnknownStep, stepID, p.id)
	}
	cur := p.statusOfLocked(stepID)
	invalid := func() (Status, error) {
		return "", fmt.Errorf("%w: step %q cannot move from %s to %s", ErrInvalidTransition, stepID, cur, requested)
	}

	if !requested.requestable() {
		return invalid()
	}

	switch {
	case cur.notStarted():
		if requested == StatusWaitingDependency {
			return StatusWaitingDependency, nil
		}
		if requested == StatusWaitingInput {
			return invalid()
		}
		if dep := p.firstUnmetLocked(stepID); dep != "" {
			if deferIfBlocked {
				return StatusWaitingDependency, nil
			}
			return "", fmt.Errorf("%w: step %q is waiting on uncompleted dependency %q", ErrDependencyNotMet, stepID, dep)
		}
	case cur == StatusInProgress || cur == StatusWaitingInput:
		if requested == StatusWaitingDependency {
			return invalid()
		}
	case cur == StatusWaitingForAcknowledgment:
		if requested == StatusWaitingDependency || requested == StatusWaitingInput {
			return invalid()
		}
	case cur == StatusFailed:
		if requested != StatusInProgress && requested != StatusFailed {
			return invalid()
		}
	case cur == StatusCompleted:
		return "", fmt.Errorf("%w: step %q is already completed", ErrInvalidTransition, stepID)
	}

	if requested == StatusCompleted && p.graph.RequiresAcknowledgment(stepID) {
		return StatusWaitingForAcknowledgment, nil
	}
	return requested, nil
}

// commitLocked stores rec and returns the event describing the change. The
// caller publishes it before releasing mu.
func (p *Pipeline) commitLocked(rec StepRecord) Event {
	p.steps[rec.StepID] = rec
	p.lastStamp = rec.UpdatedAt
	p.version++
	p.refreshSummaryLocked()

	sum := p.summary.Load()
	typ := EventStepUpdated
	if rec.Status == StatusInProgress {
		typ = EventStepStarted
	}
	out := rec.clone()
	return Event{
		Type:           typ,
		PipelineID:     p.id,
		StepID:         rec.StepID,
		Step:           &out,
		PipelineStatus: sum.Status,
		CompletedSteps: sum.CompletedSteps,
		TotalSteps:     sum.TotalSteps,
		Version:        p.version,
	}
}

func applyFields(rec StepRecord, message *string, data json.RawMessage) StepRecord {
	if message != nil {
		rec.Message = *message
	}
	if data != nil {
		rec.Data = append(json.RawMessage(nil), data...)
	}
	return rec
}
