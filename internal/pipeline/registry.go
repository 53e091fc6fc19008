package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pipeviz/internal/audit"
	"pipeviz/internal/clock"
	"pipeviz/internal/eventbus"
	"pipeviz/internal/logging"
	"pipeviz/internal/stepgraph"
)

// DefaultLedgerTimeout bounds the audit write Acknowledge makes while it
// holds the pipeline lock.
const DefaultLedgerTimeout = 5 * time.Second

// Publisher receives registry events. *eventbus.Bus[Event] satisfies it.
type Publisher interface {
	Publish(topic string, ev Event) int
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, Event) int { return 0 }

// Transition is a requested step status change.
type Transition struct {
	PipelineID string
	StepID     string
	Status     Status
	// Nil leaves the stored message untouched.
	Message *string
	// Nil leaves the stored data untouched.
	Data json.RawMessage
	// DeferIfBlocked turns a start that is blocked on dependencies into
	// waiting_dependency instead of ErrDependencyNotMet.
	DeferIfBlocked bool
}

// Acknowledgment is a human sign-off on a gated step.
type Acknowledgment struct {
	PipelineID string
	StepID     string
	Comment    string
	UserID     string
}

// Registry owns every pipeline of the process.
//
// Lock order is pipeline.mu, then listMu, then mu, then the bus. Nothing
// takes a pipeline lock while holding listMu or mu.
type Registry struct {
	graph atomic.Pointer[stepgraph.Graph]

	mu        sync.RWMutex
	pipelines map[string]*Pipeline

	listMu  sync.Mutex
	listSeq uint64

	publisher     Publisher
	ledger        audit.Ledger
	ledgerTimeout time.Duration
	clock         clock.Clock
	logger    *slog.Logger
	newID     func() string
	tracer    trace.Tracer
}

// Option configures a Registry.
type Option func(*Registry)

func WithPublisher(p Publisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.publisher = p
		}
	}
}

func WithLedger(l audit.Ledger) Option {
	return func(r *Registry) {
		if l != nil {
			r.ledger = l
		}
	}
}

// WithLedgerTimeout replaces DefaultLedgerTimeout.
func WithLedgerTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ledgerTimeout = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrDiscard(l) }
}

// WithIDGenerator replaces uuid.NewString for pipeline ids. Generated ids
// must be unique for the life of the process.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewRegistry returns a registry whose new pipelines use graph.
func NewRegistry(graph *stepgraph.Graph, opts ...Option) (*Registry, error) {
	if graph == nil {
		return nil, fmt.Errorf("%w: graph is required", stepgraph.ErrConfig)
	}
	r := &Registry{
		pipelines:     make(map[string]*Pipeline),
		publisher:     nopPublisher{},
		ledger:        audit.NewMemory(),
		ledgerTimeout: DefaultLedgerTimeout,
		clock:         clock.Real(),
		logger:        logging.Discard(),
		newID:         uuid.NewString,
		tracer:        otel.Tracer("pipeviz/pipeline"),
	}
	r.graph.Store(graph)
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "pipeline_registry")
	return r, nil
}

// Graph returns the graph new pipelines are created with.
func (r *Registry) Graph() *stepgraph.Graph { return r.graph.Load() }

// SetGraph swaps the graph for pipelines registered from now on. Existing
// pipelines keep the graph they were created with.
func (r *Registry) SetGraph(g *stepgraph.Graph) {
	if g == nil {
		return
	}
	prev := r.graph.Swap(g)
	r.logger.Info("step graph replaced", "previous_version", prev.Version(), "version", g.Version(), "steps", g.Len())
}

// Register creates a pipeline. totalSteps is advisory: the pipeline always
// tracks every step of the active graph.
func (r *Registry) Register(ctx context.Context, agentName string, totalSteps int) (snap Snapshot, err error) {
	_, span := r.tracer.Start(ctx, "pipeline.register", trace.WithAttributes(
		attribute.String("pipeline.agent_name", agentName),
	))
	defer func() { endSpan(span, err) }()

	agentName = strings.TrimSpace(agentName)
	graph := r.graph.Load()
	if totalSteps > 0 && totalSteps != graph.Len() {
		r.logger.Warn("ignoring caller step count", "agent_name", agentName, "requested", totalSteps, "graph_steps", graph.Len())
	}

	id := r.newID()
	p := newPipeline(id, agentName, r.clock.Now(), graph)
	// p is not reachable yet, so its snapshot is taken before listMu.
	snap = p.Snapshot()
	span.SetAttributes(attribute.String("pipeline.id", id))

	r.listMu.Lock()
	defer r.listMu.Unlock()

	r.mu.Lock()
	if _, exists := r.pipelines[id]; exists {
		r.mu.Unlock()
		return Snapshot{}, fmt.Errorf("register pipeline: generated id %s already in use", id)
	}
	r.pipelines[id] = p
	r.mu.Unlock()

	r.listSeq++
	sum := snap.Summary
	r.publisher.Publish(eventbus.AllPipelinesTopic, Event{
		Type:           EventPipelineRegistered,
		PipelineID:     id,
		PipelineStatus: sum.Status,
		TotalSteps:     sum.TotalSteps,
		Seq:            r.listSeq,
		Pipeline:       &sum,
	})
	r.publishListLocked()

	r.logger.Info("pipeline registered", "pipeline_id", id, "agent_name", agentName, "graph_version", graph.Version())
	return snap, nil
}

// Get returns the pipeline with id.
func (r *Registry) Get(id string) (*Pipeline, error) {
	r.mu.RLock()
	p, ok := r.pipelines[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	return p, nil
}

// Snapshot returns a copy of one pipeline's state.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	p, err := r.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return p.Snapshot(), nil
}

// List returns every pipeline ordered by creation time, then id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, p.Summary())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListSnapshot returns the list together with the sequence number of the
// last list event published. Events with a greater Seq are newer than the
// returned list.
func (r *Registry) ListSnapshot() (uint64, []Summary) {
	r.listMu.Lock()
	defer r.listMu.Unlock()
	return r.listSeq, r.List()
}

func (r *Registry) publishList() {
	r.listMu.Lock()
	defer r.listMu.Unlock()
	r.publishListLocked()
}

// publishListLocked publishes the list under a sequence number of its own.
// Subscribers gate on Seq, so no two events on the topic may share one.
func (r *Registry) publishListLocked() {
	r.listSeq++
	r.publisher.Publish(eventbus.AllPipelinesTopic, Event{
		Type:      EventPipelinesListUpdated,
		Seq:       r.listSeq,
		Pipelines: r.List(),
	})
}

// ApplyTransition validates and applies a status change to one step. On
// error nothing is changed and nothing is published.
func (r *Registry) ApplyTransition(ctx context.Context, t Transition) (rec StepRecord, err error) {
	_, span := r.tracer.Start(ctx, "pipeline.apply_transition", trace.WithAttributes(
		attribute.String("pipeline.id", t.PipelineID),
		attribute.String("pipeline.step_id", t.StepID),
		attribute.String("pipeline.requested_status", string(t.Status)),
	))
	defer func() { endSpan(span, err) }()

	p, err := r.Get(t.PipelineID)
	if err != nil {
		return StepRecord{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.resolveLocked(t.StepID, t.Status, t.DeferIfBlocked)
	if err != nil {
		r.logger.Debug("transition rejected", "pipeline_id", p.id, "step_id", t.StepID, "requested", t.Status, "err", err)
		return StepRecord{}, err
	}

	before := *p.summary.Load()
	rec = p.steps[t.StepID].clone()
	rec.StepID = t.StepID
	rec.Status = next
	rec.UpdatedAt = p.stampLocked(r.clock.Now())
	rec = applyFields(rec, t.Message, t.Data)

	r.commitAndPublishLocked(p, rec, before)
	r.logger.Debug("step updated", "pipeline_id", p.id, "step_id", rec.StepID, "status", rec.Status)
	return rec.clone(), nil
}

// Acknowledge completes a step that is waiting for acknowledgment. The
// audit entry is written first; if that fails the step is left waiting.
func (r *Registry) Acknowledge(ctx context.Context, a Acknowledgment) (rec StepRecord, err error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.acknowledge", trace.WithAttributes(
		attribute.String("pipeline.id", a.PipelineID),
		attribute.String("pipeline.step_id", a.StepID),
	))
	defer func() { endSpan(span, err) }()

	p, err := r.Get(a.PipelineID)
	if err != nil {
		return StepRecord{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.graph.Has(a.StepID) {
		return StepRecord{}, fmt.Errorf("%w: %q is not a step of pipeline %s", ErrUnknownStep, a.StepID, p.id)
	}
	if !p.graph.RequiresAcknowledgment(a.StepID) {
		return StepRecord{}, fmt.Errorf("%w: step %q does not require acknowledgment", ErrInvalidTransition, a.StepID)
	}
	if cur := p.statusOfLocked(a.StepID); cur != StatusWaitingForAcknowledgment {
		return StepRecord{}, fmt.Errorf("%w: step %q is %s", ErrNotAwaitingAcknowledgment, a.StepID, cur)
	}

	at := p.stampLocked(r.clock.Now())
	entry := audit.Entry{
		PipelineID: p.id,
		StepID:     a.StepID,
		Comment:    a.Comment,
		UserID:     a.UserID,
		At:         at,
	}
	appendCtx, cancel := context.WithTimeout(ctx, r.ledgerTimeout)
	err = r.ledger.Append(appendCtx, entry)
	cancel()
	if err != nil {
		return StepRecord{}, fmt.Errorf("record acknowledgment: %w", err)
	}

	before := *p.summary.Load()
	rec = p.steps[a.StepID].clone()
	rec.Status = StatusCompleted
	rec.UpdatedAt = at
	rec.Acknowledgment = &AckInfo{UserID: a.UserID, Comment: a.Comment, At: at}

	r.commitAndPublishLocked(p, rec, before)
	r.logger.Info("step acknowledged", "pipeline_id", p.id, "step_id", a.StepID, "user_id", a.UserID)
	return rec.clone(), nil
}

// Acknowledgments returns the acknowledgment history of a pipeline, oldest
// first.
func (r *Registry) Acknowledgments(ctx context.Context, pipelineID string) ([]audit.Entry, error) {
	if _, err := r.Get(pipelineID); err != nil {
		return nil, err
	}
	return r.ledger.List(ctx, pipelineID)
}

func (r *Registry) commitAndPublishLocked(p *Pipeline, rec StepRecord, before Summary) {
	ev := p.commitLocked(rec)
	r.publisher.Publish(eventbus.PipelineTopic(p.id), ev)

	after := *p.summary.Load()
	if after.Status != before.Status || after.CompletedSteps != before.CompletedSteps {
		r.publishList()
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	span.End()
}
