package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pipeviz/internal/clock"
	"pipeviz/internal/eventbus"
	"pipeviz/internal/executor"
	"pipeviz/internal/pipeline"
	"pipeviz/internal/stepgraph"
)

type inbox struct {
	ch chan Message
}

func newInbox(size int) *inbox { return &inbox{ch: make(chan Message, size)} }

func (in *inbox) send(ctx context.Context, msg Message) error {
	select {
	case in.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *inbox) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-in.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
		return Message{}
	}
}

func (in *inbox) empty(t *testing.T) {
	t.Helper()
	select {
	case msg := <-in.ch:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

type fixture struct {
	reg *pipeline.Registry
	bus *eventbus.Bus[pipeline.Event]
}

func newFixture(t *testing.T, buffer int) fixture {
	t.Helper()
	bus := eventbus.New[pipeline.Event](eventbus.WithBufferSize(buffer))
	g := stepgraph.MustNew(
		stepgraph.Definition{ID: "a"},
		stepgraph.Definition{ID: "b", Dependencies: []string{"a"}},
		stepgraph.Definition{ID: "c", Dependencies: []string{"b"}, RequiresAcknowledgment: true},
	)
	reg, err := pipeline.NewRegistry(g, pipeline.WithPublisher(bus), pipeline.WithClock(clock.Fake(time.Unix(1700000000, 0))))
	require.NoError(t, err)
	return fixture{reg: reg, bus: bus}
}

func (f fixture) register(t *testing.T, agent string) string {
	t.Helper()
	snap, err := f.reg.Register(context.Background(), agent, 0)
	require.NoError(t, err)
	return snap.ID
}

func (f fixture) apply(t *testing.T, id, step string, st pipeline.Status) {
	t.Helper()
	_, err := f.reg.ApplyTransition(context.Background(), pipeline.Transition{PipelineID: id, StepID: step, Status: st})
	require.NoError(t, err)
}

func TestSubscribeAllPushesSnapshotBeforeEvents(t *testing.T) {
	f := newFixture(t, 16)
	first := f.register(t, "alpha")

	in := newInbox(16)
	s := NewSession(context.Background(), f.reg, f.bus, in.send)
	defer s.Close()
	require.NoError(t, s.SubscribeAll())

	snap := in.next(t)
	require.Equal(t, TypePipelinesSnapshot, snap.Type)
	require.Len(t, snap.Pipelines, 1)
	require.Equal(t, first, snap.Pipelines[0].ID)

	second := f.register(t, "beta")
	reg := in.next(t)
	require.Equal(t, string(pipeline.EventPipelineRegistered), reg.Type)
	require.Equal(t, second, reg.Event.Pipeline.ID)
	list := in.next(t)
	require.Equal(t, string(pipeline.EventPipelinesListUpdated), list.Type)
	require.Len(t, list.Event.Pipelines, 2)
	require.Greater(t, list.Event.Seq, snap.Seq)
}

func TestSubscribeAllDeliversEveryListEvent(t *testing.T) {
	f := newFixture(t, 16)
	in := newInbox(16)
	s := NewSession(context.Background(), f.reg, f.bus, in.send)
	defer s.Close()
	require.NoError(t, s.SubscribeAll())

	snap := in.next(t)
	require.Equal(t, TypePipelinesSnapshot, snap.Type)
	require.Empty(t, snap.Pipelines)

	id := f.register(t, "alpha")
	f.apply(t, id, "a", pipeline.StatusInProgress)
	f.apply(t, id, "a", pipeline.StatusCompleted)

	want := []string{
		string(pipeline.EventPipelineRegistered),
		string(pipeline.EventPipelinesListUpdated),
		string(pipeline.EventPipelinesListUpdated),
		string(pipeline.EventPipelinesListUpdated),
	}
	last := snap.Seq
	for i, typ := range want {
		msg := in.next(t)
		require.Equal(t, typ, msg.Type, "message %d", i)
		require.Greater(t, msg.Event.Seq, last, "message %d", i)
		last = msg.Event.Seq
	}
	in.empty(t)

	seq, list := f.reg.ListSnapshot()
	require.Equal(t, last, seq)
	require.Equal(t, 1, list[0].CompletedSteps)
}

func TestSubscribePipelineSkipsEventsInSnapshot(t *testing.T) {
	f := newFixture(t, 16)
	id := f.register(t, "alpha")
	f.apply(t, id, "a", pipeline.StatusInProgress)

	in := newInbox(16)
	s := NewSession(context.Background(), f.reg, f.bus, in.send)
	defer s.Close()
	require.NoError(t, s.SubscribePipeline(id))

	snap := in.next(t)
	require.Equal(t, TypePipelineSnapshot, snap.Type)
	require.Equal(t, uint64(1), snap.Pipeline.Version)
	require.Equal(t, pipeline.StatusInProgress, snap.Pipeline.StatusOf("a"))

	// A late copy of an event the snapshot already covers.
	f.bus.Publish(eventbus.PipelineTopic(id), pipeline.Event{Type: pipeline.EventStepStarted, PipelineID: id, StepID: "a", Version: 1})

	f.apply(t, id, "a", pipeline.StatusCompleted)
	ev := in.next(t)
	require.Equal(t, string(pipeline.EventStepUpdated), ev.Type)
	require.Equal(t, uint64(2), ev.Event.Version)
	require.Equal(t, pipeline.StatusCompleted, ev.Event.Step.Status)
	require.Equal(t, 1, ev.Event.CompletedSteps)
	in.empty(t)
}

func TestSubscribeUnknownPipeline(t *testing.T) {
	f := newFixture(t, 16)
	in := newInbox(4)
	s := NewSession(context.Background(), f.reg, f.bus, in.send)
	defer s.Close()

	require.ErrorIs(t, s.SubscribePipeline("missing"), pipeline.ErrUnknownPipeline)
	require.Empty(t, s.Topics())
}

func TestOverflowTriggersResyncWithFreshSnapshot(t *testing.T) {
	f := newFixture(t, 1)
	id := f.register(t, "alpha")

	// Unbuffered: the forwarder blocks until the test reads.
	in := newInbox(0)
	s := NewSession(context.Background(), f.reg, f.bus, in.send)
	defer s.Close()
	require.NoError(t, s.SubscribePipeline(id))
	require.Equal(t, TypePipelineSnapshot, in.next(t).Type)

	f.apply(t, id, "a", pipeline.StatusInProgress)
	f.apply(t, id, "a", pipeline.StatusCompleted)
	f.apply(t, id, "b", pipeline.StatusInProgress)
	require.GreaterOrEqual(t, f.bus.Overflows(), uint64(1))

	var last uint64
	for {
		msg := in.next(t)
		if msg.Type == TypeResync {
			require.Equal(t, id, msg.PipelineID)
			break
		}
		require.Greater(t, msg.Event.Version, last)
		last = msg.Event.Version
	}
	snap := in.next(t)
	require.Equal(t, TypePipelineSnapshot, snap.Type)
	require.Equal(t, uint64(3), snap.Pipeline.Version)
	require.Equal(t, pipeline.StatusInProgress, snap.Pipeline.StatusOf("b"))

	f.apply(t, id, "b", pipeline.StatusCompleted)
	ev := in.next(t)
	require.Equal(t, uint64(4), ev.Event.Version)
}

func TestUnsubscribeAndCloseReleaseBusSubscriptions(t *testing.T) {
	f := newFixture(t, 16)
	id := f.register(t, "alpha")
	in := newInbox(16)
	s := NewSession(context.Background(), f.reg, f.bus, in.send)

	require.NoError(t, s.SubscribePipeline(id))
	require.NoError(t, s.SubscribeAll())
	in.next(t)
	in.next(t)
	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount(eventbus.PipelineTopic(id)) == 1 && f.bus.SubscriberCount(eventbus.AllPipelinesTopic) == 1
	}, time.Second, 5*time.Millisecond)

	s.UnsubscribePipeline(id)
	require.Equal(t, 0, f.bus.SubscriberCount(eventbus.PipelineTopic(id)))
	f.apply(t, id, "a", pipeline.StatusInProgress)

	// Only the list update arrives.
	msg := in.next(t)
	require.Equal(t, string(pipeline.EventPipelinesListUpdated), msg.Type)

	s.Close()
	require.Equal(t, 0, f.bus.SubscriberCount(eventbus.AllPipelinesTopic))
	require.Error(t, s.SubscribeAll())
}

func TestHandleRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	id := f.register(t, "alpha")
	in := newInbox(16)
	s := NewSession(ctx, f.reg, f.bus, in.send)
	defer s.Close()

	s.Handle(ctx, Request{Type: ReqUpdateStep, RequestID: "1", PipelineID: id, StepID: "b", Status: "running"})
	msg := in.next(t)
	require.Equal(t, TypeError, msg.Type)
	require.Equal(t, "1", msg.RequestID)
	require.Equal(t, CodeFailedPrecondition, msg.Code)

	note := "started"
	s.Handle(ctx, Request{Type: ReqUpdateStep, RequestID: "2", PipelineID: id, StepID: "a", Status: "running", Message: &note})
	msg = in.next(t)
	require.Equal(t, TypeReply, msg.Type)
	require.Equal(t, pipeline.StatusInProgress, msg.Step.Status)
	require.Equal(t, "started", msg.Step.Message)

	s.Handle(ctx, Request{Type: ReqGetStatus, RequestID: "3", PipelineID: id})
	msg = in.next(t)
	require.Equal(t, pipeline.StatusInProgress, msg.Pipeline.Status)

	s.Handle(ctx, Request{Type: ReqAcknowledge, RequestID: "4", PipelineID: id, StepID: "a"})
	require.Equal(t, CodeInvalidArgument, in.next(t).Code)

	s.Handle(ctx, Request{Type: ReqGetStatus, PipelineID: "missing"})
	require.Equal(t, CodeNotFound, in.next(t).Code)

	s.Handle(ctx, Request{Type: ReqListSteps})
	msg = in.next(t)
	require.Len(t, msg.Steps, 3)
	require.True(t, msg.Steps[2].RequiresAcknowledgment)

	s.Handle(ctx, Request{Type: ReqListPipelines})
	require.Len(t, in.next(t).Pipelines, 1)

	s.Handle(ctx, Request{Type: ReqExecute, PipelineID: id, StepID: "a"})
	require.Equal(t, CodeUnavailable, in.next(t).Code)

	s.Handle(ctx, Request{Type: "shout"})
	require.Equal(t, CodeInvalidArgument, in.next(t).Code)

	s.Handle(ctx, Request{Type: ReqPing})
	require.Equal(t, TypePong, in.next(t).Type)
}

func TestHandleAcknowledgeFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	id := f.register(t, "alpha")
	f.apply(t, id, "a", pipeline.StatusCompleted)
	f.apply(t, id, "b", pipeline.StatusCompleted)
	in := newInbox(16)
	s := NewSession(ctx, f.reg, f.bus, in.send)
	defer s.Close()

	s.Handle(ctx, Request{Type: ReqUpdateStep, PipelineID: id, StepID: "c", Status: "completed"})
	require.Equal(t, pipeline.StatusWaitingForAcknowledgment, in.next(t).Step.Status)

	s.Handle(ctx, Request{Type: ReqAcknowledge, PipelineID: id, StepID: "c", Comment: "looks good", UserID: "u1"})
	msg := in.next(t)
	require.Equal(t, pipeline.StatusCompleted, msg.Step.Status)

	s.Handle(ctx, Request{Type: ReqAcknowledgments, PipelineID: id})
	msg = in.next(t)
	require.Len(t, msg.Entries, 1)
	require.Equal(t, "looks good", msg.Entries[0].Comment)
	require.Equal(t, "u1", msg.Entries[0].UserID)
}

func TestErrorCodeReportsStoppedExecutorAsUnavailable(t *testing.T) {
	require.Equal(t, CodeUnavailable, ErrorCode(ErrNoExecutor))
	require.Equal(t, CodeUnavailable, ErrorCode(executor.ErrRunnerClosed))
	require.Equal(t, CodeNotFound, ErrorCode(pipeline.ErrUnknownPipeline))
}
