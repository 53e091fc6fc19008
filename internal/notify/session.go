// Package notify turns registry state into a per-connection message
// stream. A Session owns the bus subscriptions of one client connection:
// every subscription starts with a snapshot, then forwards only events the
// snapshot does not already reflect.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"pipeviz/internal/audit"
	"pipeviz/internal/eventbus"
	"pipeviz/internal/logging"
	"pipeviz/internal/pipeline"
	"pipeviz/internal/stepgraph"
)

var (
	// ErrNoExecutor is returned for execute requests when no executor is
	// configured.
	ErrNoExecutor = errors.New("step execution is not configured")
	ErrBadRequest = errors.New("bad request")
)

// Registry is the part of *pipeline.Registry a session uses.
type Registry interface {
	Snapshot(id string) (pipeline.Snapshot, error)
	ListSnapshot() (uint64, []pipeline.Summary)
	ApplyTransition(ctx context.Context, t pipeline.Transition) (pipeline.StepRecord, error)
	Acknowledge(ctx context.Context, a pipeline.Acknowledgment) (pipeline.StepRecord, error)
	Acknowledgments(ctx context.Context, pipelineID string) ([]audit.Entry, error)
	Graph() *stepgraph.Graph
}

// Executor starts a step asynchronously and returns its record once the
// step is in progress.
type Executor interface {
	Execute(ctx context.Context, pipelineID, stepID string) (pipeline.StepRecord, error)
}

// Sender delivers one message to the client. It may block; it must return
// once ctx is done.
type Sender func(ctx context.Context, msg Message) error

// Session is the subscription state of one client connection.
type Session struct {
	reg    Registry
	bus    *eventbus.Bus[pipeline.Event]
	exec   Executor
	send   Sender
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	forwarders map[string]*forwarder
	closed     bool
	wg         sync.WaitGroup
}

type forwarder struct {
	topic      string
	pipelineID string
	cancel     context.CancelFunc
	done       chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

func WithExecutor(e Executor) SessionOption {
	return func(s *Session) { s.exec = e }
}

func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logging.OrDiscard(l) }
}

// NewSession returns a session bound to ctx. Close (or cancelling ctx)
// ends every subscription.
func NewSession(ctx context.Context, reg Registry, bus *eventbus.Bus[pipeline.Event], send Sender, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		reg:        reg,
		bus:        bus,
		send:       send,
		logger:     logging.Discard(),
		ctx:        ctx,
		cancel:     cancel,
		forwarders: make(map[string]*forwarder),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubscribePipeline pushes the pipeline's snapshot and then its events.
// Subscribing again restarts from a fresh snapshot.
func (s *Session) SubscribePipeline(pipelineID string) error {
	pipelineID = strings.TrimSpace(pipelineID)
	if _, err := s.reg.Snapshot(pipelineID); err != nil {
		return err
	}
	return s.start(eventbus.PipelineTopic(pipelineID), pipelineID)
}

// SubscribeAll pushes the pipeline list and then registry events.
func (s *Session) SubscribeAll() error {
	return s.start(eventbus.AllPipelinesTopic, "")
}

// UnsubscribePipeline stops forwarding events of one pipeline.
func (s *Session) UnsubscribePipeline(pipelineID string) {
	s.stop(eventbus.PipelineTopic(strings.TrimSpace(pipelineID)))
}

// UnsubscribeAll stops forwarding registry events.
func (s *Session) UnsubscribeAll() {
	s.stop(eventbus.AllPipelinesTopic)
}

// Topics lists the topics currently forwarded.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.forwarders))
	for topic := range s.forwarders {
		out = append(out, topic)
	}
	return out
}

// Close drops every subscription and waits for the forwarders to exit.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Session) start(topic, pipelineID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return context.Canceled
	}
	prev := s.forwarders[topic]
	ctx, cancel := context.WithCancel(s.ctx)
	f := &forwarder{topic: topic, pipelineID: pipelineID, cancel: cancel, done: make(chan struct{})}
	s.forwarders[topic] = f
	s.wg.Add(1)
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	go s.forward(ctx, f)
	return nil
}

func (s *Session) stop(topic string) {
	s.mu.Lock()
	f := s.forwarders[topic]
	delete(s.forwarders, topic)
	s.mu.Unlock()
	if f != nil {
		f.cancel()
		<-f.done
	}
}

// forward runs one topic: subscribe, push a snapshot, forward newer
// events. An overflowed subscription is replaced after a resync notice.
func (s *Session) forward(ctx context.Context, f *forwarder) {
	defer s.wg.Done()
	defer close(f.done)
	defer f.cancel()

	for {
		sub := s.bus.Subscribe(f.topic)
		mark, err := s.pushSnapshot(ctx, f)
		if err == nil {
			err = s.pump(ctx, f, sub, mark)
		}
		s.bus.Unsubscribe(sub)

		if !errors.Is(err, eventbus.ErrSubscriberOverflow) {
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("subscription ended", "topic", f.topic, "err", err)
				_ = s.send(ctx, errorMessage("", err))
			}
			s.forget(f)
			return
		}
		s.logger.Info("subscriber overflow, resyncing", "topic", f.topic)
		if err := s.send(ctx, Message{Type: TypeResync, Topic: f.topic, PipelineID: f.pipelineID}); err != nil {
			s.forget(f)
			return
		}
	}
}

// forget removes f from the session unless it was already replaced.
func (s *Session) forget(f *forwarder) {
	s.mu.Lock()
	if s.forwarders[f.topic] == f {
		delete(s.forwarders, f.topic)
	}
	s.mu.Unlock()
}

// pushSnapshot sends the state the subscription starts from and returns
// the version (or list seq) it reflects.
func (s *Session) pushSnapshot(ctx context.Context, f *forwarder) (uint64, error) {
	if f.pipelineID == "" {
		seq, list := s.reg.ListSnapshot()
		if list == nil {
			list = []pipeline.Summary{}
		}
		return seq, s.send(ctx, Message{Type: TypePipelinesSnapshot, Topic: f.topic, Seq: seq, Pipelines: list})
	}
	snap, err := s.reg.Snapshot(f.pipelineID)
	if err != nil {
		return 0, err
	}
	return snap.Version, s.send(ctx, Message{Type: TypePipelineSnapshot, Topic: f.topic, PipelineID: f.pipelineID, Pipeline: &snap})
}

func (s *Session) pump(ctx context.Context, f *forwarder, sub *eventbus.Subscription[pipeline.Event], mark uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			pos := ev.Version
			if f.pipelineID == "" {
				pos = ev.Seq
			}
			if pos <= mark {
				continue
			}
			mark = pos
			if err := s.send(ctx, Message{Type: string(ev.Type), Topic: f.topic, PipelineID: ev.PipelineID, Event: &ev}); err != nil {
				return err
			}
		}
	}
}

// Handle executes one client request and sends its reply. Subscriptions
// reply with an acknowledgment; the snapshot follows from the forwarder.
func (s *Session) Handle(ctx context.Context, req Request) {
	msg, err := s.handle(ctx, req)
	if err != nil {
		s.logger.Debug("request failed", "type", req.Type, "pipeline_id", req.PipelineID, "step_id", req.StepID, "err", err)
		msg = errorMessage(req.RequestID, err)
	}
	msg.RequestID = req.RequestID
	if sendErr := s.send(ctx, msg); sendErr != nil {
		s.logger.Debug("reply not delivered", "type", req.Type, "err", sendErr)
	}
}

func (s *Session) handle(ctx context.Context, req Request) (Message, error) {
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "":
		return Message{}, fmt.Errorf("%w: type is required", ErrBadRequest)
	case ReqPing:
		return Message{Type: TypePong}, nil
	case ReqSubscribePipeline:
		if err := s.SubscribePipeline(req.PipelineID); err != nil {
			return Message{}, err
		}
		return Message{Type: TypeSubscribed, Topic: eventbus.PipelineTopic(req.PipelineID), PipelineID: req.PipelineID}, nil
	case ReqUnsubscribePipeline:
		s.UnsubscribePipeline(req.PipelineID)
		return Message{Type: TypeUnsubscribed, Topic: eventbus.PipelineTopic(req.PipelineID), PipelineID: req.PipelineID}, nil
	case ReqSubscribeAllPipelines:
		if err := s.SubscribeAll(); err != nil {
			return Message{}, err
		}
		return Message{Type: TypeSubscribed, Topic: eventbus.AllPipelinesTopic}, nil
	case ReqUnsubscribeAll:
		s.UnsubscribeAll()
		return Message{Type: TypeUnsubscribed, Topic: eventbus.AllPipelinesTopic}, nil
	case ReqGetStatus:
		snap, err := s.reg.Snapshot(req.PipelineID)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: TypeReply, PipelineID: snap.ID, Pipeline: &snap}, nil
	case ReqListPipelines:
		seq, list := s.reg.ListSnapshot()
		if list == nil {
			list = []pipeline.Summary{}
		}
		return Message{Type: TypeReply, Seq: seq, Pipelines: list}, nil
	case ReqListSteps:
		return Message{Type: TypeReply, Steps: s.reg.Graph().Definitions()}, nil
	case ReqUpdateStep:
		status, err := pipeline.ParseRequestedStatus(req.Status)
		if err != nil {
			return Message{}, err
		}
		rec, err := s.reg.ApplyTransition(ctx, pipeline.Transition{
			PipelineID: req.PipelineID,
			StepID:     req.StepID,
			Status:     status,
			Message:    req.Message,
			Data:       req.Data,
		})
		if err != nil {
			return Message{}, err
		}
		return Message{Type: TypeReply, PipelineID: req.PipelineID, Step: &rec}, nil
	case ReqAcknowledge:
		rec, err := s.reg.Acknowledge(ctx, pipeline.Acknowledgment{
			PipelineID: req.PipelineID,
			StepID:     req.StepID,
			Comment:    req.Comment,
			UserID:     req.UserID,
		})
		if err != nil {
			return Message{}, err
		}
		return Message{Type: TypeReply, PipelineID: req.PipelineID, Step: &rec}, nil
	case ReqAcknowledgments:
		entries, err := s.reg.Acknowledgments(ctx, req.PipelineID)
		if err != nil {
			return Message{}, err
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		return Message{Type: TypeReply, PipelineID: req.PipelineID, Entries: entries}, nil
	case ReqExecute:
		if s.exec == nil {
			return Message{}, ErrNoExecutor
		}
		rec, err := s.exec.Execute(ctx, req.PipelineID, req.StepID)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: TypeReply, PipelineID: req.PipelineID, Step: &rec}, nil
	default:
		return Message{}, fmt.Errorf("%w: unsupported request type %q", ErrBadRequest, req.Type)
	}
}
