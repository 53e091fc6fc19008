// Package eventbus is the in-process fan-out used to push state changes to
// subscribers. Delivery is at-most-once with no replay: a subscriber that
// misses events (because it was not subscribed yet, or because its queue
// overflowed) must catch up from a snapshot.
//
// Publish never blocks. Every subscription owns a bounded queue; when a
// publish finds the queue full the subscription is dropped, its channel is
// closed and Err reports ErrSubscriberOverflow. Dropping is preferred over
// blocking the writer or silently skipping events.
//
// Ordering: events published to one topic are delivered to each subscriber
// in publish order, provided publishers of that topic are serialized. The
// bus does not serialize publishers itself.
package eventbus

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"pipeviz/internal/logging"
)

const (
	// AllPipelinesTopic carries registry-level changes.
	AllPipelinesTopic = "pipelines:all"

	pipelineTopicPrefix = "pipeline:"

	DefaultBufferSize = 64
)

var (
	// ErrSubscriberOverflow means the subscription was dropped because its
	// queue was full. The consumer must resubscribe and resynchronize.
	ErrSubscriberOverflow = errors.New("subscriber queue overflow")
	// ErrUnsubscribed is reported after an explicit Unsubscribe.
	ErrUnsubscribed = errors.New("unsubscribed")
)

// PipelineTopic is the topic for events of one pipeline.
func PipelineTopic(pipelineID string) string {
	return pipelineTopicPrefix + pipelineID
}

// Bus routes events of type E by topic.
type Bus[E any] struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*Subscription[E]

	nextID     atomic.Uint64
	overflows  atomic.Uint64
	bufferSize int
	logger     *slog.Logger
}

// Option configures a Bus.
type Option func(*options)

type options struct {
	bufferSize int
	logger     *slog.Logger
}

// WithBufferSize sets the per-subscription queue length.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithLogger sets the logger used to report dropped subscribers.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates an empty bus.
func New[E any](opts ...Option) *Bus[E] {
	o := options{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus[E]{
		topics:     make(map[string]map[uint64]*Subscription[E]),
		bufferSize: o.bufferSize,
		logger:     logging.OrDiscard(o.logger).With("component", "eventbus"),
	}
}

// Subscribe registers a new subscription on topic. Only events published
// after Subscribe returns are delivered.
func (b *Bus[E]) Subscribe(topic string) *Subscription[E] {
	sub := &Subscription[E]{
		id:    b.nextID.Add(1),
		topic: topic,
		ch:    make(chan E, b.bufferSize),
	}
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription[E])
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it more than once,
// or after an overflow, is a no-op.
func (b *Bus[E]) Unsubscribe(sub *Subscription[E]) {
	if sub == nil {
		return
	}
	b.remove(sub)
	sub.close(ErrUnsubscribed)
}

// Publish offers ev to every subscriber of topic and returns how many
// accepted it.
func (b *Bus[E]) Publish(topic string, ev E) int {
	var (
		delivered int
		dropped   []*Subscription[E]
	)
	b.mu.RLock()
	for _, sub := range b.topics[topic] {
		switch sub.offer(ev) {
		case offerAccepted:
			delivered++
		case offerOverflow:
			dropped = append(dropped, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range dropped {
		b.remove(sub)
		b.overflows.Add(1)
		b.logger.Warn("dropping slow subscriber", "topic", topic, "subscription", sub.id, "buffer", b.bufferSize)
	}
	return delivered
}

func (b *Bus[E]) remove(sub *Subscription[E]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	if subs == nil {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus[E]) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Overflows returns how many subscriptions have been dropped for overflow.
func (b *Bus[E]) Overflows() uint64 {
	return b.overflows.Load()
}

type offerResult int

const (
	offerAccepted offerResult = iota
	offerOverflow
	offerClosed
)

// Subscription is a handle on one topic's event stream.
type Subscription[E any] struct {
	id    uint64
	topic string
	ch    chan E

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *Subscription[E]) ID() uint64    { return s.id }
func (s *Subscription[E]) Topic() string { return s.topic }

// Events is closed when the subscription ends; check Err to learn why.
func (s *Subscription[E]) Events() <-chan E { return s.ch }

// Err returns nil while the subscription is live, ErrSubscriberOverflow if
// it was dropped, or ErrUnsubscribed after Unsubscribe.
func (s *Subscription[E]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription[E]) offer(ev E) offerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return offerClosed
	}
	select {
	case s.ch <- ev:
		return offerAccepted
	default:
		s.closed = true
		s.err = ErrSubscriberOverflow
		close(s.ch)
		return offerOverflow
	}
}

func (s *Subscription[E]) close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	close(s.ch)
}
