// Package archive copies the final state of finished pipelines to object
// storage. Pipeline state itself stays in memory; the archive is a
// write-only record for later inspection.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pipeviz/internal/eventbus"
	"pipeviz/internal/logging"
	"pipeviz/internal/pipeline"
)

// SnapshotObject is the object name written under each pipeline prefix.
const SnapshotObject = "snapshot.json"

// ObjectStore is where archived snapshots go. *S3Store implements it.
type ObjectStore interface {
	Put(ctx context.Context, pipelineID, name string, content []byte) error
}

// Source is the part of *pipeline.Registry the archiver reads.
type Source interface {
	Snapshot(id string) (pipeline.Snapshot, error)
	ListSnapshot() (uint64, []pipeline.Summary)
}

// Archiver watches the pipeline list and writes a snapshot whenever a
// pipeline reaches completed or failed.
type Archiver struct {
	src        Source
	bus        *eventbus.Bus[pipeline.Event]
	store      ObjectStore
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	// pipeline id -> terminal status last archived
	archived map[string]pipeline.Status
}

type Option func(*Archiver)

func WithLogger(l *slog.Logger) Option {
	return func(a *Archiver) { a.logger = logging.OrDiscard(l) }
}

// WithBackOff sets the retry policy for each upload.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(a *Archiver) {
		if fn != nil {
			a.newBackOff = fn
		}
	}
}

func New(src Source, bus *eventbus.Bus[pipeline.Event], store ObjectStore, opts ...Option) *Archiver {
	a := &Archiver{
		src:    src,
		bus:    bus,
		store:  store,
		logger: logging.Discard(),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(200*time.Millisecond),
				backoff.WithMaxInterval(5*time.Second),
				backoff.WithMaxElapsedTime(time.Minute),
			)
		},
		archived: make(map[string]pipeline.Status),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "archiver")
	return a
}

// Run blocks until ctx is done. Overflowed subscriptions are replaced and
// the list is rescanned, so no finished pipeline is skipped.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		sub := a.bus.Subscribe(eventbus.AllPipelinesTopic)
		seq, list := a.src.ListSnapshot()
		a.scan(ctx, list)

		err := a.consume(ctx, sub, seq)
		a.bus.Unsubscribe(sub)
		if !errors.Is(err, eventbus.ErrSubscriberOverflow) {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.logger.Warn("archiver fell behind, rescanning pipelines")
	}
}

func (a *Archiver) consume(ctx context.Context, sub *eventbus.Subscription[pipeline.Event], seq uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			if ev.Type != pipeline.EventPipelinesListUpdated || ev.Seq <= seq {
				continue
			}
			seq = ev.Seq
			a.scan(ctx, ev.Pipelines)
		}
	}
}

func (a *Archiver) scan(ctx context.Context, list []pipeline.Summary) {
	for _, sum := range list {
		if sum.Status != pipeline.StatusCompleted && sum.Status != pipeline.StatusFailed {
			continue
		}
		if a.archived[sum.ID] == sum.Status {
			continue
		}
		if err := a.archive(ctx, sum.ID); err != nil {
			if ctx.Err() == nil {
				a.logger.Error("archive snapshot failed", "pipeline_id", sum.ID, "err", err)
			}
			continue
		}
		a.archived[sum.ID] = sum.Status
	}
}

func (a *Archiver) archive(ctx context.Context, pipelineID string) error {
	snap, err := a.src.Snapshot(pipelineID)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		return a.store.Put(ctx, pipelineID, SnapshotObject, body)
	}, backoff.WithContext(a.newBackOff(), ctx), func(err error, wait time.Duration) {
		a.logger.Warn("archive upload failed, retrying", "pipeline_id", pipelineID, "attempt", attempt, "wait", wait, "err", err)
	})
	if err != nil {
		return err
	}
	a.logger.Info("pipeline archived", "pipeline_id", pipelineID, "status", snap.Status, "object", pipelineID+"/"+SnapshotObject)
	return nil
}
