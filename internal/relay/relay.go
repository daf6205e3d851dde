// Package relay forwards the global event feed to a publisher.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

const (
	DefaultBatchSize    = 100
	DefaultPollInterval = time.Second
	DefaultGapTimeout   = 10 * time.Second
)

// Publisher delivers one event downstream. An error stops the current poll.
type Publisher interface {
	PublishEvent(ctx context.Context, event store.Event) error
}

type Option func(*Relay)

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithGapTimeout sets how long the relay waits for a missing position to
// appear before skipping it. Zero skips gaps right away.
func WithGapTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d >= 0 {
			r.gapTimeout = d
		}
	}
}

// WithStartPosition resumes after the given global position.
func WithStartPosition(p int64) Option {
	return func(r *Relay) { r.cursor.Store(p) }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// Relay is a catch-up consumer of EventStore.GetEventsSince. Delivery is at
// least once: the cursor only moves past an event after it was published.
//
// Positions may become visible out of order, and some backends leave unused
// positions behind. The relay only advances over contiguous positions; on a
// gap it stops and waits up to the gap timeout for the missing position
// before skipping it.
type Relay struct {
	events     store.EventStore
	publisher  Publisher
	batchSize  int
	interval   time.Duration
	gapTimeout time.Duration
	cursor     atomic.Int64
	logger     *slog.Logger
	now        func() time.Time

	// gapAfter is the cursor at which a gap was first seen, gapSince when.
	gapOpen  bool
	gapAfter int64
	gapSince time.Time
}

func New(events store.EventStore, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		events:     events,
		publisher:  publisher,
		batchSize:  DefaultBatchSize,
		interval:   DefaultPollInterval,
		gapTimeout: DefaultGapTimeout,
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logattr.Component("relay.Relay"))
	return r
}

// Cursor is the position of the last published event.
func (r *Relay) Cursor() int64 {
	return r.cursor.Load()
}

// Poll publishes at most one batch and returns how many events went out.
// Poll is not safe for concurrent use.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	after := r.cursor.Load()
	batch, err := r.events.GetEventsSince(ctx, after, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read events after position %d: %w", after, err)
	}

	published := 0
	for _, event := range batch {
		if r.holdAt(ctx, event.Position) {
			break
		}
		if err := r.publisher.PublishEvent(ctx, event); err != nil {
			return published, fmt.Errorf("failed to publish event at position %d: %w", event.Position, err)
		}
		r.cursor.Store(event.Position)
		published++
	}
	if published > 0 {
		r.logger.DebugContext(ctx, "batch relayed", logattr.Count(published), logattr.Position(r.cursor.Load()))
	}
	return published, nil
}

// holdAt reports whether the relay must stop before the event at position
// because lower positions are still missing and the gap timeout has not run out.
func (r *Relay) holdAt(ctx context.Context, position int64) bool {
	cursor := r.cursor.Load()
	if position == cursor+1 || r.gapTimeout == 0 {
		r.gapOpen = false
		return false
	}

	now := r.now()
	if !r.gapOpen || r.gapAfter != cursor {
		r.gapOpen, r.gapAfter, r.gapSince = true, cursor, now
	}
	if now.Sub(r.gapSince) < r.gapTimeout {
		return true
	}

	r.logger.WarnContext(ctx, "skipping missing positions",
		slog.Int64("from", cursor+1),
		slog.Int64("to", position-1))
	r.gapOpen = false
	return false
}

// Run polls until ctx is cancelled. A full batch is followed by another poll
// right away; failures are logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "relay started", logattr.Position(r.cursor.Load()))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		n, err := r.Poll(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.ErrorContext(ctx, "relay poll failed", logattr.Position(r.cursor.Load()), logattr.Error(err))
		case err == nil && n == r.batchSize:
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "relay stopped", logattr.Position(r.cursor.Load()))
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
