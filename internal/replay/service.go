// Package replay re-delivers stored events to a handler and inspects streams.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/infrastructure/store"
)

const (
	DefaultPageSize    = 500
	DefaultParallelism = 8
)

// Handler receives each replayed event. A returned error is recorded as a
// failure and replay continues with the next event.
type Handler func(ctx context.Context, event store.Event) error

// Failure describes one event the handler rejected.
type Failure struct {
	EventID     string `json:"event_id"`
	AggregateID string `json:"aggregate_id"`
	Version     int    `json:"version"`
	Position    int64  `json:"position"`
	Error       string `json:"error"`
}

type Result struct {
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
}

func (r Result) Total() int { return r.Succeeded + r.Failed }

// IntegrityReport is the outcome of checking one aggregate stream.
type IntegrityReport struct {
	AggregateID   string `json:"aggregate_id"`
	Valid         bool   `json:"valid"`
	TotalEvents   int    `json:"total_events"`
	LatestVersion int    `json:"latest_version"`
	Problem       string `json:"problem,omitempty"`
}

type Statistics struct {
	TotalEvents      int            `json:"total_events"`
	UniqueAggregates int            `json:"unique_aggregates"`
	EventsByType     map[string]int `json:"events_by_type"`
	LastPosition     int64          `json:"last_position"`
}

type Option func(*Service)

func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

type Service struct {
	events      store.EventStore
	handler     Handler
	pageSize    int
	parallelism int
	logger      *slog.Logger
}

// NewService builds a replay service. A nil handler only counts events.
func NewService(events store.EventStore, handler Handler, opts ...Option) *Service {
	s := &Service{
		events:      events,
		handler:     handler,
		pageSize:    DefaultPageSize,
		parallelism: DefaultParallelism,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.handler == nil {
		s.handler = func(context.Context, store.Event) error { return nil }
	}
	s.logger = s.logger.With(logattr.Component("replay.Service"))
	return s
}

func (s *Service) ReplayAggregate(ctx context.Context, aggregateID string) (Result, error) {
	events, err := s.events.GetEventsForAggregate(ctx, aggregateID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load aggregate %s: %w", aggregateID, err)
	}
	return s.replay(ctx, events), nil
}

func (s *Service) ReplayByType(ctx context.Context, eventType string) (Result, error) {
	events, err := s.events.GetEventsByType(ctx, eventType)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load events of type %s: %w", eventType, err)
	}
	return s.replay(ctx, events), nil
}

func (s *Service) ReplayByCorrelationID(ctx context.Context, correlationID string) (Result, error) {
	events, err := s.events.GetEventsByCorrelationID(ctx, correlationID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load events for correlation %s: %w", correlationID, err)
	}
	return s.replay(ctx, events), nil
}

// ReplaySince replays the global feed after the given position.
func (s *Service) ReplaySince(ctx context.Context, afterPosition int64) (Result, error) {
	var total Result
	err := s.scan(ctx, afterPosition, func(page []store.Event) {
		total = total.merge(s.replay(ctx, page))
	})
	return total, err
}

// ReplayTimeRange replays events whose timestamp lies in [start, end].
func (s *Service) ReplayTimeRange(ctx context.Context, start, end time.Time) (Result, error) {
	if end.Before(start) {
		return Result{}, fmt.Errorf("time range end %s is before start %s", end, start)
	}
	var total Result
	err := s.scan(ctx, 0, func(page []store.Event) {
		in := page[:0:0]
		for _, e := range page {
			if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
				in = append(in, e)
			}
		}
		total = total.merge(s.replay(ctx, in))
	})
	return total, err
}

// ReplayAggregates replays several aggregates concurrently. The first load
// error cancels the rest.
func (s *Service) ReplayAggregates(ctx context.Context, aggregateIDs []string) (map[string]Result, error) {
	results := make([]Result, len(aggregateIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, id := range aggregateIDs {
		g.Go(func() error {
			r, err := s.ReplayAggregate(gctx, id)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]Result, len(aggregateIDs))
	for i, id := range aggregateIDs {
		out[id] = results[i]
	}
	return out, nil
}

// CheckIntegrity reads the whole stream and compares it with the recorded
// latest version. A broken stream is reported, not returned as an error.
func (s *Service) CheckIntegrity(ctx context.Context, aggregateID string) (IntegrityReport, error) {
	report := IntegrityReport{AggregateID: aggregateID, Valid: true}

	latest, err := s.events.GetLatestVersion(ctx, aggregateID)
	if err != nil {
		return report, fmt.Errorf("failed to read latest version of %s: %w", aggregateID, err)
	}
	report.LatestVersion = latest

	events, err := s.events.GetEventsForAggregate(ctx, aggregateID)
	var iv *store.IntegrityViolationError
	switch {
	case errors.As(err, &iv):
		report.Valid = false
		report.Problem = iv.Error()
		s.logger.WarnContext(ctx, "integrity check failed", logattr.AggregateID(aggregateID), logattr.Error(err))
		return report, nil
	case err != nil:
		return report, fmt.Errorf("failed to load aggregate %s: %w", aggregateID, err)
	}

	report.TotalEvents = len(events)
	if err := store.VerifyStream(aggregateID, 0, events); err != nil {
		report.Valid = false
		report.Problem = err.Error()
	} else if len(events) < latest {
		report.Valid = false
		report.Problem = fmt.Sprintf("stream has %d events but latest version is %d", len(events), latest)
	} else if len(events) > 0 {
		// Appends that landed after the version read are part of the stream.
		report.LatestVersion = events[len(events)-1].Version
	}
	return report, nil
}

// Statistics scans the global feed.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{EventsByType: map[string]int{}}
	aggregates := map[string]struct{}{}

	err := s.scan(ctx, 0, func(page []store.Event) {
		for _, e := range page {
			stats.TotalEvents++
			stats.EventsByType[e.EventType]++
			aggregates[e.AggregateID] = struct{}{}
			stats.LastPosition = e.Position
		}
	})
	stats.UniqueAggregates = len(aggregates)
	return stats, err
}

// scan pages through GetEventsSince until a short page.
func (s *Service) scan(ctx context.Context, after int64, visit func([]store.Event)) error {
	for {
		page, err := s.events.GetEventsSince(ctx, after, s.pageSize)
		if err != nil {
			return fmt.Errorf("failed to read events after position %d: %w", after, err)
		}
		if len(page) == 0 {
			return nil
		}
		visit(page)
		after = page[len(page)-1].Position
		if len(page) < s.pageSize {
			return nil
		}
	}
}

func (s *Service) replay(ctx context.Context, events []store.Event) Result {
	var r Result
	for _, e := range events {
		if err := s.handler(ctx, e); err != nil {
			r.Failed++
			r.Failures = append(r.Failures, Failure{
				EventID:     e.ID,
				AggregateID: e.AggregateID,
				Version:     e.Version,
				Position:    e.Position,
				Error:       err.Error(),
			})
			s.logger.WarnContext(ctx, "failed to replay event",
				logattr.AggregateID(e.AggregateID),
				logattr.Version(e.Version),
				logattr.Error(err))
			continue
		}
		r.Succeeded++
	}
	return r
}

func (r Result) merge(o Result) Result {
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Failures = append(r.Failures, o.Failures...)
	return r
}
