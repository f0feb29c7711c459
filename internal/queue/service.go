package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/slidereviewd/internal/queue"

// Service coordinates lease assignment over the queue store. Every
// assignment path releases expired leases first, so expiry needs no
// background timer.
type Service interface {
	// Populate seeds one queue row per record index, leaving existing rows
	// untouched, and prunes rows past the snapshot length.
	Populate(ctx context.Context, total int, completedSeed map[int]bool) (int, error)

	// AssignNext leases the lowest pending item to reviewer, or returns
	// the lease the reviewer already holds.
	AssignNext(ctx context.Context, reviewer string) (Assignment, error)

	// AssignSpecific leases the given item to reviewer, releasing any
	// other lease the reviewer holds. Returns a read-only assignment when
	// someone else holds the item.
	AssignSpecific(ctx context.Context, index int, reviewer string) (Assignment, error)

	// Complete marks an item reviewed. Force skips the lease-holder check.
	Complete(ctx context.Context, index int, reviewer string, force bool) (Item, error)

	// Reopen returns a completed item to pending.
	Reopen(ctx context.Context, index int) error

	// Release gives up the reviewer's lease on an item.
	Release(ctx context.Context, index int, reviewer string) error

	// ActiveLease reports the item the reviewer currently holds, if any.
	ActiveLease(ctx context.Context, reviewer string) (Item, bool, error)

	// ReleaseExpired returns overdue leases to pending and reports how
	// many were released.
	ReleaseExpired(ctx context.Context) (int, error)

	// Stats returns per-status counts.
	Stats(ctx context.Context) (Stats, error)

	// History lists completed items, most recent first.
	History(ctx context.Context, limit int) ([]Item, error)

	// Get returns one queue row without touching its lease.
	Get(ctx context.Context, index int) (Item, error)
}

type service struct {
	store         *Store
	leaseDuration time.Duration
	logger        *zap.Logger
	tracer        trace.Tracer
	now           func() time.Time

	leasesGranted  metric.Int64Counter
	leasesExpired  metric.Int64Counter
	itemsCompleted metric.Int64Counter
}

// ServiceOption configures the queue service.
type ServiceOption func(*service)

// WithClock overrides the service clock. Used by tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) { s.now = now }
}

// NewService creates a queue service over store. A nil logger falls back
// to a no-op logger; nil telemetry providers fall back to no-op providers.
func NewService(store *Store, leaseDuration time.Duration, logger *zap.Logger, tp trace.TracerProvider, mp metric.MeterProvider, opts ...ServiceOption) (Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("lease duration must be positive, got %s", leaseDuration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tp == nil {
		tp = nooptrace.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}

	meter := mp.Meter(instrumentationName)
	leasesGranted, err := meter.Int64Counter("queue.leases.granted",
		metric.WithDescription("Number of leases granted to reviewers"))
	if err != nil {
		return nil, fmt.Errorf("creating leases.granted counter: %w", err)
	}
	leasesExpired, err := meter.Int64Counter("queue.leases.expired",
		metric.WithDescription("Number of leases reclaimed after expiry"))
	if err != nil {
		return nil, fmt.Errorf("creating leases.expired counter: %w", err)
	}
	itemsCompleted, err := meter.Int64Counter("queue.items.completed",
		metric.WithDescription("Number of items marked complete"))
	if err != nil {
		return nil, fmt.Errorf("creating items.completed counter: %w", err)
	}

	svc := &service{
		store:          store,
		leaseDuration:  leaseDuration,
		logger:         logger,
		tracer:         tp.Tracer(instrumentationName),
		now:            time.Now,
		leasesGranted:  leasesGranted,
		leasesExpired:  leasesExpired,
		itemsCompleted: itemsCompleted,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *service) Populate(ctx context.Context, total int, completedSeed map[int]bool) (int, error) {
	ctx, span := s.tracer.Start(ctx, "queue.Populate")
	defer span.End()

	inserted, err := s.store.Populate(ctx, total, completedSeed)
	if err != nil {
		return 0, fmt.Errorf("populating queue: %w", err)
	}
	if inserted > 0 {
		s.logger.Info("populated queue",
			zap.Int("inserted", inserted),
			zap.Int("total", total))
	}
	return inserted, nil
}

func (s *service) AssignNext(ctx context.Context, reviewer string) (Assignment, error) {
	ctx, span := s.tracer.Start(ctx, "queue.AssignNext")
	defer span.End()

	if reviewer == "" {
		return Assignment{}, errors.New("reviewer is required")
	}
	expired, err := s.ReleaseExpired(ctx)
	if err != nil {
		return Assignment{}, err
	}

	item, err := s.store.AcquireNext(ctx, reviewer, s.now())
	if err != nil {
		return Assignment{}, err
	}
	s.leasesGranted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "next")))
	s.logger.Debug("assigned next item",
		zap.Int("index", item.OriginalIndex),
		zap.String("reviewer", reviewer))
	return Assignment{Item: item, ExpiredReleased: expired}, nil
}

func (s *service) AssignSpecific(ctx context.Context, index int, reviewer string) (Assignment, error) {
	ctx, span := s.tracer.Start(ctx, "queue.AssignSpecific")
	defer span.End()

	if reviewer == "" {
		return Assignment{}, errors.New("reviewer is required")
	}
	expired, err := s.ReleaseExpired(ctx)
	if err != nil {
		return Assignment{}, err
	}

	assignment, err := s.store.AcquireSpecific(ctx, index, reviewer, s.now())
	if err != nil {
		return Assignment{}, err
	}
	assignment.ExpiredReleased = expired
	if assignment.ReadOnly {
		s.logger.Debug("item leased elsewhere, returning read-only view",
			zap.Int("index", index),
			zap.String("reviewer", reviewer),
			zap.String("holder", assignment.Item.LeasedBy))
		return assignment, nil
	}
	s.leasesGranted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "specific")))
	return assignment, nil
}

func (s *service) Complete(ctx context.Context, index int, reviewer string, force bool) (Item, error) {
	ctx, span := s.tracer.Start(ctx, "queue.Complete")
	defer span.End()

	var (
		item Item
		err  error
	)
	if force {
		item, err = s.store.ForceComplete(ctx, index, reviewer, s.now())
	} else {
		item, err = s.store.Complete(ctx, index, reviewer, s.now())
	}
	if err != nil {
		return Item{}, err
	}
	s.itemsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", force)))
	s.logger.Info("item completed",
		zap.Int("index", index),
		zap.String("reviewer", reviewer),
		zap.Bool("forced", force))
	return item, nil
}

func (s *service) Reopen(ctx context.Context, index int) error {
	ctx, span := s.tracer.Start(ctx, "queue.Reopen")
	defer span.End()
	return s.store.Reopen(ctx, index)
}

func (s *service) Release(ctx context.Context, index int, reviewer string) error {
	ctx, span := s.tracer.Start(ctx, "queue.Release")
	defer span.End()

	if err := s.store.Release(ctx, index, reviewer); err != nil {
		return fmt.Errorf("releasing lease on item %d: %w", index, err)
	}
	s.logger.Debug("lease released",
		zap.Int("index", index),
		zap.String("reviewer", reviewer))
	return nil
}

func (s *service) ActiveLease(ctx context.Context, reviewer string) (Item, bool, error) {
	if _, err := s.ReleaseExpired(ctx); err != nil {
		return Item{}, false, err
	}
	return s.store.ActiveLease(ctx, reviewer)
}

func (s *service) ReleaseExpired(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.leaseDuration)
	released, err := s.store.ReleaseExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("releasing expired leases: %w", err)
	}
	if released > 0 {
		s.leasesExpired.Add(ctx, int64(released))
		s.logger.Info("released expired leases", zap.Int("count", released))
	}
	return released, nil
}

func (s *service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

func (s *service) History(ctx context.Context, limit int) ([]Item, error) {
	return s.store.History(ctx, limit)
}

func (s *service) Get(ctx context.Context, index int) (Item, error) {
	return s.store.Get(ctx, index)
}
