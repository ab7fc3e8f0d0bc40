// Package jobs runs the coordinator's periodic work: flushing deferred syncs and probing health.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/internal/metrics"
	"github.com/Checker-Finance/sync-coordinator/internal/notify"
	"github.com/Checker-Finance/sync-coordinator/internal/tier"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// Ticker is the subset of *time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates tickers.
type TickerFactory func(d time.Duration) Ticker

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// NewStdTicker wraps time.NewTicker.
func NewStdTicker(d time.Duration) Ticker { return stdTicker{time.NewTicker(d)} }

// Syncer is satisfied by *coordinator.Coordinator.
type Syncer interface {
	SyncUser(ctx context.Context, userID string, t model.Tier) (*model.SyncResult, error)
	FetchTier(ctx context.Context, userID string) (model.Tier, error)
}

// Queue is satisfied by *store.RedisStore.
type Queue interface {
	DequeueSync(ctx context.Context, n int) ([]model.QueuedSync, error)
	EnqueueSync(ctx context.Context, items ...model.QueuedSync) error
}

// HealthChecker is satisfied by *health.Monitor.
type HealthChecker interface {
	PerformHealthCheck(ctx context.Context) model.HealthSnapshot
}

// Attacher subscribes itself to the bus for as long as the scheduler runs.
type Attacher interface {
	Attach(bus *notify.Bus) *notify.Subscription
}

// Options configures intervals and retry limits.
type Options struct {
	FlushInterval  time.Duration
	HealthInterval time.Duration
	FlushBatch     int
	MaxAttempts    int
}

// Scheduler owns the two tickers and the notification subscriptions.
type Scheduler struct {
	logger    *zap.Logger
	opts      Options
	syncer    Syncer
	queue     Queue
	health    HealthChecker
	bus       *notify.Bus
	attachers []Attacher
	newTicker TickerFactory

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	tickers []Ticker
	subs    []*notify.Subscription
	stopped bool
}

// New creates a Scheduler. queue may be nil, in which case the flush tick is a no-op.
func New(logger *zap.Logger, opts Options, syncer Syncer, queue Queue, health HealthChecker, bus *notify.Bus) *Scheduler {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 60 * time.Second
	}
	if opts.FlushBatch <= 0 {
		opts.FlushBatch = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Scheduler{
		logger:    logger,
		opts:      opts,
		syncer:    syncer,
		queue:     queue,
		health:    health,
		bus:       bus,
		newTicker: NewStdTicker,
	}
}

// WithTickerFactory replaces time.NewTicker.
func (s *Scheduler) WithTickerFactory(f TickerFactory) *Scheduler {
	s.newTicker = f
	return s
}

// WithSubscribers registers components attached on Start and detached on Stop.
func (s *Scheduler) WithSubscribers(a ...Attacher) *Scheduler {
	s.attachers = append(s.attachers, a...)
	return s
}

// Start attaches subscribers and launches the flush and health loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	if s.bus != nil {
		for _, a := range s.attachers {
			s.subs = append(s.subs, a.Attach(s.bus))
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	flush := s.newTicker(s.opts.FlushInterval)
	probe := s.newTicker(s.opts.HealthInterval)
	s.tickers = []Ticker{flush, probe}

	// Work outlives Stop: in-flight remote calls finish on their own transport timeout.
	work := context.WithoutCancel(ctx)
	go s.loop(loopCtx, "sync_flush", flush, func() { s.flush(work) })
	go s.loop(loopCtx, "health_check", probe, func() { s.health.PerformHealthCheck(work) })

	s.logger.Info("scheduler.started",
		zap.Duration("flush_interval", s.opts.FlushInterval),
		zap.Duration("health_interval", s.opts.HealthInterval),
		zap.Int("subscriptions", len(s.subs)))
	return nil
}

// Stop cancels both tickers and detaches every subscription. It does nothing before Start
// and on every call after the first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return
	}
	s.stopped = true

	s.cancel()
	for _, t := range s.tickers {
		t.Stop()
	}
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.tickers = nil
	s.subs = nil
	s.logger.Info("scheduler.stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, t Ticker, run func()) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler.loop_exited", zap.String("job", name))
			return
		case <-t.C():
			run()
		}
	}
}

// flush drains one batch of the deferred sync queue. Retryable failures go back on the queue
// with one more attempt until MaxAttempts.
func (s *Scheduler) flush(ctx context.Context) {
	if s.queue == nil {
		return
	}

	items, err := s.queue.DequeueSync(ctx, s.opts.FlushBatch)
	if err != nil {
		s.logger.Error("scheduler.dequeue_failed", zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}

	var retry []model.QueuedSync
	synced := 0
	for _, it := range items {
		err := s.syncOne(ctx, it)
		if err == nil {
			synced++
			metrics.SyncQueueFlushed.WithLabelValues("synced").Inc()
			continue
		}

		it.Attempts++
		var ve *model.ValidationError
		switch {
		case errors.As(err, &ve), errors.Is(err, tier.ErrUnknownTier):
			metrics.SyncQueueFlushed.WithLabelValues("dropped").Inc()
			s.logger.Error("scheduler.sync_dropped_invalid", zap.String("user_id", it.UserID), zap.Error(err))
		case it.Attempts >= s.opts.MaxAttempts:
			metrics.SyncQueueFlushed.WithLabelValues("dropped").Inc()
			s.logger.Error("scheduler.sync_dropped",
				zap.String("user_id", it.UserID),
				zap.Int("attempts", it.Attempts),
				zap.Error(err))
		default:
			metrics.SyncQueueFlushed.WithLabelValues("retried").Inc()
			retry = append(retry, it)
		}
	}

	if len(retry) > 0 {
		if err := s.queue.EnqueueSync(ctx, retry...); err != nil {
			s.logger.Error("scheduler.requeue_failed", zap.Int("count", len(retry)), zap.Error(err))
		}
	}

	s.logger.Info("scheduler.flush_completed",
		zap.Int("dequeued", len(items)),
		zap.Int("synced", synced),
		zap.Int("requeued", len(retry)))
}

func (s *Scheduler) syncOne(ctx context.Context, it model.QueuedSync) error {
	t := it.Tier
	if t == "" {
		fetched, err := s.syncer.FetchTier(ctx, it.UserID)
		if err != nil {
			return err
		}
		t = fetched
	}
	_, err := s.syncer.SyncUser(ctx, it.UserID, t)
	return err
}
