package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/placebook/pkg/observability"
)

// DefaultSweepLockKey is the redis key the expiry sweep locks on
const DefaultSweepLockKey = "placebook:subscriptions:expire"

// Locker is a distributed mutual-exclusion lock. storage.RedisClient
// implements it.
type Locker interface {
	// TryLock acquires key for ttl without blocking and returns a token
	// identifying the holder.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// Sweeper runs Expire on a schedule. When several replicas share a Locker
// only one of them sweeps per tick.
type Sweeper struct {
	lifecycle  *Lifecycle
	dispatcher *Dispatcher
	locker     Locker
	lockKey    string
	lockTTL    time.Duration
	timeout    time.Duration
	metrics    *observability.Metrics
	logger     *observability.Logger
	cron       *cron.Cron
}

// SweeperOption configures a Sweeper
type SweeperOption func(*Sweeper)

// WithLocker sets the distributed lock
func WithLocker(locker Locker, key string, ttl time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.locker = locker
		if key != "" {
			s.lockKey = key
		}
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithSweepTimeout bounds a single run
func WithSweepTimeout(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.timeout = d }
}

// WithSweepMetrics sets the metrics recorder
func WithSweepMetrics(m *observability.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSweepLogger sets the logger
func WithSweepLogger(l *observability.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a sweeper. dispatcher may be nil when history on
// expiry is disabled.
func NewSweeper(lifecycle *Lifecycle, dispatcher *Dispatcher, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		lockKey:    DefaultSweepLockKey,
		lockTTL:    5 * time.Minute,
		timeout:    2 * time.Minute,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce sweeps once. It reports ran=false without error when another
// holder owns the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (result *ExpireResult, ran bool, err error) {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, s.lockKey, s.lockTTL)
		if err != nil {
			return nil, false, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			s.metrics.RecordSweepContended()
			observability.FromContext(ctx, s.logger).Debug("expiry sweep skipped, lock held elsewhere")
			return nil, false, nil
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), s.lockKey, token); err != nil {
				observability.FromContext(ctx, s.logger).WithError(err).Warn("failed to release sweep lock")
			}
		}()
	}

	start := time.Now()
	result, err = s.lifecycle.Expire(ctx)
	s.metrics.ObserveSweep(time.Since(start))
	if err != nil {
		return nil, true, err
	}
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, result.Intents)
	}
	return result, true, nil
}

// Start schedules RunOnce on spec, a standard five-field cron expression
// evaluated in loc.
func (s *Sweeper) Start(spec string, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.WithField("schedule", spec).Info("expiry sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish or ctx
// to end.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, ran, err := s.RunOnce(ctx)
	switch {
	case err != nil:
		s.logger.WithError(err).Error("expiry sweep failed")
	case ran:
		s.logger.WithFields(map[string]interface{}{
			"sites":  result.Sites,
			"places": result.Places,
		}).Info("expiry sweep finished")
	}
}
