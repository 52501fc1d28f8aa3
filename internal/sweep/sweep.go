package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/telemetry"
)

// AlertMessage is logged at error level whenever pending usage ages out of the
// provider's acceptance window. Each such record is revenue that will never be billed.
const AlertMessage = "PERMANENT LOSS: usage reports expired"

const alertSampleSize = 20

type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	// MinAge keeps the sweep away from records the inline reporter is still handling.
	MinAge time.Duration
	// MaxEventAge is the oldest event the billing provider accepts.
	MaxEventAge time.Duration

	// Per-record delivery attempts within one sweep, with exponential backoff between them.
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Minute,
		BatchSize:      500,
		Concurrency:    25,
		MinAge:         time.Minute,
		MaxEventAge:    35 * 24 * time.Hour,
		MaxAttempts:    2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

type Reporter interface {
	Report(ctx context.Context, recordID string) error
}

type Result struct {
	Expired   int
	Attempted int
	Succeeded int
}

type Sweeper struct {
	store    billing.Store
	reporter Reporter
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	config   Config
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func New(store billing.Store, reporter Reporter, metrics *telemetry.Metrics, config Config, logger *zap.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		reporter: reporter,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep every Interval until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("reconciliation sweep started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("concurrency", s.config.Concurrency),
	)
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("reconciliation sweep stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			s.logger.Info("reconciliation sweep finished",
				zap.Int("expired", res.Expired),
				zap.Int("attempted", res.Attempted),
				zap.Int("succeeded", res.Succeeded),
			)
		}
	}
}

// RunOnce expires records too old to report, then retries a batch of the rest.
// It is safe to run concurrently with itself and with the inline reporter.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	now := s.now()
	cutoff := now.Add(-s.config.MaxEventAge)

	var res Result
	expired, err := s.expire(ctx, cutoff)
	res.Expired = expired
	if err != nil {
		return res, err
	}

	attempted, succeeded, err := s.retry(ctx, cutoff, now.Add(-s.config.MinAge))
	res.Attempted, res.Succeeded = attempted, succeeded
	return res, err
}

func (s *Sweeper) expire(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		stale, err := s.store.ListPending(ctx, billing.PendingQuery{Before: cutoff, Limit: s.config.BatchSize})
		if err != nil {
			return total, fmt.Errorf("failed to list expired usage: %w", err)
		}
		if len(stale) == 0 {
			return total, nil
		}

		ids := make([]string, len(stale))
		for i, rec := range stale {
			ids[i] = rec.ID
		}
		// Only rows this call moved are alerted on; a concurrent sweep owns the rest.
		moved, err := s.store.MarkReported(ctx, ids...)
		if err != nil {
			return total, fmt.Errorf("failed to expire usage: %w", err)
		}
		if len(moved) > 0 {
			s.alert(stale, moved, cutoff)
			total += len(moved)
		}

		if len(stale) < s.config.BatchSize {
			return total, nil
		}
	}
}

func (s *Sweeper) alert(stale []*billing.UsageRecord, moved []string, cutoff time.Time) {
	byID := make(map[string]*billing.UsageRecord, len(stale))
	for _, rec := range stale {
		byID[rec.ID] = rec
	}

	lost := decimal.Zero
	users := make(map[string]struct{})
	for _, id := range moved {
		if rec, ok := byID[id]; ok {
			lost = lost.Add(rec.Cost)
			users[rec.UserID] = struct{}{}
		}
	}

	sample := moved
	if len(sample) > alertSampleSize {
		sample = sample[:alertSampleSize]
	}

	s.metrics.ReportsExpired.Add(float64(len(moved)))
	s.logger.Error(AlertMessage,
		zap.Int("count", len(moved)),
		zap.Int("users", len(users)),
		zap.String("lost_usd", lost.String()),
		zap.Time("cutoff", cutoff),
		zap.Strings("record_ids", sample),
	)
}

func (s *Sweeper) retry(ctx context.Context, after, before time.Time) (int, int, error) {
	batch, err := s.store.ListPending(ctx, billing.PendingQuery{After: after, Before: before, Limit: s.config.BatchSize})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list pending usage: %w", err)
	}
	if len(batch) == 0 {
		return 0, 0, nil
	}

	var succeeded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, rec := range batch {
		g.Go(func() error {
			if err := s.deliver(gctx, rec.ID); err != nil {
				s.logger.Warn("usage report retry failed",
					zap.String("record_id", rec.ID),
					zap.String("user_id", rec.UserID),
					zap.Error(err),
				)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return len(batch), int(succeeded.Load()), nil
}

func (s *Sweeper) deliver(ctx context.Context, recordID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialBackoff
	b.MaxInterval = s.config.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.reporter.Report(ctx, recordID)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.config.MaxAttempts))
	return err
}

// retryable reports whether another attempt in this sweep could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, billing.ErrNoCustomer),
		errors.Is(err, billing.ErrNotFound),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	}
	return true
}
