package reporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/provider"
	"github.com/vnmchuo/usage-ledger/internal/telemetry"
	"github.com/vnmchuo/usage-ledger/internal/worker"
)

// UnitsPerUSD converts dollars to meter units (1 unit = $0.0001).
var UnitsPerUSD = decimal.NewFromInt(10_000)

const (
	ResultReported = "reported"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

// IdempotencyKey is derived from the record id so every retry of the same record
// collapses into one billed event at the provider.
func IdempotencyKey(recordID string) string {
	return "usage_" + recordID
}

// Units rounds half away from zero.
func Units(cost decimal.Decimal) int64 {
	return cost.Mul(UnitsPerUSD).Round(0).IntPart()
}

type Reporter struct {
	store    billing.Store
	provider provider.Provider
	breaker  *gobreaker.CircuitBreaker
	metrics  *telemetry.Metrics
	logger   *zap.Logger
}

func New(store billing.Store, p provider.Provider, metrics *telemetry.Metrics, logger *zap.Logger) *Reporter {
	settings := gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("billing provider circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Reporter{
		store:    store,
		provider: p,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		metrics:  metrics,
		logger:   logger,
	}
}

// Report delivers one usage record to the billing provider and marks it reported.
// A record that is already reported is left alone. On error the record stays
// pending for the sweep to retry.
func (r *Reporter) Report(ctx context.Context, recordID string) error {
	rec, err := r.store.GetUsageRecord(ctx, recordID)
	if err != nil {
		r.metrics.Reports.WithLabelValues(ResultFailed).Inc()
		return fmt.Errorf("failed to load usage record %s: %w", recordID, err)
	}
	if rec.ReportState == billing.ReportReported {
		r.metrics.Reports.WithLabelValues(ResultSkipped).Inc()
		return nil
	}

	units := Units(rec.Cost)
	if units <= 0 {
		// too small to bill; stop the sweep from picking it up again
		if _, err := r.store.MarkReported(ctx, rec.ID); err != nil {
			r.metrics.Reports.WithLabelValues(ResultFailed).Inc()
			return fmt.Errorf("failed to mark usage record %s reported: %w", rec.ID, err)
		}
		r.metrics.Reports.WithLabelValues(ResultSkipped).Inc()
		return nil
	}

	user, err := r.store.GetUser(ctx, rec.UserID)
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		r.metrics.Reports.WithLabelValues(ResultFailed).Inc()
		return fmt.Errorf("failed to load user %s: %w", rec.UserID, err)
	}
	if user == nil || user.CustomerRef == nil || *user.CustomerRef == "" {
		r.metrics.Reports.WithLabelValues(ResultFailed).Inc()
		return fmt.Errorf("usage record %s: %w", rec.ID, billing.ErrNoCustomer)
	}

	ev := provider.MeterEvent{
		CustomerRef:    *user.CustomerRef,
		IdempotencyKey: IdempotencyKey(rec.ID),
		Units:          units,
		Timestamp:      rec.CreatedAt,
	}
	_, err = r.breaker.Execute(func() (interface{}, error) {
		return nil, r.provider.ReportUsage(ctx, ev)
	})
	if err != nil {
		r.metrics.Reports.WithLabelValues(ResultFailed).Inc()
		return fmt.Errorf("failed to report usage record %s: %w", rec.ID, err)
	}

	// The provider has the event. If this write fails the next attempt resends the
	// same idempotency key, which the provider ignores.
	if _, err := r.store.MarkReported(ctx, rec.ID); err != nil {
		r.metrics.Reports.WithLabelValues(ResultFailed).Inc()
		return fmt.Errorf("failed to mark usage record %s reported: %w", rec.ID, err)
	}

	r.metrics.Reports.WithLabelValues(ResultReported).Inc()
	r.logger.Debug("usage reported",
		zap.String("record_id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.Int64("units", units),
	)
	return nil
}

// HandleJob adapts Report to the worker queue.
func (r *Reporter) HandleJob(ctx context.Context, job *worker.Job) error {
	return r.Report(ctx, job.RecordID)
}
