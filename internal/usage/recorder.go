package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/ledger"
	"github.com/vnmchuo/usage-ledger/internal/pricing"
	"github.com/vnmchuo/usage-ledger/internal/telemetry"
	"github.com/vnmchuo/usage-ledger/internal/worker"
)

const (
	TxTimeout  = 10 * time.Second
	MaxRetries = 3 // after the first attempt

	dispatchTimeout = 5 * time.Second
)

// Payer labels who ended up paying for a record.
const (
	PayerFree     = "free"     // zero cost: external key, unpriced model
	PayerCredit   = "credit"   // fully covered by credit
	PayerBilled   = "billed"   // some or all of it goes to the metered invoice
	PayerForgiven = "forgiven" // credit-only user ran past their balance
)

type TokenUsage struct {
	UserID         string
	Provider       string
	ModelID        string
	TaskType       string
	Usage          pricing.Usage
	IsExternalKey  bool
	ConversationID string
}

// FixedCost charges a non-model task. A nil Cost falls back to pricing.FixedCosts.
type FixedCost struct {
	UserID   string
	TaskType string
	Cost     *decimal.Decimal
}

type Recorder struct {
	store      billing.Store
	ledger     *ledger.Ledger
	queue      worker.Queue
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	txTimeout  time.Duration
	maxRetries int
}

type Option func(*Recorder)

func WithTxTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.txTimeout = d }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Recorder) { r.tracer = t }
}

func NewRecorder(store billing.Store, l *ledger.Ledger, queue worker.Queue, metrics *telemetry.Metrics, logger *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:      store,
		ledger:     l,
		queue:      queue,
		metrics:    metrics,
		logger:     logger,
		tracer:     otel.Tracer("usage-ledger/usage"),
		txTimeout:  TxTimeout,
		maxRetries: MaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordTokenUsage prices an AI call, charges it against the user's credit and
// persists the call detail and usage record in one serializable transaction.
func (r *Recorder) RecordTokenUsage(ctx context.Context, in TokenUsage) (*billing.UsageRecord, error) {
	if in.UserID == "" {
		return nil, billing.ValidationError{Field: "userId", Message: "is required"}
	}
	if in.TaskType == "" {
		return nil, billing.ValidationError{Field: "taskType", Message: "is required"}
	}

	ctx, span := r.tracer.Start(ctx, "usage.record_tokens")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", in.UserID),
		attribute.String("model", in.ModelID),
		attribute.Bool("external_key", in.IsExternalKey),
	)

	u := pricing.Normalize(in.Usage)
	var cost *pricing.Cost
	if !in.IsExternalKey {
		if c, ok := pricing.CostFor(in.ModelID, u); ok {
			cost = &c
		} else {
			r.logger.Debug("no pricing for model, recording at zero cost", zap.String("model", in.ModelID))
		}
	}

	fullCost := decimal.Zero
	if cost != nil {
		fullCost = cost.Total
	}

	call := &billing.CallRecord{
		UserID:       in.UserID,
		Provider:     in.Provider,
		ModelID:      in.ModelID,
		TaskType:     in.TaskType,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
		UsageJSON:    usageJSON(u),
		UsingOwnKey:  in.IsExternalKey,
	}
	if cost != nil {
		call.CostJSON = costJSON(*cost)
	}
	if in.ConversationID != "" {
		call.ConversationID = &in.ConversationID
	}

	return r.record(ctx, in.UserID, in.TaskType, fullCost, in.IsExternalKey, call)
}

func (r *Recorder) RecordFixedCost(ctx context.Context, in FixedCost) (*billing.UsageRecord, error) {
	if in.UserID == "" {
		return nil, billing.ValidationError{Field: "userId", Message: "is required"}
	}

	fullCost := decimal.Zero
	if in.Cost != nil {
		if in.Cost.IsNegative() {
			return nil, billing.ValidationError{Field: "costUsd", Message: "must not be negative"}
		}
		fullCost = *in.Cost
	} else if c, ok := pricing.FixedCosts[in.TaskType]; ok {
		fullCost = c
	}

	ctx, span := r.tracer.Start(ctx, "usage.record_fixed")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", in.UserID), attribute.String("task_type", in.TaskType))

	return r.record(ctx, in.UserID, in.TaskType, fullCost, false, nil)
}

func (r *Recorder) record(ctx context.Context, userID, taskType string, fullCost decimal.Decimal, external bool, call *billing.CallRecord) (*billing.UsageRecord, error) {
	var (
		rec   *billing.UsageRecord
		payer string
	)

	err := r.withSerializableTx(ctx, func(ctx context.Context, repo billing.Repository) error {
		creditUsed, costUSD := decimal.Zero, decimal.Zero
		payer = PayerFree
		if !external && fullCost.IsPositive() {
			var err error
			creditUsed, costUSD, payer, err = r.splitCost(ctx, repo, userID, fullCost)
			if err != nil {
				return err
			}
		}

		// fresh ids per attempt; a retried transaction starts from nothing
		rec = &billing.UsageRecord{
			ID:          uuid.NewString(),
			UserID:      userID,
			TaskType:    taskType,
			CreditUsed:  creditUsed,
			Cost:        costUSD,
			ReportState: billing.ReportPending,
		}
		if !costUSD.IsPositive() {
			// nothing to bill
			rec.ReportState = billing.ReportReported
		}

		if call != nil {
			c := *call
			c.ID = uuid.NewString()
			if err := repo.CreateCallRecord(ctx, &c); err != nil {
				return err
			}
			rec.CallRecordID = &c.ID
		}
		return repo.CreateUsageRecord(ctx, rec)
	})
	if err != nil {
		r.logger.Error("failed to record usage",
			zap.String("user_id", userID),
			zap.String("task_type", taskType),
			zap.String("cost_usd", fullCost.String()),
			zap.Error(err),
		)
		return nil, err
	}

	// Outside the transaction so free calls never contend on the users row.
	if err := r.store.IncrementMessageCount(ctx, userID); err != nil {
		r.logger.Warn("failed to increment message count", zap.String("user_id", userID), zap.Error(err))
	}

	r.metrics.UsageRecorded.WithLabelValues(payer).Inc()
	r.logger.Info("usage recorded",
		zap.String("record_id", rec.ID),
		zap.String("user_id", userID),
		zap.String("task_type", taskType),
		zap.String("credit_used_usd", rec.CreditUsed.String()),
		zap.String("cost_usd", rec.Cost.String()),
		zap.String("payer", payer),
	)

	if rec.Cost.IsPositive() {
		r.dispatch(rec.ID)
	}
	return rec, nil
}

// splitCost charges fullCost against the balance read inside the transaction.
// Credit-only users are never billed past their credit; the remainder is forgiven.
func (r *Recorder) splitCost(ctx context.Context, repo billing.Repository, userID string, fullCost decimal.Decimal) (creditUsed, cost decimal.Decimal, payer string, err error) {
	balance, err := r.ledger.BalanceTx(ctx, repo, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, "", fmt.Errorf("failed to read balance: %w", err)
	}

	creditUsed = decimal.Min(fullCost, balance.Available)
	remainder := fullCost.Sub(creditUsed)
	if !remainder.IsPositive() {
		return creditUsed, decimal.Zero, PayerCredit, nil
	}

	_, err = repo.GetActiveSubscription(ctx, userID)
	if errors.Is(err, billing.ErrNotFound) {
		return creditUsed, decimal.Zero, PayerForgiven, nil
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, "", fmt.Errorf("failed to load subscription: %w", err)
	}
	return creditUsed, remainder, PayerBilled, nil
}

// withSerializableTx retries write conflicts up to maxRetries times. Any other error
// is returned as is on the first failure.
func (r *Recorder) withSerializableTx(ctx context.Context, fn billing.TxFunc) error {
	err := billing.RunWithRetry(ctx, r.store, billing.RetryPolicy{
		MaxRetries: r.maxRetries,
		Timeout:    r.txTimeout,
		OnRetry: func(attempt int, err error) {
			r.metrics.TxRetries.Inc()
			r.logger.Debug("retrying usage transaction", zap.Int("attempt", attempt), zap.Error(err))
		},
	}, fn)
	if err != nil && !errors.Is(err, billing.ErrRetriesExhausted) {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return err
}

// dispatch hands the record to the report queue without holding up the caller.
func (r *Recorder) dispatch(recordID string) {
	if r.queue == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := r.queue.Enqueue(ctx, worker.NewJob(recordID)); err != nil {
			r.logger.Warn("failed to enqueue usage report, sweep will retry",
				zap.String("record_id", recordID),
				zap.Error(err),
			)
		}
	}()
}

func usageJSON(u pricing.Usage) *string {
	if u.CacheReadTokens <= 0 && u.CacheWriteTokens <= 0 && u.ReasoningTokens <= 0 && u.InputTokens <= 0 && u.OutputTokens <= 0 {
		return nil
	}
	b, err := json.Marshal(u)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func costJSON(c pricing.Cost) *string {
	if !c.Input.IsPositive() && !c.Output.IsPositive() && !c.CacheRead.IsPositive() && !c.CacheWrite.IsPositive() {
		return nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}
