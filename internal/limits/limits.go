package limits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/ledger"
	"github.com/vnmchuo/usage-ledger/internal/provider"
	"github.com/vnmchuo/usage-ledger/internal/telemetry"
)

type BlockReason string

const (
	MessageLimitReached  BlockReason = "MESSAGE_LIMIT_REACHED"
	CreditExhausted      BlockReason = "CREDIT_EXHAUSTED"
	SpendingLimitReached BlockReason = "SPENDING_LIMIT_REACHED"
)

var MinMonthlyCap = decimal.RequireFromString("0.01")

// Decision is the guard's answer. Current and Limit are only set in degraded
// (message-count) mode.
type Decision struct {
	Allowed     bool        `json:"allowed"`
	BlockReason BlockReason `json:"blockReason,omitempty"`
	Current     int64       `json:"current"`
	Limit       int64       `json:"limit"`
}

type Mode string

const (
	ModeSubscription Mode = "subscription"
	ModeCredit       Mode = "credit"
)

type SpendingLimitInfo struct {
	Mode        Mode
	MonthlyCap  *decimal.Decimal
	PeriodUsage decimal.Decimal
	PeriodStart time.Time

	// subscription mode
	Remaining *decimal.Decimal

	// credit mode
	Available    decimal.Decimal
	TotalGranted decimal.Decimal
}

type Guard struct {
	store            billing.Store
	ledger           *ledger.Ledger
	provider         provider.Provider
	metrics          *telemetry.Metrics
	logger           *zap.Logger
	freeMessageLimit int64
	now              func() time.Time
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(store billing.Store, l *ledger.Ledger, p provider.Provider, metrics *telemetry.Metrics, logger *zap.Logger, freeMessageLimit int64, opts ...Option) *Guard {
	g := &Guard{
		store:            store,
		ledger:           l,
		provider:         p,
		metrics:          metrics,
		logger:           logger,
		freeMessageLimit: freeMessageLimit,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MonthStart is UTC midnight on the first day of now's month.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func allow() Decision { return Decision{Allowed: true} }

func (g *Guard) block(userID string, reason BlockReason) Decision {
	g.metrics.GuardBlocks.WithLabelValues(string(reason)).Inc()
	g.logger.Info("usage blocked", zap.String("user_id", userID), zap.String("reason", string(reason)))
	return Decision{Allowed: false, BlockReason: reason}
}

// CheckUsageLimit decides whether userID may start another billable AI call.
func (g *Guard) CheckUsageLimit(ctx context.Context, userID string, isExternalKey bool) (Decision, error) {
	if isExternalKey {
		return allow(), nil
	}

	user, err := g.store.GetUser(ctx, userID)
	if errors.Is(err, billing.ErrNotFound) {
		return g.block(userID, MessageLimitReached), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load user: %w", err)
	}

	if user.CustomerRef == nil {
		if _, ok := g.ensureCustomer(ctx, user); !ok {
			// Billing provider unavailable: cap by message count instead of blocking outright.
			d := Decision{Allowed: user.MessageCount < g.freeMessageLimit, Current: user.MessageCount, Limit: g.freeMessageLimit}
			if !d.Allowed {
				blocked := g.block(userID, MessageLimitReached)
				blocked.Current, blocked.Limit = d.Current, d.Limit
				return blocked, nil
			}
			return d, nil
		}
	}

	sub, err := g.activeSubscription(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	monthlyCap, err := g.monthlyCap(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	if sub != nil && sub.PeriodStart != nil {
		if monthlyCap != nil {
			used, err := g.store.BilledSince(ctx, userID, *sub.PeriodStart)
			if err != nil {
				return Decision{}, fmt.Errorf("failed to load period usage: %w", err)
			}
			if used.GreaterThanOrEqual(*monthlyCap) {
				return g.block(userID, SpendingLimitReached), nil
			}
		}
		return allow(), nil
	}

	if monthlyCap != nil {
		used, err := g.store.BilledSince(ctx, userID, MonthStart(g.now()))
		if err != nil {
			return Decision{}, fmt.Errorf("failed to load period usage: %w", err)
		}
		if used.GreaterThanOrEqual(*monthlyCap) {
			return g.block(userID, SpendingLimitReached), nil
		}
	}

	balance, err := g.ledger.Balance(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load credit balance: %w", err)
	}
	if !balance.Available.IsPositive() {
		return g.block(userID, CreditExhausted), nil
	}
	return allow(), nil
}

// ensureCustomer lazily registers users created before billing was wired up.
func (g *Guard) ensureCustomer(ctx context.Context, user *billing.User) (string, bool) {
	if user.Email == "" || g.provider == nil {
		return "", false
	}

	ref, err := g.provider.CreateCustomer(ctx, provider.Customer{UserID: user.ID, Email: user.Email, Name: user.Name})
	if err != nil {
		g.logger.Warn("failed to create billing customer", zap.String("user_id", user.ID), zap.Error(err))
		return "", false
	}
	if err := g.store.SetCustomerRef(ctx, user.ID, ref); err != nil {
		g.logger.Warn("failed to save billing customer", zap.String("user_id", user.ID), zap.Error(err))
		return "", false
	}

	g.logger.Info("billing customer created", zap.String("user_id", user.ID), zap.String("customer_ref", ref))
	return ref, true
}

func (g *Guard) activeSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	sub, err := g.store.GetActiveSubscription(ctx, userID)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

func (g *Guard) monthlyCap(ctx context.Context, userID string) (*decimal.Decimal, error) {
	l, err := g.store.GetSpendingLimit(ctx, userID)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spending limit: %w", err)
	}
	return &l.MonthlyCap, nil
}

// SpendingLimitInfo reports the cap and period usage. Users with a subscription period
// get the subscription shape; everyone else gets the credit shape over the calendar month.
func (g *Guard) SpendingLimitInfo(ctx context.Context, userID string) (*SpendingLimitInfo, error) {
	sub, err := g.activeSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	monthlyCap, err := g.monthlyCap(ctx, userID)
	if err != nil {
		return nil, err
	}

	if sub != nil && sub.PeriodStart != nil {
		used, err := g.store.BilledSince(ctx, userID, *sub.PeriodStart)
		if err != nil {
			return nil, fmt.Errorf("failed to load period usage: %w", err)
		}
		info := &SpendingLimitInfo{
			Mode:        ModeSubscription,
			MonthlyCap:  monthlyCap,
			PeriodUsage: used,
			PeriodStart: *sub.PeriodStart,
		}
		if monthlyCap != nil {
			remaining := decimal.Max(decimal.Zero, monthlyCap.Sub(used))
			info.Remaining = &remaining
		}
		return info, nil
	}

	periodStart := MonthStart(g.now())
	used, err := g.store.BilledSince(ctx, userID, periodStart)
	if err != nil {
		return nil, fmt.Errorf("failed to load period usage: %w", err)
	}
	balance, err := g.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit balance: %w", err)
	}
	return &SpendingLimitInfo{
		Mode:         ModeCredit,
		MonthlyCap:   monthlyCap,
		PeriodUsage:  used,
		PeriodStart:  periodStart,
		Available:    balance.Available,
		TotalGranted: balance.TotalGranted,
	}, nil
}

// UpdateSpendingLimit sets the monthly cap, or clears it when monthlyCap is nil.
func (g *Guard) UpdateSpendingLimit(ctx context.Context, userID string, monthlyCap *float64) (*decimal.Decimal, error) {
	if monthlyCap == nil {
		if err := g.store.DeleteSpendingLimit(ctx, userID); err != nil {
			return nil, fmt.Errorf("failed to clear spending limit: %w", err)
		}
		g.logger.Info("spending limit cleared", zap.String("user_id", userID))
		return nil, nil
	}

	if math.IsNaN(*monthlyCap) || math.IsInf(*monthlyCap, 0) {
		return nil, billing.ValidationError{Field: "monthlyCapUsd", Message: "must be a finite number or null"}
	}
	value := decimal.NewFromFloat(*monthlyCap)
	if value.LessThan(MinMonthlyCap) {
		return nil, billing.ValidationError{Field: "monthlyCapUsd", Message: fmt.Sprintf("spending limit must be at least $%s", MinMonthlyCap)}
	}

	l, err := g.store.UpsertSpendingLimit(ctx, userID, value)
	if err != nil {
		return nil, fmt.Errorf("failed to update spending limit: %w", err)
	}
	g.logger.Info("spending limit updated", zap.String("user_id", userID), zap.String("monthly_cap_usd", l.MonthlyCap.String()))
	return &l.MonthlyCap, nil
}
