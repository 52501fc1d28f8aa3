package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/billing"
)

const (
	WelcomeCreditType       = "welcome_credit"
	WelcomeCreditExpiryDays = 90

	grantMaxRetries = 3
)

var WelcomeCreditUSD = decimal.NewFromInt(1)

// Balance is derived from grants and usage on every read; it is never stored.
type Balance struct {
	TotalGranted decimal.Decimal
	TotalUsed    decimal.Decimal
	Available    decimal.Decimal
}

// ComputeBalance walks grants oldest first, letting each absorb usage up to its amount
// before the next one is touched. Only unexpired grants contribute their remainder to
// Available; an expired grant's unconsumed remainder is forfeited.
func ComputeBalance(grants []billing.CreditGrant, totalUsed decimal.Decimal, now time.Time) Balance {
	b := Balance{TotalGranted: decimal.Zero, TotalUsed: totalUsed, Available: decimal.Zero}

	toConsume := totalUsed
	for _, g := range grants {
		consumed := decimal.Min(g.Amount, decimal.Max(toConsume, decimal.Zero))
		toConsume = toConsume.Sub(consumed)
		b.TotalGranted = b.TotalGranted.Add(g.Amount)

		if g.ExpiresAt == nil || g.ExpiresAt.After(now) {
			b.Available = b.Available.Add(g.Amount.Sub(consumed))
		}
	}
	return b
}

type Ledger struct {
	store  billing.Store
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store billing.Store, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Balance(ctx context.Context, userID string) (Balance, error) {
	return l.BalanceTx(ctx, l.store, userID)
}

// BalanceTx computes the balance through repo, which may be bound to an open transaction.
// Callers that debit against the result must pass the transaction's repository.
func (l *Ledger) BalanceTx(ctx context.Context, repo billing.Repository, userID string) (Balance, error) {
	grants, err := repo.ListGrants(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	used, err := repo.TotalCreditUsed(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return ComputeBalance(grants, used, l.now()), nil
}

func (l *Ledger) NearestExpiry(ctx context.Context, userID string) (*time.Time, error) {
	return l.store.NearestExpiry(ctx, userID, l.now())
}

func (l *Ledger) HasWelcomeCredit(ctx context.Context, userID string) (bool, error) {
	return l.store.HasGrantOfType(ctx, userID, WelcomeCreditType)
}

// GrantWelcomeCredit gives a user the one-time signup credit. It returns false when the
// user already has it.
func (l *Ledger) GrantWelcomeCredit(ctx context.Context, userID string) (bool, error) {
	if !WelcomeCreditUSD.IsPositive() {
		return false, nil
	}

	granted := false
	policy := billing.RetryPolicy{
		MaxRetries: grantMaxRetries,
		OnRetry: func(attempt int, err error) {
			l.logger.Debug("retrying welcome credit grant", zap.String("user_id", userID), zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	err := billing.RunWithRetry(ctx, l.store, policy, func(ctx context.Context, repo billing.Repository) error {
		granted = false
		exists, err := repo.HasGrantOfType(ctx, userID, WelcomeCreditType)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		expiresAt := l.now().Add(WelcomeCreditExpiryDays * 24 * time.Hour)
		if err := repo.CreateGrant(ctx, &billing.CreditGrant{
			ID:          uuid.NewString(),
			UserID:      userID,
			Amount:      WelcomeCreditUSD,
			Type:        WelcomeCreditType,
			Description: "Welcome credit on signup",
			ExpiresAt:   &expiresAt,
		}); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		if billing.IsUniqueViolation(err) {
			// A concurrent request granted it first.
			return false, nil
		}
		return false, fmt.Errorf("failed to grant welcome credit: %w", err)
	}

	if granted {
		l.logger.Info("welcome credit granted",
			zap.String("user_id", userID),
			zap.String("amount_usd", WelcomeCreditUSD.String()),
		)
	}
	return granted, nil
}

// Grant appends a credit grant (promotions, refunds). Amount must be positive.
func (l *Ledger) Grant(ctx context.Context, g *billing.CreditGrant) error {
	if !g.Amount.IsPositive() {
		return billing.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if err := l.store.CreateGrant(ctx, g); err != nil {
		return err
	}
	return nil
}
