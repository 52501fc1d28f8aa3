package seeder

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/auth"
	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/ledger"
)

const (
	TestAPIKey    = "test-api-key-12345"
	TestUserID    = "00000000-0000-0000-0000-000000000001"
	TestUserEmail = "dev@example.com"

	DevPromoType = "dev_promo"
)

// DevPromoUSD is the non-expiring promotional credit the dev user starts with.
var DevPromoUSD = decimal.NewFromInt(5)

// SeedTestUser creates a development user with an API key, the welcome credit and a
// promotional grant. Running it again leaves existing rows alone.
func SeedTestUser(ctx context.Context, users billing.Store, keys auth.Store, l *ledger.Ledger, logger *zap.Logger) error {
	if err := users.CreateUser(ctx, &billing.User{ID: TestUserID, Email: TestUserEmail, Name: "Dev User"}); err != nil {
		return fmt.Errorf("failed to seed user: %w", err)
	}

	apiKey := &auth.APIKey{
		UserID:    TestUserID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}
	if err := keys.Create(ctx, apiKey); err != nil {
		logger.Warn("api key may already exist, skipping", zap.Error(err))
	} else {
		logger.Info("test api key created", zap.String("key", TestAPIKey), zap.String("user_id", TestUserID))
	}

	granted, err := l.GrantWelcomeCredit(ctx, TestUserID)
	if err != nil {
		return err
	}

	hasPromo, err := users.HasGrantOfType(ctx, TestUserID, DevPromoType)
	if err != nil {
		return fmt.Errorf("failed to check promo grant: %w", err)
	}
	if !hasPromo {
		if err := l.Grant(ctx, &billing.CreditGrant{
			UserID:      TestUserID,
			Amount:      DevPromoUSD,
			Type:        DevPromoType,
			Description: "Development promotional credit",
		}); err != nil {
			return fmt.Errorf("failed to seed promo grant: %w", err)
		}
	}

	logger.Info("test user seeded",
		zap.String("user_id", TestUserID),
		zap.Bool("welcome_granted", granted),
		zap.Bool("promo_granted", !hasPromo),
	)
	return nil
}
