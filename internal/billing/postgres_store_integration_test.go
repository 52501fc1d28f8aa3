package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/billing/pgtest"
)

func TestPostgresStore(t *testing.T) {
	pool := pgtest.NewPool(t)
	store := billing.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &billing.User{ID: "u1", Email: "u1@example.com"}))

	t.Run("concurrent debits conflict", func(t *testing.T) {
		var ready sync.WaitGroup
		ready.Add(2)
		errs := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() {
				errs <- store.RunSerializable(ctx, func(ctx context.Context, repo billing.Repository) error {
					if _, err := repo.TotalCreditUsed(ctx, "u1"); err != nil {
						return err
					}
					// both transactions have read before either writes
					ready.Done()
					ready.Wait()
					return repo.CreateUsageRecord(ctx, &billing.UsageRecord{
						ID:          uuid.NewString(),
						UserID:      "u1",
						TaskType:    "skew",
						CreditUsed:  decimal.RequireFromString("0.5"),
						Cost:        decimal.Zero,
						ReportState: billing.ReportReported,
					})
				})
			}()
		}

		var conflicts, committed int
		for i := 0; i < 2; i++ {
			err := <-errs
			switch {
			case err == nil:
				committed++
			case billing.IsRetryable(err):
				assert.ErrorIs(t, err, billing.ErrWriteConflict)
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, committed)
		assert.Equal(t, 1, conflicts)
	})

	t.Run("mark reported returns only moved ids", func(t *testing.T) {
		a := createPending(t, store, "u1", "0.2")
		b := createPending(t, store, "u1", "0.3")

		moved, err := store.MarkReported(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, []string{a}, moved)

		moved, err = store.MarkReported(ctx, a, b)
		require.NoError(t, err)
		assert.Equal(t, []string{b}, moved)

		rec, err := store.GetUsageRecord(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, billing.ReportReported, rec.ReportState)
	})

	t.Run("list pending bounds", func(t *testing.T) {
		require.NoError(t, store.CreateUser(ctx, &billing.User{ID: "u2"}))
		base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

		old := createPending(t, store, "u2", "0.1")
		atAfter := createPending(t, store, "u2", "0.1")
		inside := createPending(t, store, "u2", "0.1")
		atBefore := createPending(t, store, "u2", "0.1")
		setCreatedAt(t, pool, old, base.Add(-time.Hour))
		setCreatedAt(t, pool, atAfter, base)
		setCreatedAt(t, pool, inside, base.Add(time.Hour))
		setCreatedAt(t, pool, atBefore, base.Add(2*time.Hour))

		free := &billing.UsageRecord{ID: uuid.NewString(), UserID: "u2", TaskType: "t", CreditUsed: decimal.Zero, Cost: decimal.Zero, ReportState: billing.ReportPending}
		require.NoError(t, store.CreateUsageRecord(ctx, free))
		setCreatedAt(t, pool, free.ID, base.Add(time.Hour))

		got, err := store.ListPending(ctx, billing.PendingQuery{After: base, Before: base.Add(2 * time.Hour), Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{atAfter, inside}, ids(got))

		got, err = store.ListPending(ctx, billing.PendingQuery{Before: base.Add(2 * time.Hour), Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{old, atAfter, inside}, ids(got))

		got, err = store.ListPending(ctx, billing.PendingQuery{After: base, Before: base.Add(3 * time.Hour), Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{atAfter}, ids(got))
	})

	t.Run("keeps full decimal precision", func(t *testing.T) {
		tiny := decimal.RequireFromString("0.000000000012345")
		rec := &billing.UsageRecord{ID: uuid.NewString(), UserID: "u1", TaskType: "t", CreditUsed: decimal.Zero, Cost: tiny, ReportState: billing.ReportPending}
		require.NoError(t, store.CreateUsageRecord(ctx, rec))

		got, err := store.GetUsageRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, got.Cost.Equal(tiny), "stored %s", got.Cost)
	})

	t.Run("one welcome credit per user", func(t *testing.T) {
		grant := func() error {
			return store.CreateGrant(ctx, &billing.CreditGrant{ID: uuid.NewString(), UserID: "u1", Amount: decimal.NewFromInt(1), Type: "welcome_credit"})
		}
		require.NoError(t, grant())
		assert.True(t, billing.IsUniqueViolation(grant()))
	})
}

func createPending(t *testing.T, store billing.Store, userID, cost string) string {
	t.Helper()
	rec := &billing.UsageRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		TaskType:    "chat",
		CreditUsed:  decimal.Zero,
		Cost:        decimal.RequireFromString(cost),
		ReportState: billing.ReportPending,
	}
	require.NoError(t, store.CreateUsageRecord(context.Background(), rec))
	return rec.ID
}

func setCreatedAt(t *testing.T, pool *pgxpool.Pool, id string, at time.Time) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `UPDATE usage_records SET created_at = $2 WHERE id = $1`, id, at)
	require.NoError(t, err)
}

func ids(records []*billing.UsageRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
