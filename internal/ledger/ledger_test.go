package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/billing/memstore"
)

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(month time.Month, day int) time.Time {
	return time.Date(2026, month, day, 0, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func grant(id, amount string, created time.Time, expires *time.Time) billing.CreditGrant {
	return billing.CreditGrant{ID: id, UserID: "u1", Amount: usd(amount), CreatedAt: created, ExpiresAt: expires}
}

func assertUSD(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(usd(want)), "want %s, got %s", want, got)
}

func TestComputeBalance_ExpiredRemainderIsForfeited(t *testing.T) {
	// A = $5 (Jan 1, expires Mar 1), B = $3 (Feb 1, no expiry), $2 used on Jan 15.
	grants := []billing.CreditGrant{
		grant("A", "5", date(time.January, 1), ptr(date(time.March, 1))),
		grant("B", "3", date(time.February, 1), nil),
	}

	b := ComputeBalance(grants, usd("2"), date(time.March, 2))

	assertUSD(t, "3", b.Available)
	assertUSD(t, "8", b.TotalGranted)
	assertUSD(t, "2", b.TotalUsed)

	before := ComputeBalance(grants, usd("2"), date(time.February, 15))
	assertUSD(t, "6", before.Available)
}

func TestComputeBalance_FIFO(t *testing.T) {
	older := grant("G1", "4", date(time.January, 1), ptr(date(time.June, 1)))
	newer := grant("G2", "4", date(time.February, 1), nil)

	// $3 used: all of it comes from G1, so once G1 expires only G2's full $4 is left.
	b := ComputeBalance([]billing.CreditGrant{older, newer}, usd("3"), date(time.June, 2))
	assertUSD(t, "4", b.Available)

	// $6 used: G1 fully consumed first, then $2 of G2.
	b = ComputeBalance([]billing.CreditGrant{older, newer}, usd("6"), date(time.June, 2))
	assertUSD(t, "2", b.Available)
}

func TestComputeBalance_NeverNegative(t *testing.T) {
	grants := []billing.CreditGrant{grant("A", "1", date(time.January, 1), nil)}

	b := ComputeBalance(grants, usd("5"), date(time.January, 2))
	assertUSD(t, "0", b.Available)

	b = ComputeBalance(nil, usd("0"), date(time.January, 2))
	assertUSD(t, "0", b.Available)
	assertUSD(t, "0", b.TotalGranted)
}

func TestComputeBalance_ExpiredUnusedGrantContributesNothing(t *testing.T) {
	grants := []billing.CreditGrant{
		grant("A", "10", date(time.January, 1), ptr(date(time.January, 31))),
		grant("B", "1", date(time.January, 2), nil),
	}

	b := ComputeBalance(grants, decimal.Zero, date(time.February, 1))
	assertUSD(t, "1", b.Available)
}

func TestComputeBalance_AvailableIsSumOfUnexpiredRemainders(t *testing.T) {
	now := date(time.April, 10)
	cases := []struct {
		used   string
		grants []billing.CreditGrant
		want   string
	}{
		{"0", []billing.CreditGrant{grant("A", "2", date(time.January, 1), nil)}, "2"},
		{"1.5", []billing.CreditGrant{
			grant("A", "1", date(time.January, 1), ptr(date(time.April, 1))),
			grant("B", "1", date(time.January, 2), nil),
			grant("C", "1", date(time.January, 3), ptr(date(time.May, 1))),
		}, "1.5"},
		{"0.25", []billing.CreditGrant{
			grant("A", "1", date(time.January, 1), nil),
			grant("B", "1", date(time.January, 2), ptr(date(time.February, 1))),
		}, "0.75"},
	}

	for _, tc := range cases {
		b := ComputeBalance(tc.grants, usd(tc.used), now)
		assertUSD(t, tc.want, b.Available)
		assert.False(t, b.Available.IsNegative())
	}
}

func TestLedger_BalanceFromStore(t *testing.T) {
	store := memstore.New()
	store.PutGrant(grant("A", "5", date(time.January, 1), ptr(date(time.March, 1))))
	store.PutGrant(grant("B", "3", date(time.February, 1), nil))
	store.PutUsageRecord(billing.UsageRecord{
		ID: "r1", UserID: "u1", CreditUsed: usd("2"), Cost: decimal.Zero,
		ReportState: billing.ReportReported, CreatedAt: date(time.January, 15),
	})

	l := New(store, zap.NewNop(), WithClock(func() time.Time { return date(time.March, 2) }))

	b, err := l.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assertUSD(t, "3", b.Available)
}

func TestLedger_NearestExpiry(t *testing.T) {
	store := memstore.New()
	store.PutGrant(grant("A", "1", date(time.January, 1), ptr(date(time.February, 1))))
	store.PutGrant(grant("B", "1", date(time.January, 2), ptr(date(time.May, 1))))
	store.PutGrant(grant("C", "1", date(time.January, 3), ptr(date(time.April, 1))))

	l := New(store, zap.NewNop(), WithClock(func() time.Time { return date(time.March, 1) }))

	exp, err := l.NearestExpiry(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.Equal(t, date(time.April, 1), *exp)
}

func TestLedger_GrantWelcomeCreditOnce(t *testing.T) {
	store := memstore.New()
	now := date(time.March, 1)
	store.SetClock(func() time.Time { return now })
	l := New(store, zap.NewNop(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.GrantWelcomeCredit(ctx, "u1")
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for ok := range results {
		if ok {
			granted++
		}
	}
	assert.Equal(t, 1, granted)

	grants, err := store.ListGrants(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, WelcomeCreditType, grants[0].Type)
	require.NotNil(t, grants[0].ExpiresAt)
	assert.Equal(t, now.Add(90*24*time.Hour), *grants[0].ExpiresAt)

	welcomed, err := l.HasWelcomeCredit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, welcomed)
}

func TestLedger_GrantWelcomeCreditRetriesConflict(t *testing.T) {
	store := memstore.New()
	l := New(store, zap.NewNop())
	ctx := context.Background()
	store.FailNextCommits(1)

	granted, err := l.GrantWelcomeCredit(ctx, "u1")

	require.NoError(t, err)
	assert.True(t, granted)
	welcomed, err := l.HasWelcomeCredit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, welcomed)
	attempts, commits := store.TxStats()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, commits)
}

func TestLedger_GrantWelcomeCreditConflictsExhausted(t *testing.T) {
	store := memstore.New()
	l := New(store, zap.NewNop())
	ctx := context.Background()
	store.FailNextCommits(grantMaxRetries + 1)

	granted, err := l.GrantWelcomeCredit(ctx, "u1")

	assert.ErrorIs(t, err, billing.ErrRetriesExhausted)
	assert.False(t, granted)
	welcomed, err := l.HasWelcomeCredit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, welcomed)
}

type uniqueViolationStore struct {
	*memstore.Store
}

func (s uniqueViolationStore) RunSerializable(ctx context.Context, fn billing.TxFunc) error {
	return fmt.Errorf("failed to create credit grant: %w", &pgconn.PgError{Code: "23505"})
}

func TestLedger_GrantWelcomeCreditLostRace(t *testing.T) {
	l := New(uniqueViolationStore{memstore.New()}, zap.NewNop())

	granted, err := l.GrantWelcomeCredit(context.Background(), "u1")

	require.NoError(t, err)
	assert.False(t, granted)
}

func TestLedger_GrantRejectsNonPositive(t *testing.T) {
	l := New(memstore.New(), zap.NewNop())

	err := l.Grant(context.Background(), &billing.CreditGrant{UserID: "u1", Amount: usd("0"), Type: "promo"})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	g := &billing.CreditGrant{UserID: "u1", Amount: usd("2.5"), Type: "promo"}
	require.NoError(t, l.Grant(context.Background(), g))
	assert.NotEmpty(t, g.ID)
}
