package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/billing/memstore"
	"github.com/vnmchuo/usage-ledger/internal/telemetry"
)

type mockReporter struct {
	mu         sync.Mutex
	calls      map[string]int
	reportFunc func(ctx context.Context, recordID string, attempt int) error
}

func (m *mockReporter) Report(ctx context.Context, recordID string) error {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[recordID]++
	attempt := m.calls[recordID]
	m.mu.Unlock()

	if m.reportFunc != nil {
		return m.reportFunc(ctx, recordID, attempt)
	}
	return nil
}

func (m *mockReporter) callsFor(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

var now = time.Date(2026, time.May, 20, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memstore.Store
	reporter *mockReporter
	metrics  *telemetry.Metrics
	logs     *observer.ObservedLogs
	sweeper  *Sweeper
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	reporter := &mockReporter{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	core, logs := observer.New(zapcore.InfoLevel)

	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond

	return &fixture{
		store:    store,
		reporter: reporter,
		metrics:  metrics,
		logs:     logs,
		sweeper:  New(store, reporter, metrics, cfg, zap.New(core), WithClock(func() time.Time { return now })),
	}
}

func (f *fixture) pending(id string, age time.Duration, cost string) {
	f.store.PutUsageRecord(billing.UsageRecord{
		ID:          id,
		UserID:      "u-" + id,
		TaskType:    "chat",
		CreditUsed:  decimal.Zero,
		Cost:        decimal.RequireFromString(cost),
		ReportState: billing.ReportPending,
		CreatedAt:   now.Add(-age),
	})
}

func (f *fixture) state(t *testing.T, id string) billing.ReportState {
	t.Helper()
	rec, err := f.store.GetUsageRecord(context.Background(), id)
	require.NoError(t, err)
	return rec.ReportState
}

const day = 24 * time.Hour

func TestRunOnce_ExpiresOldRecordsWithSingleAlert(t *testing.T) {
	f := setup(t)
	f.pending("old-1", 40*day, "1.25")
	f.pending("old-2", 36*day, "0.75")

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 0, res.Attempted)
	assert.Equal(t, billing.ReportReported, f.state(t, "old-1"))
	assert.Equal(t, billing.ReportReported, f.state(t, "old-2"))
	assert.Equal(t, 0, f.reporter.callsFor("old-1"))

	res, err = f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)

	alerts := f.logs.FilterMessage(AlertMessage).All()
	require.Len(t, alerts, 1)
	assert.Equal(t, zapcore.ErrorLevel, alerts[0].Level)
	fields := alerts[0].ContextMap()
	assert.Equal(t, int64(2), fields["count"])
	assert.Equal(t, "2", fields["lost_usd"])
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ReportsExpired))
}

func TestRunOnce_ConcurrentSweepsAlertOncePerRecord(t *testing.T) {
	f := setup(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		f.pending(id, 50*day, "0.1")
	}

	var wg sync.WaitGroup
	expired := make(chan int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.sweeper.RunOnce(context.Background())
			assert.NoError(t, err)
			expired <- res.Expired
		}()
	}
	wg.Wait()
	close(expired)

	total := 0
	for n := range expired {
		total += n
	}
	assert.Equal(t, 4, total)
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.ReportsExpired))
}

func TestRunOnce_ExpireSpansBatches(t *testing.T) {
	f := setup(t)
	f.sweeper.config.BatchSize = 2
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.pending(id, 40*day, "0.1")
	}

	res, err := f.sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 5, res.Expired)
	assert.Equal(t, 3, f.logs.FilterMessage(AlertMessage).Len())
}

func TestRunOnce_RetriesPendingAndToleratesFailures(t *testing.T) {
	f := setup(t)
	f.reporter.reportFunc = func(ctx context.Context, id string, attempt int) error {
		if id == "bad" {
			return errors.New("provider unavailable")
		}
		_, err := f.store.MarkReported(ctx, id)
		return err
	}
	f.pending("ok-1", 5*time.Minute, "0.2")
	f.pending("bad", 10*time.Minute, "0.2")
	f.pending("ok-2", 2*day, "0.2")
	f.pending("fresh", 10*time.Second, "0.2")

	res, err := f.sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, billing.ReportReported, f.state(t, "ok-1"))
	assert.Equal(t, billing.ReportReported, f.state(t, "ok-2"))
	assert.Equal(t, billing.ReportPending, f.state(t, "bad"))
	assert.Equal(t, billing.ReportPending, f.state(t, "fresh"))
	assert.Equal(t, 0, f.reporter.callsFor("fresh"))
	assert.Equal(t, 2, f.reporter.callsFor("bad"))
	assert.Equal(t, 1, f.logs.FilterMessage("usage report retry failed").Len())
}

func TestRunOnce_BackoffRecoversTransientFailure(t *testing.T) {
	f := setup(t)
	f.reporter.reportFunc = func(ctx context.Context, id string, attempt int) error {
		if attempt == 1 {
			return errors.New("timeout")
		}
		return nil
	}
	f.pending("r1", time.Hour, "0.2")

	res, err := f.sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, f.reporter.callsFor("r1"))
}

func TestRunOnce_PermanentFailureNotRetried(t *testing.T) {
	f := setup(t)
	f.reporter.reportFunc = func(ctx context.Context, id string, attempt int) error {
		return billing.ErrNoCustomer
	}
	f.pending("r1", time.Hour, "0.2")

	res, err := f.sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 1, f.reporter.callsFor("r1"))
}

func TestRunOnce_IgnoresZeroCostAndReported(t *testing.T) {
	f := setup(t)
	f.pending("zero", time.Hour, "0")
	f.store.PutUsageRecord(billing.UsageRecord{ID: "done", UserID: "u", Cost: decimal.NewFromInt(1), CreditUsed: decimal.Zero, ReportState: billing.ReportReported, CreatedAt: now.Add(-40 * day)})

	res, err := f.sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 0, f.logs.FilterMessage(AlertMessage).Len())
}

func TestStartStop(t *testing.T) {
	f := setup(t)
	f.sweeper.config.Interval = 10 * time.Millisecond
	f.reporter.reportFunc = func(ctx context.Context, id string, attempt int) error {
		_, err := f.store.MarkReported(ctx, id)
		return err
	}
	f.pending("r1", time.Hour, "0.2")

	require.NoError(t, f.sweeper.Start(context.Background()))
	assert.Eventually(t, func() bool {
		rec, err := f.store.GetUsageRecord(context.Background(), "r1")
		return err == nil && rec.ReportState == billing.ReportReported
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.sweeper.Stop(ctx))
}
