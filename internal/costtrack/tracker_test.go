package costtrack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotefeed/internal/clock"
	"quotefeed/internal/quotes"
)

func newTestTracker(t *testing.T, budget, unitCost float64, clk clock.Clock) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cost_tracking.json")
	tr, err := New(path, budget, unitCost, clk)
	require.NoError(t, err)
	return tr, path
}

func TestCanMakeRequestBoundary(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	// Budget for exactly three requests.
	tr, _ := newTestTracker(t, 0.0045, 0.0015, clk)

	for i := 0; i < 3; i++ {
		ok, reason := tr.CanMakeRequest()
		require.True(t, ok, "request %d should fit: %s", i+1, reason)
		tr.RecordRequest(quotes.ClassStocks, "AAPL", true)
	}

	ok, reason := tr.CanMakeRequest()
	require.False(t, ok)
	require.Contains(t, reason, "budget exhausted")
}

func TestReserveSerializesAdmission(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	// Budget for exactly two requests.
	tr, _ := newTestTracker(t, 0.0030, 0.0015, clk)

	ok, _ := tr.Reserve()
	require.True(t, ok)
	ok, _ = tr.Reserve()
	require.True(t, ok)

	// Both units are held by in-flight calls; nothing more fits even
	// though no spend has been recorded yet.
	ok, reason := tr.Reserve()
	require.False(t, ok)
	require.Contains(t, reason, "budget exhausted")
	ok, _ = tr.CanMakeRequest()
	require.False(t, ok)

	// Releasing an uncharged reservation frees its unit again.
	tr.Release()
	ok, _ = tr.CanMakeRequest()
	require.True(t, ok)

	// Committing turns the remaining reservation into a real charge.
	acct := tr.Commit(quotes.ClassStocks, "AAPL", true)
	require.Equal(t, 1, acct.RequestCount)
	require.InDelta(t, 0.0015, acct.TotalCost, 1e-9)
	ok, _ = tr.Reserve()
	require.True(t, ok)
}

func TestRecordRequestAccounting(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	tr, _ := newTestTracker(t, 5.50, 0.0015, clk)

	acct := tr.RecordRequest(quotes.ClassStocks, "AAPL", true)
	require.Equal(t, 1, acct.RequestCount)
	require.InDelta(t, 0.0015, acct.TotalCost, 1e-9)
	require.InDelta(t, 5.4985, acct.BudgetRemaining, 1e-9)
	require.Equal(t, AlertOK, acct.AlertLevel)
	require.True(t, acct.Success)

	// Failed paid requests are charged too.
	acct = tr.RecordRequest(quotes.ClassForex, "EURUSD", false)
	require.Equal(t, 2, acct.RequestCount)
	require.False(t, acct.Success)
	require.InDelta(t, 0.0030, acct.TotalCost, 1e-9)

	stats := tr.Statistics()
	require.Equal(t, 2, stats.TotalRequests)
	require.Equal(t, 1, stats.SuccessfulRequests)
	require.Equal(t, 1, stats.FailedRequests)
	require.InDelta(t, 50.0, stats.SuccessRatePct, 1e-9)
	require.Equal(t, 1, stats.RequestsByAsset["stocks"]["AAPL"])
	require.Equal(t, 1, stats.RequestsByAsset["forex"]["EURUSD"])

	day := stats.RequestsByDate["2026-08-01"]
	require.Equal(t, 2, day.Count)
	require.InDelta(t, 0.0030, day.Cost, 1e-9)
}

func TestAlertLevels(t *testing.T) {
	cases := []struct {
		name  string
		ratio float64
		want  AlertLevel
	}{
		{"below_warning", 0.49, AlertOK},
		{"at_warning", 0.50, AlertWarning},
		{"at_critical", 0.80, AlertCritical},
		{"at_danger", 0.95, AlertDanger},
		{"over_budget", 1.10, AlertDanger},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, alertLevel(tc.ratio))
		})
	}
}

func TestAlertLevelCrossesThresholds(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	// Budget of 10 units so each request moves usage by exactly 10%.
	tr, _ := newTestTracker(t, 2.5, 0.25, clk)

	var last Accounting
	for i := 0; i < 5; i++ {
		last = tr.RecordRequest(quotes.ClassCrypto, "BTCUSD", true)
	}
	require.Equal(t, AlertWarning, last.AlertLevel)

	for i := 0; i < 3; i++ {
		last = tr.RecordRequest(quotes.ClassCrypto, "BTCUSD", true)
	}
	require.Equal(t, AlertCritical, last.AlertLevel)

	for i := 0; i < 2; i++ {
		last = tr.RecordRequest(quotes.ClassCrypto, "BTCUSD", true)
	}
	require.Equal(t, AlertDanger, last.AlertLevel)
}

func TestPersistenceRoundTrip(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "cost_tracking.json")

	tr, err := New(path, 5.50, 0.0015, clk)
	require.NoError(t, err)

	tr.RecordRequest(quotes.ClassStocks, "AAPL", true)
	tr.RecordRequest(quotes.ClassStocks, "MSFT", true)
	clk.Advance(24 * time.Hour)
	tr.RecordRequest(quotes.ClassIndex, "SENSEX", false)

	// A fresh tracker against the same file sees identical state.
	tr2, err := New(path, 5.50, 0.0015, clk)
	require.NoError(t, err)

	a, b := tr.Statistics(), tr2.Statistics()
	require.Equal(t, a.TotalRequests, b.TotalRequests)
	require.Equal(t, a.SuccessfulRequests, b.SuccessfulRequests)
	require.Equal(t, a.FailedRequests, b.FailedRequests)
	require.InDelta(t, a.TotalCost, b.TotalCost, 1e-9)
	require.Equal(t, a.RequestsByDate, b.RequestsByDate)
	require.Equal(t, a.RequestsByAsset, b.RequestsByAsset)
	require.True(t, a.TrackingStart.Equal(b.TrackingStart))
}

func TestPersistedSchema(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	tr, path := newTestTracker(t, 5.50, 0.0015, clk)

	tr.RecordRequest(quotes.ClassCommodities, "GC", true)

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	for _, key := range []string{
		"total_requests", "successful_requests", "failed_requests",
		"total_cost", "requests_by_date", "requests_by_asset",
		"tracking_start", "last_updated",
	} {
		require.Contains(t, doc, key)
	}

	byDate := doc["requests_by_date"].(map[string]any)
	day := byDate["2026-08-01"].(map[string]any)
	require.EqualValues(t, 1, day["count"])

	// Derived values are never persisted.
	require.NotContains(t, doc, "alert_level")
	require.NotContains(t, doc, "budget_remaining")
	require.NotContains(t, doc, "days_until_exhaustion")
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "cost_tracking.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	tr, err := New(path, 5.50, 0.0015, clk)
	require.NoError(t, err)
	require.Equal(t, 0, tr.Statistics().TotalRequests)
}

func TestStatisticsDerived(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 30, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	tr, _ := newTestTracker(t, 5.50, 0.0015, clk)

	stats := tr.Statistics()
	require.Equal(t, 1, stats.DaysElapsed)
	require.Nil(t, stats.DaysUntilExhaustion, "no spend means no prediction")
	require.Equal(t, 3666, stats.MaxPossibleRequests)

	for i := 0; i < 10; i++ {
		tr.RecordRequest(quotes.ClassStocks, "AAPL", true)
	}
	clk.Advance(4 * 24 * time.Hour)

	stats = tr.Statistics()
	require.Equal(t, 5, stats.DaysElapsed)
	require.InDelta(t, 2.0, stats.DailyAverageRequests, 1e-9)
	require.InDelta(t, 0.003, stats.DailyAverageCost, 1e-9)
	require.NotNil(t, stats.DaysUntilExhaustion)
	require.InDelta(t, (5.50-0.015)/0.003, *stats.DaysUntilExhaustion, 1e-6)
}

func TestReset(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	tr, path := newTestTracker(t, 5.50, 0.0015, clk)

	tr.RecordRequest(quotes.ClassStocks, "AAPL", true)
	require.Error(t, tr.Reset(false), "reset without confirmation must refuse")
	require.Equal(t, 1, tr.Statistics().TotalRequests)

	clk.Advance(48 * time.Hour)
	require.NoError(t, tr.Reset(true))

	stats := tr.Statistics()
	require.Equal(t, 0, stats.TotalRequests)
	require.InDelta(t, 0, stats.TotalCost, 1e-9)
	require.True(t, stats.TrackingStart.Equal(clk.Now()), "tracking window restarts at reset time")

	// Reset state reaches disk.
	tr2, err := New(path, 5.50, 0.0015, clk)
	require.NoError(t, err)
	require.Equal(t, 0, tr2.Statistics().TotalRequests)
}
