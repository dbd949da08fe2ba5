package sched

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotefeed/internal/adapters"
	"quotefeed/internal/cache"
	"quotefeed/internal/clock"
	"quotefeed/internal/costtrack"
	"quotefeed/internal/hybrid"
	"quotefeed/internal/quotes"
)

type recordingSink struct {
	mu     sync.Mutex
	quotes []*quotes.Quote
}

func (r *recordingSink) Write(q *quotes.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotes = append(r.quotes, q)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.quotes)
}

type fixture struct {
	sched   *Scheduler
	tracker *costtrack.Tracker
	cache   *cache.Cache
	free    *adapters.MockAdapter
	sink    *recordingSink
	clk     *clock.Fake
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	dir := t.TempDir()

	c, err := cache.New(filepath.Join(dir, "cache.db"), 15*time.Minute, clk)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	tr, err := costtrack.New(filepath.Join(dir, "cost.json"), 5.50, 0.0015, clk)
	require.NoError(t, err)

	free := adapters.NewMockAdapter("free")
	src, err := hybrid.New(hybrid.Config{
		Cache:   c,
		Tracker: tr,
		Free:    free,
		Clock:   clk,
	})
	require.NoError(t, err)

	sink := &recordingSink{}
	s, err := New(Config{
		Source:   src,
		Tracker:  tr,
		Cache:    c,
		Sink:     sink,
		Interval: interval,
		Clock:    clk,
	})
	require.NoError(t, err)

	return &fixture{sched: s, tracker: tr, cache: c, free: free, sink: sink, clk: clk}
}

func TestSymbolMembership(t *testing.T) {
	f := newFixture(t, time.Minute)

	require.NoError(t, f.sched.AddSymbol("aapl", quotes.ClassStocks))
	require.NoError(t, f.sched.AddSymbol("MSFT", quotes.ClassStocks))
	require.Error(t, f.sched.AddSymbol("AAPL", "bonds"))
	require.Error(t, f.sched.AddSymbol("  ", quotes.ClassStocks))

	require.Equal(t, []string{"AAPL", "MSFT"}, f.sched.Symbols())

	f.sched.RemoveSymbol("AAPL")
	f.sched.RemoveSymbol("NOT-TRACKED")
	require.Equal(t, []string{"MSFT"}, f.sched.Symbols())
}

func TestForceCollectionWritesToSinks(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.free.Respond("AAPL", &quotes.Quote{Price: 184.92, Currency: "USD"}).
		Respond("MSFT", &quotes.Quote{Price: 420.10, Currency: "USD"}).
		FailAll(quotes.NewServerError("", "down"))

	require.NoError(t, f.sched.AddSymbol("AAPL", quotes.ClassStocks))
	require.NoError(t, f.sched.AddSymbol("MSFT", quotes.ClassStocks))
	require.NoError(t, f.sched.AddSymbol("NVDA", quotes.ClassStocks))

	report, ran := f.sched.ForceCollection(context.Background())
	require.True(t, ran)
	require.Equal(t, 3, report.Requested)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 2, f.sink.count(), "only successful quotes reach the sink")
}

func TestOverlappingCollectionIsSkipped(t *testing.T) {
	f := newFixture(t, time.Minute)
	block := make(chan struct{})
	f.free.Respond("AAPL", &quotes.Quote{Price: 184.92, Currency: "USD"}).BlockOn(block)
	require.NoError(t, f.sched.AddSymbol("AAPL", quotes.ClassStocks))

	started := make(chan struct{})
	go func() {
		close(started)
		f.sched.ForceCollection(context.Background())
	}()
	<-started
	// Let the first pass reach the blocked adapter.
	require.Eventually(t, func() bool { return f.free.CallCount() == 1 },
		time.Second, time.Millisecond)

	_, ran := f.sched.ForceCollection(context.Background())
	require.False(t, ran, "overlapping pass is skipped, not queued")

	close(block)
	require.Eventually(t, func() bool {
		completed, skipped := f.sched.Runs()
		return completed == 1 && skipped == 1
	}, time.Second, time.Millisecond)
}

func TestBudgetResetJob(t *testing.T) {
	f := newFixture(t, time.Minute)

	f.tracker.RecordRequest(quotes.ClassStocks, "AAPL", true)
	f.tracker.RecordRequest(quotes.ClassStocks, "MSFT", false)
	require.Equal(t, 2, f.tracker.Statistics().TotalRequests)

	f.clk.Advance(12 * time.Hour)
	f.sched.runBudgetReset()

	stats := f.tracker.Statistics()
	require.Equal(t, 0, stats.TotalRequests)
	require.InDelta(t, 0, stats.TotalCost, 1e-9)
	require.True(t, stats.TrackingStart.Equal(f.clk.Now()), "tracking window restarts at the reset")
}

func TestCacheSweepJob(t *testing.T) {
	f := newFixture(t, time.Minute)

	q := &quotes.Quote{
		Symbol: "AAPL", AssetClass: quotes.ClassStocks,
		Price: 184.92, Source: quotes.SourceFree, CollectedAt: f.clk.Now(),
	}
	require.NoError(t, f.cache.Set(q))

	f.clk.Advance(16 * time.Minute)
	f.sched.runCacheSweep()
	require.Equal(t, 0, f.cache.Statistics().TotalEntries)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.free.Respond("AAPL", &quotes.Quote{Price: 184.92, Currency: "USD"})
	require.NoError(t, f.sched.AddSymbol("AAPL", quotes.ClassStocks))

	f.sched.Start()
	require.Eventually(t, func() bool {
		completed, _ := f.sched.Runs()
		return completed >= 2
	}, 2*time.Second, 10*time.Millisecond)
	f.sched.Stop(true)

	completed, _ := f.sched.Runs()
	require.GreaterOrEqual(t, completed, int64(2))
	require.GreaterOrEqual(t, f.sink.count(), 1)
}

func TestStopWithoutWait(t *testing.T) {
	f := newFixture(t, time.Minute)
	block := make(chan struct{})
	defer close(block)
	f.free.Respond("AAPL", &quotes.Quote{Price: 184.92, Currency: "USD"}).BlockOn(block)
	require.NoError(t, f.sched.AddSymbol("AAPL", quotes.ClassStocks))

	f.sched.Start()
	require.Eventually(t, func() bool { return f.free.CallCount() == 1 },
		time.Second, time.Millisecond)

	start := time.Now()
	f.sched.Stop(false)
	require.Less(t, time.Since(start), time.Second,
		"non-waiting stop returns while a collection is still in flight")
}

func TestUntilLocalMidnight(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2026, 8, 1, 23, 30, 0, 0, loc)
	require.Equal(t, 30*time.Minute, untilLocalMidnight(now))

	now = time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC)
	require.Equal(t, 24*time.Hour-time.Second, untilLocalMidnight(now))
}
