// Package sched drives periodic collection and maintenance: the
// collection loop, the daily budget reset at local midnight, and the
// hourly cache sweep.
package sched

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"quotefeed/internal/cache"
	"quotefeed/internal/clock"
	"quotefeed/internal/costtrack"
	"quotefeed/internal/hybrid"
	"quotefeed/internal/observ"
	"quotefeed/internal/quotes"
	"quotefeed/internal/sinks"
)

// Config assembles a Scheduler.
type Config struct {
	Source  *hybrid.Source
	Tracker *costtrack.Tracker
	Cache   *cache.Cache
	Sink    sinks.QuoteSink // optional

	// Interval between collection ticks; default 15 minutes.
	Interval time.Duration

	// SweepInterval between cache sweeps; default 1 hour.
	SweepInterval time.Duration

	// StopTimeout bounds how long Stop waits for an in-flight
	// collection; default 30 seconds.
	StopTimeout time.Duration

	Clock clock.Clock
}

// Scheduler owns the timing loops. Symbol membership can be mutated
// at runtime; changes take effect at the next tick.
type Scheduler struct {
	source  *hybrid.Source
	tracker *costtrack.Tracker
	cache   *cache.Cache
	sink    sinks.QuoteSink

	interval      time.Duration
	sweepInterval time.Duration
	stopTimeout   time.Duration
	clk           clock.Clock

	mu         sync.Mutex
	symbols    map[string]quotes.AssetClass
	collecting bool
	runs       int64
	skipped    int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CollectionReport summarizes one collection pass.
type CollectionReport struct {
	Requested int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// New builds a scheduler with defaults filled in.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Source == nil || cfg.Tracker == nil || cfg.Cache == nil {
		return nil, fmt.Errorf("scheduler requires source, tracker and cache")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Scheduler{
		source:        cfg.Source,
		tracker:       cfg.Tracker,
		cache:         cfg.Cache,
		sink:          cfg.Sink,
		interval:      cfg.Interval,
		sweepInterval: cfg.SweepInterval,
		stopTimeout:   cfg.StopTimeout,
		clk:           cfg.Clock,
		symbols:       map[string]quotes.AssetClass{},
	}, nil
}

// AddSymbol starts tracking a symbol. Takes effect at the next tick.
func (s *Scheduler) AddSymbol(symbol string, class quotes.AssetClass) error {
	if _, err := quotes.ParseAssetClass(string(class)); err != nil {
		return err
	}
	key, err := normalizeSymbol(symbol)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.symbols[key] = class
	s.mu.Unlock()
	observ.Log("symbol_added", map[string]any{"symbol": key, "asset_class": string(class)})
	return nil
}

// RemoveSymbol stops tracking a symbol. Removing an untracked symbol
// is a no-op.
func (s *Scheduler) RemoveSymbol(symbol string) {
	key, err := normalizeSymbol(symbol)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.symbols, key)
	s.mu.Unlock()
	observ.Log("symbol_removed", map[string]any{"symbol": key})
}

// Symbols returns the tracked set, sorted.
func (s *Scheduler) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Start launches the three loops. Call Stop to shut down.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)
	go s.collectionLoop(ctx)
	go s.resetLoop(ctx)
	go s.sweepLoop(ctx)

	observ.Log("scheduler_started", map[string]any{
		"interval_s":       s.interval.Seconds(),
		"sweep_interval_s": s.sweepInterval.Seconds(),
	})
}

// Stop cancels the loops. With wait set it blocks, up to the stop
// timeout, until an in-flight collection concludes.
func (s *Scheduler) Stop(wait bool) {
	if s.cancel != nil {
		s.cancel()
	}
	if !wait {
		observ.Log("scheduler_stopped", map[string]any{"graceful": false})
		return
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		observ.Log("scheduler_stopped", map[string]any{"graceful": true})
	case <-time.After(s.stopTimeout):
		observ.Warn("scheduler_stop_timeout", map[string]any{"timeout_s": s.stopTimeout.Seconds()})
	}
}

func (s *Scheduler) collectionLoop(ctx context.Context) {
	defer s.wg.Done()

	// Ticks arrive at fixed cadence from the previous tick's start;
	// a tick that finds the prior run still active is skipped, never
	// queued.
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCollection(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCollection(ctx)
		}
	}
}

func (s *Scheduler) resetLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		wait := untilLocalMidnight(s.clk.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.runBudgetReset()
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCacheSweep()
		}
	}
}

// runCollection performs one pass unless one is already active.
func (s *Scheduler) runCollection(ctx context.Context) (CollectionReport, bool) {
	s.mu.Lock()
	if s.collecting {
		s.skipped++
		s.mu.Unlock()
		observ.Warn("collection_skipped", map[string]any{"reason": "previous_run_active"})
		return CollectionReport{}, false
	}
	s.collecting = true
	snapshot := make(map[string]quotes.AssetClass, len(s.symbols))
	for sym, class := range s.symbols {
		snapshot[sym] = class
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.collecting = false
		s.runs++
		s.mu.Unlock()
	}()

	return s.collect(ctx, snapshot), true
}

// collect fans out one stable snapshot grouped by asset class.
func (s *Scheduler) collect(ctx context.Context, snapshot map[string]quotes.AssetClass) CollectionReport {
	start := s.clk.Now()
	report := CollectionReport{Requested: len(snapshot)}

	byClass := map[quotes.AssetClass][]string{}
	for sym, class := range snapshot {
		byClass[class] = append(byClass[class], sym)
	}

	for class, syms := range byClass {
		sort.Strings(syms)
		results := s.source.GetQuotes(ctx, syms, class)
		for sym, res := range results {
			if res.Err != nil || res.Quote == nil {
				report.Failed++
				continue
			}
			report.Succeeded++
			if s.sink != nil {
				if err := s.sink.Write(res.Quote); err != nil {
					observ.Warn("sink_write_failed", map[string]any{
						"symbol": sym,
						"error":  err.Error(),
					})
				}
			}
		}
	}

	report.Elapsed = s.clk.Now().Sub(start)
	observ.Log("collection_complete", map[string]any{
		"requested":  report.Requested,
		"succeeded":  report.Succeeded,
		"failed":     report.Failed,
		"elapsed_ms": report.Elapsed.Milliseconds(),
	})
	observ.IncCounter("collections_total", nil)
	observ.SetGauge("collection_success_count", float64(report.Succeeded), nil)
	return report
}

// ForceCollection runs a collection pass immediately, outside the
// regular cadence. Returns false if a pass was already active.
func (s *Scheduler) ForceCollection(ctx context.Context) (CollectionReport, bool) {
	return s.runCollection(ctx)
}

// runBudgetReset zeroes the tracker; fired at local midnight.
func (s *Scheduler) runBudgetReset() {
	if err := s.tracker.Reset(true); err != nil {
		observ.Error("budget_reset_failed", map[string]any{"error": err.Error()})
		return
	}
	observ.Log("budget_reset", map[string]any{"at": s.clk.Now().Format(time.RFC3339)})
}

// runCacheSweep drops expired cache entries.
func (s *Scheduler) runCacheSweep() {
	n, err := s.cache.ClearExpired()
	if err != nil {
		observ.Warn("cache_sweep_failed", map[string]any{"error": err.Error()})
		return
	}
	observ.Debug("cache_sweep_complete", map[string]any{"removed": n})
}

// Runs reports completed and skipped collection passes.
func (s *Scheduler) Runs() (completed, skipped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.skipped
}

func untilLocalMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}

func normalizeSymbol(symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return "", fmt.Errorf("empty symbol")
	}
	return sym, nil
}
