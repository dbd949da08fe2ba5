// Package hybrid implements the cost-optimized quote cascade:
// cache first, then the free backend, then the paid backend gated by
// budget and breaker state.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quotefeed/internal/adapters"
	"quotefeed/internal/breaker"
	"quotefeed/internal/cache"
	"quotefeed/internal/clock"
	"quotefeed/internal/costtrack"
	"quotefeed/internal/observ"
	"quotefeed/internal/quotes"
)

// Config assembles a Source.
type Config struct {
	Cache   *cache.Cache
	Tracker *costtrack.Tracker
	Free    adapters.BackendAdapter // optional
	Paid    adapters.BackendAdapter // optional

	FreeBreaker breaker.Config
	PaidBreaker breaker.Config

	// MaxConcurrent bounds the batch fan-out; default 5.
	MaxConcurrent int

	Clock clock.Clock
}

// Source runs the cascade for single and batch lookups.
type Source struct {
	cache   *cache.Cache
	tracker *costtrack.Tracker
	free    adapters.BackendAdapter
	paid    adapters.BackendAdapter

	freeBreaker *breaker.Breaker
	paidBreaker *breaker.Breaker

	maxConcurrent int
	clk           clock.Clock

	mu    sync.Mutex
	stats sourceStats
}

type sourceStats struct {
	cacheHits   int64
	cacheMisses int64

	freeAttempts  int64
	freeSuccesses int64
	freeFailures  int64

	paidAttempts  int64
	paidSuccesses int64
	paidFailures  int64

	budgetDenied int64
	unavailable  int64
}

// Stats is the aggregate counter snapshot for the source.
type Stats struct {
	CacheHits    int64   `json:"cache_hits"`
	CacheMisses  int64   `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`

	FreeAttempts  int64 `json:"free_attempts"`
	FreeSuccesses int64 `json:"free_successes"`
	FreeFailures  int64 `json:"free_failures"`

	PaidAttempts  int64 `json:"paid_attempts"`
	PaidSuccesses int64 `json:"paid_successes"`
	PaidFailures  int64 `json:"paid_failures"`

	BudgetDenied int64 `json:"budget_denied"`
	Unavailable  int64 `json:"unavailable"`

	FreeBreaker breaker.Stats         `json:"free_breaker"`
	PaidBreaker breaker.Stats         `json:"paid_breaker"`
	Cost        costtrack.StatsReport `json:"cost"`
}

// Result is the per-symbol outcome of a batch lookup.
type Result struct {
	Quote *quotes.Quote
	Err   error
}

// Option adjusts a single lookup.
type Option func(*lookupOpts)

type lookupOpts struct {
	forceFresh bool
}

// ForceFresh bypasses the cache read; successful fetches still write
// through.
func ForceFresh() Option {
	return func(o *lookupOpts) { o.forceFresh = true }
}

// New builds a Source. Both backends are optional; a Source with
// neither serves cache hits only.
func New(cfg Config) (*Source, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("hybrid source requires a cache")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("hybrid source requires a cost tracker")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	if cfg.FreeBreaker.Name == "" {
		cfg.FreeBreaker.Name = "free"
	}
	if cfg.FreeBreaker.FailureThreshold == 0 {
		cfg.FreeBreaker.FailureThreshold = 5
	}
	if cfg.FreeBreaker.RecoveryTimeout == 0 {
		cfg.FreeBreaker.RecoveryTimeout = 60 * time.Second
	}
	if cfg.PaidBreaker.Name == "" {
		cfg.PaidBreaker.Name = "paid"
	}
	if cfg.PaidBreaker.FailureThreshold == 0 {
		cfg.PaidBreaker.FailureThreshold = 3
	}
	if cfg.PaidBreaker.RecoveryTimeout == 0 {
		cfg.PaidBreaker.RecoveryTimeout = 120 * time.Second
	}

	return &Source{
		cache:         cfg.Cache,
		tracker:       cfg.Tracker,
		free:          cfg.Free,
		paid:          cfg.Paid,
		freeBreaker:   breaker.New(cfg.FreeBreaker, cfg.Clock),
		paidBreaker:   breaker.New(cfg.PaidBreaker, cfg.Clock),
		maxConcurrent: cfg.MaxConcurrent,
		clk:           cfg.Clock,
	}, nil
}

// GetQuote runs the cascade for one symbol. The error is
// ErrBudgetExhausted when the paid path was the only remaining option
// and the tracker denied it, ErrUnavailable otherwise.
func (s *Source) GetQuote(ctx context.Context, symbol string, class quotes.AssetClass, opts ...Option) (*quotes.Quote, error) {
	var o lookupOpts
	for _, opt := range opts {
		opt(&o)
	}

	if !o.forceFresh {
		if q := s.cache.Get(class, symbol); q != nil {
			s.bump(func(st *sourceStats) { st.cacheHits++ })
			return q, nil
		}
	}
	s.bump(func(st *sourceStats) { st.cacheMisses++ })

	if q := s.tryFree(ctx, symbol, class); q != nil {
		return q, nil
	}

	q, err := s.tryPaid(ctx, symbol, class)
	if q != nil {
		return q, nil
	}

	s.bump(func(st *sourceStats) { st.unavailable++ })
	if errors.Is(err, quotes.ErrBudgetExhausted) {
		return nil, fmt.Errorf("%s/%s: %w", class, symbol, quotes.ErrBudgetExhausted)
	}
	return nil, fmt.Errorf("%s/%s: %w", class, symbol, quotes.ErrUnavailable)
}

// tryFree attempts the free backend; any failure just means the
// cascade moves on.
func (s *Source) tryFree(ctx context.Context, symbol string, class quotes.AssetClass) *quotes.Quote {
	if s.free == nil || !adapters.FreeSupported(class) {
		return nil
	}
	if !s.freeBreaker.IsAvailable() {
		observ.Debug("free_backend_skipped", map[string]any{"symbol": symbol, "reason": "breaker_open"})
		return nil
	}

	native, err := adapters.FreeSymbol(class, symbol)
	if err != nil {
		return nil
	}

	s.bump(func(st *sourceStats) { st.freeAttempts++ })
	q, err := s.freeBreaker.Call(ctx, func(ctx context.Context) (*quotes.Quote, error) {
		return s.free.FetchQuote(ctx, native)
	})
	if err != nil {
		s.bump(func(st *sourceStats) { st.freeFailures++ })
		observ.Warn("free_fetch_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		return nil
	}

	s.bump(func(st *sourceStats) { st.freeSuccesses++ })
	return s.finalize(q, symbol, class, quotes.SourceFree)
}

// tryPaid attempts the paid backend behind its budget and breaker
// gates. Budget is reserved before dispatch and committed on every
// definite remote outcome, so concurrent lookups can never spend past
// the ceiling between check and charge.
func (s *Source) tryPaid(ctx context.Context, symbol string, class quotes.AssetClass) (*quotes.Quote, error) {
	if s.paid == nil {
		return nil, nil
	}
	if !s.paidBreaker.IsAvailable() {
		observ.Debug("paid_backend_skipped", map[string]any{"symbol": symbol, "reason": "breaker_open"})
		return nil, nil
	}
	if ok, reason := s.tracker.Reserve(); !ok {
		s.bump(func(st *sourceStats) { st.budgetDenied++ })
		observ.Warn("paid_backend_skipped", map[string]any{"symbol": symbol, "reason": reason})
		return nil, quotes.ErrBudgetExhausted
	}

	native, err := adapters.PaidSymbol(class, symbol)
	if err != nil {
		s.tracker.Release()
		return nil, nil
	}

	s.bump(func(st *sourceStats) { st.paidAttempts++ })
	q, err := s.paidBreaker.Call(ctx, func(ctx context.Context) (*quotes.Quote, error) {
		return s.paid.FetchQuote(ctx, native)
	})

	switch {
	case err == nil:
		s.tracker.Commit(class, symbol, true)
		s.bump(func(st *sourceStats) { st.paidSuccesses++ })
		return s.finalize(q, symbol, class, quotes.SourcePaid), nil

	case errors.Is(err, breaker.ErrOpen):
		// Rejected before dispatch; the reservation goes back unspent.
		s.tracker.Release()
		return nil, nil

	default:
		s.bump(func(st *sourceStats) { st.paidFailures++ })
		if qe, ok := quotes.AsQuoteError(err); ok && qe.RemoteReached() {
			s.tracker.Commit(class, symbol, false)
		} else {
			s.tracker.Release()
		}
		observ.Warn("paid_fetch_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		return nil, nil
	}
}

// finalize stamps canonical identity, validates, and writes through to
// the cache. A quote that fails validation is dropped.
func (s *Source) finalize(q *quotes.Quote, symbol string, class quotes.AssetClass, src quotes.Source) *quotes.Quote {
	q.Symbol = symbol
	q.AssetClass = class
	q.Source = src
	if q.CollectedAt.IsZero() {
		q.CollectedAt = s.clk.Now().UTC()
	}

	if err := quotes.Validate(q); err != nil {
		observ.Warn("quote_validation_failed", map[string]any{
			"symbol": symbol,
			"source": string(src),
			"error":  err.Error(),
		})
		return nil
	}

	if err := s.cache.Set(q); err != nil {
		observ.Warn("cache_write_through_failed", map[string]any{"symbol": symbol, "error": err.Error()})
	}
	return q
}

// GetQuotes fetches a batch concurrently with a bounded fan-out. Every
// symbol gets a Result; per-symbol failures never fail the batch.
func (s *Source) GetQuotes(ctx context.Context, symbols []string, class quotes.AssetClass, opts ...Option) map[string]Result {
	results := make(map[string]Result, len(symbols))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)

	for _, sym := range symbols {
		g.Go(func() error {
			q, err := s.GetQuote(ctx, sym, class, opts...)
			mu.Lock()
			results[sym] = Result{Quote: q, Err: err}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results
}

// Statistics returns the aggregate snapshot including breaker and
// cost tracker state.
func (s *Source) Statistics() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()

	total := st.cacheHits + st.cacheMisses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(st.cacheHits) / float64(total)
	}

	return Stats{
		CacheHits:     st.cacheHits,
		CacheMisses:   st.cacheMisses,
		CacheHitRate:  hitRate,
		FreeAttempts:  st.freeAttempts,
		FreeSuccesses: st.freeSuccesses,
		FreeFailures:  st.freeFailures,
		PaidAttempts:  st.paidAttempts,
		PaidSuccesses: st.paidSuccesses,
		PaidFailures:  st.paidFailures,
		BudgetDenied:  st.budgetDenied,
		Unavailable:   st.unavailable,
		FreeBreaker:   s.freeBreaker.Statistics(),
		PaidBreaker:   s.paidBreaker.Statistics(),
		Cost:          s.tracker.Statistics(),
	}
}

// ResetBreakers forces both breakers closed; a diagnostics hook.
func (s *Source) ResetBreakers() {
	s.freeBreaker.Reset()
	s.paidBreaker.Reset()
}

func (s *Source) bump(fn func(*sourceStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
