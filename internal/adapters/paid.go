package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"quotefeed/internal/clock"
	"quotefeed/internal/observ"
	"quotefeed/internal/quotes"
)

// PaidAdapterConfig tunes the web-unlocker adapter.
type PaidAdapterConfig struct {
	Token          string
	Zone           string
	Endpoint       string
	QuoteURLBase   string
	TimeoutSeconds int
	MaxRetries     int
	BackoffBase    time.Duration
	RatePerMinute  int
}

// PaidAdapter fetches quotes by proxying quote pages through the web
// unlocker API. Every dispatched request costs money, so the caller
// charges the cost tracker on any outcome where the remote was
// reached; this adapter only classifies outcomes, it never touches
// the tracker itself.
type PaidAdapter struct {
	cfg         PaidAdapterConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	clk         clock.Clock
}

// NewPaidAdapter builds the adapter. The token is required.
func NewPaidAdapter(cfg PaidAdapterConfig, clk clock.Clock) (*PaidAdapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("paid backend token is required")
	}
	if cfg.Zone == "" {
		cfg.Zone = "web_unlocker"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.brightdata.com/request"
	}
	if cfg.QuoteURLBase == "" {
		cfg.QuoteURLBase = "https://www.bloomberg.com/quote"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 20
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &PaidAdapter{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), 3),
		clk:         clk,
	}, nil
}

func (a *PaidAdapter) Name() string { return "paid" }

// FetchQuote retrieves and parses one quote page. Rate-limit and
// server errors are retried with exponential backoff; the whole call
// is one logical request for accounting regardless of attempts.
func (a *PaidAdapter) FetchQuote(ctx context.Context, nativeSymbol string) (*quotes.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, quotes.NewCanceledError(nativeSymbol, err)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return nil, quotes.NewCanceledError(nativeSymbol, err)
	}

	pageURL := strings.TrimRight(a.cfg.QuoteURLBase, "/") + "/" + nativeSymbol

	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := a.cfg.BackoffBase * (1 << (attempt - 1))
			delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
			observ.Warn("paid_fetch_retry", map[string]any{
				"symbol":   nativeSymbol,
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
				"error":    lastErr.Error(),
			})
			select {
			case <-ctx.Done():
				// The previous attempt already reached the remote, so
				// the caller still owes for this logical request.
				return nil, lastErr
			case <-time.After(delay):
			}
		}

		html, err := a.fetchPage(ctx, pageURL, nativeSymbol)
		if err != nil {
			lastErr = err
			if qe, ok := quotes.AsQuoteError(err); ok && qe.Retryable() {
				continue
			}
			return nil, err
		}

		q, err := parseQuotePage(html, nativeSymbol)
		if err != nil {
			observ.IncCounter("adapter_requests_total", map[string]string{"backend": "paid", "outcome": "parse_error"})
			return nil, err
		}
		q.CollectedAt = a.clk.Now().UTC()
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "paid", "outcome": "ok"})
		return q, nil
	}

	return nil, lastErr
}

// fetchPage performs one proxied page fetch and classifies the outcome.
func (a *PaidAdapter) fetchPage(ctx context.Context, pageURL, nativeSymbol string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"zone":   a.cfg.Zone,
		"url":    pageURL,
		"format": "raw",
	})
	if err != nil {
		return "", quotes.NewBadSymbolError(nativeSymbol, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", quotes.NewBadSymbolError(nativeSymbol, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "paid", "outcome": "network_error"})
		return "", quotes.NewNetworkError(nativeSymbol, "unlocker request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "paid", "outcome": "network_error"})
		return "", quotes.NewNetworkError(nativeSymbol, "reading unlocker response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "paid", "outcome": "auth_error"})
		return "", quotes.NewAuthError(nativeSymbol, fmt.Sprintf("authentication failed: %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "paid", "outcome": "rate_limited"})
		return "", quotes.NewRateLimitError(nativeSymbol, "unlocker rate limit")
	case resp.StatusCode >= 500:
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "paid", "outcome": "server_error"})
		return "", quotes.NewServerError(nativeSymbol, fmt.Sprintf("unlocker returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		// Remaining 4xx: the remote definitely handled the request but
		// it is not worth retrying.
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "paid", "outcome": "error"})
		return "", quotes.NewParseError(nativeSymbol, fmt.Sprintf("unlocker returned %d", resp.StatusCode), nil)
	}

	return string(body), nil
}
