package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"quotefeed/internal/clock"
	"quotefeed/internal/observ"
	"quotefeed/internal/quotes"
)

// FreeAdapterConfig tunes the free chart-API adapter.
type FreeAdapterConfig struct {
	BaseURL            string
	RateLimitPerMinute int
	TimeoutSeconds     int
}

// FreeAdapter fetches quotes from the free chart API. No credentials,
// no per-request cost, but rate limited and without index coverage.
type FreeAdapter struct {
	cfg         FreeAdapterConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	clk         clock.Clock
}

// NewFreeAdapter builds the adapter with defaults filled in.
func NewFreeAdapter(cfg FreeAdapterConfig, clk clock.Clock) *FreeAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://query1.finance.yahoo.com"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 30
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &FreeAdapter{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), 5),
		clk:         clk,
	}
}

func (a *FreeAdapter) Name() string { return "free" }

// chartResponse is the subset of the chart API payload we read.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol               string  `json:"symbol"`
				Currency             string  `json:"currency"`
				RegularMarketPrice   float64 `json:"regularMarketPrice"`
				ChartPreviousClose   float64 `json:"chartPreviousClose"`
				PreviousClose        float64 `json:"previousClose"`
				RegularMarketDayHigh float64 `json:"regularMarketDayHigh"`
				RegularMarketDayLow  float64 `json:"regularMarketDayLow"`
				RegularMarketVolume  int64   `json:"regularMarketVolume"`
				FiftyTwoWeekHigh     float64 `json:"fiftyTwoWeekHigh"`
				FiftyTwoWeekLow      float64 `json:"fiftyTwoWeekLow"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchQuote retrieves a single quote. nativeSymbol is already in the
// backend's form (AAPL, EURUSD=X, GC=F, BTC-USD).
func (a *FreeAdapter) FetchQuote(ctx context.Context, nativeSymbol string) (*quotes.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, quotes.NewCanceledError(nativeSymbol, err)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return nil, quotes.NewCanceledError(nativeSymbol, err)
	}

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d",
		strings.TrimRight(a.cfg.BaseURL, "/"), url.PathEscape(nativeSymbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, quotes.NewBadSymbolError(nativeSymbol, err.Error())
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; quotefeed/1.0)")
	req.Header.Set("Accept", "application/json")

	start := a.clk.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "network_error"})
		return nil, quotes.NewNetworkError(nativeSymbol, "chart API request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "network_error"})
		return nil, quotes.NewNetworkError(nativeSymbol, "reading chart API response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "rate_limited"})
		return nil, quotes.NewRateLimitError(nativeSymbol, "chart API rate limit")
	case resp.StatusCode == http.StatusNotFound:
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "bad_symbol"})
		return nil, quotes.NewBadSymbolError(nativeSymbol, "symbol not found")
	case resp.StatusCode >= 500:
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "server_error"})
		return nil, quotes.NewServerError(nativeSymbol, fmt.Sprintf("chart API returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "error"})
		return nil, quotes.NewServerError(nativeSymbol, fmt.Sprintf("chart API returned %d", resp.StatusCode))
	}

	var cr chartResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "parse_error"})
		return nil, quotes.NewParseError(nativeSymbol, "chart API response is not JSON", err)
	}
	if cr.Chart.Error != nil {
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "bad_symbol"})
		return nil, quotes.NewBadSymbolError(nativeSymbol, cr.Chart.Error.Description)
	}
	if len(cr.Chart.Result) == 0 {
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "parse_error"})
		return nil, quotes.NewParseError(nativeSymbol, "chart API returned no result", nil)
	}

	meta := cr.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "parse_error"})
		return nil, quotes.NewParseError(nativeSymbol, "chart API returned no usable price", nil)
	}

	prevClose := meta.PreviousClose
	if prevClose == 0 {
		prevClose = meta.ChartPreviousClose
	}

	q := &quotes.Quote{
		Symbol:      nativeSymbol,
		Price:       meta.RegularMarketPrice,
		Currency:    meta.Currency,
		Source:      quotes.SourceFree,
		CollectedAt: a.clk.Now().UTC(),
	}
	if prevClose > 0 {
		change := meta.RegularMarketPrice - prevClose
		pct := change / prevClose * 100
		q.Change = &change
		q.ChangePct = &pct
		q.PrevClose = &prevClose
	}
	if meta.RegularMarketDayHigh > 0 {
		q.DayHigh = &meta.RegularMarketDayHigh
	}
	if meta.RegularMarketDayLow > 0 {
		q.DayLow = &meta.RegularMarketDayLow
	}
	if meta.FiftyTwoWeekHigh > 0 {
		q.Week52High = &meta.FiftyTwoWeekHigh
	}
	if meta.FiftyTwoWeekLow > 0 {
		q.Week52Low = &meta.FiftyTwoWeekLow
	}
	if meta.RegularMarketVolume > 0 {
		q.Volume = &meta.RegularMarketVolume
	}

	observ.IncCounter("adapter_requests_total", map[string]string{"backend": "free", "outcome": "ok"})
	observ.Debug("free_fetch_ok", map[string]any{
		"symbol":     nativeSymbol,
		"price":      meta.RegularMarketPrice,
		"latency_ms": a.clk.Now().Sub(start).Milliseconds(),
	})
	return q, nil
}
