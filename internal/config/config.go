// Package config assembles runtime settings from environment
// variables (with a .env file loaded when present) and an optional
// YAML watchlist file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"quotefeed/internal/quotes"
)

// Settings is the fully resolved runtime configuration.
type Settings struct {
	// Paid backend credentials and tuning.
	BrightDataToken string
	BrightDataZone  string

	// Budget governance.
	TotalBudgetUSD    float64
	CostPerRequestUSD float64
	AlertThreshold    float64

	// Cache and collection cadence.
	CacheTTL       time.Duration
	UpdateInterval time.Duration
	RequestTimeout time.Duration

	// Filesystem layout. All state files live under DataDir.
	DataDir string

	LogLevel string

	// Batch fan-out width for multi-symbol collection.
	MaxConcurrentFetches int
}

// WatchEntry is one instrument in a YAML watchlist file.
type WatchEntry struct {
	Symbol     string `yaml:"symbol"`
	AssetClass string `yaml:"asset_class"`
}

// Watchlist is the optional symbols file loaded at startup.
type Watchlist struct {
	Symbols []WatchEntry `yaml:"symbols"`
}

// Load resolves settings from the environment. A .env file in the
// working directory is folded in first and never overrides variables
// already exported.
func Load() (Settings, error) {
	_ = godotenv.Load()

	s := Settings{
		BrightDataToken:      os.Getenv("BRIGHT_DATA_TOKEN"),
		BrightDataZone:       envStr("BRIGHT_DATA_ZONE", "web_unlocker"),
		TotalBudgetUSD:       5.50,
		CostPerRequestUSD:    0.0015,
		AlertThreshold:       0.80,
		CacheTTL:             900 * time.Second,
		UpdateInterval:       900 * time.Second,
		RequestTimeout:       30 * time.Second,
		DataDir:              envStr("DATA_DIR", "data"),
		LogLevel:             envStr("LOG_LEVEL", "INFO"),
		MaxConcurrentFetches: 5,
	}

	var err error
	if s.TotalBudgetUSD, err = envFloat("TOTAL_BUDGET", s.TotalBudgetUSD); err != nil {
		return s, err
	}
	if s.CostPerRequestUSD, err = envFloat("COST_PER_REQUEST", s.CostPerRequestUSD); err != nil {
		return s, err
	}
	if s.AlertThreshold, err = envFloat("ALERT_THRESHOLD", s.AlertThreshold); err != nil {
		return s, err
	}
	if s.CacheTTL, err = envSeconds("CACHE_TTL_SECONDS", s.CacheTTL); err != nil {
		return s, err
	}
	if s.UpdateInterval, err = envSeconds("UPDATE_INTERVAL_SECONDS", s.UpdateInterval); err != nil {
		return s, err
	}
	if s.RequestTimeout, err = envSeconds("REQUEST_TIMEOUT", s.RequestTimeout); err != nil {
		return s, err
	}
	if s.MaxConcurrentFetches, err = envInt("MAX_CONCURRENT_FETCHES", s.MaxConcurrentFetches); err != nil {
		return s, err
	}

	if s.TotalBudgetUSD <= 0 {
		return s, fmt.Errorf("TOTAL_BUDGET must be positive, got %v", s.TotalBudgetUSD)
	}
	if s.CostPerRequestUSD <= 0 {
		return s, fmt.Errorf("COST_PER_REQUEST must be positive, got %v", s.CostPerRequestUSD)
	}
	if s.CacheTTL <= 0 || s.UpdateInterval <= 0 || s.RequestTimeout <= 0 {
		return s, fmt.Errorf("cache TTL, update interval and request timeout must all be positive")
	}
	if s.MaxConcurrentFetches < 1 {
		s.MaxConcurrentFetches = 1
	}

	return s, nil
}

// CostTrackingPath is the budget state file under DataDir.
func (s Settings) CostTrackingPath() string {
	return filepath.Join(s.DataDir, "cost_tracking.json")
}

// CachePath is the SQLite quote cache under DataDir.
func (s Settings) CachePath() string {
	return filepath.Join(s.DataDir, "quote_cache.db")
}

// LoadWatchlist reads a YAML watchlist and validates every entry.
func LoadWatchlist(path string) (Watchlist, error) {
	var w Watchlist
	b, err := os.ReadFile(path)
	if err != nil {
		return w, err
	}
	if err := yaml.Unmarshal(b, &w); err != nil {
		return w, fmt.Errorf("parse watchlist %s: %w", path, err)
	}
	for i, e := range w.Symbols {
		if e.Symbol == "" {
			return w, fmt.Errorf("watchlist entry %d: empty symbol", i)
		}
		if _, err := quotes.ParseAssetClass(e.AssetClass); err != nil {
			return w, fmt.Errorf("watchlist entry %q: %w", e.Symbol, err)
		}
	}
	return w, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}
