// Package cache is the SQLite-backed quote cache. Hits are the reason
// the paid backend stays affordable, so reads are strict about expiry
// and every miss path degrades gracefully instead of failing the fetch.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"quotefeed/internal/clock"
	"quotefeed/internal/observ"
	"quotefeed/internal/quotes"
)

const schema = `
CREATE TABLE IF NOT EXISTS quote_cache (
	cache_key     TEXT PRIMARY KEY,
	asset_class   TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	payload       TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	hit_count     INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER
);
CREATE INDEX IF NOT EXISTS idx_asset_symbol ON quote_cache(asset_class, symbol);
CREATE INDEX IF NOT EXISTS idx_expires_at ON quote_cache(expires_at);
`

// Cache stores serialized quotes with a fixed TTL.
type Cache struct {
	db   *sql.DB
	path string
	ttl  time.Duration
	clk  clock.Clock
}

// Stats summarizes cache contents and effectiveness.
type Stats struct {
	TotalEntries    int           `json:"total_entries"`
	ActiveEntries   int           `json:"active_entries"`
	ExpiredEntries  int           `json:"expired_entries"`
	TotalHits       int64         `json:"total_hits"`
	AvgHitsPerEntry float64       `json:"avg_hits_per_entry"`
	TopSymbols      []SymbolHits  `json:"top_symbols"`
	FileSizeBytes   int64         `json:"file_size_bytes"`
	TTL             time.Duration `json:"ttl"`
}

// SymbolHits is one row of the most-hit ranking.
type SymbolHits struct {
	Key  string `json:"key"`
	Hits int64  `json:"hits"`
}

// Key builds the canonical cache identity for a symbol.
func Key(class quotes.AssetClass, symbol string) string {
	return strings.ToLower(string(class)) + ":" + strings.ToUpper(strings.TrimSpace(symbol))
}

// New opens (creating if needed) the cache database at path.
func New(path string, ttl time.Duration, clk clock.Clock) (*Cache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache TTL must be positive, got %v", ttl)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}

	return &Cache{db: db, path: path, ttl: ttl, clk: clk}, nil
}

// Get returns a live cached quote or nil on miss. An entry whose
// expires_at equals now is already stale. Expired and undecodable rows
// are deleted inline so they never count as hits later.
func (c *Cache) Get(class quotes.AssetClass, symbol string) *quotes.Quote {
	key := Key(class, symbol)
	now := c.clk.Now().UTC().Unix()

	var payload string
	var expiresAt int64
	err := c.db.QueryRow(
		`SELECT payload, expires_at FROM quote_cache WHERE cache_key = ?`, key,
	).Scan(&payload, &expiresAt)
	if err == sql.ErrNoRows {
		observ.IncCounter("cache_misses_total", map[string]string{"reason": "absent"})
		return nil
	}
	if err != nil {
		observ.Warn("cache_read_failed", map[string]any{"key": key, "error": err.Error()})
		observ.IncCounter("cache_misses_total", map[string]string{"reason": "error"})
		return nil
	}

	if expiresAt <= now {
		c.delete(key)
		observ.IncCounter("cache_misses_total", map[string]string{"reason": "expired"})
		return nil
	}

	var q quotes.Quote
	if err := json.Unmarshal([]byte(payload), &q); err != nil {
		observ.Warn("cache_entry_corrupt", map[string]any{"key": key, "error": err.Error()})
		c.delete(key)
		observ.IncCounter("cache_misses_total", map[string]string{"reason": "corrupt"})
		return nil
	}

	if _, err := c.db.Exec(
		`UPDATE quote_cache SET hit_count = hit_count + 1, last_accessed = ? WHERE cache_key = ?`,
		now, key,
	); err != nil {
		observ.Warn("cache_hit_update_failed", map[string]any{"key": key, "error": err.Error()})
	}

	q.Source = quotes.SourceCache
	observ.IncCounter("cache_hits_total", nil)
	return &q
}

// Set stores a quote under its key, replacing any existing entry and
// resetting its hit count. Write failures are logged, never fatal: a
// fetched quote is still served even if caching it failed.
func (c *Cache) Set(q *quotes.Quote) error {
	if err := quotes.Validate(q); err != nil {
		return fmt.Errorf("refusing to cache invalid quote: %w", err)
	}

	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("serialize quote %s: %w", q.Symbol, err)
	}

	now := c.clk.Now().UTC()
	_, err = c.db.Exec(`
		INSERT INTO quote_cache
			(cache_key, asset_class, symbol, payload, created_at, expires_at, hit_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL)
		ON CONFLICT(cache_key) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			hit_count = 0,
			last_accessed = NULL`,
		q.Key(), string(q.AssetClass), q.Symbol, string(payload),
		now.Unix(), now.Add(c.ttl).Unix(),
	)
	if err != nil {
		observ.Warn("cache_write_failed", map[string]any{"key": q.Key(), "error": err.Error()})
		return fmt.Errorf("cache write for %s: %w", q.Key(), err)
	}
	return nil
}

// Invalidate removes one entry. Removing an absent key is a no-op.
func (c *Cache) Invalidate(class quotes.AssetClass, symbol string) error {
	return c.delete(Key(class, symbol))
}

func (c *Cache) delete(key string) error {
	_, err := c.db.Exec(`DELETE FROM quote_cache WHERE cache_key = ?`, key)
	if err != nil {
		observ.Warn("cache_delete_failed", map[string]any{"key": key, "error": err.Error()})
	}
	return err
}

// ClearExpired removes every entry past its expiry and returns how
// many were removed.
func (c *Cache) ClearExpired() (int, error) {
	now := c.clk.Now().UTC().Unix()
	res, err := c.db.Exec(`DELETE FROM quote_cache WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("clear expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		observ.Log("cache_sweep", map[string]any{"removed": n})
	}
	return int(n), nil
}

// Statistics reports cache contents; best effort, partial results on
// query failure.
func (c *Cache) Statistics() Stats {
	st := Stats{TTL: c.ttl}
	now := c.clk.Now().UTC().Unix()

	row := c.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(hit_count), 0)
		FROM quote_cache`, now)
	if err := row.Scan(&st.TotalEntries, &st.ActiveEntries, &st.TotalHits); err != nil {
		observ.Warn("cache_stats_failed", map[string]any{"error": err.Error()})
		return st
	}
	st.ExpiredEntries = st.TotalEntries - st.ActiveEntries
	if st.TotalEntries > 0 {
		st.AvgHitsPerEntry = float64(st.TotalHits) / float64(st.TotalEntries)
	}

	rows, err := c.db.Query(`
		SELECT cache_key, hit_count FROM quote_cache
		WHERE hit_count > 0
		ORDER BY hit_count DESC, cache_key ASC
		LIMIT 5`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var sh SymbolHits
			if rows.Scan(&sh.Key, &sh.Hits) == nil {
				st.TopSymbols = append(st.TopSymbols, sh)
			}
		}
	}
	sort.SliceStable(st.TopSymbols, func(i, j int) bool {
		return st.TopSymbols[i].Hits > st.TopSymbols[j].Hits
	})

	if fi, err := os.Stat(c.path); err == nil {
		st.FileSizeBytes = fi.Size()
	}
	return st
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}
