package quotes

import (
	"fmt"
	"strings"
	"time"
)

// AssetClass is the coarse category of a tracked instrument.
type AssetClass string

const (
	ClassStocks      AssetClass = "stocks"
	ClassForex       AssetClass = "forex"
	ClassCommodities AssetClass = "commodities"
	ClassIndex       AssetClass = "index"
	ClassCrypto      AssetClass = "crypto"
)

// ParseAssetClass validates a user-supplied asset class string.
func ParseAssetClass(s string) (AssetClass, error) {
	switch AssetClass(strings.ToLower(strings.TrimSpace(s))) {
	case ClassStocks:
		return ClassStocks, nil
	case ClassForex:
		return ClassForex, nil
	case ClassCommodities:
		return ClassCommodities, nil
	case ClassIndex:
		return ClassIndex, nil
	case ClassCrypto:
		return ClassCrypto, nil
	default:
		return "", fmt.Errorf("unknown asset class %q (want stocks|forex|commodities|index|crypto)", s)
	}
}

// Source identifies which path produced a quote.
type Source string

const (
	SourceCache Source = "cache"
	SourceFree  Source = "free"
	SourcePaid  Source = "paid"
)

// Quote is the normalized market data record shared by every backend.
// Symbol and AssetClass together form the identity used by the cache
// and logs. All numeric fields except Price are optional.
type Quote struct {
	Symbol       string     `json:"symbol"`
	AssetClass   AssetClass `json:"asset_class"`
	Price        float64    `json:"price"`
	Change       *float64   `json:"change,omitempty"`
	ChangePct    *float64   `json:"change_percent,omitempty"`
	Volume       *int64     `json:"volume,omitempty"`
	DayHigh      *float64   `json:"day_high,omitempty"`
	DayLow       *float64   `json:"day_low,omitempty"`
	Week52High   *float64   `json:"week_52_high,omitempty"`
	Week52Low    *float64   `json:"week_52_low,omitempty"`
	Open         *float64   `json:"open,omitempty"`
	PrevClose    *float64   `json:"previous_close,omitempty"`
	Currency     string     `json:"currency,omitempty"`
	Source       Source     `json:"source"`
	CollectedAt  time.Time  `json:"collected_at"`
}

// Validate performs fail-closed validation on a quote before it is
// cached or written to a sink.
func Validate(q *Quote) error {
	if q == nil {
		return fmt.Errorf("quote is nil")
	}

	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	if q.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}

	if _, err := ParseAssetClass(string(q.AssetClass)); err != nil {
		return err
	}

	if q.Price <= 0 {
		return fmt.Errorf("invalid price %.4f for %s", q.Price, q.Symbol)
	}

	if q.Volume != nil && *q.Volume < 0 {
		return fmt.Errorf("negative volume %d for %s", *q.Volume, q.Symbol)
	}

	if q.DayHigh != nil && q.DayLow != nil && *q.DayLow > *q.DayHigh {
		return fmt.Errorf("day_low %.4f exceeds day_high %.4f for %s", *q.DayLow, *q.DayHigh, q.Symbol)
	}

	if q.Week52High != nil && q.Week52Low != nil && *q.Week52Low > *q.Week52High {
		return fmt.Errorf("week_52_low exceeds week_52_high for %s", q.Symbol)
	}

	// Timestamps too far in the future indicate a backend clock problem.
	if q.CollectedAt.After(time.Now().UTC().Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", q.CollectedAt)
	}

	return nil
}

// Age returns how old the quote is relative to now.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.CollectedAt)
}

// Key returns the normalized cache identity "class:SYMBOL".
func (q *Quote) Key() string {
	return strings.ToLower(string(q.AssetClass)) + ":" + strings.ToUpper(q.Symbol)
}
