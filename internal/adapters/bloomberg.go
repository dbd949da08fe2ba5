package adapters

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"quotefeed/internal/quotes"
)

// Quote pages embed their data in two script payloads: a Next.js
// __NEXT_DATA__ blob (preferred, richest fields) and JSON-LD
// structured data (fallback, price and currency only). Both are plain
// JSON, so extraction is a script-tag scan plus a decode; no HTML tree
// walk is needed.

var (
	nextDataRe = regexp.MustCompile(`(?s)<script[^>]*id="__NEXT_DATA__"[^>]*>(.*?)</script>`)
	jsonLDRe   = regexp.MustCompile(`(?s)<script[^>]*type="application/ld\+json"[^>]*>(.*?)</script>`)
)

// nextDataFields are the page field names probed for each quote
// attribute, in preference order.
var nextDataFields = map[string][]string{
	"price":      {"price", "lastPrice", "last"},
	"change":     {"priceChange1Day", "change", "netChange"},
	"change_pct": {"percentChange1Day", "changePercent", "pctChange"},
	"volume":     {"volume", "totalVolume"},
	"day_high":   {"highPrice", "dayHigh"},
	"day_low":    {"lowPrice", "dayLow"},
	"year_high":  {"highPrice52Week", "yearHigh"},
	"year_low":   {"lowPrice52Week", "yearLow"},
	"open":       {"openPrice", "open"},
	"prev_close": {"previousClosingPriceOneTradingDayAgo", "prevClose", "previousClose"},
	"currency":   {"issuedCurrency", "currency", "priceCurrency"},
}

// parseQuotePage extracts a quote from a raw quote-page HTML document.
// Returns a parse error when no strategy yields a usable price.
func parseQuotePage(html, nativeSymbol string) (*quotes.Quote, error) {
	if q := parseNextData(html, nativeSymbol); q != nil {
		return q, nil
	}
	if q := parseJSONLD(html, nativeSymbol); q != nil {
		return q, nil
	}
	return nil, quotes.NewParseError(nativeSymbol, "no price found in quote page", nil)
}

func parseNextData(html, nativeSymbol string) *quotes.Quote {
	m := nextDataRe.FindStringSubmatch(html)
	if m == nil {
		return nil
	}

	var doc any
	if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &doc); err != nil {
		return nil
	}

	found := map[string]any{}
	collectFields(doc, found, 0)

	price, ok := asFloat(firstOf(found, nextDataFields["price"]))
	if !ok || price <= 0 {
		return nil
	}

	q := &quotes.Quote{
		Symbol: nativeSymbol,
		Price:  price,
		Source: quotes.SourcePaid,
	}
	if v, ok := asFloat(firstOf(found, nextDataFields["change"])); ok {
		q.Change = &v
	}
	if v, ok := asFloat(firstOf(found, nextDataFields["change_pct"])); ok {
		q.ChangePct = &v
	}
	if v, ok := asFloat(firstOf(found, nextDataFields["volume"])); ok && v >= 0 {
		n := int64(v)
		q.Volume = &n
	}
	if v, ok := asFloat(firstOf(found, nextDataFields["day_high"])); ok && v > 0 {
		q.DayHigh = &v
	}
	if v, ok := asFloat(firstOf(found, nextDataFields["day_low"])); ok && v > 0 {
		q.DayLow = &v
	}
	if v, ok := asFloat(firstOf(found, nextDataFields["year_high"])); ok && v > 0 {
		q.Week52High = &v
	}
	if v, ok := asFloat(firstOf(found, nextDataFields["year_low"])); ok && v > 0 {
		q.Week52Low = &v
	}
	if v, ok := asFloat(firstOf(found, nextDataFields["open"])); ok && v > 0 {
		q.Open = &v
	}
	if v, ok := asFloat(firstOf(found, nextDataFields["prev_close"])); ok && v > 0 {
		q.PrevClose = &v
	}
	if s, ok := firstOf(found, nextDataFields["currency"]).(string); ok {
		q.Currency = s
	}
	return q
}

func parseJSONLD(html, nativeSymbol string) *quotes.Quote {
	for _, m := range jsonLDRe.FindAllStringSubmatch(html, -1) {
		var doc any
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &doc); err != nil {
			continue
		}

		// A document may be one object or a @graph-style list.
		candidates := []any{doc}
		if list, ok := doc.([]any); ok {
			candidates = list
		}

		for _, c := range candidates {
			obj, ok := c.(map[string]any)
			if !ok {
				continue
			}
			price, ok := asFloat(firstKey(obj, "price", "priceValue", "currentPrice"))
			if !ok || price <= 0 {
				continue
			}
			q := &quotes.Quote{
				Symbol: nativeSymbol,
				Price:  price,
				Source: quotes.SourcePaid,
			}
			if s, ok := firstKey(obj, "priceCurrency", "currency").(string); ok {
				q.Currency = s
			}
			return q
		}
	}
	return nil
}

const maxScanDepth = 12

// collectFields walks the decoded JSON tree and records the first
// value seen for every leaf key. Breadth is unbounded but depth is
// capped; quote payloads sit well within it.
func collectFields(node any, out map[string]any, depth int) {
	if depth > maxScanDepth {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			switch val.(type) {
			case map[string]any, []any:
				collectFields(val, out, depth+1)
			default:
				if _, seen := out[k]; !seen {
					out[k] = val
				}
			}
		}
	case []any:
		for _, item := range v {
			collectFields(item, out, depth+1)
		}
	}
}

func firstOf(found map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := found[k]; ok {
			return v
		}
	}
	return nil
}

func firstKey(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		s = strings.TrimSuffix(s, "%")
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
