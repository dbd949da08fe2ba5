package adapters

import (
	"fmt"
	"strings"

	"quotefeed/internal/quotes"
)

// ErrNoFreeSupport marks asset classes the free backend cannot serve.
// Callers skip straight to the paid backend for these.
var errNoFreeSupport = fmt.Errorf("asset class not served by free backend")

// FreeSymbol converts a canonical symbol to the free backend's native
// form. Index symbols have no free-backend equivalent.
func FreeSymbol(class quotes.AssetClass, symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return "", fmt.Errorf("empty symbol")
	}

	switch class {
	case quotes.ClassStocks:
		return sym, nil
	case quotes.ClassForex:
		return sym + "=X", nil
	case quotes.ClassCommodities:
		return sym + "=F", nil
	case quotes.ClassCrypto:
		// BTCUSD -> BTC-USD
		if base, ok := strings.CutSuffix(sym, "USD"); ok && base != "" {
			return base + "-USD", nil
		}
		return sym + "-USD", nil
	case quotes.ClassIndex:
		return "", fmt.Errorf("%s: %w", sym, errNoFreeSupport)
	default:
		return "", fmt.Errorf("unknown asset class %q", class)
	}
}

// FreeSupported reports whether the free backend serves the class.
func FreeSupported(class quotes.AssetClass) bool {
	return class != quotes.ClassIndex
}

// cryptoTickerAliases maps canonical crypto bases to the paid
// backend's ticker names.
var cryptoTickerAliases = map[string]string{
	"BTC": "XBT",
}

// PaidSymbol converts a canonical symbol to the paid backend's native
// "SYMBOL:EXCHANGE" form.
func PaidSymbol(class quotes.AssetClass, symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return "", fmt.Errorf("empty symbol")
	}

	switch class {
	case quotes.ClassStocks:
		return sym + ":US", nil
	case quotes.ClassForex:
		return sym + ":CUR", nil
	case quotes.ClassCommodities:
		// GC -> GC1:COM (front-month contract)
		return sym + "1:COM", nil
	case quotes.ClassIndex:
		return sym + ":IND", nil
	case quotes.ClassCrypto:
		base, ok := strings.CutSuffix(sym, "USD")
		if !ok || base == "" {
			base = sym
		}
		if alias, found := cryptoTickerAliases[base]; found {
			base = alias
		}
		return base + "USD:CUR", nil
	default:
		return "", fmt.Errorf("unknown asset class %q", class)
	}
}
