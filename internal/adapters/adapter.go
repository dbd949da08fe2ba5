// Package adapters contains the backend clients that actually fetch
// market data. Adapters own HTTP, parsing and normalization; cache,
// budget and breaker policy live with the caller.
package adapters

import (
	"context"

	"quotefeed/internal/quotes"
)

// BackendAdapter fetches one quote in the backend's native symbology.
type BackendAdapter interface {
	// Name identifies the backend in logs and statistics.
	Name() string

	// FetchQuote retrieves a quote for a backend-native symbol. The
	// returned quote is validated and normalized; errors are
	// *quotes.QuoteError values classified by kind.
	FetchQuote(ctx context.Context, nativeSymbol string) (*quotes.Quote, error)
}
