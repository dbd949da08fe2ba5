package quotes

import (
	"errors"
	"fmt"
)

// Sentinel outcomes surfaced by the hybrid source.
var (
	// ErrUnavailable means every source in the cascade was exhausted
	// for a symbol. It is a reported outcome, not a batch failure.
	ErrUnavailable = errors.New("quote unavailable from all sources")

	// ErrBudgetExhausted means the paid path was needed but the cost
	// tracker denied it.
	ErrBudgetExhausted = errors.New("budget exhausted")
)

// ErrorKind classifies adapter failures. The paid adapter's retry and
// charging decisions key off the kind, never the message.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"       // 401/403, fatal for the adapter
	KindRateLimit ErrorKind = "rate_limit" // 429, retryable
	KindServer    ErrorKind = "server"     // 5xx, retryable
	KindNetwork   ErrorKind = "network"    // transport failure, remote not reached
	KindParse     ErrorKind = "parse"      // response received but unusable
	KindBadSymbol ErrorKind = "bad_symbol" // request never built
	KindCanceled  ErrorKind = "canceled"   // context canceled before dispatch
)

// QuoteError is the adapter-level error value.
type QuoteError struct {
	Kind    ErrorKind
	Symbol  string
	Message string
	Cause   error
}

func (e *QuoteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Kind, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Kind, e.Symbol, e.Message)
}

func (e *QuoteError) Unwrap() error { return e.Cause }

// RemoteReached reports whether the error implies the remote service
// definitely handled the request. The cost tracker charges only for
// outcomes where this holds.
func (e *QuoteError) RemoteReached() bool {
	switch e.Kind {
	case KindAuth, KindRateLimit, KindServer, KindParse:
		return true
	default:
		return false
	}
}

// Retryable reports whether the paid adapter may retry the attempt.
func (e *QuoteError) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindServer
}

func NewAuthError(symbol, message string) *QuoteError {
	return &QuoteError{Kind: KindAuth, Symbol: symbol, Message: message}
}

func NewRateLimitError(symbol, message string) *QuoteError {
	return &QuoteError{Kind: KindRateLimit, Symbol: symbol, Message: message}
}

func NewServerError(symbol, message string) *QuoteError {
	return &QuoteError{Kind: KindServer, Symbol: symbol, Message: message}
}

func NewNetworkError(symbol, message string, cause error) *QuoteError {
	return &QuoteError{Kind: KindNetwork, Symbol: symbol, Message: message, Cause: cause}
}

func NewParseError(symbol, message string, cause error) *QuoteError {
	return &QuoteError{Kind: KindParse, Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *QuoteError {
	return &QuoteError{Kind: KindBadSymbol, Symbol: symbol, Message: message}
}

func NewCanceledError(symbol string, cause error) *QuoteError {
	return &QuoteError{Kind: KindCanceled, Symbol: symbol, Message: "canceled before dispatch", Cause: cause}
}

// AsQuoteError unwraps err to a *QuoteError if one is in the chain.
func AsQuoteError(err error) (*QuoteError, bool) {
	var qe *QuoteError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
