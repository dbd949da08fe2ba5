package adapters

import (
	"context"
	"sync"

	"quotefeed/internal/quotes"
)

// MockAdapter is a scriptable backend for tests. Responses are keyed
// by native symbol; unknown symbols return the default error.
type MockAdapter struct {
	mu sync.Mutex

	name     string
	quotes   map[string]*quotes.Quote
	errs     map[string]error
	defErr   error
	calls    []string
	blockCh  chan struct{}
}

// NewMockAdapter builds an empty mock named name.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name:   name,
		quotes: map[string]*quotes.Quote{},
		errs:   map[string]error{},
		defErr: quotes.NewServerError("", "no response scripted"),
	}
}

func (m *MockAdapter) Name() string { return m.name }

// Respond scripts a successful quote for a native symbol.
func (m *MockAdapter) Respond(nativeSymbol string, q *quotes.Quote) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[nativeSymbol] = q
	return m
}

// Fail scripts an error for a native symbol.
func (m *MockAdapter) Fail(nativeSymbol string, err error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[nativeSymbol] = err
	return m
}

// FailAll makes every unscripted symbol return err.
func (m *MockAdapter) FailAll(err error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defErr = err
	return m
}

// BlockOn makes FetchQuote wait on ch before answering; used to hold a
// call in flight.
func (m *MockAdapter) BlockOn(ch chan struct{}) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockCh = ch
	return m
}

// Calls returns the native symbols fetched so far, in order.
func (m *MockAdapter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many fetches were made.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockAdapter) FetchQuote(ctx context.Context, nativeSymbol string) (*quotes.Quote, error) {
	m.mu.Lock()
	m.calls = append(m.calls, nativeSymbol)
	q, hasQuote := m.quotes[nativeSymbol]
	err, hasErr := m.errs[nativeSymbol]
	defErr := m.defErr
	block := m.blockCh
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, quotes.NewCanceledError(nativeSymbol, ctx.Err())
		}
	}

	if hasErr {
		return nil, err
	}
	if hasQuote {
		cp := *q
		return &cp, nil
	}
	return nil, defErr
}
