// Package breaker implements a per-backend circuit breaker so a
// failing upstream stops consuming budget and latency. States:
// closed (normal), open (rejecting), half-open (single probe).
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quotefeed/internal/clock"
	"quotefeed/internal/observ"
	"quotefeed/internal/quotes"
)

// ErrOpen is returned when the breaker rejects a call without
// attempting the backend.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes one breaker instance.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures that trip the breaker
	RecoveryTimeout  time.Duration // open dwell before a probe is admitted
}

// Breaker guards calls to one backend. A single mutex covers state,
// counters and probe admission so transitions are atomic.
type Breaker struct {
	mu sync.Mutex

	cfg Config
	clk clock.Clock

	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	totalCalls     int64
	totalFailures  int64
	totalRejected  int64
	lastFailure    time.Time
	lastTransition time.Time
}

// Stats is a snapshot of breaker state and counters.
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	TotalRejected       int64     `json:"total_rejected"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastTransition      time.Time `json:"last_transition,omitempty"`
}

// New builds a breaker with defaults filled in for zero config values.
func New(cfg Config, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{
		cfg:            cfg,
		clk:            clk,
		state:          StateClosed,
		lastTransition: clk.Now(),
	}
}

// Call runs fn through the breaker. In the open state it rejects
// immediately with ErrOpen until the recovery timeout elapses; the
// first caller after that becomes the single half-open probe, and
// concurrent callers are rejected while the probe is in flight.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) (*quotes.Quote, error)) (*quotes.Quote, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	q, err := fn(ctx)
	b.record(err)
	return q, err
}

// IsAvailable reports whether a call right now would be admitted. It
// does not reserve the half-open probe slot.
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return b.clk.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout
	}
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalCalls++
		return nil

	case StateOpen:
		if b.clk.Now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			b.totalRejected++
			observ.IncCounter("breaker_rejected_total", map[string]string{"backend": b.cfg.Name})
			return fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		b.totalCalls++
		return nil

	default: // half-open
		if b.probeInFlight {
			b.totalRejected++
			observ.IncCounter("breaker_rejected_total", map[string]string{"backend": b.cfg.Name})
			return fmt.Errorf("%s: probe in flight: %w", b.cfg.Name, ErrOpen)
		}
		b.probeInFlight = true
		b.totalCalls++
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}

	if err == nil {
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
		}
		return
	}

	b.totalFailures++
	b.lastFailure = b.clk.Now()

	switch b.state {
	case StateHalfOpen:
		// Failed probe: reopen and restart the recovery window.
		b.openedAt = b.clk.Now()
		b.transition(StateOpen)
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = b.clk.Now()
			b.transition(StateOpen)
		}
	}
}

// transition updates state and emits the log event. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastTransition = b.clk.Now()
	if to == StateClosed {
		b.consecutiveFailures = 0
	}
	observ.Log("breaker_transition", map[string]any{
		"backend": b.cfg.Name,
		"from":    string(from),
		"to":      string(to),
	})
	observ.IncCounter("breaker_transitions_total", map[string]string{
		"backend": b.cfg.Name,
		"to":      string(to),
	})
}

// Statistics returns a consistent snapshot.
func (b *Breaker) Statistics() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                b.cfg.Name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		FailureThreshold:    b.cfg.FailureThreshold,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFailures,
		TotalRejected:       b.totalRejected,
		LastFailure:         b.lastFailure,
		LastTransition:      b.lastTransition,
	}
}

// Reset forces the breaker closed and zeroes the failure streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	b.consecutiveFailures = 0
	b.transition(StateClosed)
}
