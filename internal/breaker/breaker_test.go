package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotefeed/internal/clock"
	"quotefeed/internal/quotes"
)

var errBackend = errors.New("backend down")

func failing(ctx context.Context) (*quotes.Quote, error) { return nil, errBackend }

func succeeding(ctx context.Context) (*quotes.Quote, error) {
	return &quotes.Quote{Symbol: "AAPL", AssetClass: quotes.ClassStocks, Price: 184.92}, nil
}

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	b := New(Config{Name: "paid", FailureThreshold: threshold, RecoveryTimeout: recovery}, clk)
	return b, clk
}

func TestOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Call(ctx, failing)
		require.ErrorIs(t, err, errBackend)
		require.Equal(t, StateClosed, b.Statistics().State)
	}

	_, err := b.Call(ctx, failing)
	require.ErrorIs(t, err, errBackend)
	require.Equal(t, StateOpen, b.Statistics().State)

	// While open, calls are rejected without running fn.
	ran := false
	_, err = b.Call(ctx, func(ctx context.Context) (*quotes.Quote, error) {
		ran = true
		return nil, nil
	})
	require.ErrorIs(t, err, ErrOpen)
	require.False(t, ran)
	require.EqualValues(t, 1, b.Statistics().TotalRejected)
}

func TestSuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	b.Call(ctx, failing)
	b.Call(ctx, failing)
	b.Call(ctx, succeeding)
	b.Call(ctx, failing)
	b.Call(ctx, failing)
	require.Equal(t, StateClosed, b.Statistics().State)

	b.Call(ctx, failing)
	require.Equal(t, StateOpen, b.Statistics().State)
}

func TestHalfOpenProbeCloses(t *testing.T) {
	b, clk := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Call(ctx, failing)
	}
	require.Equal(t, StateOpen, b.Statistics().State)
	require.False(t, b.IsAvailable())

	clk.Advance(time.Minute)
	require.True(t, b.IsAvailable())

	// One successful probe closes the breaker.
	q, err := b.Call(ctx, succeeding)
	require.NoError(t, err)
	require.NotNil(t, q)
	require.Equal(t, StateClosed, b.Statistics().State)
	require.Equal(t, 0, b.Statistics().ConsecutiveFailures)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Call(ctx, failing)
	}
	clk.Advance(time.Minute)

	_, err := b.Call(ctx, failing)
	require.ErrorIs(t, err, errBackend)
	require.Equal(t, StateOpen, b.Statistics().State)

	// The recovery window restarted at the failed probe.
	clk.Advance(30 * time.Second)
	_, err = b.Call(ctx, succeeding)
	require.ErrorIs(t, err, ErrOpen)

	clk.Advance(30 * time.Second)
	_, err = b.Call(ctx, succeeding)
	require.NoError(t, err)
	require.Equal(t, StateClosed, b.Statistics().State)
}

func TestSingleProbeAdmission(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	b.Call(ctx, failing)
	require.Equal(t, StateOpen, b.Statistics().State)
	clk.Advance(time.Minute)

	// First caller holds the probe slot; a concurrent caller is
	// rejected while the probe is still in flight.
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := b.Call(ctx, func(ctx context.Context) (*quotes.Quote, error) {
			close(probeStarted)
			<-release
			return succeeding(ctx)
		})
		done <- err
	}()

	<-probeStarted
	_, err := b.Call(ctx, succeeding)
	require.ErrorIs(t, err, ErrOpen)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateClosed, b.Statistics().State)
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	ctx := context.Background()

	b.Call(ctx, failing)
	require.Equal(t, StateOpen, b.Statistics().State)

	b.Reset()
	st := b.Statistics()
	require.Equal(t, StateClosed, st.State)
	require.Equal(t, 0, st.ConsecutiveFailures)

	_, err := b.Call(ctx, succeeding)
	require.NoError(t, err)
}
