package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrun/profittaker/internal/broker"
	"github.com/quantrun/profittaker/internal/config"
	"github.com/quantrun/profittaker/internal/events"
	"github.com/quantrun/profittaker/internal/feed"
	"github.com/quantrun/profittaker/internal/market"
	"github.com/quantrun/profittaker/internal/metrics"
	"github.com/quantrun/profittaker/internal/track"
)

type stubBroker struct {
	clock     broker.Clock
	clockErr  error
	positions []broker.Position
	posErr    error
}

func (b *stubBroker) Positions(ctx context.Context) ([]broker.Position, error) {
	return b.positions, b.posErr
}

func (b *stubBroker) Clock(ctx context.Context) (broker.Clock, error) {
	return b.clock, b.clockErr
}

func (b *stubBroker) ClosePosition(ctx context.Context, symbol string) (broker.Order, error) {
	return broker.Order{}, errors.New("not implemented")
}

func (b *stubBroker) GetOrder(ctx context.Context, id string) (broker.Order, error) {
	return broker.Order{}, errors.New("not implemented")
}

func newSession(t *testing.T, brk broker.Broker, dryRun bool) *Session {
	t.Helper()
	cfg := config.Default(config.ModeModerate)
	cfg.DryRun = dryRun

	w, err := events.NewWriter(t.TempDir(), "exits", time.Now())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	return New(cfg, brk, w, metrics.New(), "")
}

func TestRun_FailsWhenClockUnreachable(t *testing.T) {
	s := newSession(t, &stubBroker{clockErr: errors.New("timeout")}, false)
	err := s.Run(context.Background())
	assert.ErrorContains(t, err, "broker clock")
}

func TestRun_FailsWhenMarketClosed(t *testing.T) {
	s := newSession(t, &stubBroker{clock: broker.Clock{IsOpen: false}}, false)
	err := s.Run(context.Background())
	assert.ErrorContains(t, err, "market is closed")
}

func TestRun_NoPositionsIsCleanExit(t *testing.T) {
	brk := &stubBroker{clock: broker.Clock{
		IsOpen:    true,
		NextClose: time.Now().Add(time.Hour),
	}}
	s := newSession(t, brk, false)
	assert.NoError(t, s.Run(context.Background()))
}

func rangedBar(ts time.Time, close float64) feed.Bar {
	return feed.Bar{
		Symbol: "NVDA",
		Sample: market.Sample{
			Time: ts, Open: close,
			High: close + 0.25, Low: close - 0.25, Close: close,
		},
		Source:   feed.SourceWebsocket,
		Received: ts,
	}
}

func TestApply_FullTrailLifecycle(t *testing.T) {
	s := newSession(t, &stubBroker{}, true)

	now := time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)
	closeAt := now.Add(2 * time.Hour)
	s.store.Seed([]broker.Position{
		{Symbol: "NVDA", Qty: 10, EntryPrice: 100},
	}, 100, 14, now)

	var exits sync.WaitGroup
	ctx := context.Background()

	// Warm up below activation until the statistics are defined.
	ts := now
	for i := 0; i < track.MinSamples; i++ {
		s.apply(ctx, rangedBar(ts, 101), time.UTC, closeAt, &exits)
		ts = ts.Add(time.Minute)
	}
	views := s.store.Snapshot()
	require.Len(t, views, 1)
	assert.False(t, views[0].Trail.Active)

	// Cross activation: the trail arms without firing.
	s.apply(ctx, rangedBar(ts, 103.5), time.UTC, closeAt, &exits)
	views = s.store.Snapshot()
	require.True(t, views[0].Trail.Active)
	stop := views[0].Trail.StopPrice
	assert.GreaterOrEqual(t, stop, 100.0)

	// Retrace through the stop: dry run tears the ticker down.
	ts = ts.Add(time.Minute)
	s.apply(ctx, rangedBar(ts, stop-0.5), time.UTC, closeAt, &exits)
	exits.Wait()

	assert.Equal(t, 0, s.store.Len())
	stats := s.coord.Stats().Snapshot()
	assert.Equal(t, 1, stats.Fills)
	assert.Equal(t, 1, stats.ByReason["trailing_stop_hit"])
}

func TestApply_LateStreamBarLeavesStateUntouched(t *testing.T) {
	s := newSession(t, &stubBroker{}, true)

	now := time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)
	closeAt := now.Add(2 * time.Hour)
	s.store.Seed([]broker.Position{
		{Symbol: "NVDA", Qty: 10, EntryPrice: 100},
	}, 100, 14, now.Add(-10*time.Minute))

	var exits sync.WaitGroup
	ctx := context.Background()

	// A fallback snapshot stamped at the current minute arrives first.
	poll := feed.Bar{
		Symbol:   "NVDA",
		Sample:   market.Synthetic(now.Truncate(time.Minute), 104),
		Source:   feed.SourcePoller,
		Received: now,
	}
	s.apply(ctx, poll, time.UTC, closeAt, &exits)
	views := s.store.Snapshot()
	require.Equal(t, 1, views[0].Samples)
	require.Equal(t, now, views[0].LastUpdate)

	// The delayed stream then delivers an aggregate whose bar time is
	// fifteen minutes in the past. It must be dropped without touching
	// the series or the freshness bookkeeping.
	late := rangedBar(now.Add(-15*time.Minute), 103)
	late.Received = now.Add(time.Second)
	s.apply(ctx, late, time.UTC, closeAt, &exits)

	views = s.store.Snapshot()
	assert.Equal(t, 1, views[0].Samples)
	assert.Equal(t, now, views[0].LastUpdate)
	assert.InDelta(t, 104.0, views[0].LastPrice, 1e-9)
}

func TestApply_DropsBarsForUntrackedSymbols(t *testing.T) {
	s := newSession(t, &stubBroker{}, true)
	var exits sync.WaitGroup

	// Nothing seeded: the bar is dropped without panicking.
	s.apply(context.Background(), rangedBar(time.Now(), 100), time.UTC, time.Now().Add(time.Hour), &exits)
	assert.Equal(t, 0, s.store.Len())
}

func TestConsume_StopsAtMarketClose(t *testing.T) {
	s := newSession(t, &stubBroker{}, true)
	s.store.Seed([]broker.Position{
		{Symbol: "NVDA", Qty: 10, EntryPrice: 100},
	}, 100, 14, time.Now())

	bars := make(chan feed.Bar)
	err := s.consume(context.Background(), bars, time.UTC, time.Now().Add(50*time.Millisecond))
	assert.NoError(t, err)
}

func TestConsume_ReturnsContextError(t *testing.T) {
	s := newSession(t, &stubBroker{}, true)
	s.store.Seed([]broker.Position{
		{Symbol: "NVDA", Qty: 10, EntryPrice: 100},
	}, 100, 14, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bars := make(chan feed.Bar)
	err := s.consume(ctx, bars, time.UTC, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}
