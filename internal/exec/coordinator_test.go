package exec

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrun/profittaker/internal/broker"
	"github.com/quantrun/profittaker/internal/engine"
	"github.com/quantrun/profittaker/internal/events"
	"github.com/quantrun/profittaker/internal/metrics"
	"github.com/quantrun/profittaker/internal/track"
)

type scriptedBroker struct {
	closeOrder broker.Order
	closeErr   error
	closeCalls int

	orderStatuses []broker.OrderStatus
	statusCalls   int
}

func (b *scriptedBroker) Positions(ctx context.Context) ([]broker.Position, error) {
	return nil, nil
}

func (b *scriptedBroker) Clock(ctx context.Context) (broker.Clock, error) {
	return broker.Clock{}, nil
}

func (b *scriptedBroker) ClosePosition(ctx context.Context, symbol string) (broker.Order, error) {
	b.closeCalls++
	if b.closeErr != nil {
		return broker.Order{}, b.closeErr
	}
	return b.closeOrder, nil
}

func (b *scriptedBroker) GetOrder(ctx context.Context, id string) (broker.Order, error) {
	ord := b.closeOrder
	if b.statusCalls < len(b.orderStatuses) {
		ord.Status = b.orderStatuses[b.statusCalls]
	}
	b.statusCalls++
	if ord.Status == broker.OrderFilled {
		ord.FilledQty = 10
		ord.FilledPrice = 103.4
	}
	return ord, nil
}

func newFixture(t *testing.T, brk broker.Broker, dryRun bool) (*Coordinator, *track.Store, *events.Writer) {
	t.Helper()
	store := track.NewStore()
	store.Seed([]broker.Position{
		{Symbol: "NVDA", Qty: 10, EntryPrice: 100},
	}, 100, 14, time.Now())
	store.Apply("NVDA", func(tr *track.Tracked) { tr.ExitPending = true })

	w, err := events.NewWriter(t.TempDir(), "exits", time.Now())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	c := New(brk, store, w, metrics.New(), 5*time.Second, dryRun)
	return c, store, w
}

func pendingSignal() engine.Signal {
	return engine.Signal{
		Symbol:      "NVDA",
		Reason:      engine.TrailingStopHit,
		ReasonLabel: engine.TrailingStopHit.String(),
		Price:       103.4,
		EntryPrice:  100,
		PeakPrice:   105,
		StopPrice:   103.425,
		GainPct:     0.034,
		Qty:         10,
		EnteredAt:   time.Now().Add(-30 * time.Minute),
		At:          time.Now(),
	}
}

func TestExecute_FilledOrderRemovesTicker(t *testing.T) {
	brk := &scriptedBroker{
		closeOrder:    broker.Order{ID: "ord-1", Symbol: "NVDA", Qty: 10, Status: broker.OrderNew},
		orderStatuses: []broker.OrderStatus{broker.OrderFilled},
	}
	c, store, w := newFixture(t, brk, false)

	require.NoError(t, c.Execute(context.Background(), pendingSignal()))

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 1, brk.closeCalls)

	stats := c.Stats().Snapshot()
	assert.Equal(t, 1, stats.Fills)
	assert.InDelta(t, 34.0, stats.Realized, 1e-9)
	assert.Equal(t, 1, stats.ByReason["trailing_stop_hit"])
	assert.InDelta(t, 0.034, stats.GainSum, 1e-9)
	assert.InDelta(t, 0.034, stats.AvgGainPct(), 1e-9)
	assert.InDelta(t, float64(30*time.Minute), float64(stats.HoldSum), float64(10*time.Second))
	assert.InDelta(t, float64(30*time.Minute), float64(stats.AvgHold()), float64(10*time.Second))

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"filled"`)
	assert.Contains(t, string(data), `"order_id":"ord-1"`)
}

func TestExecute_ImmediateFillSkipsPolling(t *testing.T) {
	brk := &scriptedBroker{
		closeOrder: broker.Order{
			ID: "ord-2", Symbol: "NVDA", Qty: 10,
			Status: broker.OrderFilled, FilledQty: 10, FilledPrice: 103.5,
		},
	}
	c, store, _ := newFixture(t, brk, false)

	require.NoError(t, c.Execute(context.Background(), pendingSignal()))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, brk.statusCalls)
}

func TestExecute_SubmitFailureReArms(t *testing.T) {
	brk := &scriptedBroker{closeErr: errors.New("api down")}
	c, store, w := newFixture(t, brk, false)

	err := c.Execute(context.Background(), pendingSignal())
	require.Error(t, err)

	// Ticker is retained with the pending flag cleared, so a later bar
	// can signal again.
	require.Equal(t, 1, store.Len())
	views := store.Snapshot()
	ok := store.Apply("NVDA", func(tr *track.Tracked) {
		assert.False(t, tr.ExitPending)
	})
	assert.True(t, ok)
	assert.Equal(t, "NVDA", views[0].Symbol)

	stats := c.Stats().Snapshot()
	assert.Equal(t, 1, stats.Failures)
	assert.Zero(t, stats.Fills)
	assert.Zero(t, stats.AvgGainPct())
	assert.Zero(t, stats.AvgHold())

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"failed"`)
	assert.Contains(t, string(data), "api down")
}

func TestExecute_RejectedOrderReArms(t *testing.T) {
	brk := &scriptedBroker{
		closeOrder:    broker.Order{ID: "ord-3", Symbol: "NVDA", Status: broker.OrderNew},
		orderStatuses: []broker.OrderStatus{broker.OrderRejected},
	}
	c, store, _ := newFixture(t, brk, false)

	err := c.Execute(context.Background(), pendingSignal())
	require.Error(t, err)
	assert.ErrorContains(t, err, "rejected")
	assert.Equal(t, 1, store.Len())
}

func TestExecute_DryRunTearsDownWithoutBrokerCalls(t *testing.T) {
	brk := &scriptedBroker{}
	c, store, w := newFixture(t, brk, true)

	require.NoError(t, c.Execute(context.Background(), pendingSignal()))

	assert.Equal(t, 0, store.Len())
	assert.Zero(t, brk.closeCalls)

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"dry_run":true`)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	brk := &scriptedBroker{closeErr: errors.New("api down")}
	c, store, _ := newFixture(t, brk, false)

	for i := 0; i < 3; i++ {
		store.Apply("NVDA", func(tr *track.Tracked) { tr.ExitPending = true })
		_ = c.Execute(context.Background(), pendingSignal())
	}
	calls := brk.closeCalls
	require.Equal(t, 3, calls)

	// Breaker is open now: the next attempt fails without touching the
	// broker.
	store.Apply("NVDA", func(tr *track.Tracked) { tr.ExitPending = true })
	err := c.Execute(context.Background(), pendingSignal())
	require.Error(t, err)
	assert.Equal(t, calls, brk.closeCalls)
}
