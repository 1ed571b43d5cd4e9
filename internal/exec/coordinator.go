package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantrun/profittaker/internal/broker"
	"github.com/quantrun/profittaker/internal/engine"
	"github.com/quantrun/profittaker/internal/events"
	"github.com/quantrun/profittaker/internal/metrics"
	"github.com/quantrun/profittaker/internal/track"
)

const fillPollInterval = time.Second

// Stats accumulates the session's exit outcomes for the shutdown
// summary.
type Stats struct {
	mu       sync.Mutex
	attempts int
	fills    int
	failures int
	realized float64
	gainSum  float64
	holdSum  time.Duration
	byReason map[string]int
}

// NewStats creates an empty accumulator.
func NewStats() *Stats {
	return &Stats{byReason: make(map[string]int)}
}

func (s *Stats) record(reason string, filled bool, profit, gainPct float64, hold time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if filled {
		s.fills++
		s.realized += profit
		s.gainSum += gainPct
		s.holdSum += hold
		s.byReason[reason]++
	} else {
		s.failures++
	}
}

// Summary is a point-in-time copy of the accumulated outcomes.
type Summary struct {
	Attempts int
	Fills    int
	Failures int
	Realized float64
	GainSum  float64
	HoldSum  time.Duration
	ByReason map[string]int
}

// AvgGainPct returns the mean gain fraction across filled exits.
func (s Summary) AvgGainPct() float64 {
	if s.Fills == 0 {
		return 0
	}
	return s.GainSum / float64(s.Fills)
}

// AvgHold returns the mean hold duration across filled exits.
func (s Summary) AvgHold() time.Duration {
	if s.Fills == 0 {
		return 0
	}
	return s.HoldSum / time.Duration(s.Fills)
}

// Snapshot returns a copy safe to read after the session stops.
func (s *Stats) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	byReason := make(map[string]int, len(s.byReason))
	for k, v := range s.byReason {
		byReason[k] = v
	}
	return Summary{
		Attempts: s.attempts,
		Fills:    s.fills,
		Failures: s.failures,
		Realized: s.realized,
		GainSum:  s.gainSum,
		HoldSum:  s.holdSum,
		ByReason: byReason,
	}
}

// Coordinator turns exit signals into market orders. Broker calls run
// through a circuit breaker so a sick order API trips fast instead of
// stacking timeouts; while the breaker is open, attempts fail
// immediately and the affected tickers re-arm.
type Coordinator struct {
	brk         broker.Broker
	store       *track.Store
	writer      *events.Writer
	reg         *metrics.Registry
	stats       *Stats
	breaker     *gobreaker.CircuitBreaker
	fillTimeout time.Duration
	dryRun      bool
}

// New creates a coordinator. writer and reg may not be nil.
func New(brk broker.Broker, store *track.Store, writer *events.Writer, reg *metrics.Registry, fillTimeout time.Duration, dryRun bool) *Coordinator {
	settings := gobreaker.Settings{
		Name:        "broker-orders",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Order circuit breaker state change")
		},
	}
	return &Coordinator{
		brk:         brk,
		store:       store,
		writer:      writer,
		reg:         reg,
		stats:       NewStats(),
		breaker:     gobreaker.NewCircuitBreaker(settings),
		fillTimeout: fillTimeout,
		dryRun:      dryRun,
	}
}

// Stats returns the session accumulator.
func (c *Coordinator) Stats() *Stats { return c.stats }

// Execute submits the exit for one signal and blocks until the order
// reaches a terminal status, times out, or fails. On success the
// ticker is removed from tracking; on any failure its pending flag is
// cleared so a later bar can fire again. It never resubmits blindly.
func (c *Coordinator) Execute(ctx context.Context, sig engine.Signal) error {
	c.reg.ExitSignals.WithLabelValues(sig.ReasonLabel).Inc()
	log.Info().
		Str("symbol", sig.Symbol).
		Str("reason", sig.ReasonLabel).
		Float64("price", sig.Price).
		Float64("gain_pct", sig.GainPct*100).
		Bool("dry_run", c.dryRun).
		Msg("Exit signal")

	if c.dryRun {
		return c.finishDryRun(sig)
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.brk.ClosePosition(ctx, sig.Symbol)
	})
	if err != nil {
		c.fail(sig, "", fmt.Errorf("submit: %w", err))
		return err
	}
	order := result.(broker.Order)

	final, err := c.awaitFill(ctx, order)
	if err != nil {
		c.fail(sig, order.ID, err)
		return err
	}

	c.reg.OrderLatency.Observe(time.Since(start).Seconds())
	c.finishFilled(sig, final)
	return nil
}

// awaitFill polls the order until it reaches a terminal status.
func (c *Coordinator) awaitFill(ctx context.Context, order broker.Order) (broker.Order, error) {
	deadline := time.Now().Add(c.fillTimeout)
	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()

	current := order
	for {
		if current.Status.Terminal() {
			if current.Status != broker.OrderFilled {
				return current, fmt.Errorf("order %s ended %s", current.ID, current.Status)
			}
			return current, nil
		}
		if time.Now().After(deadline) {
			return current, fmt.Errorf("order %s not terminal after %s (last status %s)",
				current.ID, c.fillTimeout, current.Status)
		}

		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-ticker.C:
		}

		updated, err := c.brk.GetOrder(ctx, order.ID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", order.ID).Msg("Order status poll failed")
			continue
		}
		current = updated
	}
}

func (c *Coordinator) finishFilled(sig engine.Signal, order broker.Order) {
	fillPrice := order.FilledPrice
	if fillPrice <= 0 {
		fillPrice = sig.Price
	}
	profit := (fillPrice - sig.EntryPrice) * order.FilledQty

	c.store.Apply(sig.Symbol, func(tr *track.Tracked) {
		if sig.Reason == engine.EndOfDayLiquidation {
			tr.State = track.ForceExited
		} else {
			tr.State = track.Exited
		}
	})
	c.store.Remove(sig.Symbol)
	c.reg.ForgetSymbol(sig.Symbol)
	c.reg.ActivePositions.Set(float64(c.store.Len()))
	c.reg.ExitOrders.WithLabelValues(sig.ReasonLabel, "filled").Inc()
	c.reg.RealizedPnL.Add(profit)
	c.stats.record(sig.ReasonLabel, true, profit, sig.GainPct, holdOf(sig))

	c.append(sig, events.ExitRecord{
		OrderID:   order.ID,
		ExitPrice: fillPrice,
		Profit:    profit,
		Status:    string(broker.OrderFilled),
	})

	log.Info().
		Str("symbol", sig.Symbol).
		Str("order_id", order.ID).
		Float64("fill_price", fillPrice).
		Float64("profit", profit).
		Msg("Position closed")
}

// finishDryRun tears the ticker down exactly as a fill would, so a
// rehearsal session signals each exit at most once.
func (c *Coordinator) finishDryRun(sig engine.Signal) error {
	profit := (sig.Price - sig.EntryPrice) * sig.Qty

	c.store.Remove(sig.Symbol)
	c.reg.ForgetSymbol(sig.Symbol)
	c.reg.ActivePositions.Set(float64(c.store.Len()))
	c.reg.ExitOrders.WithLabelValues(sig.ReasonLabel, "dry_run").Inc()
	c.stats.record(sig.ReasonLabel, true, profit, sig.GainPct, holdOf(sig))

	c.append(sig, events.ExitRecord{
		ExitPrice: sig.Price,
		Profit:    profit,
		Status:    "dry_run",
		DryRun:    true,
	})

	log.Info().
		Str("symbol", sig.Symbol).
		Float64("would_realize", profit).
		Msg("Dry run: position would be closed")
	return nil
}

func (c *Coordinator) fail(sig engine.Signal, orderID string, err error) {
	// Re-arm rather than resubmit: the next bar at or under the stop
	// produces a fresh signal.
	c.store.Apply(sig.Symbol, func(tr *track.Tracked) {
		tr.ExitPending = false
	})
	c.reg.ExitOrders.WithLabelValues(sig.ReasonLabel, "failed").Inc()
	c.stats.record(sig.ReasonLabel, false, 0, 0, 0)

	c.append(sig, events.ExitRecord{
		OrderID: orderID,
		Status:  "failed",
		Error:   err.Error(),
	})

	log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Exit order failed, re-armed")
}

// holdOf is how long the position was held, zero when the broker never
// reported an entry time.
func holdOf(sig engine.Signal) time.Duration {
	if sig.EnteredAt.IsZero() {
		return 0
	}
	return time.Since(sig.EnteredAt)
}

func (c *Coordinator) append(sig engine.Signal, rec events.ExitRecord) {
	rec.ID = events.NewID()
	rec.Time = time.Now().UTC()
	rec.Symbol = sig.Symbol
	rec.Reason = sig.ReasonLabel
	rec.Qty = sig.Qty
	rec.EntryPrice = sig.EntryPrice
	rec.PeakPrice = sig.PeakPrice
	rec.StopPrice = sig.StopPrice
	rec.GainPct = sig.GainPct
	if !sig.EnteredAt.IsZero() {
		rec.HoldSecs = rec.Time.Sub(sig.EnteredAt).Seconds()
	}
	if err := c.writer.Append(rec); err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Event write failed")
	}
}
