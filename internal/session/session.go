package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrun/profittaker/internal/broker"
	"github.com/quantrun/profittaker/internal/config"
	"github.com/quantrun/profittaker/internal/engine"
	"github.com/quantrun/profittaker/internal/events"
	"github.com/quantrun/profittaker/internal/exec"
	"github.com/quantrun/profittaker/internal/feed"
	"github.com/quantrun/profittaker/internal/feed/polygon"
	"github.com/quantrun/profittaker/internal/metrics"
	"github.com/quantrun/profittaker/internal/monitor"
	"github.com/quantrun/profittaker/internal/track"
)

const barBuffer = 256

// Session drives one trading day: it gates on the market clock, loads
// the open positions, runs both price producers into a single consumer
// loop, and hands exit signals to the coordinator. All tracker and
// trail mutation happens on the consumer goroutine via the store's
// write lock, so bars for one ticker are applied strictly in arrival
// order.
type Session struct {
	cfg        config.Config
	brk        broker.Broker
	store      *track.Store
	eng        *engine.Engine
	coord      *exec.Coordinator
	reg        *metrics.Registry
	polygonKey string
}

// New wires a session from its dependencies. An empty polygonKey
// disables the push stream and runs on the poller alone.
func New(cfg config.Config, brk broker.Broker, writer *events.Writer, reg *metrics.Registry, polygonKey string) *Session {
	store := track.NewStore()
	return &Session{
		cfg:        cfg,
		brk:        brk,
		store:      store,
		eng:        engine.New(cfg),
		coord:      exec.New(brk, store, writer, reg, cfg.FillTimeout, cfg.DryRun),
		reg:        reg,
		polygonKey: polygonKey,
	}
}

// Store exposes the tracking table for the HTTP surface.
func (s *Session) Store() *track.Store { return s.store }

// Run executes the session until ctx is cancelled, the market closes,
// or every position has exited. A closed or unreachable market is an
// error: this process only makes sense inside a trading day.
func (s *Session) Run(ctx context.Context) error {
	clock, err := s.brk.Clock(ctx)
	if err != nil {
		return fmt.Errorf("broker clock: %w", err)
	}
	if !clock.IsOpen {
		return fmt.Errorf("market is closed (next open %s)", clock.NextOpen.Format(time.RFC3339))
	}

	// The broker reports session times in the exchange's zone; the
	// decay cutoff and the close countdown both key off it.
	loc := clock.NextClose.Location()
	closeAt := clock.NextClose
	log.Info().
		Time("close_at", closeAt).
		Str("mode", string(s.cfg.Mode)).
		Bool("dry_run", s.cfg.DryRun).
		Msg("Market open, session starting")

	positions, err := s.brk.Positions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	if len(positions) == 0 {
		log.Info().Msg("No open positions, nothing to manage")
		return nil
	}

	now := time.Now().UTC()
	s.store.Seed(positions, s.cfg.SeriesCapacity, s.cfg.Lookback, now)
	s.reg.ActivePositions.Set(float64(s.store.Len()))
	for _, p := range positions {
		log.Info().
			Str("symbol", p.Symbol).
			Float64("qty", p.Qty).
			Float64("entry", p.EntryPrice).
			Msg("Tracking position")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	bars := make(chan feed.Bar, barBuffer)
	var producers sync.WaitGroup

	if s.polygonKey != "" {
		ws := polygon.NewClient(s.cfg.Feed.URL, s.polygonKey, s.store.Symbols(), bars)
		producers.Add(1)
		go func() {
			defer producers.Done()
			ws.Run(runCtx)
		}()
	} else {
		log.Warn().Msg("No Polygon key, running on poller cadence only")
	}

	poller := feed.NewPoller(s.brk, s.store, bars, s.cfg.PollInterval)
	producers.Add(1)
	go func() {
		defer producers.Done()
		poller.Run(runCtx)
	}()

	// A heartbeat artifact failure is not worth killing the session
	// over; the log stream still carries the same fields.
	hbWriter, hbErr := events.NewWriter(s.cfg.EventsDir, "heartbeats", now)
	if hbErr != nil {
		log.Warn().Err(hbErr).Msg("Heartbeat artifact disabled")
		hbWriter = nil
	} else {
		defer hbWriter.Close()
	}

	mon := monitor.New(s.store, s.reg, hbWriter, s.cfg.HeartbeatInterval, 3*s.cfg.PollInterval)
	producers.Add(1)
	go func() {
		defer producers.Done()
		mon.Run(runCtx)
	}()

	err = s.consume(runCtx, bars, loc, closeAt)
	cancel()
	producers.Wait()
	s.summarize()
	return err
}

// consume is the single bar consumer. It returns nil on a clean stop
// (close cutoff or all positions exited) and the context error on
// cancellation.
func (s *Session) consume(ctx context.Context, bars <-chan feed.Bar, loc *time.Location, closeAt time.Time) error {
	cutoff := time.NewTimer(time.Until(closeAt))
	defer cutoff.Stop()

	var exits sync.WaitGroup
	defer exits.Wait()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutdown requested")
			return ctx.Err()
		case <-cutoff.C:
			log.Info().Msg("Market close reached, stopping")
			return nil
		case bar := <-bars:
			s.apply(ctx, bar, loc, closeAt, &exits)
			if s.store.Len() == 0 {
				log.Info().Msg("All positions closed, session complete")
				return nil
			}
		}
	}
}

func (s *Session) apply(ctx context.Context, bar feed.Bar, loc *time.Location, closeAt time.Time, exits *sync.WaitGroup) {
	var (
		sig      engine.Signal
		fired    bool
		accepted bool
	)
	now := bar.Received.In(loc)

	ok := s.store.Apply(bar.Symbol, func(tr *track.Tracked) {
		// A bar older than the series tail is late data from the
		// slower source; evaluating the stop on it would act on a
		// stale price.
		if !tr.Tracker.Record(bar.Sample) {
			return
		}
		accepted = true
		tr.LastUpdate = bar.Received
		sig, fired = s.eng.Evaluate(tr, bar.Sample.Close, now, closeAt)
	})
	if !ok {
		// Bars for an already-closed position race the removal; drop.
		return
	}
	if !accepted {
		return
	}

	s.reg.BarsReceived.WithLabelValues(string(bar.Source)).Inc()

	if fired {
		exits.Add(1)
		go func() {
			defer exits.Done()
			// Errors are logged and recorded by the coordinator; the
			// ticker re-arms, so the loop has nothing to retry here.
			_ = s.coord.Execute(ctx, sig)
		}()
	}
}

func (s *Session) summarize() {
	stats := s.coord.Stats().Snapshot()
	ev := log.Info().
		Int("exits_attempted", stats.Attempts).
		Int("exits_filled", stats.Fills).
		Int("exits_failed", stats.Failures).
		Float64("realized_pnl", stats.Realized).
		Float64("avg_gain_pct", stats.AvgGainPct()*100).
		Dur("avg_hold", stats.AvgHold()).
		Int("still_tracked", s.store.Len())
	for reason, n := range stats.ByReason {
		ev = ev.Int("reason_"+reason, n)
	}
	ev.Msg("Session summary")
}
