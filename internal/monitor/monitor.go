package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantrun/profittaker/internal/events"
	"github.com/quantrun/profittaker/internal/metrics"
	"github.com/quantrun/profittaker/internal/track"
)

// Monitor emits the periodic heartbeat: one summary line plus a line
// per tracked ticker, and keeps the liveness gauges current. It only
// ever reads store snapshots, so it cannot contend with the run loop
// for more than the lock handoff.
type Monitor struct {
	store      *track.Store
	reg        *metrics.Registry
	writer     *events.Writer
	interval   time.Duration
	staleAfter time.Duration
}

// New creates a monitor. staleAfter is how long a ticker may go without
// an accepted bar before the heartbeat flags it. writer may be nil to
// skip the heartbeat artifact.
func New(store *track.Store, reg *metrics.Registry, writer *events.Writer, interval, staleAfter time.Duration) *Monitor {
	return &Monitor{
		store:      store,
		reg:        reg,
		writer:     writer,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Run beats until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(time.Now().UTC())
		}
	}
}

func (m *Monitor) beat(now time.Time) {
	views := m.store.Snapshot()

	armed := 0
	stale := 0
	for _, v := range views {
		if v.Trail.Active {
			armed++
		}

		age := now.Sub(v.LastUpdate)
		m.reg.DataStaleness.WithLabelValues(v.Symbol).Set(age.Seconds())

		isStale := age > m.staleAfter
		var ev *zerolog.Event
		if isStale {
			ev = log.Warn()
			stale++
		} else {
			ev = log.Info()
		}
		m.describe(ev, v, age, isStale).Msg("Ticker status")
		m.record(now, v, age, isStale)
	}

	m.reg.ActivePositions.Set(float64(len(views)))
	m.reg.TrailingArmed.Set(float64(armed))

	log.Info().
		Int("tracked", len(views)).
		Int("trailing", armed).
		Int("stale", stale).
		Msg("Heartbeat")
}

func (m *Monitor) describe(ev *zerolog.Event, v track.View, age time.Duration, stale bool) *zerolog.Event {
	ev = ev.
		Str("symbol", v.Symbol).
		Str("state", v.State.String()).
		Int("samples", v.Samples).
		Dur("age", age).
		Bool("stale", stale)

	// A ticker with no bars yet is normal right after startup; it just
	// has nothing to price.
	if v.HasPrice {
		ev = ev.
			Float64("price", v.LastPrice).
			Float64("gain_pct", gainPct(v)*100)
	}
	if v.Trail.Active {
		ev = ev.
			Float64("peak", v.Trail.PeakPrice).
			Float64("stop", v.Trail.StopPrice).
			Float64("width_pct", v.Trail.TrailWidth*100)
		if v.HasPrice && v.LastPrice > 0 {
			ev = ev.Float64("to_stop_pct", (v.LastPrice-v.Trail.StopPrice)/v.LastPrice*100)
		}
	}
	return ev
}

func (m *Monitor) record(now time.Time, v track.View, age time.Duration, stale bool) {
	if m.writer == nil {
		return
	}
	rec := events.HeartbeatRecord{
		Time:    now,
		Symbol:  v.Symbol,
		State:   v.State.String(),
		Samples: v.Samples,
		AgeSecs: age.Seconds(),
		Stale:   stale,
	}
	if v.HasPrice {
		rec.Price = v.LastPrice
		rec.GainPct = gainPct(v)
	}
	if v.Trail.Active {
		rec.PeakPrice = v.Trail.PeakPrice
		rec.StopPrice = v.Trail.StopPrice
	}
	if err := m.writer.Append(rec); err != nil {
		log.Error().Err(err).Str("symbol", v.Symbol).Msg("Heartbeat write failed")
	}
}

func gainPct(v track.View) float64 {
	if v.Position.EntryPrice <= 0 || !v.HasPrice {
		return 0
	}
	return (v.LastPrice - v.Position.EntryPrice) / v.Position.EntryPrice
}
