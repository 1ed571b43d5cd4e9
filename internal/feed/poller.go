package feed

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantrun/profittaker/internal/broker"
	"github.com/quantrun/profittaker/internal/market"
	"github.com/quantrun/profittaker/internal/track"
)

// stateViewer is the slice of the tracking store the poller needs.
type stateViewer interface {
	Snapshot() []track.View
}

// Poller is the fallback price source: it snapshots the broker's open
// positions and emits one synthetic bar per tracked symbol that the
// push stream has left without an accepted bar. While the stream is
// healthy the poller stays silent, so its wall-clock timestamps never
// outrun the stream's aggregate timestamps and lock real OHLC bars out
// of the series; once a ticker goes quiet the poller becomes its sole
// driver.
type Poller struct {
	brk        broker.Broker
	store      stateViewer
	out        chan<- Bar
	interval   time.Duration
	staleAfter time.Duration
	limiter    *rate.Limiter
}

// NewPoller creates a poller that checks every interval. A ticker is
// considered quiet after twice the interval without an accepted bar;
// the margin clears the per-minute cadence of the aggregate stream so
// an ordinary gap between minute bars does not trigger a takeover. The
// limiter bounds broker API calls independently of the ticker, so a
// slow broker response cannot pile up back-to-back snapshot requests.
func NewPoller(brk broker.Broker, store stateViewer, out chan<- Bar, interval time.Duration) *Poller {
	return &Poller{
		brk:        brk,
		store:      store,
		out:        out,
		interval:   interval,
		staleAfter: 2 * interval,
		limiter:    rate.NewLimiter(rate.Every(interval/2), 1),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("Position poll failed")
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	positions, err := p.brk.Positions(ctx)
	if err != nil {
		return err
	}

	lastUpdate := make(map[string]time.Time)
	for _, v := range p.store.Snapshot() {
		lastUpdate[v.Symbol] = v.LastUpdate
	}

	now := time.Now().UTC()
	emitted := 0
	for _, pos := range positions {
		last, tracked := lastUpdate[pos.Symbol]
		if !tracked || pos.CurrentPrice <= 0 {
			continue
		}
		if now.Sub(last) < p.staleAfter {
			continue
		}
		// Stamped at the minute the snapshot represents, so repeated
		// polls within one bar collapse idempotently.
		bar := Bar{
			Symbol:   pos.Symbol,
			Sample:   market.Synthetic(now.Truncate(time.Minute), pos.CurrentPrice),
			Source:   SourcePoller,
			Received: now,
		}
		select {
		case p.out <- bar:
			emitted++
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Debug().Int("bars", emitted).Int("positions", len(positions)).Msg("Poll cycle complete")
	return nil
}
