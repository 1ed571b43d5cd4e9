package engine

import (
	"fmt"
	"time"

	"github.com/quantrun/profittaker/internal/config"
	"github.com/quantrun/profittaker/internal/track"
)

// Reason identifies why an exit signal fired.
type Reason int

const (
	NoSignal Reason = iota
	TrailingStopHit
	EndOfDayLiquidation
)

func (r Reason) String() string {
	switch r {
	case NoSignal:
		return "no_signal"
	case TrailingStopHit:
		return "trailing_stop_hit"
	case EndOfDayLiquidation:
		return "end_of_day_liquidation"
	default:
		return "unknown"
	}
}

// Signal is an exit decision for one ticker, carrying everything the
// execution coordinator and the event record need.
type Signal struct {
	Symbol        string    `json:"symbol"`
	Reason        Reason    `json:"-"`
	ReasonLabel   string    `json:"reason"`
	Price         float64   `json:"price"`
	EntryPrice    float64   `json:"entry_price"`
	PeakPrice     float64   `json:"peak_price"`
	StopPrice     float64   `json:"stop_price"`
	GainPct       float64   `json:"gain_pct"`
	Qty           float64   `json:"qty"`
	ImpliedProfit float64   `json:"implied_profit"`
	EnteredAt     time.Time `json:"entered_at"`
	At            time.Time `json:"at"`
}

// Describe renders a one-line summary for logs.
func (s Signal) Describe() string {
	return fmt.Sprintf("%s %s @ %.2f (entry %.2f, peak %.2f, stop %.2f, %+.2f%%)",
		s.Symbol, s.ReasonLabel, s.Price, s.EntryPrice, s.PeakPrice, s.StopPrice, s.GainPct*100)
}

// Engine computes volatility-adaptive trailing stops. It holds no
// per-ticker state itself; everything mutable lives in the store record
// the caller passes in, and the caller holds that ticker's lock, so the
// stop-price ratchet cannot race.
type Engine struct {
	th             config.Thresholds
	decayAfterHour int
	eodWindow      time.Duration
	eodMinGain     float64
}

// New creates an engine from the session configuration.
func New(cfg config.Config) *Engine {
	return &Engine{
		th:             cfg.Thresholds,
		decayAfterHour: cfg.DecayAfterHour,
		eodWindow:      cfg.EODWindow,
		eodMinGain:     cfg.EODMinGain,
	}
}

// Evaluate applies the latest price to a ticker's trailing state and
// returns an exit signal when one is due. now must be exchange-local
// time; a zero closeAt disables the end-of-day check.
//
// At most one signal is outstanding per ticker: once returned, the
// record's ExitPending flag suppresses further signals until the
// coordinator either removes the ticker (filled) or clears the flag
// (order failure), at which point a later sample may re-arm.
func (e *Engine) Evaluate(tr *track.Tracked, price float64, now, closeAt time.Time) (Signal, bool) {
	if tr.ExitPending || tr.State == track.Exited || tr.State == track.ForceExited {
		return Signal{}, false
	}
	if price <= 0 {
		return Signal{}, false
	}

	gain := tr.GainPct(price)

	// Forced end-of-day liquidation overrides the trailing logic: any
	// position still holding more than the minimum gain is closed
	// rather than carried into the final print.
	if !closeAt.IsZero() && closeAt.Sub(now) <= e.eodWindow && gain > e.eodMinGain {
		tr.ExitPending = true
		return e.signal(tr, EndOfDayLiquidation, price, gain, now), true
	}

	// No trailing before the volatility statistics are defined.
	if !tr.Tracker.Valid() || tr.Tracker.ATR() <= 0 {
		return Signal{}, false
	}

	entry := tr.Position.EntryPrice

	if !tr.Trail.Active {
		if gain < e.th.ActivationThreshold {
			return Signal{}, false
		}
		width := e.trailWidth(tr.Tracker.ATR(), price, now)
		stop := price * (1 - width)
		if stop < entry {
			stop = entry
		}
		tr.Trail = track.TrailState{
			Active:     true,
			PeakPrice:  price,
			StopPrice:  stop,
			TrailWidth: width,
			ArmedAt:    now,
		}
		tr.State = track.Trailing
		return Signal{}, false
	}

	if price > tr.Trail.PeakPrice {
		tr.Trail.PeakPrice = price
		width := e.trailWidth(tr.Tracker.ATR(), price, now)
		tr.Trail.TrailWidth = width

		candidate := tr.Trail.PeakPrice * (1 - width)
		if candidate < entry {
			candidate = entry
		}
		// The stop only ever ratchets up.
		if candidate > tr.Trail.StopPrice {
			tr.Trail.StopPrice = candidate
		}
	}

	if price <= tr.Trail.StopPrice {
		tr.ExitPending = true
		return e.signal(tr, TrailingStopHit, price, gain, now), true
	}

	return Signal{}, false
}

// trailWidth is clamp(ATR/price * multiplier, min, max), tightened by
// the mode's decay factor once the exchange-local clock passes the
// configured hour.
func (e *Engine) trailWidth(atr, price float64, now time.Time) float64 {
	width := atr / price * e.th.VolMultiplier
	if width < e.th.MinTrail {
		width = e.th.MinTrail
	}
	if width > e.th.MaxTrail {
		width = e.th.MaxTrail
	}
	if now.Hour() >= e.decayAfterHour {
		width *= e.th.TimeDecayFactor
	}
	return width
}

func (e *Engine) signal(tr *track.Tracked, reason Reason, price, gain float64, now time.Time) Signal {
	return Signal{
		Symbol:        tr.Position.Symbol,
		Reason:        reason,
		ReasonLabel:   reason.String(),
		Price:         price,
		EntryPrice:    tr.Position.EntryPrice,
		PeakPrice:     tr.Trail.PeakPrice,
		StopPrice:     tr.Trail.StopPrice,
		GainPct:       gain,
		Qty:           tr.Position.Qty,
		ImpliedProfit: (price - tr.Position.EntryPrice) * tr.Position.Qty,
		EnteredAt:     tr.Position.EnteredAt,
		At:            now,
	}
}
