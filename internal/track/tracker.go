package track

import (
	"math"

	"github.com/quantrun/profittaker/internal/market"
)

// MinSamples is the minimum bar count before ATR and return volatility
// are considered defined. Below this the tracker reports invalid and the
// stop engine must not arm trailing.
const MinSamples = 14

// Tracker keeps per-ticker rolling statistics: the bounded bar series,
// the latest true range, a simple-moving-average ATR over the lookback,
// and the standard deviation of recent percentage returns. Statistics
// are recomputed from the series alone on every sample, so they are
// deterministic for any input sequence, including overwritten bars.
type Tracker struct {
	series   *market.Series
	lookback int

	trueRange float64
	atr       float64
	returnVol float64
}

// NewTracker creates a tracker with the given series capacity and ATR
// lookback. Lookback values below MinSamples are raised to it.
func NewTracker(capacity, lookback int) *Tracker {
	if lookback < MinSamples {
		lookback = MinSamples
	}
	return &Tracker{
		series:   market.NewSeries(capacity),
		lookback: lookback,
	}
}

// Record appends a bar and recomputes the derived statistics. It
// reports whether the bar was accepted; bars older than the newest in
// the series are dropped and leave the statistics untouched.
func (t *Tracker) Record(sample market.Sample) bool {
	if !t.series.Append(sample) {
		return false
	}
	t.recompute()
	return true
}

// Valid reports whether enough samples have been collected for the
// volatility statistics to be defined.
func (t *Tracker) Valid() bool { return t.series.Len() >= MinSamples }

// Len returns the number of bars collected so far.
func (t *Tracker) Len() int { return t.series.Len() }

// LastPrice returns the newest close and false when no bars exist yet.
func (t *Tracker) LastPrice() (float64, bool) {
	last, ok := t.series.Last()
	if !ok {
		return 0, false
	}
	return last.Close, true
}

// TrueRange returns the latest true range.
func (t *Tracker) TrueRange() float64 { return t.trueRange }

// ATR returns the average true range over the lookback window, or 0
// while Valid() is false.
func (t *Tracker) ATR() float64 {
	if !t.Valid() {
		return 0
	}
	return t.atr
}

// ReturnVol returns the standard deviation of percentage returns over
// the lookback window, or 0 while Valid() is false.
func (t *Tracker) ReturnVol() float64 {
	if !t.Valid() {
		return 0
	}
	return t.returnVol
}

func (t *Tracker) recompute() {
	n := t.series.Len()
	if n < 2 {
		t.trueRange = 0
		t.atr = 0
		t.returnVol = 0
		return
	}

	// One extra bar: each true range and return needs its predecessor.
	window := t.series.Tail(t.lookback + 1)

	var trSum float64
	trCount := 0
	for i := 1; i < len(window); i++ {
		tr := trueRange(window[i], window[i-1])
		trSum += tr
		trCount++
		if i == len(window)-1 {
			t.trueRange = tr
		}
	}
	t.atr = trSum / float64(trCount)

	returns := make([]float64, 0, trCount)
	for i := 1; i < len(window); i++ {
		prev := window[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (window[i].Close-prev)/prev)
	}
	t.returnVol = stddev(returns)
}

// trueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func trueRange(cur, prev market.Sample) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}
