package market

import "time"

// Sample is one OHLCV bar for a ticker, normalized from either the push
// feed (per-minute aggregates) or the broker poll fallback (synthetic
// single-price bars with O=H=L=C).
type Sample struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Synthetic builds a flat bar from a single observed price. The poll
// fallback has no intrabar range, so open/high/low/close collapse.
func Synthetic(t time.Time, price float64) Sample {
	return Sample{Time: t, Open: price, High: price, Low: price, Close: price}
}
