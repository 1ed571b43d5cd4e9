package feed

import (
	"time"

	"github.com/quantrun/profittaker/internal/market"
)

// Source tells the run loop which producer delivered a bar. Websocket
// bars carry full OHLC; poller bars are synthetic single-price bars
// built from the broker's position snapshot.
type Source string

const (
	SourceWebsocket Source = "websocket"
	SourcePoller    Source = "poller"
)

// Bar is one per-symbol sample flowing into the run loop. Both
// producers write into the same channel, so the consumer applies bars
// strictly one at a time per session.
type Bar struct {
	Symbol   string
	Sample   market.Sample
	Source   Source
	Received time.Time
}
