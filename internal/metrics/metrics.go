package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the session's Prometheus metrics.
type Registry struct {
	// Feed metrics
	BarsReceived *prometheus.CounterVec
	FeedErrors   *prometheus.CounterVec

	// Tracking metrics
	ActivePositions prometheus.Gauge
	TrailingArmed   prometheus.Gauge
	DataStaleness   *prometheus.GaugeVec

	// Exit metrics
	ExitSignals  *prometheus.CounterVec
	ExitOrders   *prometheus.CounterVec
	OrderLatency prometheus.Histogram
	RealizedPnL  prometheus.Counter

	reg *prometheus.Registry
}

// New builds the registry and registers every collector.
func New() *Registry {
	r := &Registry{
		BarsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "profittaker_bars_received_total",
				Help: "Price bars applied to trackers, by source",
			},
			[]string{"source"},
		),

		FeedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "profittaker_feed_errors_total",
				Help: "Feed failures by source",
			},
			[]string{"source"},
		),

		ActivePositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "profittaker_active_positions",
				Help: "Positions currently tracked",
			},
		),

		TrailingArmed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "profittaker_trailing_armed",
				Help: "Positions with an armed trailing stop",
			},
		),

		DataStaleness: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "profittaker_data_staleness_seconds",
				Help: "Seconds since the last accepted bar, per symbol",
			},
			[]string{"symbol"},
		),

		ExitSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "profittaker_exit_signals_total",
				Help: "Exit signals produced, by reason",
			},
			[]string{"reason"},
		),

		ExitOrders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "profittaker_exit_orders_total",
				Help: "Exit order attempts, by reason and outcome",
			},
			[]string{"reason", "status"},
		),

		OrderLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "profittaker_order_latency_seconds",
				Help:    "Submit-to-terminal latency of exit orders",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		RealizedPnL: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "profittaker_realized_pnl_dollars_total",
				Help: "Realized profit from filled exits",
			},
		),

		reg: prometheus.NewRegistry(),
	}

	r.reg.MustRegister(
		r.BarsReceived,
		r.FeedErrors,
		r.ActivePositions,
		r.TrailingArmed,
		r.DataStaleness,
		r.ExitSignals,
		r.ExitOrders,
		r.OrderLatency,
		r.RealizedPnL,
	)
	return r
}

// Gatherer exposes the underlying registry for the HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ForgetSymbol drops per-symbol series after a position closes, so the
// staleness gauge does not grow forever across a long session.
func (r *Registry) ForgetSymbol(symbol string) {
	r.DataStaleness.DeleteLabelValues(symbol)
}
