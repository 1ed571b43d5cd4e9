package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantrun/profittaker/internal/broker/alpaca"
	"github.com/quantrun/profittaker/internal/config"
	"github.com/quantrun/profittaker/internal/feed"
	"github.com/quantrun/profittaker/internal/httpapi"
	"github.com/quantrun/profittaker/internal/metrics"
	"github.com/quantrun/profittaker/internal/monitor"
	"github.com/quantrun/profittaker/internal/track"
)

// newMonitorCmd builds the watch-only subcommand: it tracks the open
// positions and serves the HTTP surface, but never arms stops or
// places orders. Useful for eyeballing a session from a second box.
func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch positions without managing exits",
		Long:  "Polls broker positions and serves /health, /positions, and /metrics; places no orders",
		RunE:  runMonitorOnly,
	}
	cmd.Flags().String("http-addr", "0.0.0.0:8080", "Health and metrics listen address")
	cmd.Flags().Duration("poll-interval", 45*time.Second, "Broker snapshot interval")
	return cmd
}

func runMonitorOnly(cmd *cobra.Command, args []string) error {
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")

	cfg := config.Default(config.ModeModerate)
	cfg.PollInterval = pollInterval
	if err := cfg.Validate(); err != nil {
		return err
	}

	brokerCfg, err := alpaca.ConfigFromEnv()
	if err != nil {
		return err
	}
	brk := alpaca.New(brokerCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	positions, err := brk.Positions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	store := track.NewStore()
	store.Seed(positions, cfg.SeriesCapacity, cfg.Lookback, time.Now().UTC())
	log.Info().Int("positions", store.Len()).Str("addr", httpAddr).Msg("Monitor started")

	reg := metrics.New()
	reg.ActivePositions.Set(float64(store.Len()))

	srv := httpapi.New(httpAddr, store, reg)
	srv.Start()

	bars := make(chan feed.Bar, 64)
	poller := feed.NewPoller(brk, store, bars, cfg.PollInterval)
	mon := monitor.New(store, reg, nil, cfg.HeartbeatInterval, 3*cfg.PollInterval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		mon.Run(ctx)
	}()

	// Drain bars into trackers so the status endpoints show live
	// prices; no evaluation happens here.
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("HTTP shutdown incomplete")
			}
			log.Info().Msg("Monitor stopped")
			return nil
		case bar := <-bars:
			store.Apply(bar.Symbol, func(tr *track.Tracked) {
				if tr.Tracker.Record(bar.Sample) {
					tr.LastUpdate = bar.Received
				}
			})
			reg.BarsReceived.WithLabelValues(string(bar.Source)).Inc()
		}
	}
}
