package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantrun/profittaker/internal/broker/alpaca"
	"github.com/quantrun/profittaker/internal/config"
	"github.com/quantrun/profittaker/internal/events"
	"github.com/quantrun/profittaker/internal/httpapi"
	"github.com/quantrun/profittaker/internal/metrics"
	"github.com/quantrun/profittaker/internal/session"
)

const (
	appName = "profittaker"
	version = "v1.2.0"
)

func main() {
	setupLogging()

	// .env is a local convenience; production sets real env vars.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Intraday exit manager with volatility-adaptive trailing stops",
		Version: version,
		Long: `profittaker watches the day's open positions and sells them well:
it arms a volatility-adaptive trailing stop once a position clears its
activation gain, ratchets the stop up behind every new peak, tightens
into the afternoon, and force-liquidates winners in the final minutes
before the close.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Manage exits for the current trading session",
		Long:  "Loads open positions from the broker and manages their exits until market close",
		RunE:  runSession,
	}
	runCmd.Flags().String("mode", "moderate", "Exit mode (aggressive|moderate|conservative)")
	runCmd.Flags().Float64("min-profit", 0, "Override activation threshold, in percent (3.0 = 3%)")
	runCmd.Flags().Bool("dry-run", false, "Log and record exits without placing orders")
	runCmd.Flags().String("config", "", "YAML config file path")
	runCmd.Flags().String("events-dir", "", "Directory for exit event artifacts (overrides config)")
	runCmd.Flags().String("http-addr", "0.0.0.0:8080", "Health and metrics listen address")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newMonitorCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	modeFlag, _ := cmd.Flags().GetString("mode")
	minProfit, _ := cmd.Flags().GetFloat64("min-profit")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	configPath, _ := cmd.Flags().GetString("config")
	eventsDir, _ := cmd.Flags().GetString("events-dir")
	httpAddr, _ := cmd.Flags().GetString("http-addr")

	mode, err := config.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath, mode)
	if err != nil {
		return err
	}
	if minProfit > 0 {
		if err := cfg.OverrideActivation(minProfit); err != nil {
			return err
		}
	}
	if dryRun {
		cfg.DryRun = true
	}
	if eventsDir != "" {
		cfg.EventsDir = eventsDir
	}

	brokerCfg, err := alpaca.ConfigFromEnv()
	if err != nil {
		return err
	}
	brk := alpaca.New(brokerCfg)

	writer, err := events.NewWriter(cfg.EventsDir, "exits", time.Now().UTC())
	if err != nil {
		return err
	}
	defer writer.Close()

	reg := metrics.New()
	sess := session.New(cfg, brk, writer, reg, os.Getenv("POLYGON_API_KEY"))

	srv := httpapi.New(httpAddr, sess.Store(), reg)
	srv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version).
		Str("mode", string(cfg.Mode)).
		Str("events", writer.Path()).
		Msg("Starting session")

	if err := sess.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("Session interrupted")
			return nil
		}
		return fmt.Errorf("session: %w", err)
	}
	return nil
}
