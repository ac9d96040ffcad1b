package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/config"
	"github.com/pulse-trading/pulse/internal/feed"
	"github.com/pulse-trading/pulse/internal/orchestrator"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	mode := flag.String("mode", "", "Override mode: live or simulation")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = config.Default()
	}
	if *mode != "" {
		cfg.General.Mode = *mode
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(1)
		}
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("PULSE Bonding-Curve Sniper - Starting")
	log.Info().Msg("DETECT -> PARSE -> SCORE -> CLONE -> INJECT")
	log.Info().Msg("=============================================")

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("mode", cfg.General.Mode).
		Int("rpc_endpoints", len(cfg.RPC.Endpoints)).
		Float64("max_buy_sol", cfg.Filters.MaxInitialBuySOL).
		Int("max_positions", cfg.Execution.MaxOpenPositions).
		Int("max_in_flight", cfg.Execution.MaxInFlightBuys).
		Float64("min_score", cfg.Scoring.Thresholds.MinScore).
		Float64("tip_sol", cfg.Relay.TipAmountSOL).
		Msg("Configuration loaded")

	// 4. Build the pipeline.
	orch, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Pipeline construction failed")
	}
	log.Logger = log.Logger.Hook(feed.NewHook(orch.Feed(), "core"))

	// 5. Run until interrupted.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Pipeline start failed")
	}

	<-ctx.Done()

	// 6. Graceful shutdown: stop intake, close open positions, drain.
	log.Info().Msg("Shutting down")
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if n := orch.Panic(closeCtx); n > 0 {
		log.Info().Int("positions", n).Msg("Force-closed open positions")
	}
	closeCancel()
	orch.Shutdown()
	log.Info().Msg("Goodbye")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "pulse").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "pulse").
			Str("instance", general.InstanceID).Logger()
	}
}
