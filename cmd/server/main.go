// Command server is the entry point for the convergence trading terminal.
// It wires the Market Monitor (candle polling + SpecialK alerts) and the
// Signal Router (per-instance TradingEngines) into one process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lowtide/convergence/internal/alert"
	brokerpkg "github.com/lowtide/convergence/internal/broker"
	"github.com/lowtide/convergence/internal/candles"
	"github.com/lowtide/convergence/internal/config"
	"github.com/lowtide/convergence/internal/models"
	"github.com/lowtide/convergence/internal/monitor"
	"github.com/lowtide/convergence/internal/router"
	"github.com/lowtide/convergence/internal/store"
)

// defaultPairs seeds the monitor when the store has no saved configuration
// yet (first run).
var defaultPairs = []models.Pair{
	{Symbol: "BTCUSDT", Timeframe: "1小时", Interval: "1h"},
	{Symbol: "ETHUSDT", Timeframe: "1小时", Interval: "1h"},
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msg("starting convergence trading terminal")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	db, err := store.NewDB(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()
	signalStore := store.NewSignalStore(db)

	alertSink := alert.NewSink(cfg.DingTalkToken, cfg.DingTalkSecret)

	fetcher := candles.NewBinanceCandleFetcher(cfg.BinanceAPIKey, cfg.BinanceAPISecret)
	monitorSvc := monitor.NewMonitorService(fetcher, alertSink, cfg.ReferenceSymbol)
	monitorSvc.Start(loadMonitoredPairs(signalStore))

	brokerFactory := func(exchange, instanceID, privateKey string) (brokerpkg.Broker, error) {
		// Real exchange wiring is out of scope; every instance trades
		// against an in-memory paper book seeded with 10k quote currency.
		return brokerpkg.NewSimulatedBroker(fmt.Sprintf("%s:%s", exchange, instanceID), decimal.NewFromInt(10000)), nil
	}
	signalRouter := router.New(signalStore, alertSink, brokerFactory, cfg.APIKey, cfg.WebhookSecret)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:      signalRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("signal router listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	monitorSvc.Stop()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("exited gracefully")
}

// loadMonitoredPairs resolves the monitor's pair set from the store's
// singleton config row, falling back to defaultPairs on first run or on any
// read/parse failure.
func loadMonitoredPairs(s store.SignalStore) []models.Pair {
	raw, found, err := s.GetCurrencyMonitorConfig()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load monitor config, using defaults")
		return defaultPairs
	}
	if !found {
		return defaultPairs
	}

	var saved struct {
		Pairs []models.Pair `json:"pairs"`
	}
	if err := json.Unmarshal([]byte(raw), &saved); err != nil || len(saved.Pairs) == 0 {
		log.Warn().Err(err).Msg("invalid saved monitor config, using defaults")
		return defaultPairs
	}
	return saved.Pairs
}
