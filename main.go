package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"predictflow/aggregator"
	"predictflow/auth"
	"predictflow/candles"
	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/logger"
	"predictflow/models"
	"predictflow/processor"
	"predictflow/reader/kalshi"
	"predictflow/reader/polymarket"
	"predictflow/server"
	"predictflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(appconfig.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := appconfig.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Predictflow.Name,
		"version":     cfg.Predictflow.Version,
		"environment": env,
	}).Info("starting predictflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if appconfig.IsProductionLike(env) && cfg.Storage.S3.Region != "" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "Predictflow", cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	var venues []models.Venue
	if cfg.Venues.Kalshi.Enabled {
		venues = append(venues, models.VenueKalshi)
	}
	if cfg.Venues.Polymarket.Enabled {
		venues = append(venues, models.VenuePolymarket)
	}

	channels := channel.NewChannels(
		venues,
		cfg.Channels.RawBuffer,
		cfg.Channels.EventBuffer,
		cfg.Channels.ResyncBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx, 30*time.Second)

	agg := aggregator.NewAggregator(cfg, channels)
	hub := server.NewHub(agg)

	var wg sync.WaitGroup
	type stopper interface{ Stop() }
	var stoppers []stopper

	start := func(name string, s interface {
		Start(context.Context) error
		Stop()
	}) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Start(ctx); err != nil {
				log.WithError(err).WithFields(logger.Fields{"component": name}).Warn("component failed to start")
			}
		}()
		stoppers = append(stoppers, s)
	}

	start("aggregator", agg)

	var kalshiReader *kalshi.Reader
	if cfg.Venues.Kalshi.Enabled {
		signer, err := auth.NewRSAPSSSigner(cfg.Venues.Kalshi.APIKeyID, cfg.Venues.Kalshi.PrivateKeyFile)
		if err != nil {
			log.WithError(err).Error("failed to load kalshi signing key")
			os.Exit(1)
		}
		kalshiReader = kalshi.NewReader(cfg, channels, signer, agg)
		start("kalshi_reader", kalshiReader)
		start("kalshi_normalizer", processor.NewKalshiNormalizer(cfg, channels))
		hub.RegisterUpstream(models.VenueKalshi, kalshiReader)
	}

	var polymarketReader *polymarket.Reader
	if cfg.Venues.Polymarket.Enabled {
		polymarketReader = polymarket.NewReader(cfg, channels, agg)
		start("polymarket_reader", polymarketReader)
		start("polymarket_normalizer", processor.NewPolymarketNormalizer(cfg, channels))
		hub.RegisterUpstream(models.VenuePolymarket, polymarketReader)
	}

	var candleBuilder *candles.Builder
	if cfg.Candles.Enabled {
		candleBuilder = candles.NewBuilder(cfg.Candles, agg.Subscribe(cfg.Channels.EventBuffer))
		start("candles", candleBuilder)
	}

	if cfg.Archive.Enabled {
		archiver, err := writer.NewArchiver(cfg, agg.Subscribe(cfg.Channels.EventBuffer))
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
		start("archiver", archiver)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx, agg.Subscribe(cfg.Channels.EventBuffer))
	}()

	var candleSource server.CandleSource
	if candleBuilder != nil {
		candleSource = candleBuilder
	}
	srv := server.NewServer(cfg, hub, agg, candleSource)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			log.WithError(err).Error("streaming server failed")
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	// Stop in reverse start order so downstream consumers drain last.
	for i := len(stoppers) - 1; i >= 0; i-- {
		stoppers[i].Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("predictflow stopped")
}
