package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/arbiter/internal/analytics"
	"github.com/aristath/arbiter/internal/analytics/s3archive"
	"github.com/aristath/arbiter/internal/breaker"
	"github.com/aristath/arbiter/internal/config"
	"github.com/aristath/arbiter/internal/engine"
	"github.com/aristath/arbiter/internal/events"
	"github.com/aristath/arbiter/internal/feature"
	"github.com/aristath/arbiter/internal/httpapi"
	"github.com/aristath/arbiter/internal/linker"
	"github.com/aristath/arbiter/internal/matcher"
	"github.com/aristath/arbiter/internal/normalizer"
	"github.com/aristath/arbiter/internal/risk"
	"github.com/aristath/arbiter/internal/scorer"
	"github.com/aristath/arbiter/internal/store/sqlite"
	"github.com/aristath/arbiter/internal/stream"
	"github.com/aristath/arbiter/internal/venuefeed"
	"github.com/aristath/arbiter/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	log.Info().Msg("starting arbiter engine")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = log.Level(parseLevel(cfg.LogLevel))

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	archiver := buildArchiver(log)

	an := analytics.New(db, log, archiver)

	lk := linker.New(db)
	if err := lk.Load(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to load market links")
	}

	mt := matcher.New(matcher.DefaultConfig(), nil)
	norm := normalizer.New()
	sc := scorer.New(scorer.DefaultWeights(), toScorerFactors(cfg.VenueFactors), cfg.MinLiquidity)
	rm := risk.New(risk.DefaultWeights(), risk.VenuePlatformRisk{}, risk.DefaultCorrelationRules())
	feat := feature.New(0)

	br := breaker.New(breaker.Moderate(), log)
	br.SetSignalSource(engine.FeatureSignalSource{Features: feat})
	br.StartMonitoring(time.Minute)
	defer br.StopMonitoring()

	bus := events.NewBus(log)
	defer bus.Stop()

	feed := venuefeed.New(venueEndpoints(cfg.Venues), 15*time.Second, log)

	eng := engine.New(engine.Config{
		MinEdgePct:      cfg.MinEdgePct,
		MinLiquidity:    cfg.MinLiquidity,
		Venues:          cfg.Venues,
		OpportunityTTL:  cfg.OpportunityTTL,
		IncludeInternal: cfg.IncludeInternal,
		IncludeCross:    cfg.IncludeCross,
		IncludeEdge:     cfg.IncludeEdge,
		FeeRates:        cfg.FeeRates,
	}, feed, mt, norm, lk, sc, rm, br, an, nil, feat, bus, log)

	if cfg.Realtime {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := eng.StartRealtime(ctx); err != nil {
			log.Error().Err(err).Msg("realtime price subscription failed to start")
		} else {
			defer eng.StopRealtime()
		}
	}

	hub := stream.NewHub(bus, log)
	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	hub.Start(streamCtx)
	defer hub.Stop()

	srv := httpapi.New(httpapi.Config{
		Port:   cfg.HTTPPort,
		Log:    log,
		Engine: eng,
		Stream: hub,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("httpapi server stopped")
		}
	}()

	scanSeconds := int(cfg.ScanInterval.Seconds())
	if scanSeconds <= 0 {
		scanSeconds = 30
	}
	c := cron.New(cron.WithSeconds())
	scanSpec := fmt.Sprintf("*/%d * * * * *", scanSeconds)
	if _, err := c.AddFunc(scanSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ScanInterval)
		defer cancel()
		opps := eng.Scan(ctx, engine.ScanOptions{SortBy: "score"})
		log.Debug().Int("active_opportunities", len(opps)).Msg("scan cycle complete")
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule scan loop")
	}
	c.Start()
	defer c.Stop()

	log.Info().Int("port", cfg.HTTPPort).Strs("venues", cfg.Venues).Msg("arbiter engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("httpapi shutdown error")
	}
	log.Info().Msg("arbiter engine stopped")
}

func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

func toScorerFactors(f config.VenueFactors) scorer.VenueFactors {
	return scorer.VenueFactors{Reliability: f.Reliability, Slippage: f.Slippage}
}

func venueEndpoints(venues []string) map[string]string {
	endpoints := make(map[string]string, len(venues))
	for _, v := range venues {
		if url := os.Getenv("VENUE_" + v + "_URL"); url != "" {
			endpoints[v] = url
		}
	}
	return endpoints
}

func buildArchiver(log zerolog.Logger) analytics.Archiver {
	cfg := s3archive.Config{
		AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		Bucket:          os.Getenv("S3_BUCKET"),
		Endpoint:        os.Getenv("S3_ENDPOINT"),
		Region:          os.Getenv("S3_REGION"),
	}
	if !cfg.Configured() {
		log.Info().Msg("S3 credentials not configured, archiving disabled")
		return nil
	}
	arc, err := s3archive.New(context.Background(), cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize archive client, archiving disabled")
		return nil
	}
	return arc
}
