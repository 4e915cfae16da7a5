package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lwesolowski/homeflux/internal/alert"
	"github.com/lwesolowski/homeflux/internal/collector"
	"github.com/lwesolowski/homeflux/internal/config"
	"github.com/lwesolowski/homeflux/internal/database"
	httpapi "github.com/lwesolowski/homeflux/internal/http"
	"github.com/lwesolowski/homeflux/internal/metrics"
	"github.com/lwesolowski/homeflux/internal/pricing"
	"github.com/lwesolowski/homeflux/internal/repository"
	"github.com/lwesolowski/homeflux/internal/sink"
	"github.com/lwesolowski/homeflux/internal/tariff"
	"github.com/lwesolowski/homeflux/internal/transport"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	db, err := database.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()
	repos := repository.New(db)

	snk := sink.NewInflux(config.InfluxURL(), config.InfluxToken(), config.InfluxOrg(), config.InfluxBucket())
	defer snk.Close()

	var rdb *redis.Client
	if addr := config.RedisAddr(); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier, err := alert.NewNotifier(ctx, config.AWSRegion(), config.SNSTopicArn())
	if err != nil {
		log.Warn().Err(err).Msg("alerting disabled")
		notifier = nil
	}

	agg := collector.NewAggregator(snk, config.FlushInterval())
	mgr := collector.NewManager(transport.New, agg, notifier, collector.Options{
		PollInterval:     config.PollInterval(),
		PollTimeout:      config.PollTimeout(),
		FailureThreshold: config.AlertFailureThreshold(),
	})

	devices, err := repos.ListDevices()
	if err != nil {
		log.Fatal().Err(err).Msg("device registry read failed")
	}
	mgr.Reconcile(devices)

	tariffs, err := repos.ListTariffs()
	if err != nil {
		log.Fatal().Err(err).Msg("tariff registry read failed")
	}
	holidays := tariff.NewHolidayCache(tariff.NewHTTPHolidaySource(config.HolidayAPIURL(), config.HolidayCountry()))
	calc := tariff.NewCalculator(tariffs, holidays)
	market := pricing.NewClient(config.MarketAPIURL(), rdb, config.PriceCacheTTL())
	gen := tariff.NewGenerator(calc, market, snk)

	metrics.Serve(config.MetricsAddr())

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	httpapi.Register(app, mgr, agg, snk)
	go func() {
		log.Info().Str("addr", config.APIAddr()).Msg("api listening")
		if err := app.Listen(config.APIAddr()); err != nil {
			log.Error().Err(err).Msg("api server exit")
		}
	}()

	go flushLoop(ctx, agg, config.FlushInterval())
	go priceLoop(ctx, gen)
	go reconcileLoop(ctx, mgr, repos, config.ReconcileInterval())

	log.Info().Int("devices", len(devices)).Int("tariffs", len(tariffs)).Msg("collector running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	cancel()
	// flush before Stop: Stop drops every sample buffer. The flush time is
	// rounded up to the next boundary so the partial window is written too.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	interval := config.FlushInterval()
	agg.Flush(flushCtx, time.Now().Truncate(interval).Add(interval))
	flushCancel()
	mgr.Stop()
	_ = app.Shutdown()
}

// flushLoop fires aligned to the wall-clock window boundary, so windows
// start at :00/:15/:30/:45 regardless of process start time.
func flushLoop(ctx context.Context, agg *collector.Aggregator, interval time.Duration) {
	for {
		now := time.Now()
		next := now.Truncate(interval).Add(interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			agg.Flush(ctx, time.Now())
		}
	}
}

func priceLoop(ctx context.Context, gen *tariff.Generator) {
	if err := gen.Run(ctx, time.Now()); err != nil {
		log.Error().Err(err).Msg("price generation failed")
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gen.Run(ctx, time.Now()); err != nil {
				log.Error().Err(err).Msg("price generation failed")
			}
		}
	}
}

func reconcileLoop(ctx context.Context, mgr *collector.Manager, repos *repository.Repos, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices, err := repos.ListDevices()
			if err != nil {
				log.Error().Err(err).Msg("device registry re-read failed")
				continue
			}
			mgr.Reconcile(devices)
		}
	}
}
