package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/signalfuse/signalfuse/internal/alerts"
	"github.com/signalfuse/signalfuse/internal/api"
	"github.com/signalfuse/signalfuse/internal/cache"
	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/consensus"
	"github.com/signalfuse/signalfuse/internal/distributor"
	"github.com/signalfuse/signalfuse/internal/events"
	"github.com/signalfuse/signalfuse/internal/executor"
	"github.com/signalfuse/signalfuse/internal/generator"
	"github.com/signalfuse/signalfuse/internal/ledger"
	"github.com/signalfuse/signalfuse/internal/metrics"
	"github.com/signalfuse/signalfuse/internal/monitor"
	"github.com/signalfuse/signalfuse/internal/queue"
	"github.com/signalfuse/signalfuse/internal/regime"
	"github.com/signalfuse/signalfuse/internal/sources"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting signalfuse")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres: ledger and queue share the pool.
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid database config")
	}
	poolCfg.MaxConns = int32(cfg.Database.PoolSize)
	pool, err := pgxpool.NewWithConfig(rootCtx, poolCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create database pool")
	}
	defer pool.Close()
	if err := pool.Ping(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("Database unreachable")
	}

	// Shared cache tier is optional.
	var redisClient *redis.Client
	if cfg.Cache.SharedEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, shared cache degrades to miss")
		}
		cancel()
		defer redisClient.Close()
	}

	// Event bus is opt-in.
	var bus *events.Bus
	if cfg.NATS.Enabled {
		bus, err = events.Connect(cfg.NATS.URL, cfg.NATS.Prefix)
		if err != nil {
			log.Warn().Err(err).Msg("Event bus unavailable, continuing without it")
		} else {
			defer bus.Close()
		}
	}

	alertManager := buildAlerts(cfg)

	// Sources.
	registry := sources.NewRegistry(config.NewLogger("sources"))
	for _, sc := range cfg.Sources {
		src, err := buildSource(sc)
		if err != nil {
			log.Fatal().Err(err).Str("source_id", sc.ID).Msg("Failed to build source")
		}
		registry.Register(src, sc)
	}

	// Executors.
	execs := make([]executor.Executor, 0, len(cfg.Executors))
	for _, ec := range cfg.Executors {
		ex, err := buildExecutor(ec)
		if err != nil {
			log.Fatal().Err(err).Str("executor_id", ec.ID).Msg("Failed to build executor")
		}
		execs = append(execs, ex)
	}
	executorIDs := make([]string, len(execs))
	for i, ex := range execs {
		executorIDs[i] = ex.ID()
	}

	// Core pipeline.
	signalCache := cache.New(cfg.Cache, redisClient, config.NewLogger("cache"))
	regimeDetector := regime.NewDetector(cfg.Regime, config.NewLogger("regime"))
	engine := consensus.NewEngine(cfg.Consensus, registry.Weights(), registry.Kinds(), config.NewLogger("consensus"))
	led := ledger.New(pool, config.NewLogger("ledger"))
	queueStore := queue.NewStore(pool, config.NewLogger("queue"))

	var calendar distributor.Calendar = distributor.AlwaysOpen{}
	if !cfg.Generator.TwentyFourSeven {
		calendar = distributor.NewEquityHours()
	}

	latencyTracker := monitor.NewLatencyTracker(
		time.Duration(cfg.Monitoring.LatencySLOms)*time.Millisecond,
		time.Duration(cfg.Monitoring.LatencyWindowSeconds)*time.Second,
		alertManager, config.NewLogger("monitor"))

	accountMonitor := monitor.NewAccountMonitor(execs, cfg.Executors, queueStore, calendar, alertManager, config.NewLogger("monitor"))

	dist := distributor.New(execs, cfg.Executors, queueStore, accountMonitor, calendar,
		cfg.Queue.DefaultTTL(), latencyTracker, bus, config.NewLogger("distributor"))

	processor := queue.NewProcessor(cfg.Queue, queueStore, dist, led, executorIDs, config.NewLogger("queue"))
	accountMonitor.OnChange(processor.Notify)

	integrityMonitor := monitor.NewIntegrityMonitor(led, alertManager, bus,
		time.Duration(cfg.Monitoring.IntegritySweepSeconds)*time.Second,
		time.Duration(cfg.Monitoring.FullVerifySweepSeconds)*time.Second,
		config.NewLogger("monitor"))

	gen := generator.New(cfg.Generator, registry, signalCache, regimeDetector, engine,
		led, dist, bus, nil, calendar, config.NewLogger("generator"))

	// Background loops.
	dist.Start(rootCtx)
	accountMonitor.Start(rootCtx)
	processor.Start(rootCtx)
	go latencyTracker.Run(rootCtx)
	go integrityMonitor.Run(rootCtx)
	gen.Start(rootCtx)

	// Observability surfaces.
	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start metrics server")
		}
	}

	apiServer := api.NewServer(api.Config{
		Addr:      cfg.API.GetAPIAddr(),
		Generator: gen,
		Registry:  registry,
		Ledger:    led,
		Queue:     queueStore,
		Latency:   latencyTracker,
		Integrity: integrityMonitor,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("Shutdown signal received")

	gen.Stop()
	dist.Wait()
	accountMonitor.Wait()
	processor.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	log.Info().Msg("Shutdown complete")
}

func buildAlerts(cfg *config.Config) *alerts.Manager {
	sinks := []alerts.Alerter{alerts.NewLogAlerter()}
	if cfg.Alerts.TelegramEnabled {
		tg, err := alerts.NewTelegramAlerter(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatIDs)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram alerter unavailable")
		} else {
			sinks = append(sinks, tg)
		}
	}
	return alerts.NewManager(sinks...)
}

func buildSource(sc config.SourceConfig) (sources.Source, error) {
	switch sc.Driver {
	case "", "sim":
		return sources.NewSimSource(sc.ID, sc.Bias), nil
	case "mock":
		return sources.NewMockSource(sc.ID), nil
	default:
		return nil, fmt.Errorf("unknown source driver %q", sc.Driver)
	}
}

func buildExecutor(ec config.ExecutorConfig) (executor.Executor, error) {
	switch ec.Driver {
	case "", "paper":
		return executor.NewMock(ec.ID), nil
	default:
		return nil, fmt.Errorf("unknown executor driver %q", ec.Driver)
	}
}
