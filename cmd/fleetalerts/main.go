package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"fleetalerts/internal/alerts"
	"fleetalerts/internal/api"
	"fleetalerts/internal/broadcast"
	"fleetalerts/internal/config"
	"fleetalerts/internal/engine"
	"fleetalerts/internal/ingest"
	"fleetalerts/internal/logging"
	"fleetalerts/internal/metrics"
	"fleetalerts/internal/model"
	"fleetalerts/internal/notify"
	"fleetalerts/internal/pipeline"
	"fleetalerts/internal/storage"
	"fleetalerts/internal/subscriptions"
	"fleetalerts/internal/vehicles"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("FLEETALERTS_CONFIG"), "path to YAML or JSON config")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config")
	reloadEvery := flag.Duration("reload-interval", 5*time.Second, "config file poll interval, 0 disables reload")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}
	manager, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, manager, logger, *reloadEvery); err != nil {
		logger.Error("fleetalerts stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("fleetalerts stopped")
}

func run(ctx context.Context, manager *config.Manager, logger *slog.Logger, reloadEvery time.Duration) error {
	cfg := manager.Get()
	logger.Info("starting fleetalerts", "version", version, "config", manager.Path(), "storage", cfg.Storage.Driver)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	var rdb *redis.Client
	if cfg.Subscriptions.Backend == "redis" || cfg.Broadcast.RedisMirror {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis not reachable yet", "addr", cfg.Redis.Addr, "err", err)
		}
		cancel()
	}

	var registry interface {
		subscriptions.Registry
		subscriptions.Writer
	}
	if cfg.Subscriptions.Backend == "redis" {
		registry = subscriptions.NewRedis(rdb, cfg.Broadcast.ChannelPrefix)
	} else {
		registry = subscriptions.NewMemory()
	}
	var mirror broadcast.Publisher
	if cfg.Broadcast.RedisMirror {
		mirror = broadcast.NewRedisMirror(rdb)
	}

	m := metrics.New()
	alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	vehicleStore := vehicles.NewStore(cfg.Vehicles.StoreLimit)
	machine := notify.NewMachine(notify.SettingsFrom(cfg.Notify), logger.With("component", "notify"))
	hub := broadcast.NewHub(registry, cfg.Broadcast.SendBuffer, logger.With("component", "hub"), m)
	defer hub.Close()

	// The broadcaster reads active alerts from the engine, which notifies
	// through the broadcaster; the indirection breaks the construction cycle.
	source := &activeSource{}
	bc := broadcast.New(cfg.Broadcast, registry, hub, source, mirror, m, logger.With("component", "broadcast"))
	eng := engine.NewEngine(cfg.Engine, logger.With("component", "engine"), store, machine, bc, alertsStore, m)
	source.engine = eng
	m.MustRegister(eng.Collector())

	dispatcher := pipeline.New(cfg.Ingest.Workers, cfg.Ingest.ChannelBuffer, func(ctx context.Context, t model.Telemetry) {
		vehicleStore.Update(t)
		bc.RelayTelemetry(ctx, t)
		if err := eng.ProcessSample(ctx, t); err != nil {
			logger.Warn("sample processing failed", "vehicle_id", t.VehicleID, "source", t.Source, "err", err)
		}
	}, logger.With("component", "pipeline"), m)

	ingestLogger := logger.With("component", "ingest")
	parser := ingest.NewParser()
	ingest.StartREST(ctx, manager, dispatcher, ingestLogger)
	ingest.StartTCPStream(ctx, manager, dispatcher, ingestLogger)
	ingest.StartUDP(ctx, manager, parser, dispatcher, ingestLogger)
	ingest.StartFileTail(ctx, manager, dispatcher, ingestLogger)
	ingest.StartKafka(ctx, manager, ingest.NewParser(), dispatcher, ingestLogger)

	api.Start(ctx, manager, api.Deps{
		Engine:      eng,
		Escalations: machine.Escalations(),
		Alerts:      alertsStore,
		Vehicles:    vehicleStore,
		Queue:       dispatcher,
		Summary:     bc,
		Hub:         hub,
		Telemetry:   ingest.NewRESTServer(manager, dispatcher, ingestLogger),
		Metrics:     m.Handler(),
	}, logger.With("component", "api"), version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		eng.RunMaintenance(gctx)
		return nil
	})
	g.Go(func() error {
		machine.Run(gctx)
		return nil
	})
	g.Go(func() error {
		bc.RunSummary(gctx)
		return nil
	})
	if reloadEvery > 0 && manager.Path() != "" {
		g.Go(func() error {
			manager.Watch(reloadEvery, func(next *config.Config) {
				eng.UpdateConfig(next.Engine)
				machine.UpdateSettings(notify.SettingsFrom(next.Notify))
				logger.Info("config reloaded", "path", manager.Path())
			}, func(err error) {
				logger.Warn("config reload failed", "err", err)
			}, gctx.Done())
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type activeSource struct {
	engine *engine.Engine
}

func (a *activeSource) SummaryAlerts(ctx context.Context) ([]model.Alert, error) {
	return a.engine.SummaryAlerts(ctx)
}
