package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scentd/internal/api"
	"scentd/internal/config"
	"scentd/internal/engine"
	"scentd/internal/history"
	"scentd/internal/ingest"
	"scentd/internal/latest"
	"scentd/internal/logging"
	"scentd/internal/model"
	"scentd/internal/mqtt"
	"scentd/internal/observability"
	"scentd/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/scentd.yaml", "path to the yaml or json config file")
	envFile := flag.String("env", ".env", "optional dotenv file with SCENTD_* overrides")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "scentd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	config.LoadDotEnv(envFile)
	mgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage %s: %w", cfg.Storage.Driver, err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	latestStore := latest.NewStore(cfg.Latest.StoreLimit)
	historyStore := history.NewStore(cfg.History.StoreLimit)
	eng, err := engine.NewEngine(cfg, logger, latestStore, historyStore, store)
	if err != nil {
		return fmt.Errorf("load pipeline: %w", err)
	}
	metrics := observability.NewMetrics()
	eng.SetMetrics(metrics)

	hub := api.NewHub(cfg.API.Origins, logger)
	defer hub.Close()
	eng.AddSink(hub)

	var mqttClient *mqtt.Client
	if cfg.Ingest.MQTT.Enabled || cfg.Publish.Enabled {
		mqttClient, err = mqtt.NewClient(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer mqttClient.Close()
		if cfg.Publish.Enabled {
			eng.AddSink(mqtt.NewPublisher(mqttClient, cfg.Publish))
		}
	}

	readings := make(chan model.Reading, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, readings)

	ingest.StartREST(ctx, mgr, readings, logger, metrics)
	ingest.StartTCPStream(ctx, mgr, readings, logger, metrics)
	ingest.StartFileTail(ctx, mgr, readings, logger, metrics)
	ingest.StartKafka(ctx, mgr, readings, logger, metrics)
	if mqttClient != nil {
		if err := ingest.StartMQTT(ctx, mgr, mqttClient, readings, logger, metrics); err != nil {
			return err
		}
	}

	api.Start(ctx, api.Options{
		Config:  mgr,
		Engine:  eng,
		Latest:  latestStore,
		History: historyStore,
		Storage: store,
		Hub:     hub,
		Metrics: metrics,
		Logger:  logger,
		Version: version,
	})

	stopWatch := make(chan struct{})
	go mgr.Watch(3*time.Second, func(next *config.Config) {
		if err := eng.UpdateConfig(next); err != nil {
			logger.Error("config reloaded but pipeline rejected", "pipeline", next.Pipeline, "err", err)
			return
		}
		logger.Info("config reloaded", "pipeline", next.Pipeline)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	status := eng.Status()
	logger.Info("scentd started",
		"version", version,
		"config", mgr.Path(),
		"pipeline", status.Pipeline,
		"tiers", status.Tiers,
	)

	<-ctx.Done()
	close(stopWatch)
	logger.Info("shutdown requested")
	time.Sleep(200 * time.Millisecond)
	return nil
}
