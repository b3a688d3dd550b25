package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/marketlens/marketlens/api"
	"github.com/marketlens/marketlens/internal/broadcast"
	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/greeks"
	"github.com/marketlens/marketlens/internal/positions"
	"github.com/marketlens/marketlens/internal/quotecache"
	"github.com/marketlens/marketlens/internal/scheduler"
	"github.com/marketlens/marketlens/internal/settings"
	"github.com/marketlens/marketlens/internal/subscription"
	"github.com/marketlens/marketlens/internal/telemetry"
	"github.com/marketlens/marketlens/internal/upstream"
	"github.com/marketlens/marketlens/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	writeConfig := flag.Bool("write-config", false, "print the default configuration as YAML and exit")
	flag.Parse()

	if *writeConfig {
		cfg, err := config.Default()
		if err != nil {
			log.Fatalf("build default config: %v", err)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatalf("encode default config: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelShutdown, err := telemetry.Setup(rootCtx, cfg.Telemetry)
	if err != nil {
		zapLogger.Fatal("telemetry setup failed", zap.Error(err))
	}

	settingsStore, err := settings.Open(cfg.Settings, zapLogger)
	if err != nil {
		zapLogger.Fatal("open settings store", zap.Error(err))
	}
	if cfg.Settings.Driver == "sqlite" {
		if err := settingsStore.AutoMigrate(); err != nil {
			zapLogger.Fatal("migrate settings store", zap.Error(err))
		}
	}
	loadCtx, loadCancel := context.WithTimeout(rootCtx, 10*time.Second)
	if err := settingsStore.Load(loadCtx); err != nil {
		zapLogger.Warn("initial settings load failed, will retry on schedule", zap.Error(err))
	}
	loadCancel()

	tradier := upstream.NewTradier(cfg.Upstream.Tradier, cfg.Breaker, zapLogger)
	alpaca := upstream.NewAlpaca(cfg.Upstream.Alpaca, cfg.Breaker, zapLogger)

	cache := quotecache.New(cfg.Cache, zapLogger)

	var snapshotter *quotecache.Snapshotter
	var snapStore *quotecache.SnapshotStore
	if cfg.Cache.SnapshotPath != "" {
		snapStore, err = quotecache.OpenSnapshotStore(cfg.Cache.SnapshotPath, zapLogger)
		if err != nil {
			zapLogger.Fatal("open quote snapshot store", zap.Error(err))
		}
		saved, err := snapStore.Load(rootCtx)
		switch {
		case errors.Is(err, quotecache.ErrNoSnapshot):
			zapLogger.Info("no quote snapshot, starting cold")
		case err != nil:
			zapLogger.Warn("quote snapshot load failed, starting cold", zap.Error(err))
		default:
			zapLogger.Info("restored quote snapshot", zap.Int("quotes", cache.Restore(saved)))
		}
		snapshotter = quotecache.NewSnapshotter(cache, snapStore, cfg.Cache.SnapshotEvery, zapLogger)
		snapshotter.Start(rootCtx)
	}

	registry := subscription.NewRegistry()

	mirror, err := broadcast.NewMirror(cfg.Mirror)
	if err != nil {
		zapLogger.Fatal("configure quote mirror", zap.Error(err))
	}
	hub := broadcast.NewHub(cfg.Broadcast, registry, mirror, zapLogger)

	engine := greeks.NewEngine(zapLogger)
	tracker := positions.NewTracker(alpaca, cache, engine, registry, hub, settingsStore, zapLogger)

	sched := scheduler.New(cfg.Scheduler, cfg.Cache, tradier, cache, registry, hub, tracker, settingsStore, zapLogger)
	sched.Start(rootCtx)

	apiServer := api.NewServer(cfg.Server, cfg.JWT, cfg.Cache, api.Deps{
		Quotes:    cache,
		Market:    tradier,
		Registry:  registry,
		Hub:       hub,
		Portfolio: tracker,
		Settings:  settingsStore,
		Scheduler: sched,
		Engine:    engine,
		Risk:      settingsStore,
		Adapters:  []api.Adapter{tradier, alpaca},
	}, zapLogger)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("api server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("api server shutdown", zap.Error(err))
	}

	sched.Stop()
	hub.Stop()

	cancel()
	if snapshotter != nil {
		snapshotter.Stop()
		if err := snapStore.Close(); err != nil {
			zapLogger.Error("close quote snapshot store", zap.Error(err))
		}
	}
	cache.Stop()

	if err := settingsStore.Close(); err != nil {
		zapLogger.Error("close settings store", zap.Error(err))
	}

	if err := otelShutdown(shutdownCtx); err != nil {
		zapLogger.Error("telemetry shutdown", zap.Error(err))
	}

	zapLogger.Info("marketlens exited cleanly")
}
