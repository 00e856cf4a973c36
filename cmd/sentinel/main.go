package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sentinelops/sentinel/internal/api"
	"github.com/sentinelops/sentinel/internal/bus"
	"github.com/sentinelops/sentinel/internal/cache"
	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/detect"
	"github.com/sentinelops/sentinel/internal/intel"
	"github.com/sentinelops/sentinel/internal/investigate"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/respond"
	"github.com/sentinelops/sentinel/internal/store"
)

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfg, err := config.Load(os.Getenv("SENTINEL_SETTINGS"))
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting sentinel",
		"http_addr", cfg.HTTPAddr,
		"bus", cfg.BusMode,
		"sensor_id", cfg.SensorID,
		"offline_mode", cfg.OfflineMode,
		"live_capture", cfg.LiveCapture,
		"production_actions", cfg.ProductionActions,
		"policy_agent", cfg.Policy.Enabled)

	// Event bus: NATS when configured, in-process otherwise. A broker
	// outage at startup falls back to the in-process bus rather than
	// crashing.
	var eventBus bus.Bus
	if cfg.BusMode == "nats" {
		nb, err := bus.NewNATSBus(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("NATS unavailable, falling back to in-process bus", "error", err)
			eventBus = bus.NewMemoryBus()
		} else {
			eventBus = nb
		}
	} else {
		eventBus = bus.NewMemoryBus()
	}
	defer eventBus.Close()

	m := metrics.New()
	st := store.NewMemoryStore(cfg.MaxAlerts, cfg.MaxInvestigations, cfg.MaxActions)

	repCache := cache.Open(cfg.RedisURL, logger)

	// Detection
	scorer := detect.NewScorer(cfg, logger)
	batcher := detect.NewMicroBatcher(cfg.SensorID, cfg.PktThreshold, cfg.BytesThreshold, scorer)
	var source detect.EventSource
	if cfg.LiveCapture {
		src, err := detect.NewBusSource(eventBus)
		if err != nil {
			logger.Error("failed to open event source", "error", err)
			os.Exit(1)
		}
		source = src
	}
	detector := detect.NewWorker(eventBus, st, batcher, source, m, cfg.SensorID, logger)

	// Investigation
	clients := intel.All(repCache, cfg, m, logger)
	investigator := investigate.NewWorker(eventBus, st, clients, cfg.DedupeCap, m, logger)

	// Response
	matrix := respond.NewMatrix(cfg.Matrix)
	handler := respond.NewHandler(cfg, m, logger)
	var agent *respond.Agent
	if cfg.Policy.Enabled {
		agent = respond.NewAgent(cfg.Policy, logger)
	}
	responder := respond.NewWorker(eventBus, st, matrix, handler, agent, cfg.DedupeCap, m, logger)

	detector.Start()
	if err := investigator.Start(); err != nil {
		logger.Error("failed to start investigation worker", "error", err)
		os.Exit(1)
	}
	if err := responder.Start(); err != nil {
		logger.Error("failed to start response worker", "error", err)
		os.Exit(1)
	}

	var statsSource api.StatsSource
	if agent != nil {
		statsSource = agent
	}
	apiServer := api.NewServer(st, responder, statsSource, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiServer.Router(),
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("sentinel started")
	<-sigChan

	logger.Info("shutting down")
	detector.Stop()
	investigator.Stop()
	responder.Stop()

	if agent != nil {
		if err := agent.Save(""); err != nil {
			logger.Error("failed to persist value table", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("sentinel stopped")
}
