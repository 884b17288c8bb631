package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tanglab/llamabroker/internal/archive"
	"github.com/tanglab/llamabroker/internal/broker"
	"github.com/tanglab/llamabroker/internal/config"
	"github.com/tanglab/llamabroker/internal/engine"
	"github.com/tanglab/llamabroker/internal/history"
	"github.com/tanglab/llamabroker/internal/httpapi"
	"github.com/tanglab/llamabroker/internal/logging"
	"github.com/tanglab/llamabroker/internal/observability"
	"github.com/tanglab/llamabroker/internal/reliability"
	"github.com/tanglab/llamabroker/internal/session"
	"github.com/tanglab/llamabroker/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer, cfg.MetricsNamespace)

	ctx := context.Background()
	archiveStore, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("archive store init failed")
	}
	defer archiveStore.Close()

	gen, err := engine.New(engine.Config{
		Mode:        cfg.EngineMode,
		URL:         cfg.EngineURL,
		Model:       cfg.EngineModel,
		Timeout:     cfg.GenTimeout,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("engine init failed")
	}

	tr, err := transport.New(transport.Config{
		Mode:         cfg.TransportMode,
		MQTTURL:      cfg.MQTTURL,
		MQTTQoS:      byte(cfg.MQTTQoS),
		MQTTClientID: cfg.MQTTClientID,
		WSURL:        cfg.WSURL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("transport init failed")
	}
	defer tr.Close()

	store := session.NewStore()
	store.SetExpireHook(func(sess session.Session) {
		logger.Info().Str("session", sess.Key).Msg("session expired")
		metrics.SetActiveSessions(store.Len())
	})

	b := broker.New(broker.Config{
		Namespace:           cfg.Namespace,
		DefaultSystemPrompt: cfg.SystemPrompt,
		Limits: history.Limits{
			MaxTurns:  cfg.MaxTurns,
			MaxTokens: cfg.MaxHistoryTokens,
		},
		MaxGenTokens: cfg.MaxGenTokens,
		Temperature:  cfg.Temperature,
		TopP:         cfg.TopP,
		Retry: reliability.Policy{
			MaxAttempts: cfg.RetryMax,
			Base:        cfg.RetryBase,
			Cap:         cfg.RetryCap,
		},
		Scheduler: broker.SchedulerConfig{
			Workers:   cfg.Workers,
			MaxDepth:  cfg.QueueDepth,
			ScanDepth: cfg.ScanDepth,
		},
	}, store, gen, tr, archiveStore, metrics, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := b.Start(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("broker start failed")
	}
	store.StartJanitor(runCtx, cfg.SweepInterval, cfg.SessionIdleTimeout)
	metrics.StartReporter(runCtx, cfg.StatsInterval, logger)

	api := httpapi.New(store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("admin server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	b.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}
