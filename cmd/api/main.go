package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pushfanout/internal/api"
	"pushfanout/internal/config"
	"pushfanout/internal/repository"
	"pushfanout/internal/service/composer"
	"pushfanout/internal/service/retention"
	"pushfanout/internal/service/subscription"
	"pushfanout/internal/service/trigger"
	"pushfanout/pkg/db"
	"pushfanout/pkg/logger"
	"pushfanout/pkg/mq"
	"pushfanout/pkg/otel"
	"pushfanout/pkg/outbox"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting pushfanout api...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("port", cfg.Server.Port),
	)

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName:    cfg.Service.Name + "-api",
		ServiceVersion: cfg.Service.Version,
		Endpoint:       cfg.OTel.Endpoint,
		Enabled:        cfg.OTel.Enabled,
	}, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	// MQ Publisher（只由 outbox dispatcher 使用）
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Repositories
	triggerRepo := repository.NewTriggerRepository(dbConn, log)
	recipientRepo := repository.NewRecipientRepository(dbConn, log)
	outboxRepo := outbox.NewRepository(dbConn)

	// Services
	comp := composer.New(cfg.Links.BasePath)
	triggerService := trigger.NewService(dbConn, triggerRepo, outboxRepo, log)
	subscriptionService := subscription.NewService(recipientRepo, comp, log)
	replayService := outbox.NewReplayService(outboxRepo, publisher, log)
	sweeper := retention.NewSweeper(triggerRepo, retention.Config{
		Window: cfg.Retention.Window(),
	}, log)
	if cfg.Retention.PurgeOutbox {
		sweeper.WithOutbox(outboxRepo)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Outbox dispatcher
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(cfg.Outbox.Interval()).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	go dispatcher.Start(ctx)

	// HTTP
	router := api.NewRouter(api.Handlers{
		Triggers:   api.NewTriggerHandler(triggerService, log),
		Recipients: api.NewRecipientHandler(subscriptionService, log),
		Admin:      api.NewAdminHandler(replayService, sweeper, log),
	}, cfg.JWT.Secret, dbConn)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down api gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("api shutdown complete")
}
