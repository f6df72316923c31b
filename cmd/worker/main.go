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

	mqcontracts "pushfanout/contracts/mq"
	"pushfanout/internal/config"
	"pushfanout/internal/httpserver"
	"pushfanout/internal/mqhandler"
	"pushfanout/internal/push"
	"pushfanout/internal/repository"
	"pushfanout/internal/service/composer"
	"pushfanout/internal/service/fanout"
	"pushfanout/internal/service/reconcile"
	"pushfanout/internal/service/retention"
	"pushfanout/pkg/circuitbreaker"
	"pushfanout/pkg/db"
	"pushfanout/pkg/logger"
	"pushfanout/pkg/mq"
	"pushfanout/pkg/otel"
	"pushfanout/pkg/outbox"
	"pushfanout/pkg/redis"
	"pushfanout/pkg/util"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting pushfanout worker...",
		zap.String("queue", cfg.Fanout.Queue),
		zap.String("push_driver", cfg.Push.Driver),
	)

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName:    cfg.Service.Name + "-worker",
		ServiceVersion: cfg.Service.Version,
		Endpoint:       cfg.OTel.Endpoint,
		Enabled:        cfg.OTel.Enabled,
	}, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis
	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := redis.Ping(ctx, rdb); err != nil {
		// 去重 fail-open，Redis 不可用时仍然启动
		log.Warn("Redis not reachable at startup", zap.Error(err))
	}
	deduper := util.NewDeduper(rdb, cfg.Fanout.DedupTTL(), log)
	retryCounter := util.NewRetryCounter(rdb, cfg.Fanout.DedupTTL())

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()

	// MQ Publisher（DLQ）
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()
	if err := publisher.DeclareDLQ(mqcontracts.RoutingKeyTriggerCreated); err != nil {
		log.Fatal("Failed to declare DLQ", zap.Error(err))
	}

	// Push transport
	var transport push.Transport
	switch cfg.Push.Driver {
	case "fcm":
		transport, err = push.NewFCMTransport(ctx, push.FCMConfig{
			ProjectID:       cfg.Push.ProjectID,
			CredentialsFile: cfg.Push.CredentialsFile,
			BatchSize:       cfg.Push.BatchSize,
		}, log)
		if err != nil {
			log.Fatal("Failed to init FCM transport", zap.Error(err))
		}
	default:
		log.Warn("Using log push transport, notifications are not delivered")
		transport = push.NewLogTransport(log)
	}
	breaker := push.NewBreakerTransport(transport, "push_"+cfg.Push.Driver, circuitbreaker.Config{
		FailureThreshold:    cfg.Push.Breaker.FailureThreshold,
		SuccessThreshold:    cfg.Push.Breaker.SuccessThreshold,
		Timeout:             cfg.Push.Breaker.Timeout(),
		HalfOpenMaxRequests: cfg.Push.Breaker.HalfOpenMaxRequests,
	})

	// Repositories & services
	triggerRepo := repository.NewTriggerRepository(dbConn, log)
	recipientRepo := repository.NewRecipientRepository(dbConn, log)

	engine := fanout.NewEngine(
		triggerRepo,
		recipientRepo,
		composer.New(cfg.Links.BasePath),
		breaker,
		reconcile.New(recipientRepo, log),
		log,
	)

	handler := mqhandler.NewTriggerCreatedHandler(
		triggerRepo, engine, publisher, deduper, retryCounter, cfg.Fanout.MaxDeliveries, log,
	)

	// Retention sweeper
	sweeper := retention.NewSweeper(triggerRepo, retention.Config{
		Window:     cfg.Retention.Window(),
		Interval:   cfg.Retention.Interval(),
		RunOnStart: cfg.Retention.RunOnStart,
	}, log)
	if cfg.Retention.PurgeOutbox {
		sweeper.WithOutbox(outbox.NewRepository(dbConn))
	}
	go sweeper.Start(ctx)

	// Consumer
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.Fanout.Queue, mqcontracts.RoutingKeyTriggerCreated, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()
	if err := consumer.SetPrefetch(cfg.Fanout.Prefetch); err != nil {
		log.Fatal("Failed to set prefetch", zap.Error(err))
	}
	consumer.SetConcurrency(cfg.Fanout.Prefetch)
	consumer.SetHandlerTimeout(cfg.Fanout.Timeout())
	consumer.SetHandler(handler.Handle)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("Consumer crashed", zap.Error(err))
		}
	}()

	// HTTP Server (health checks + metrics)
	router := httpserver.NewRouter(dbConn, publisher, breaker)
	srv := &http.Server{
		Addr:              ":" + cfg.Worker.HTTPPort,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("Worker running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker gracefully...")
	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// 等待在途 fan-out 完成后再关闭依赖
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for in-flight deliveries")
	}
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Worker shutdown complete")
}
