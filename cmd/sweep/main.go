package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pushfanout/internal/config"
	"pushfanout/internal/repository"
	"pushfanout/internal/service/retention"
	"pushfanout/pkg/db"
	"pushfanout/pkg/logger"
	"pushfanout/pkg/outbox"
)

// 执行一次保留期清理后退出，供外部 cron 调用
func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()

	sweeper := retention.NewSweeper(repository.NewTriggerRepository(dbConn, log), retention.Config{
		Window: cfg.Retention.Window(),
	}, log)
	if cfg.Retention.PurgeOutbox {
		sweeper.WithOutbox(outbox.NewRepository(dbConn))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := sweeper.Sweep(ctx)
	if err != nil {
		log.Fatal("Retention sweep failed", zap.Error(err))
	}
	log.Info("Retention sweep done",
		zap.Int64("triggers_deleted", res.Triggers),
		zap.Int64("outbox_events_deleted", res.OutboxEvents),
	)
}
