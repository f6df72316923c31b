package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pushfanout/pkg/logger"
	"pushfanout/pkg/metrics"
)

// TriggerPurger 按创建时间批量删除 trigger
type TriggerPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// OutboxPurger 删除早于 cutoff 且已发送的 outbox 事件
type OutboxPurger interface {
	PurgeSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Window     time.Duration
	Interval   time.Duration
	RunOnStart bool
}

func DefaultConfig() Config {
	return Config{
		Window:   24 * time.Hour,
		Interval: 24 * time.Hour,
	}
}

// SweepResult 一次清理的结果
type SweepResult struct {
	Cutoff       time.Time `json:"cutoff"`
	Triggers     int64     `json:"triggers"`
	OutboxEvents int64     `json:"outbox_events"`
}

// Sweeper 删除超过保留窗口的 trigger，与 fan-out 的处理状态无关
type Sweeper struct {
	triggers TriggerPurger
	outbox   OutboxPurger
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger

	// 同一进程内不重叠执行
	mu sync.Mutex
}

func NewSweeper(triggers TriggerPurger, cfg Config, logger *zap.Logger) *Sweeper {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Sweeper{
		triggers: triggers,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// WithOutbox 同时清理已发送的 outbox 事件
func (s *Sweeper) WithOutbox(p OutboxPurger) *Sweeper {
	s.outbox = p
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep 删除 created_at 早于 now-Window 的 trigger。重复执行是安全的。
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := SweepResult{Cutoff: s.now().UTC().Add(-s.cfg.Window)}
	log := logger.WithTrace(ctx, s.logger)

	n, err := s.triggers.DeleteOlderThan(ctx, res.Cutoff)
	if err != nil {
		return res, fmt.Errorf("purge triggers: %w", err)
	}
	res.Triggers = n
	metrics.AddRetentionDeleted("triggers", n)

	if s.outbox != nil {
		n, err := s.outbox.PurgeSentBefore(ctx, res.Cutoff)
		if err != nil {
			return res, fmt.Errorf("purge outbox events: %w", err)
		}
		res.OutboxEvents = n
		metrics.AddRetentionDeleted("outbox_events", n)
	}

	log.Info("Retention sweep completed",
		zap.Time("cutoff", res.Cutoff),
		zap.Int64("triggers_deleted", res.Triggers),
		zap.Int64("outbox_events_deleted", res.OutboxEvents),
	)
	return res, nil
}

// Start 按 Interval 周期执行，直到 ctx 取消
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Retention sweeper started",
		zap.Duration("window", s.cfg.Window),
		zap.Duration("interval", s.cfg.Interval),
	)

	if s.cfg.RunOnStart {
		s.runOnce(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retention sweeper stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("Retention sweep failed", zap.Error(err))
	}
}
