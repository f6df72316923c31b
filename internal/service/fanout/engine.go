package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pushfanout/internal/model"
	"pushfanout/internal/push"
	"pushfanout/internal/service/composer"
	"pushfanout/pkg/logger"
	"pushfanout/pkg/metrics"
)

// TriggerStore 删除已消费的 trigger
type TriggerStore interface {
	Delete(ctx context.Context, id uuid.UUID) error
}

// Directory 提供可投递的接收者
type Directory interface {
	ListEligible(ctx context.Context) ([]model.Recipient, error)
}

// Reconciler 处理投递结果中的失效地址
type Reconciler interface {
	Reconcile(ctx context.Context, results []push.Result) (int64, error)
}

// Report 一次 fan-out 的统计
type Report struct {
	TriggerID         uuid.UUID
	Type              model.TriggerType
	Eligible          int
	Targeted          int
	Succeeded         int
	TransientFailures int
	PermanentFailures int
	Reconciled        int64
	// Dispatched 为 true 表示通知已交给推送通道，重试时不应再次发送
	Dispatched bool
	Deleted    bool
}

// Engine 每个 trigger 执行一次：读取接收者、过滤、组装、批量投递、回收地址、删除 trigger
type Engine struct {
	store      TriggerStore
	directory  Directory
	composer   *composer.Composer
	transport  push.Transport
	reconciler Reconciler
	logger     *zap.Logger
}

func NewEngine(
	store TriggerStore,
	directory Directory,
	composer *composer.Composer,
	transport push.Transport,
	reconciler Reconciler,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:      store,
		directory:  directory,
		composer:   composer,
		transport:  transport,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Process 读取目录或推送通道失败时返回 error 且不删除 trigger。
// 删除失败时同样返回 error，但 Report.Dispatched 为 true。
func (e *Engine) Process(ctx context.Context, t *model.Trigger) (Report, error) {
	start := time.Now()
	log := logger.WithTrace(ctx, e.logger).With(
		zap.String("trigger_id", t.ID.String()),
		zap.String("type", string(t.Type)),
	)
	report := Report{TriggerID: t.ID, Type: t.Type}

	recipients, err := e.directory.ListEligible(ctx)
	if err != nil {
		metrics.RecordFanout(string(t.Type), "failed", time.Since(start))
		return report, fmt.Errorf("list eligible recipients: %w", err)
	}

	addresses := targetAddresses(recipients, t.Type)
	report.Eligible = len(recipients)
	report.Targeted = len(addresses)

	outcome := "no_recipients"
	if len(addresses) > 0 {
		n := e.composer.Compose(t)

		results, err := e.transport.Send(ctx, addresses, n)
		if err != nil {
			metrics.RecordFanout(string(t.Type), "failed", time.Since(start))
			return report, fmt.Errorf("dispatch notification: %w", err)
		}
		report.Dispatched = true
		outcome = "delivered"

		report.Succeeded, report.TransientFailures, report.PermanentFailures = push.Tally(results)
		metrics.AddPushSends(push.OutcomeSuccess.String(), report.Succeeded)
		metrics.AddPushSends(push.OutcomeTransientFailure.String(), report.TransientFailures)
		metrics.AddPushSends(push.OutcomePermanentFailure.String(), report.PermanentFailures)

		log.Info("Fan-out dispatched",
			zap.Int("targeted", report.Targeted),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("transient_failures", report.TransientFailures),
			zap.Int("permanent_failures", report.PermanentFailures),
		)

		// 回收失败不影响本次结果，失效地址会在下一次 fan-out 再次被发现
		reconciled, err := e.reconciler.Reconcile(ctx, results)
		if err != nil {
			metrics.IncrementReconcileError()
			log.Error("Failed to reconcile invalid addresses", zap.Error(err))
		}
		report.Reconciled = reconciled
	} else {
		log.Info("No recipients to notify",
			zap.Int("eligible", report.Eligible),
		)
	}

	if err := e.store.Delete(ctx, t.ID); err != nil {
		metrics.RecordFanout(string(t.Type), "delete_failed", time.Since(start))
		return report, fmt.Errorf("delete trigger: %w", err)
	}
	report.Deleted = true
	t.Processed = true

	metrics.RecordFanout(string(t.Type), outcome, time.Since(start))
	log.Debug("Trigger consumed", zap.Duration("took", time.Since(start)))
	return report, nil
}

// targetAddresses 过滤掉不符合条件或关闭了该类别的接收者，地址去重
func targetAddresses(recipients []model.Recipient, t model.TriggerType) []string {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if !r.Eligible() || !r.Wants(t) {
			continue
		}
		addr := *r.Address
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
