package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mqcontracts "pushfanout/contracts/mq"
	"pushfanout/internal/model"
	"pushfanout/internal/repository"
	"pushfanout/internal/service/fanout"
	"pushfanout/pkg/logger"
	"pushfanout/pkg/metrics"
	"pushfanout/pkg/util"
)

const (
	handlerName            = "fanout"
	defaultMaxDeliveries   = 5
	reasonMaxDeliveries    = "max_deliveries_exceeded"
	reasonInvalidTriggerID = "invalid_trigger_id"
	bookkeepingTimeout     = 3 * time.Second
)

// TriggerStore 读取并删除 trigger
type TriggerStore interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Trigger, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type Processor interface {
	Process(ctx context.Context, t *model.Trigger) (fanout.Report, error)
}

type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

// TriggerCreatedHandler 消费 trigger.created，对每个 trigger 执行一次 fan-out。
// 去重标记在推送发出后保留，重复投递只会重试删除。
type TriggerCreatedHandler struct {
	triggers      TriggerStore
	engine        Processor
	dlq           DLQPublisher
	deduper       *util.Deduper
	retryCounter  *util.RetryCounter
	maxDeliveries int64
	logger        *zap.Logger
}

func NewTriggerCreatedHandler(
	triggers TriggerStore,
	engine Processor,
	dlq DLQPublisher,
	deduper *util.Deduper,
	retryCounter *util.RetryCounter,
	maxDeliveries int,
	logger *zap.Logger,
) *TriggerCreatedHandler {
	if maxDeliveries <= 0 {
		maxDeliveries = defaultMaxDeliveries
	}
	return &TriggerCreatedHandler{
		triggers:      triggers,
		engine:        engine,
		dlq:           dlq,
		deduper:       deduper,
		retryCounter:  retryCounter,
		maxDeliveries: int64(maxDeliveries),
		logger:        logger,
	}
}

// Handle 返回 nil 时消息被 ack，返回 error 时重新入队
func (h *TriggerCreatedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mqcontracts.TriggerCreatedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("Failed to unmarshal trigger.created payload (non-retryable, sending to DLQ)",
			zap.Error(err),
			zap.Int("payload_size", len(raw)),
		)
		return h.deadLetter(ctx, raw, "json_decode_error", err)
	}

	id, err := uuid.Parse(p.TriggerID)
	if err != nil {
		log.Error("Invalid trigger id (non-retryable, sending to DLQ)",
			zap.String("trigger_id", p.TriggerID),
			zap.Error(err),
		)
		return h.deadLetter(ctx, raw, reasonInvalidTriggerID, err)
	}
	idStr := id.String()
	log = log.With(zap.String("trigger_id", idStr))

	t, err := h.triggers.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 已被消费或已被清理
			log.Info("Trigger no longer exists, skipping")
			return nil
		}
		return h.fail(ctx, raw, idStr, fmt.Errorf("load trigger: %w", err))
	}

	if !h.deduper.AcquireOnce(ctx, handlerName, idStr) {
		// 推送已经发出过，只补做删除
		if err := h.triggers.Delete(ctx, id); err != nil {
			return h.fail(ctx, raw, idStr, fmt.Errorf("delete trigger: %w", err))
		}
		h.resetRetries(ctx, idStr)
		log.Info("Duplicate delivery, trigger deleted without resending")
		return nil
	}

	report, err := h.engine.Process(ctx, t)
	if err != nil {
		if !report.Dispatched {
			bctx, cancel := bookkeepingContext(ctx)
			h.deduper.Release(bctx, handlerName, idStr)
			cancel()
		}
		return h.fail(ctx, raw, idStr, err)
	}

	h.resetRetries(ctx, idStr)
	log.Debug("Trigger fan-out completed",
		zap.Int("targeted", report.Targeted),
		zap.Int("succeeded", report.Succeeded),
	)
	return nil
}

// fail 不可重试或超过最大投递次数时进入 DLQ 并 ack，trigger 留给保留期清理
func (h *TriggerCreatedHandler) fail(ctx context.Context, raw []byte, id string, err error) error {
	log := logger.WithTrace(ctx, h.logger).With(zap.String("trigger_id", id))

	retryable, errType := util.IsRetryableError(err)
	if !retryable {
		log.Error("Fan-out failed (non-retryable, sending to DLQ)",
			zap.String("error_type", errType),
			zap.Error(err),
		)
		return h.deadLetter(ctx, raw, errType, err)
	}

	bctx, cancel := bookkeepingContext(ctx)
	attempts, cntErr := h.retryCounter.IncrementAndGet(bctx, util.FormatRetryKey(handlerName, id))
	cancel()
	if cntErr != nil {
		log.Warn("Failed to increment retry counter", zap.Error(cntErr))
		return err
	}

	if attempts >= h.maxDeliveries {
		log.Error("Fan-out exceeded max deliveries, sending to DLQ",
			zap.Int64("attempts", attempts),
			zap.String("error_type", errType),
			zap.Error(err),
		)
		if dlqErr := h.deadLetter(ctx, raw, reasonMaxDeliveries, err); dlqErr != nil {
			return dlqErr
		}
		h.resetRetries(ctx, id)
		return nil
	}

	log.Warn("Fan-out failed, will retry",
		zap.Int64("attempt", attempts),
		zap.Int64("max_deliveries", h.maxDeliveries),
		zap.String("error_type", errType),
		zap.Error(err),
	)
	return err
}

// deadLetter 发布失败时返回 error，消息重新入队而不是丢失
func (h *TriggerCreatedHandler) deadLetter(ctx context.Context, raw []byte, reason string, cause error) error {
	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	if err := h.dlq.PublishToDLQ(bctx, mqcontracts.RoutingKeyTriggerCreated, raw, reason+": "+cause.Error()); err != nil {
		logger.WithTrace(ctx, h.logger).Error("Failed to publish to DLQ",
			zap.String("reason", reason),
			zap.Error(err),
		)
		return fmt.Errorf("publish to DLQ: %w", err)
	}
	metrics.IncrementDLQPublished(mqcontracts.RoutingKeyTriggerCreated, reason)
	return nil
}

func (h *TriggerCreatedHandler) resetRetries(ctx context.Context, id string) {
	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	if err := h.retryCounter.Reset(bctx, util.FormatRetryKey(handlerName, id)); err != nil {
		h.logger.Debug("Failed to reset retry counter", zap.String("trigger_id", id), zap.Error(err))
	}
}

// bookkeepingContext 与消息处理的 deadline 解耦：处理超时后仍要释放去重标记、计数并写 DLQ
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}
